/*
`relay` package is a transport-agnostic implementation of a byte relay: every
chunk read from one peer is queued for every other peer in the room.

This package should not know anything about listeners. It works on top of
net.Conn values handed to it, so it can be driven by real sockets or by
net.Pipe in tests.

Each Peer owns two goroutines: the read loop, started by whoever joined it to
the room, and the consume loop, which drains the peer's outbox one payload at
a time. Nothing else writes to the underlying connection.
*/
package relay
