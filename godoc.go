/*
Package chatrelay is a TCP relay which forwards every byte received from one
peer to all other connected peers, the transport core of a simple multi-party
chat.

tcpd subdirectory contains the listener pieces which know nothing about
relaying.

relay subdirectory contains the peer, registry and broadcast pieces which know
nothing about listeners.

The Host type is the glue between the tcpd and relay pieces.
*/
package chatrelay
