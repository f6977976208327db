package relay

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// SendErrorHandler is called when delivery to a peer fails, before the peer
// is removed from the room.
type SendErrorHandler func(p *Peer, err error)

// Room relays messages between its members.
type Room struct {
	Members *Registry

	queueSize    int
	writeTimeout time.Duration
	seq          atomic.Uint64

	mu          sync.Mutex
	onSendError SendErrorHandler
	history     io.Writer

	// Serializes traffic log lines without holding mu during the write.
	historyMu sync.Mutex
}

// NewRoom creates a new room.
func NewRoom() *Room {
	return &Room{
		Members: NewRegistry(),
	}
}

// SetQueueSize caps the outbox of peers joining from now on. Zero, the
// default, leaves it unbounded.
func (r *Room) SetQueueSize(n int) {
	r.mu.Lock()
	r.queueSize = n
	r.mu.Unlock()
}

// SetWriteTimeout sets the write deadline of peers joining from now on.
func (r *Room) SetWriteTimeout(d time.Duration) {
	r.mu.Lock()
	r.writeTimeout = d
	r.mu.Unlock()
}

// SetSendErrorHandler registers fn to observe failed deliveries.
func (r *Room) SetSendErrorHandler(fn SendErrorHandler) {
	r.mu.Lock()
	r.onSendError = fn
	r.mu.Unlock()
}

// SetLogging writes a line for every relayed message to out.
func (r *Room) SetLogging(out io.Writer) {
	r.mu.Lock()
	r.history = out
	r.mu.Unlock()
}

// Join registers conn as a new peer and starts delivering broadcasts to it.
// The peer is registered before Join returns, so the caller may start its
// read loop right away.
func (r *Room) Join(conn net.Conn) (*Peer, error) {
	r.mu.Lock()
	queueSize, writeTimeout := r.queueSize, r.writeTimeout
	r.mu.Unlock()

	id := fmt.Sprintf("%d/%s", r.seq.Add(1), conn.RemoteAddr())
	p := NewPeer(id, conn, queueSize)
	p.writeTimeout = writeTimeout
	if err := r.Members.Add(p); err != nil {
		return nil, err
	}
	go r.consume(p)
	return p, nil
}

// Leave removes the peer from the room and closes it. Returns false if the
// peer had already left.
func (r *Room) Leave(p *Peer) bool {
	removed := r.Members.Remove(p.ID())
	p.Close()
	return removed
}

// Broadcast queues m for every member except its sender and returns the number
// of peers it was queued for. It does not wait for any write.
func (r *Room) Broadcast(m Message) int {
	r.record(m)

	n := 0
	for _, p := range r.Members.Snapshot() {
		if p.ID() == m.From {
			continue
		}
		err := p.Send(m.Payload)
		switch err {
		case nil:
			n++
		case ErrPeerClosed:
			// Left while we were iterating.
		default:
			r.sendFailed(p, err)
		}
	}
	return n
}

func (r *Room) consume(p *Peer) {
	err := p.Consume()
	if err == ErrPeerClosed {
		return
	}
	r.sendFailed(p, err)
}

func (r *Room) sendFailed(p *Peer, err error) {
	logger.Printf("Send to %s failed, dropping: %s", p.ID(), err)

	r.mu.Lock()
	fn := r.onSendError
	r.mu.Unlock()
	if fn != nil {
		fn(p, err)
	}
	r.Leave(p)
}

func (r *Room) record(m Message) {
	r.mu.Lock()
	out := r.history
	r.mu.Unlock()
	if out == nil {
		return
	}

	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	fmt.Fprintf(out, "%s %s %q\n", time.Now().UTC().Format(time.RFC3339), m.From, m.Payload)
}
