package relay

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the read buffer capacity of a peer.
const DefaultBufferSize = 1024

// ErrPeerClosed is returned when sending to a peer which has already been
// closed. It is expected when a broadcast races a disconnect.
var ErrPeerClosed = errors.New("peer closed")

// ErrPeerBufferFull is returned when a peer's outbox has reached its limit.
// The peer is closed when this happens.
var ErrPeerBufferFull = errors.New("peer outbox full")

// Peer is one relayed connection. Reads happen in ReadLoop, writes happen in
// Consume; each runs in exactly one goroutine.
type Peer struct {
	conn   net.Conn
	id     string
	joined time.Time

	// Set by Room.Join before Consume starts, read only by Consume.
	writeTimeout time.Duration

	wake chan struct{}
	done chan struct{}

	mu        sync.RWMutex
	outbox    [][]byte
	limit     int
	closed    bool
	closeOnce sync.Once
	closeErr  error

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// NewPeer wraps conn. queueLimit caps the number of payloads waiting to be
// written; below 1 the outbox is unbounded.
func NewPeer(id string, conn net.Conn, queueLimit int) *Peer {
	if queueLimit < 0 {
		queueLimit = 0
	}
	return &Peer{
		conn:   conn,
		id:     id,
		joined: time.Now(),
		limit:  queueLimit,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID returns the identifier of the peer, unique while it is open.
func (p *Peer) ID() string {
	return p.id
}

// Key implements set.Item.
func (p *Peer) Key() string {
	return p.id
}

// Value implements set.Item, closed peers are expired.
func (p *Peer) Value() interface{} {
	if p.Closed() {
		return nil
	}
	return p
}

// RemoteAddr of the underlying connection.
func (p *Peer) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}

// Joined returns when the peer was created.
func (p *Peer) Joined() time.Time {
	return p.joined
}

// BytesIn is the number of bytes read from the peer so far.
func (p *Peer) BytesIn() uint64 {
	return p.bytesIn.Load()
}

// BytesOut is the number of bytes written to the peer so far.
func (p *Peer) BytesOut() uint64 {
	return p.bytesOut.Load()
}

// Closed reports whether Close has been called.
func (p *Peer) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Done is closed once the peer is closed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Close the peer and its connection. Safe to call more than once, from any
// goroutine; only the first call closes the connection.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.outbox = nil
		close(p.done)
		p.mu.Unlock()
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

// Send queues data to be written to the peer. It never blocks. If the peer
// has a queue limit and it is reached, the peer is closed.
func (p *Peer) Send(data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	if p.limit > 0 && len(p.outbox) >= p.limit {
		p.mu.Unlock()
		logger.Printf("Outbox full, closing: %s", p.id)
		p.Close()
		return ErrPeerBufferFull
	}
	p.outbox = append(p.outbox, data)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of payloads waiting to be written.
func (p *Peer) Pending() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.outbox)
}

func (p *Peer) pop() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.outbox) == 0 {
		return nil, false
	}
	data := p.outbox[0]
	p.outbox[0] = nil
	p.outbox = p.outbox[1:]
	return data, true
}

// Consume drains the outbox into the connection, one payload at a time, in the
// order they were sent. Blocks until the peer is closed or a write fails,
// should be called in a goroutine.
func (p *Peer) Consume() error {
	for {
		data, ok := p.pop()
		if !ok {
			select {
			case <-p.done:
				return ErrPeerClosed
			case <-p.wake:
				continue
			}
		}
		if err := p.write(data); err != nil {
			if p.Closed() {
				return ErrPeerClosed
			}
			return err
		}
	}
}

func (p *Peer) write(data []byte) error {
	if p.writeTimeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
			return err
		}
	}
	// net.Conn writes the whole buffer or returns an error.
	n, err := p.conn.Write(data)
	p.bytesOut.Add(uint64(n))
	return err
}

// ReadLoop reads from the peer until the connection fails, calling fn with
// every non-empty chunk. A read which returns no data and no error is ignored.
// It always returns a non-nil error, io.EOF when the remote side hung up.
func (p *Peer) ReadLoop(bufSize int, fn func(Message)) error {
	if bufSize < 1 {
		bufSize = DefaultBufferSize
	}
	buf := make([]byte, bufSize)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			p.bytesIn.Add(uint64(n))
			fn(NewMessage(p.id, buf[:n]))
		}
		if err != nil {
			return err
		}
	}
}
