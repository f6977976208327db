package tcpd

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/shazow/rateio"
)

// ErrListenerClosed is returned by Serve once the listener has been closed.
var ErrListenerClosed = errors.New("tcpd: listener closed")

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Listener wraps a TCP listener with connection-level configuration.
type Listener struct {
	net.Listener
	RateLimit func() rateio.Limiter
}

// ListenTCP makes an IPv4 TCP listener socket
func ListenTCP(laddr string) (*Listener, error) {
	socket, err := net.Listen("tcp4", laddr)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: socket}, nil
}

func (l *Listener) handleConn(conn net.Conn) net.Conn {
	if l.RateLimit != nil {
		conn = ReadLimitConn(conn, l.RateLimit())
	}
	return conn
}

// throttledConn reads through a rateio.Reader, everything else goes to the
// wrapped connection.
type throttledConn struct {
	net.Conn
	in io.Reader
}

func (c *throttledConn) Read(p []byte) (int, error) {
	return c.in.Read(p)
}

// ReadLimitConn wraps conn so that reading faster than limiter allows fails
// with rateio.ErrRateExceeded.
func ReadLimitConn(conn net.Conn, limiter rateio.Limiter) net.Conn {
	return &throttledConn{Conn: conn, in: rateio.NewReader(conn, limiter)}
}

// NewInputLimiter is a Listener.RateLimit factory allowing bytesPerSecond of
// input on every connection.
func NewInputLimiter(bytesPerSecond int) func() rateio.Limiter {
	return func() rateio.Limiter {
		return rateio.NewSimpleLimiter(bytesPerSecond, time.Second)
	}
}

// Serve accepts incoming connections and hands each one to handler. handler
// is called on the accepting goroutine, so it must not block.
//
// Transient accept failures are logged and retried with a backoff. Serve
// returns ErrListenerClosed after Close, or the wrapped error if the listener
// fails for any other reason.
func (l *Listener) Serve(handler func(net.Conn)) error {
	var delay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return ErrListenerClosed
			}
			if isTemporary(err) {
				if delay == 0 {
					delay = minAcceptDelay
				} else {
					delay *= 2
				}
				if delay > maxAcceptDelay {
					delay = maxAcceptDelay
				}
				logger.Printf("Failed to accept connection: %v; retrying in %v", err, delay)
				time.Sleep(delay)
				continue
			}
			return fmt.Errorf("tcpd: accept failed: %w", err)
		}
		delay = 0
		handler(l.handleConn(conn))
	}
}

func isTemporary(err error) bool {
	var ne net.Error
	if !errors.As(err, &ne) {
		return false
	}
	if ne.Timeout() {
		return true
	}
	// EMFILE, ECONNABORTED and friends.
	return ne.Temporary()
}
