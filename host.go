package chatrelay

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shazow/rateio"

	"github.com/shazow/chat-relay/relay"
	"github.com/shazow/chat-relay/tcpd"
)

// Host is the bridge between tcpd and relay modules
type Host struct {
	*relay.Room
	listener *tcpd.Listener
	metrics  *Metrics

	mu       sync.Mutex
	bufSize  int
	maxPeers int
	closed   bool

	readers sync.WaitGroup
}

// NewHost creates a Host on top of an existing listener. Metrics are
// registered on reg.
func NewHost(listener *tcpd.Listener, reg prometheus.Registerer) *Host {
	room := relay.NewRoom()
	h := Host{
		Room:     room,
		listener: listener,
		metrics:  NewMetrics(reg, room),
		bufSize:  relay.DefaultBufferSize,
	}
	room.SetSendErrorHandler(h.sendFailed)
	return &h
}

// SetBufferSize sets the read buffer capacity for new peers.
func (h *Host) SetBufferSize(n int) {
	h.mu.Lock()
	h.bufSize = n
	h.mu.Unlock()
}

// SetMaxPeers limits how many peers may be connected at once. Zero means no
// limit.
func (h *Host) SetMaxPeers(n int) {
	h.mu.Lock()
	h.maxPeers = n
	h.mu.Unlock()
}

// Serve accepts connections until the listener is closed. Returns
// tcpd.ErrListenerClosed after Close, any other error means the listener
// failed.
func (h *Host) Serve() error {
	err := h.listener.Serve(h.Connect)
	if err != nil && err != tcpd.ErrListenerClosed {
		logger.Errorf("Listener failed: %s", err)
	}
	return err
}

// Connect a specific connection to this host and its room. The peer is
// registered before its reader starts; Connect does not block. After Close,
// conn is closed straight away.
func (h *Host) Connect(conn net.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		logger.Debugf("[%s] Rejected: host closed", conn.RemoteAddr())
		conn.Close()
		return
	}
	if h.maxPeers > 0 && h.Members.Len() >= h.maxPeers {
		logger.Warningf("[%s] Rejected: %d peers connected", conn.RemoteAddr(), h.maxPeers)
		h.metrics.PeersRejected.Inc()
		conn.Close()
		return
	}

	peer, err := h.Join(conn)
	if err != nil {
		logger.Errorf("[%s] Failed to join: %s", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	h.metrics.PeersAccepted.Inc()
	logger.Infof("[%s] Connected: %s", conn.RemoteAddr(), peer.ID())

	bufSize := h.bufSize
	h.readers.Add(1)
	go func() {
		defer h.readers.Done()
		h.read(peer, bufSize)
	}()
}

func (h *Host) read(peer *relay.Peer, bufSize int) {
	err := peer.ReadLoop(bufSize, h.forward)
	h.Leave(peer)

	switch {
	case err == io.EOF, errors.Is(err, net.ErrClosed):
		// Hung up, or closed by us.
	case errors.Is(err, rateio.ErrRateExceeded):
		logger.Warningf("[%s] Rate limit exceeded, disconnecting", peer.RemoteAddr())
	default:
		logger.Errorf("[%s] Read failed: %s", peer.RemoteAddr(), err)
	}
	logger.Infof("[%s] Disconnected: %s (joined %s, %s in, %s out)",
		peer.RemoteAddr(),
		peer.ID(),
		humanize.Time(peer.Joined()),
		humanize.Bytes(peer.BytesIn()),
		humanize.Bytes(peer.BytesOut()),
	)
}

func (h *Host) forward(m relay.Message) {
	n := h.Broadcast(m)
	h.metrics.MessagesBroadcast.Inc()
	h.metrics.BytesRelayed.Add(float64(n * m.Len()))
	logger.Debugf("Relayed %d bytes from %s to %d peers", m.Len(), m.From, n)
}

func (h *Host) sendFailed(peer *relay.Peer, err error) {
	reason := reasonWrite
	if err == relay.ErrPeerBufferFull {
		reason = reasonBufferFull
	}
	h.metrics.SendFailures.WithLabelValues(reason).Inc()
	logger.Warningf("[%s] Send failed, dropping %s: %s", peer.RemoteAddr(), peer.ID(), err)
}

// Close stops accepting connections and closes every peer. It waits up to
// timeout for the readers to finish; in-flight sends are dropped.
func (h *Host) Close(timeout time.Duration) error {
	// Connect holds mu until its reader is counted, so no reader can be added
	// once closed is set.
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	errs := []error{h.listener.Close()}
	for _, peer := range h.Members.Clear() {
		errs = append(errs, peer.Close())
	}
	err := errors.Join(errs...)

	done := make(chan struct{})
	go func() {
		h.readers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warningf("Readers still running after %s", timeout)
	}
	return err
}
