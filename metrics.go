package chatrelay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shazow/chat-relay/relay"
)

const namespace = "relay"

// Send failure reasons, used as the reason label.
const (
	reasonBufferFull = "buffer_full"
	reasonWrite      = "write"
)

// Metrics holds the Prometheus metrics of a Host.
type Metrics struct {
	PeersAccepted     prometheus.Counter
	PeersRejected     prometheus.Counter
	MessagesBroadcast prometheus.Counter
	BytesRelayed      prometheus.Counter
	SendFailures      *prometheus.CounterVec
}

// NewMetrics creates and registers the relay metrics on reg. The active peer
// gauge reads the room registry directly.
func NewMetrics(reg prometheus.Registerer, room *relay.Room) *Metrics {
	m := &Metrics{
		PeersAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_accepted_total",
			Help:      "Total number of accepted peer connections.",
		}),
		PeersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_rejected_total",
			Help:      "Total number of connections closed because the relay was full.",
		}),
		MessagesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_broadcast_total",
			Help:      "Total number of chunks read from peers and broadcast.",
		}),
		BytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total number of bytes queued for delivery to peers.",
		}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total number of failed deliveries by reason.",
		}, []string{"reason"}),
	}
	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_active",
		Help:      "Number of peers currently registered.",
	}, func() float64 {
		return float64(room.Members.Len())
	})

	reg.MustRegister(
		m.PeersAccepted,
		m.PeersRejected,
		m.MessagesBroadcast,
		m.BytesRelayed,
		m.SendFailures,
		active,
	)
	return m
}

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// MetricsHandler returns an http.Handler that serves Prometheus metrics.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
