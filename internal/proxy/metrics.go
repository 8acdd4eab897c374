package proxy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/die-net/ssrelay/internal/relay"
)

const (
	dirClientToDownstream = "client_to_downstream"
	dirDownstreamToClient = "downstream_to_client"

	kindTimeout = "timeout"
)

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	accepted     prometheus.Counter
	active       prometheus.Gauge
	errors       *prometheus.CounterVec
	bytes        *prometheus.CounterVec
	handshake    prometheus.Histogram
	firstTraffic prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	latency := prometheus.ExponentialBuckets(0.005, 2, 12)

	return &Metrics{
		accepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ssrelay",
			Name:      "connections_accepted_total",
			Help:      "Client connections accepted.",
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "ssrelay",
			Name:      "connections_active",
			Help:      "Client connections currently being relayed.",
		}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ssrelay",
			Name:      "connection_errors_total",
			Help:      "Connections torn down by an error, by kind.",
		}, []string{"kind"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ssrelay",
			Name:      "relayed_bytes_total",
			Help:      "Plaintext bytes relayed, by direction.",
		}, []string{"direction"}),
		handshake: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ssrelay",
			Name:      "handshake_seconds",
			Help:      "Time from accept until the downstream relay accepted CONNECT.",
			Buckets:   latency,
		}),
		firstTraffic: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ssrelay",
			Name:      "first_traffic_seconds",
			Help:      "Time from accept until the first downstream payload.",
			Buckets:   latency,
		}),
	}
}

func (m *Metrics) connOpened() {
	m.accepted.Inc()
	m.active.Inc()
}

func (m *Metrics) connClosed() {
	m.active.Dec()
}

func (m *Metrics) observeError(err error) {
	m.errors.WithLabelValues(relay.ErrorKind(err)).Inc()
}

func (m *Metrics) observeTimeout() {
	m.errors.WithLabelValues(kindTimeout).Inc()
}

func (m *Metrics) addBytes(direction string, n int) {
	m.bytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) observeHandshake(d time.Duration) {
	m.handshake.Observe(d.Seconds())
}

func (m *Metrics) observeFirstTraffic(d time.Duration) {
	m.firstTraffic.Observe(d.Seconds())
}
