// Package metrics exposes connection and message counters to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "knet").
	Namespace string

	// Subsystem separates servers from clients, e.g. "server".
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use. Nil gets a fresh
	// registry so several servers can live in one process.
	Registry prometheus.Registerer
}

// Metrics holds the collectors of one server or client. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry prometheus.Registerer
	gatherer prometheus.Gatherer

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	messagesReceived  *prometheus.CounterVec
	messagesSent      prometheus.Counter
	bytesReceived     prometheus.Counter
	bytesSent         prometheus.Counter
	dispatchDropped   *prometheus.CounterVec
	evictions         prometheus.Counter
	handlersReplaced  prometheus.Counter
}

// New registers the collectors on cfg.Registry.
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "knet"
	}

	m := &Metrics{registry: cfg.Registry}
	if m.registry == nil {
		reg := prometheus.NewRegistry()
		m.registry, m.gatherer = reg, reg
	} else if g, ok := cfg.Registry.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	factory := promauto.With(m.registry)
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}
	}

	m.connectionsActive = factory.NewGauge(prometheus.GaugeOpts(opts("connections_active", "Number of live connections")))
	m.connectionsTotal = factory.NewCounter(prometheus.CounterOpts(opts("connections_total", "Total connections accepted or established")))
	m.messagesReceived = factory.NewCounterVec(prometheus.CounterOpts(opts("messages_received_total", "Inbound envelopes by message type id")), []string{"type_id"})
	m.messagesSent = factory.NewCounter(prometheus.CounterOpts(opts("messages_sent_total", "Outbound packets written")))
	m.bytesReceived = factory.NewCounter(prometheus.CounterOpts(opts("bytes_received_total", "Inbound packet bytes")))
	m.bytesSent = factory.NewCounter(prometheus.CounterOpts(opts("bytes_sent_total", "Outbound packet bytes")))
	m.dispatchDropped = factory.NewCounterVec(prometheus.CounterOpts(opts("dispatch_dropped_total", "Inbound messages that did not reach a handler")), []string{"reason"})
	m.evictions = factory.NewCounter(prometheus.CounterOpts(opts("evictions_total", "Connections closed for inactivity")))
	m.handlersReplaced = factory.NewCounter(prometheus.CounterOpts(opts("handler_replaced_total", "Handler registrations that replaced an existing handler")))
	return m
}

// Gatherer returns the registry backing m, or nil when the supplied
// registerer cannot be gathered.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	return m.gatherer
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) Received(typeID uint16, size int) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(strconv.Itoa(int(typeID))).Inc()
	m.bytesReceived.Add(float64(size))
}

func (m *Metrics) Sent(size int) {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
	m.bytesSent.Add(float64(size))
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dispatchDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) HandlerReplaced() {
	if m == nil {
		return
	}
	m.handlersReplaced.Inc()
}
