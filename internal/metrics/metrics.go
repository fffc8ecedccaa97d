package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	Connections       prometheus.Gauge
	Subscriptions     prometheus.Gauge
	Pushes            *prometheus.CounterVec
	Appends           *prometheus.CounterVec
	HeartbeatTimeouts prometheus.Counter
	SlowConsumers     prometheus.Counter
	DLQ               prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Active websocket connections",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_active_subscriptions",
			Help: "Live address subscriptions across all connections",
		}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_pushes_total",
			Help: "Live pushes by result",
		}, []string{"result"}),
		Appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_appends_total",
			Help: "Store appends by result",
		}, []string{"result"}),
		HeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_heartbeat_timeouts_total",
			Help: "Connections dropped for missing heartbeats",
		}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_slow_consumer_disconnects_total",
			Help: "Connections dropped for a persistently full send buffer",
		}),
		DLQ: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notify_dlq_total",
			Help: "Events sent to the dead letter topic",
		}),
	}
	reg.MustRegister(
		m.Connections, m.Subscriptions, m.Pushes, m.Appends,
		m.HeartbeatTimeouts, m.SlowConsumers, m.DLQ,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) SubscriptionsChanged(delta int) {
	if m != nil {
		m.Subscriptions.Add(float64(delta))
	}
}

func (m *Metrics) Push(result string) {
	if m != nil {
		m.Pushes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Append(result string) {
	if m != nil {
		m.Appends.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) HeartbeatTimeout() {
	if m != nil {
		m.HeartbeatTimeouts.Inc()
	}
}

func (m *Metrics) SlowConsumer() {
	if m != nil {
		m.SlowConsumers.Inc()
	}
}

func (m *Metrics) DeadLettered() {
	if m != nil {
		m.DLQ.Inc()
	}
}
