package broker

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the broker. A nil *Metrics disables instrumentation.
type Metrics struct {
	clientsConnected prometheus.Gauge
	connectionsTotal prometheus.Counter
	disconnectsTotal *prometheus.CounterVec
	commandsTotal    *prometheus.CounterVec
	eventsTotal      *prometheus.CounterVec
	writeFailures    prometheus.Counter
}

func newMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		return nil
	}
	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "enginehost",
			Subsystem: "broker",
			Name:      "clients_connected",
			Help:      "Number of currently connected WebSocket clients.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "enginehost",
			Subsystem: "broker",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted.",
		}),
		disconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enginehost",
			Subsystem: "broker",
			Name:      "disconnects_total",
			Help:      "Total client disconnects by reason.",
		}, []string{"reason"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enginehost",
			Subsystem: "broker",
			Name:      "commands_total",
			Help:      "Total commands received from clients by message type.",
		}, []string{"type"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enginehost",
			Subsystem: "broker",
			Name:      "events_total",
			Help:      "Total event messages written to clients by message type.",
		}, []string{"type"}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "enginehost",
			Subsystem: "broker",
			Name:      "write_failures_total",
			Help:      "Total failed writes to WebSocket clients.",
		}),
	}
	registry.MustRegister(
		m.clientsConnected,
		m.connectionsTotal,
		m.disconnectsTotal,
		m.commandsTotal,
		m.eventsTotal,
		m.writeFailures,
	)
	return m
}

func (m *Metrics) observeConnect(clients int) {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.clientsConnected.Set(float64(clients))
}

func (m *Metrics) observeDisconnect(clients int, reason string) {
	if m == nil {
		return
	}
	m.disconnectsTotal.WithLabelValues(reason).Inc()
	m.clientsConnected.Set(float64(clients))
}

func (m *Metrics) observeCommand(typ string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(typ).Inc()
}

func (m *Metrics) observeEvent(typ string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(typ).Inc()
}

func (m *Metrics) observeWriteFailure() {
	if m == nil {
		return
	}
	m.writeFailures.Inc()
}
