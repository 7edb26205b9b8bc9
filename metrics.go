package realtime

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type metrics struct {
	dropped    *prometheus.CounterVec
	reconnects prometheus.Counter
	state      *prometheus.GaugeVec
	inbound    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, log *zap.Logger) *metrics {
	m := &metrics{
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "transport",
			Name:      "dropped_events_total",
			Help:      "Outbound events dropped because the socket was not connected or the send queue was full.",
		}, []string{"kind"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts made after an unexpected disconnect.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "realtime",
			Subsystem: "transport",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "core",
			Name:      "inbound_events_total",
			Help:      "Inbound events by kind and outcome (applied, duplicate, stale, malformed).",
		}, []string{"kind", "outcome"}),
	}
	if reg != nil {
		m.dropped = register(reg, m.dropped, log)
		m.reconnects = register(reg, m.reconnects, log)
		m.state = register(reg, m.state, log)
		m.inbound = register(reg, m.inbound, log)
	}
	m.setState(StateDisconnected)
	return m
}

// register adopts an already registered collector so several transports
// sharing one registry report into the same series.
func register[C prometheus.Collector](reg prometheus.Registerer, c C, log *zap.Logger) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		log.Warn("metrics registration failed", zap.Error(err))
	}
	return c
}

func (m *metrics) setState(s ConnState) {
	for _, st := range []ConnState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}

func (m *metrics) inboundEvent(kind, outcome string) {
	m.inbound.WithLabelValues(kind, outcome).Inc()
}
