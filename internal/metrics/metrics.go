// Package metrics holds the prometheus collectors of the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "huddle"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	Registry *prometheus.Registry

	connections       prometheus.Gauge
	inbound           *prometheus.CounterVec
	malformed         prometheus.Counter
	outboundDropped   prometheus.Counter
	signalsForwarded  prometheus.Counter
	signalsDropped    prometheus.Counter
	joins             *prometheus.CounterVec
	rateLimitDecision *prometheus.CounterVec
	questDropped      prometheus.Counter
}

// New registers every collector on a fresh registry, together with the
// process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "open websocket connections",
		}),
		inbound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "decoded client messages by type",
		}, []string{"type"}),
		malformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "client frames dropped as malformed",
		}),
		outboundDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_dropped_total",
			Help:      "outbound frames dropped because a connection queue was full",
		}),
		signalsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_forwarded_total",
			Help:      "signaling payloads delivered to their target",
		}),
		signalsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_dropped_total",
			Help:      "signaling payloads whose sender or target was not in the room",
		}),
		joins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "join attempts by result",
		}, []string{"result"}),
		rateLimitDecision: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "rate limiter decisions by kind",
		}, []string{"decision"}),
		questDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quest_events_dropped_total",
			Help:      "quest events dropped because the delivery queue was full",
		}),
	}
}

// RegisterRoomGauge exports the live room count read from fn at scrape time.
func (m *Metrics) RegisterRoomGauge(fn func() int) {
	if m == nil {
		return
	}
	promauto.With(m.Registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms",
		Help:      "live rooms",
	}, func() float64 { return float64(fn()) })
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) Inbound(msgType string) {
	if m != nil {
		m.inbound.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) Malformed() {
	if m != nil {
		m.malformed.Inc()
	}
}

func (m *Metrics) OutboundDropped() {
	if m != nil {
		m.outboundDropped.Inc()
	}
}

func (m *Metrics) SignalForwarded() {
	if m != nil {
		m.signalsForwarded.Inc()
	}
}

func (m *Metrics) SignalDropped() {
	if m != nil {
		m.signalsDropped.Inc()
	}
}

// Join counts a join attempt. result is "ok" or an error type.
func (m *Metrics) Join(result string) {
	if m != nil {
		m.joins.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) RateLimitDecision(kind string) {
	if m != nil {
		m.rateLimitDecision.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) QuestDropped() {
	if m != nil {
		m.questDropped.Inc()
	}
}
