package diagnostics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusSink counts diagnostics with prometheus metrics.
type PrometheusSink struct {
	FramesDropped    *prometheus.CounterVec
	FramesApplied    *prometheus.CounterVec
	SendsDropped     prometheus.Counter
	StateTransitions *prometheus.CounterVec
	PersistFailures  *prometheus.CounterVec
	Connected        prometheus.Gauge
}

// NewPrometheusSink registers the chatsocket metrics with reg. A nil reg uses
// the default registerer.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusSink{
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsocket_frames_dropped_total",
				Help: "Total number of inbound frames that were dropped",
			},
			[]string{"reason"},
		),
		FramesApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsocket_frames_applied_total",
				Help: "Total number of inbound events applied to the conversation store",
			},
			[]string{"type"},
		),
		SendsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsocket_sends_dropped_total",
				Help: "Total number of outbound frames not written, because the connection was not open or the write failed",
			},
		),
		StateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsocket_connection_state_transitions_total",
				Help: "Total number of connection state transitions",
			},
			[]string{"from_state", "to_state"},
		),
		PersistFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsocket_persist_failures_total",
				Help: "Total number of failed snapshot loads and saves",
			},
			[]string{"op"},
		),
		Connected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatsocket_connected",
				Help: "1 while the socket connection is open",
			},
		),
	}
}

func (p *PrometheusSink) FrameDropped(reason string, _ []byte, _ error) {
	p.FramesDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusSink) FrameApplied(eventType string, _ string) {
	p.FramesApplied.WithLabelValues(eventType).Inc()
}

func (p *PrometheusSink) SendDropped(string, error) {
	p.SendsDropped.Inc()
}

func (p *PrometheusSink) StateChanged(from string, to string) {
	p.StateTransitions.WithLabelValues(from, to).Inc()
	if to == "open" {
		p.Connected.Set(1)
	} else {
		p.Connected.Set(0)
	}
}

func (p *PrometheusSink) PersistFailed(op string, _ error) {
	p.PersistFailures.WithLabelValues(op).Inc()
}

var _ Sink = &PrometheusSink{}
