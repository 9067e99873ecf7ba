// Package metrics exposes screening workflow counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the screening counters.
type Metrics struct {
	transitions        *prometheus.CounterVec
	rejected           *prometheus.CounterVec
	classifications    *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	gatherer           prometheus.Gatherer
}

// New creates the counters and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screening_transitions_total",
				Help: "Applied screening session state transitions",
			},
			[]string{"from", "to", "event"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screening_transitions_rejected_total",
				Help: "Screening operations rejected by the state machine",
			},
			[]string{"event", "reason"},
		),
		classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screening_classifications_total",
				Help: "Pathway payloads classified",
			},
			[]string{"pathway", "category", "referral"},
		),
		validationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screening_validation_failures_total",
				Help: "Payloads rejected by validation",
			},
			[]string{"subject"},
		),
		gatherer: reg,
	}
	reg.MustRegister(m.transitions, m.rejected, m.classifications, m.validationFailures)
	return m
}

// NewDefault registers on a fresh registry that also carries the Go and
// process collectors.
func NewDefault() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return New(reg)
}

func (m *Metrics) TransitionApplied(from, to, event string) {
	m.transitions.WithLabelValues(from, to, event).Inc()
}

func (m *Metrics) TransitionRejected(event, reason string) {
	m.rejected.WithLabelValues(event, reason).Inc()
}

func (m *Metrics) Classified(pathway, category string, referral bool) {
	m.classifications.WithLabelValues(pathway, category, strconv.FormatBool(referral)).Inc()
}

func (m *Metrics) ValidationFailed(subject string) {
	m.validationFailures.WithLabelValues(subject).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
