// Package metrics exposes Prometheus collectors for attendance recording.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"eventattend/internal/attendance"
)

// Recorder counts transitions and failures. It implements attendance.Observer.
type Recorder struct {
	Transitions *prometheus.CounterVec
	Failures    *prometheus.CounterVec
	Evidence    *prometheus.CounterVec
	RateLimited prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Recorder {
	m := &Recorder{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_transitions_total",
			Help: "Committed attendance transitions.",
		}, []string{"transition", "path"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_transition_failures_total",
			Help: "Rejected attendance transitions by error kind.",
		}, []string{"kind"}),
		Evidence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_evidence_checks_total",
			Help: "Liveness checks on scan evidence by verdict.",
		}, []string{"verdict"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Transitions, m.Failures, m.Evidence, m.RateLimited)
	}
	return m
}

// Committed implements attendance.Observer.
func (m *Recorder) Committed(_ context.Context, c attendance.Commit) {
	m.Transitions.WithLabelValues(string(c.Transition), string(c.Path)).Inc()
}

// Rejected implements attendance.Observer.
func (m *Recorder) Rejected(_ context.Context, _ attendance.Key, _ attendance.Path, err error) {
	m.Failures.WithLabelValues(Kind(err)).Inc()
}

// EvidenceChecked counts a liveness verdict.
func (m *Recorder) EvidenceChecked(live bool) {
	verdict := "live"
	if !live {
		verdict = "spoof"
	}
	m.Evidence.WithLabelValues(verdict).Inc()
}

// ActiveGauge reports the recorder's active session count per event at scrape time.
func ActiveGauge(reg prometheus.Registerer, events func() map[string]int) {
	desc := prometheus.NewDesc("attendance_active_sessions", "Sessions timed in and not yet completed.", []string{"event"}, nil)
	reg.MustRegister(&activeCollector{desc: desc, events: events})
}

type activeCollector struct {
	desc   *prometheus.Desc
	events func() map[string]int
}

func (c *activeCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *activeCollector) Collect(ch chan<- prometheus.Metric) {
	for event, n := range c.events() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), event)
	}
}

// Kind maps an attendance error to a stable label.
func Kind(err error) string {
	switch {
	case errors.Is(err, attendance.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, attendance.ErrMissingIdentifier):
		return "missing_identifier"
	case errors.Is(err, attendance.ErrMissingEvidence):
		return "missing_evidence"
	case errors.Is(err, attendance.ErrSessionBusy):
		return "session_busy"
	case errors.Is(err, attendance.ErrPersistence):
		return "persistence"
	default:
		return "other"
	}
}
