package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the production workflow collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	transitionsTotal   *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	notificationsTotal *prometheus.CounterVec
	effectFailures     *prometheus.CounterVec
	deadlinesTotal     *prometheus.CounterVec
	overdueDeadlines   prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "production_workflow_transitions_total",
				Help: "Total number of transition attempts by outcome",
			},
			[]string{"entity_type", "transition", "outcome"},
		),
		transitionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "production_workflow_transition_duration_seconds",
				Help:    "Transition execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"entity_type"},
		),
		notificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "production_workflow_notifications_total",
				Help: "Total number of notifications created",
			},
			[]string{"entity_type", "kind"},
		),
		effectFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "production_workflow_effect_failures_total",
				Help: "Post-commit side effects that failed and were logged",
			},
			[]string{"effect"},
		),
		deadlinesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "production_workflow_deadlines_total",
				Help: "Deadlines scheduled and completed",
			},
			[]string{"role", "action"},
		),
		overdueDeadlines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "production_workflow_overdue_deadlines",
				Help: "Overdue deadlines found by the last reminder sweep",
			},
		),
	}
}

// RecordTransition records one Execute call.
func (m *Metrics) RecordTransition(entityType, transition, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(entityType, transition, outcome).Inc()
	m.transitionDuration.WithLabelValues(entityType).Observe(duration.Seconds())
}

// RecordNotifications counts created notifications.
func (m *Metrics) RecordNotifications(entityType, kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.notificationsTotal.WithLabelValues(entityType, kind).Add(float64(n))
}

// RecordEffectFailure counts a failed post-commit side effect.
func (m *Metrics) RecordEffectFailure(effect string) {
	if m == nil {
		return
	}
	m.effectFailures.WithLabelValues(effect).Inc()
}

// RecordDeadline counts a deadline action (scheduled, completed, reminded).
func (m *Metrics) RecordDeadline(role, action string) {
	if m == nil {
		return
	}
	m.deadlinesTotal.WithLabelValues(role, action).Inc()
}

// SetOverdue publishes the size of the last overdue sweep.
func (m *Metrics) SetOverdue(n int) {
	if m == nil {
		return
	}
	m.overdueDeadlines.Set(float64(n))
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
