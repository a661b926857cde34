// Package metrics exposes Prometheus metrics for rule evaluation,
// intervention lifecycle, workflow progress, and audit log activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every metric the service exports and the registry
// they live in.
//
// Metrics:
//   - meridian_rule_evaluations_total: rule evaluations by rule and outcome
//   - meridian_rule_evaluation_duration_seconds: full evaluation pass duration
//   - meridian_interventions_total: interventions opened by type and source
//   - meridian_interventions_open: currently open interventions by type
//   - meridian_workflow_transitions_total: step transitions by type and action
//   - meridian_audit_appends_total: audit entries appended by outcome
//   - meridian_escalations_total: escalations by origin
type Collector struct {
	registry *prometheus.Registry

	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	interventionsTotal *prometheus.CounterVec
	interventionsOpen  *prometheus.GaugeVec
	transitionsTotal   *prometheus.CounterVec
	auditAppendsTotal  *prometheus.CounterVec
	escalationsTotal   *prometheus.CounterVec
}

// Evaluation outcomes for the rule_evaluations_total counter.
const (
	OutcomeNotFired   = "not_fired"
	OutcomeFired      = "fired"
	OutcomeSuppressed = "suppressed"
	OutcomeError      = "error"
)

// NewCollector creates the collector and registers every metric. A nil
// registry allocates a fresh one.
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "meridian"
	}

	c := &Collector{
		registry: registry,

		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_evaluations_total",
				Help:      "Total number of rule evaluations",
			},
			[]string{"rule_id", "outcome"},
		),

		evaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rule_evaluation_duration_seconds",
				Help:      "Duration of a full evaluation pass over one subject",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
			},
		),

		interventionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interventions_total",
				Help:      "Total number of interventions opened",
			},
			[]string{"type", "trigger_source"},
		),

		interventionsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "interventions_open",
				Help:      "Currently open interventions",
			},
			[]string{"type"},
		),

		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_transitions_total",
				Help:      "Total workflow step transitions",
			},
			[]string{"type", "action"},
		),

		auditAppendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_appends_total",
				Help:      "Total audit log appends",
			},
			[]string{"outcome"},
		),

		escalationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Total intervention escalations",
			},
			[]string{"origin"},
		),
	}

	registry.MustRegister(
		c.evaluationsTotal,
		c.evaluationDuration,
		c.interventionsTotal,
		c.interventionsOpen,
		c.transitionsTotal,
		c.auditAppendsTotal,
		c.escalationsTotal,
	)

	return c
}

// RecordEvaluation records one rule's evaluation outcome.
func (c *Collector) RecordEvaluation(ruleID, outcome string) {
	c.evaluationsTotal.WithLabelValues(ruleID, outcome).Inc()
}

// RecordEvaluationPass records the duration of a full per-subject pass.
func (c *Collector) RecordEvaluationPass(duration time.Duration) {
	c.evaluationDuration.Observe(duration.Seconds())
}

// RecordInterventionOpened records a newly opened case.
func (c *Collector) RecordInterventionOpened(interventionType, source string) {
	c.interventionsTotal.WithLabelValues(interventionType, source).Inc()
	c.interventionsOpen.WithLabelValues(interventionType).Inc()
}

// RecordInterventionResolved records a case leaving the open set.
func (c *Collector) RecordInterventionResolved(interventionType string) {
	c.interventionsOpen.WithLabelValues(interventionType).Dec()
}

// RecordTransition records a workflow step transition.
func (c *Collector) RecordTransition(interventionType, action string) {
	c.transitionsTotal.WithLabelValues(interventionType, action).Inc()
}

// RecordAuditAppend records one audit append attempt.
func (c *Collector) RecordAuditAppend(err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.auditAppendsTotal.WithLabelValues(outcome).Inc()
}

// RecordEscalation records an escalation, with origin "manual" or
// "sla_sweep".
func (c *Collector) RecordEscalation(origin string) {
	c.escalationsTotal.WithLabelValues(origin).Inc()
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(
		c.registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			ErrorHandling:     promhttp.ContinueOnError,
		},
	)
}
