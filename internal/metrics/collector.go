// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds every Prometheus vector this core exports, grouped by
// the four domains that actually produce metrics: plans (C3), outcomes
// (C2/C4), the scheduler (C6), and provider health (C1).
type Collector struct {
	plansTotal     *prometheus.CounterVec
	planConfidence *prometheus.HistogramVec

	outcomesTotal     *prometheus.CounterVec
	outcomeLatency    *prometheus.HistogramVec
	outcomeCostTotal  *prometheus.CounterVec
	outcomeQuality    *prometheus.HistogramVec

	schedulerModeChanges  *prometheus.CounterVec
	schedulerAutoRollback *prometheus.CounterVec
	schedulerGoalEvents   *prometheus.CounterVec

	providerHealthTransitions *prometheus.CounterVec

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewCollector registers every vector under namespace via promauto.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.plansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_total",
			Help:      "Total number of plans produced by the routing policy",
		},
		[]string{"shape", "explored"},
	)

	c.planConfidence = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_confidence",
			Help:      "Routing policy confidence for the chosen candidate",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"shape"},
	)

	c.outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Total number of provider outcomes recorded by the feedback ledger",
		},
		[]string{"provider", "feature_key", "success"},
	)

	c.outcomeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outcome_latency_seconds",
			Help:      "Provider call latency as recorded in the feedback ledger",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	c.outcomeCostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcome_cost_usd_total",
			Help:      "Total provider cost in USD",
		},
		[]string{"provider"},
	)

	c.outcomeQuality = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outcome_quality_score",
			Help:      "Quality score attached to provider outcomes",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"provider"},
	)

	c.schedulerModeChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_mode_changes_total",
			Help:      "Total number of learning scheduler mode transitions",
		},
		[]string{"from", "to"},
	)

	c.schedulerAutoRollback = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_auto_rollbacks_total",
			Help:      "Total number of automatic quiet-mode transitions triggered by bucket error rate",
		},
		[]string{"bucket"},
	)

	c.schedulerGoalEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_goal_events_total",
			Help:      "Total number of goal achieved/expired events",
		},
		[]string{"goal_id", "event"},
	)

	c.providerHealthTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_health_transitions_total",
			Help:      "Total number of provider health state transitions",
		},
		[]string{"provider", "from", "to"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordPlan records one plan produced by the routing policy.
func (c *Collector) RecordPlan(shape string, explored bool, confidence float64) {
	c.plansTotal.WithLabelValues(shape, explorationLabel(explored)).Inc()
	c.planConfidence.WithLabelValues(shape).Observe(confidence)
}

// RecordOutcome records one provider outcome folded into the feedback
// ledger.
func (c *Collector) RecordOutcome(provider, featureKey string, success bool, latency time.Duration, costUsd, quality float64) {
	c.outcomesTotal.WithLabelValues(provider, featureKey, successLabel(success)).Inc()
	c.outcomeLatency.WithLabelValues(provider).Observe(latency.Seconds())
	c.outcomeCostTotal.WithLabelValues(provider).Add(costUsd)
	c.outcomeQuality.WithLabelValues(provider).Observe(quality)
}

// RecordSchedulerModeChange records a C6 mode transition.
func (c *Collector) RecordSchedulerModeChange(from, to string) {
	c.schedulerModeChanges.WithLabelValues(from, to).Inc()
}

// RecordAutoRollback records an automatic quiet-mode transition triggered
// by a feature bucket's rolling error rate.
func (c *Collector) RecordAutoRollback(bucket string) {
	c.schedulerAutoRollback.WithLabelValues(bucket).Inc()
}

// RecordGoalEvent records a goal reaching "achieved" or "expired".
func (c *Collector) RecordGoalEvent(goalID, event string) {
	c.schedulerGoalEvents.WithLabelValues(goalID, event).Inc()
}

// RecordProviderHealthTransition records a C1 health state change.
func (c *Collector) RecordProviderHealthTransition(provider, from, to string) {
	c.providerHealthTransitions.WithLabelValues(provider, from, to).Inc()
}

func successLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func explorationLabel(explored bool) string {
	if explored {
		return "explored"
	}
	return "exploited"
}
