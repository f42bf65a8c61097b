// Package metrics provides escrow metrics collection backed by Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/transfa/crowdfund-service/internal/domain"
)

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Collector provides escrow metrics collection.
type Collector struct {
	registry *prometheus.Registry

	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	compensations *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	events        *prometheus.CounterVec

	campaigns *prometheus.GaugeVec
	escrow    *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "crowdfund"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "operations_total",
			Help:      "Escrow operations by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	c.duration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "operation_duration_seconds",
			Help:      "Time spent inside an escrow operation, including settlement",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"op"},
	)

	c.compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "compensations_total",
			Help:      "State commits rolled back after a failed transfer",
		},
		[]string{"op"},
	)

	c.rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-caller rate limiter",
		},
		[]string{"scope"},
	)

	c.events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Campaign events published by routing key and result",
		},
		[]string{"routing_key", "result"},
	)

	c.campaigns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "campaigns",
			Help:      "Campaigns by lifecycle state",
		},
		[]string{"state"},
	)

	c.escrow = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "value",
			Help:      "Platform totals in the smallest settlement unit",
		},
		[]string{"kind"},
	)

	c.registry.MustRegister(
		c.operations,
		c.duration,
		c.compensations,
		c.rateLimited,
		c.events,
		c.campaigns,
		c.escrow,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collected metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordOperation records one escrow operation. rejected tells apart expected
// business rejections from infrastructure failures.
func (c *Collector) RecordOperation(op string, elapsed time.Duration, err error, rejected func(error) bool) {
	if c == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailed
		if rejected != nil && rejected(err) {
			outcome = OutcomeRejected
		}
	}
	c.operations.WithLabelValues(op, outcome).Inc()
	c.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordCompensation counts a rolled back commit.
func (c *Collector) RecordCompensation(op string) {
	if c == nil {
		return
	}
	c.compensations.WithLabelValues(op).Inc()
}

// RecordRateLimited counts a throttled request.
func (c *Collector) RecordRateLimited(scope string) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(scope).Inc()
}

// RecordEventPublish counts a published event.
func (c *Collector) RecordEventPublish(routingKey string, err error) {
	if c == nil {
		return
	}
	result := OutcomeSuccess
	if err != nil {
		result = OutcomeFailed
	}
	c.events.WithLabelValues(routingKey, result).Inc()
}

// RecordSummary publishes the finance summary as gauges.
func (c *Collector) RecordSummary(summary domain.FinanceSummary) {
	if c == nil {
		return
	}
	c.campaigns.WithLabelValues("total").Set(float64(summary.Campaigns))
	c.campaigns.WithLabelValues(domain.ModerationPending).Set(float64(summary.Pending))
	c.campaigns.WithLabelValues(domain.ModerationApproved).Set(float64(summary.Approved))
	c.campaigns.WithLabelValues(domain.ModerationHeld).Set(float64(summary.Held))
	c.campaigns.WithLabelValues(domain.FundingOpen).Set(float64(summary.Open))
	c.campaigns.WithLabelValues(domain.FundingSucceeded).Set(float64(summary.Succeeded))
	c.campaigns.WithLabelValues(domain.FundingFailed).Set(float64(summary.Failed))
	c.campaigns.WithLabelValues("reported").Set(float64(summary.ReportedCount))

	c.escrow.WithLabelValues("raised").Set(float64(summary.TotalRaised))
	c.escrow.WithLabelValues("withdrawn").Set(float64(summary.TotalWithdrawn))
	c.escrow.WithLabelValues("refunded").Set(float64(summary.TotalRefunded))
	c.escrow.WithLabelValues("locked").Set(float64(summary.LockedInEscrow))
}

// IsAny returns a predicate matching any of targets via errors.Is.
func IsAny(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}

// RateLimitedCounter exposes the throttle counter of a scope.
func (c *Collector) RateLimitedCounter(scope string) prometheus.Counter {
	return c.rateLimited.WithLabelValues(scope)
}
