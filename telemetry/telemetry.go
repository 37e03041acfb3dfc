// Copyright 2025 SocialGuard
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exports policy engine metrics in Prometheus format.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"socialguard/platform/engine"
)

// Prometheus metrics
var (
	promDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialguard_policy_decisions_total",
			Help: "Total number of policy decisions by effect and reason",
		},
		[]string{"effect", "reason"},
	)
	promEvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "socialguard_policy_evaluation_duration_milliseconds",
			Help:    "Policy evaluation duration in milliseconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 50, 100, 200, 500},
		},
	)
	promKillSwitchTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "socialguard_kill_switch_trips_total",
			Help: "Total number of decisions denied by a tripped kill switch",
		},
	)
	promRateLimitBlocks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "socialguard_rate_limit_blocks_total",
			Help: "Total number of decisions denied by rate limiting",
		},
	)
	promCacheHits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "socialguard_policy_cache_hits_total",
			Help: "Policy cache hits since process start",
		},
	)
	promCacheMisses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "socialguard_policy_cache_misses_total",
			Help: "Policy cache misses since process start",
		},
	)
	promCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "socialguard_policy_cache_entries",
			Help: "Current number of cached policy entries",
		},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promDecisionsTotal)
	prometheus.MustRegister(promEvaluationDuration)
	prometheus.MustRegister(promKillSwitchTrips)
	prometheus.MustRegister(promRateLimitBlocks)
	prometheus.MustRegister(promCacheHits)
	prometheus.MustRegister(promCacheMisses)
	prometheus.MustRegister(promCacheSize)
}

// DecisionHandler observes every decision as an audit event. Chain it with
// other audit handlers via engine.ChainAuditHandlers.
func DecisionHandler() engine.AuditHandler {
	return func(event *engine.AuditEvent) {
		d := event.Decision
		if d == nil {
			return
		}
		promDecisionsTotal.WithLabelValues(string(d.Effect), string(d.Reason)).Inc()
		promEvaluationDuration.Observe(d.EvaluationDurationMs)

		switch d.Reason {
		case engine.ReasonKillSwitchTripped:
			promKillSwitchTrips.Inc()
		case engine.ReasonRateLimitExceeded:
			promRateLimitBlocks.Inc()
		}
	}
}

// UpdateCacheStats pushes a metrics snapshot's cache counters to the
// gauges. Call it on scrape or on a timer.
func UpdateCacheStats(snap engine.MetricsSnapshot) {
	promCacheHits.Set(float64(snap.Cache.Hits))
	promCacheMisses.Set(float64(snap.Cache.Misses))
	promCacheSize.Set(float64(snap.Cache.Size))
}
