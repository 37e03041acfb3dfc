// Copyright 2025 SocialGuard
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"sort"
	"sync"
	"sync/atomic"
)

// DefaultLatencyReservoirSize bounds the latency sample reservoir; the
// oldest samples are dropped once it fills.
const DefaultLatencyReservoirSize = 1000

// MetricsSink accumulates evaluation counters and a bounded latency
// reservoir. Counters are monotonic and updated atomically; the reservoir
// is guarded by a mutex and snapshot-sorted for percentile queries.
type MetricsSink struct {
	totalEvaluations     int64
	allowed              int64
	denied               int64
	errors               int64
	killSwitchTrips      int64
	rateLimitBlocks      int64
	approvalGateTriggers int64

	mu       sync.Mutex
	byReason map[DecisionReason]int64

	latencies []float64
	latIndex  int
	capacity  int
}

// NewMetricsSink creates a metrics sink with the given reservoir capacity
// (0 means the default of 1000 samples).
func NewMetricsSink(reservoirSize int) *MetricsSink {
	if reservoirSize <= 0 {
		reservoirSize = DefaultLatencyReservoirSize
	}
	return &MetricsSink{
		byReason:  make(map[DecisionReason]int64),
		latencies: make([]float64, 0, reservoirSize),
		capacity:  reservoirSize,
	}
}

// IncTotal increments the evaluation counter.
func (m *MetricsSink) IncTotal() { atomic.AddInt64(&m.totalEvaluations, 1) }

// RecordDecision counts the decision's result and reason, and the stage
// counters its reason implies.
func (m *MetricsSink) RecordDecision(d *PolicyDecision) {
	if d.Allowed {
		atomic.AddInt64(&m.allowed, 1)
	} else {
		atomic.AddInt64(&m.denied, 1)
	}

	switch d.Reason {
	case ReasonKillSwitchTripped:
		atomic.AddInt64(&m.killSwitchTrips, 1)
	case ReasonRateLimitExceeded:
		atomic.AddInt64(&m.rateLimitBlocks, 1)
	case ReasonEvaluationError:
		atomic.AddInt64(&m.errors, 1)
	}

	m.mu.Lock()
	m.byReason[d.Reason]++
	m.mu.Unlock()
}

// IncError counts a pipeline failure that produced no decision (fail-open
// mode re-raises the error instead of emitting an evaluation_error decision).
func (m *MetricsSink) IncError() { atomic.AddInt64(&m.errors, 1) }

// IncApprovalGateTriggers counts evaluations that reached the approval stage.
func (m *MetricsSink) IncApprovalGateTriggers() { atomic.AddInt64(&m.approvalGateTriggers, 1) }

// RecordLatency appends one sample to the reservoir, dropping the oldest
// once the bound is reached.
func (m *MetricsSink) RecordLatency(ms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.latencies) < m.capacity {
		m.latencies = append(m.latencies, ms)
		return
	}
	m.latencies[m.latIndex] = ms
	m.latIndex = (m.latIndex + 1) % m.capacity
}

// CacheStats is the cache's contribution to a metrics snapshot.
type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// LatencyStats aggregates the reservoir. An empty reservoir yields zeros.
type LatencyStats struct {
	Count int     `json:"count"`
	AvgMs float64 `json:"avg_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

// MetricsSnapshot is a point-in-time copy of all engine metrics.
type MetricsSnapshot struct {
	TotalEvaluations     int64            `json:"total_evaluations"`
	Allowed              int64            `json:"allowed"`
	Denied               int64            `json:"denied"`
	Errors               int64            `json:"errors"`
	ByReason             map[string]int64 `json:"by_reason"`
	KillSwitchTrips      int64            `json:"kill_switch_trips"`
	RateLimitBlocks      int64            `json:"rate_limit_blocks"`
	ApprovalGateTriggers int64            `json:"approval_gate_triggers"`
	Cache                CacheStats       `json:"cache"`
	Latency              LatencyStats     `json:"latency"`
}

// Snapshot copies all counters and computes the latency aggregates from a
// sorted copy of the reservoir. Aggregates use the index floor(q*n) of the
// sorted samples.
func (m *MetricsSink) Snapshot(cache CacheStats) MetricsSnapshot {
	snap := MetricsSnapshot{
		TotalEvaluations:     atomic.LoadInt64(&m.totalEvaluations),
		Allowed:              atomic.LoadInt64(&m.allowed),
		Denied:               atomic.LoadInt64(&m.denied),
		Errors:               atomic.LoadInt64(&m.errors),
		KillSwitchTrips:      atomic.LoadInt64(&m.killSwitchTrips),
		RateLimitBlocks:      atomic.LoadInt64(&m.rateLimitBlocks),
		ApprovalGateTriggers: atomic.LoadInt64(&m.approvalGateTriggers),
		ByReason:             make(map[string]int64),
		Cache:                cache,
	}

	total := snap.Cache.Hits + snap.Cache.Misses
	if total > 0 {
		snap.Cache.HitRate = float64(snap.Cache.Hits) / float64(total)
	}

	m.mu.Lock()
	for reason, count := range m.byReason {
		snap.ByReason[string(reason)] = count
	}
	samples := make([]float64, len(m.latencies))
	copy(samples, m.latencies)
	m.mu.Unlock()

	snap.Latency = aggregateLatency(samples)
	return snap
}

func aggregateLatency(samples []float64) LatencyStats {
	stats := LatencyStats{Count: len(samples)}
	if len(samples) == 0 {
		return stats
	}

	sort.Float64s(samples)

	var sum float64
	for _, s := range samples {
		sum += s
	}
	stats.AvgMs = sum / float64(len(samples))

	p95 := int(0.95 * float64(len(samples)))
	p99 := int(0.99 * float64(len(samples)))
	if p95 >= len(samples) {
		p95 = len(samples) - 1
	}
	if p99 >= len(samples) {
		p99 = len(samples) - 1
	}
	stats.P95Ms = samples[p95]
	stats.P99Ms = samples[p99]
	return stats
}
