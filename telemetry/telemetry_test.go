// Copyright 2025 SocialGuard
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"socialguard/platform/engine"
)

func TestDecisionHandlerCounts(t *testing.T) {
	handler := DecisionHandler()

	before := testutil.ToFloat64(promDecisionsTotal.WithLabelValues("deny", "kill_switch_tripped"))
	tripsBefore := testutil.ToFloat64(promKillSwitchTrips)

	handler(&engine.AuditEvent{
		Type:      engine.AuditEventType,
		Timestamp: time.Now(),
		Decision: &engine.PolicyDecision{
			Effect:               engine.EffectDeny,
			Reason:               engine.ReasonKillSwitchTripped,
			EvaluationDurationMs: 2.5,
		},
	})

	assert.Equal(t, before+1, testutil.ToFloat64(promDecisionsTotal.WithLabelValues("deny", "kill_switch_tripped")))
	assert.Equal(t, tripsBefore+1, testutil.ToFloat64(promKillSwitchTrips))
}

func TestDecisionHandlerIgnoresNilDecision(t *testing.T) {
	blocksBefore := testutil.ToFloat64(promRateLimitBlocks)
	DecisionHandler()(&engine.AuditEvent{Type: engine.AuditEventType})
	assert.Equal(t, blocksBefore, testutil.ToFloat64(promRateLimitBlocks))
}

func TestUpdateCacheStats(t *testing.T) {
	UpdateCacheStats(engine.MetricsSnapshot{
		Cache: engine.CacheStats{Hits: 7, Misses: 3, Size: 2},
	})

	assert.Equal(t, 7.0, testutil.ToFloat64(promCacheHits))
	assert.Equal(t, 3.0, testutil.ToFloat64(promCacheMisses))
	assert.Equal(t, 2.0, testutil.ToFloat64(promCacheSize))
}
