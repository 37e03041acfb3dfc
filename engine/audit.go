// Copyright 2025 SocialGuard
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"

	"socialguard/platform/shared/logger"
)

// AuditEventType is the type tag every engine audit event carries.
const AuditEventType = "policy_evaluation"

// AuditRuleRef records one rule that reached a match decision during an
// evaluation, including the final matched rule if any.
type AuditRuleRef struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Effect   Effect `json:"effect"`
	Matched  bool   `json:"matched"`
	PolicyID string `json:"policy_id"`
}

// AuditEvent is the structured event emitted per decision.
type AuditEvent struct {
	Type         string             `json:"type"`
	Timestamp    time.Time          `json:"timestamp"`
	Context      *EvaluationContext `json:"context"`
	Decision     *PolicyDecision    `json:"decision"`
	MatchedRules []AuditRuleRef     `json:"matched_rules"`
}

// AuditHandler receives decision audit events. Handlers are contractually
// non-blocking; the engine tolerates ones that are not by isolating their
// failures from the decision path.
type AuditHandler func(event *AuditEvent)

// emitAudit invokes the handler best-effort. Panics are swallowed: audit
// failures must never affect the decision.
func emitAudit(handler AuditHandler, event *AuditEvent) {
	if handler == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	handler(event)
}

// LoggerAuditHandler writes audit events through the structured logger.
func LoggerAuditHandler(log *logger.Logger) AuditHandler {
	return func(event *AuditEvent) {
		fields := map[string]interface{}{
			"reason":        string(event.Decision.Reason),
			"effect":        string(event.Decision.Effect),
			"action":        event.Context.Action,
			"resource":      event.Context.Resource,
			"matched_rules": event.MatchedRules,
		}
		if event.Decision.PolicyID != "" {
			fields["policy_id"] = event.Decision.PolicyID
		}
		log.Info(event.Context.ClientID, event.Context.RequestID, "policy evaluation", fields)
	}
}

// ChainAuditHandlers fans one event out to several handlers, each isolated
// from the others' failures.
func ChainAuditHandlers(handlers ...AuditHandler) AuditHandler {
	return func(event *AuditEvent) {
		for _, h := range handlers {
			emitAudit(h, event)
		}
	}
}
