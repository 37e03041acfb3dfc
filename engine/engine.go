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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"socialguard/platform/shared/logger"
)

// DefaultEvaluationTimeout bounds a single Evaluate call.
const DefaultEvaluationTimeout = 5 * time.Second

// EngineConfig configures the policy engine. Use DefaultEngineConfig as a
// base: the zero value disables every stage and fails open, which is almost
// never what a deployment wants.
type EngineConfig struct {
	// FailClosed converts any pipeline failure into a deny decision with
	// reason evaluation_error instead of returning the error.
	FailClosed bool `json:"fail_closed" yaml:"fail_closed"`

	// DefaultEffect is the verdict when no rule matches.
	DefaultEffect Effect `json:"default_effect" yaml:"default_effect"`

	EnableKillSwitch    bool `json:"enable_kill_switch" yaml:"enable_kill_switch"`
	EnableRateLimit     bool `json:"enable_rate_limit" yaml:"enable_rate_limit"`
	EnableApprovalGates bool `json:"enable_approval_gates" yaml:"enable_approval_gates"`

	Cache CacheConfig `json:"cache" yaml:"cache"`

	// EvaluationTimeout is the upper bound per Evaluate call. Zero means
	// the default of 5 seconds; negative disables the bound.
	EvaluationTimeout time.Duration `json:"evaluation_timeout" yaml:"evaluation_timeout"`
}

// DefaultEngineConfig returns the production defaults: fail-closed,
// default-deny, all stages enabled, 60s/1000-entry cache, 5s timeout.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		FailClosed:          true,
		DefaultEffect:       EffectDeny,
		EnableKillSwitch:    true,
		EnableRateLimit:     true,
		EnableApprovalGates: true,
		Cache: CacheConfig{
			Enabled: true,
			TTL:     DefaultCacheTTL,
			MaxSize: DefaultCacheMaxSize,
		},
		EvaluationTimeout: DefaultEvaluationTimeout,
	}
}

// Collaborators are the engine's external services. Any of them may be nil;
// the engine degrades to the corresponding no-op behavior.
type Collaborators struct {
	Provider     PolicyProvider
	KillSwitch   KillSwitchService
	RateLimiter  RateLimiterService
	ApprovalGate ApprovalGate
	Audit        AuditHandler
	Logger       *logger.Logger
}

// PolicyEngine adjudicates whether an actor may perform an action against a
// resource. It composes four decision stages in a fail-closed pipeline:
// kill switch, rate limit, rule matching, and approval gating. Engines are
// process-wide and safe for concurrent Evaluate calls.
type PolicyEngine struct {
	cfg *EngineConfig

	provider     PolicyProvider
	killSwitch   KillSwitchService
	rateLimiter  RateLimiterService
	approvalGate ApprovalGate

	cache   *PolicyCache
	metrics *MetricsSink
	rules   *RuleEvaluator
	audit   AuditHandler
	log     *logger.Logger

	clock func() time.Time
}

// NewPolicyEngine creates a policy engine. A nil config uses
// DefaultEngineConfig; nil collaborators degrade to no-ops (the kill switch
// never trips, the rate limiter always allows, the policy set is empty, and
// approval gating is skipped).
func NewPolicyEngine(cfg *EngineConfig, deps Collaborators) *PolicyEngine {
	if cfg == nil {
		cfg = DefaultEngineConfig()
	}
	if cfg.EvaluationTimeout == 0 {
		cfg.EvaluationTimeout = DefaultEvaluationTimeout
	}

	e := &PolicyEngine{
		cfg:          cfg,
		provider:     deps.Provider,
		killSwitch:   deps.KillSwitch,
		rateLimiter:  deps.RateLimiter,
		approvalGate: deps.ApprovalGate,
		cache:        NewPolicyCache(cfg.Cache),
		metrics:      NewMetricsSink(DefaultLatencyReservoirSize),
		rules:        NewRuleEvaluator(),
		audit:        deps.Audit,
		log:          deps.Logger,
		clock:        time.Now,
	}

	if e.provider == nil {
		e.provider = EmptyPolicyProvider{}
	}
	if e.killSwitch == nil {
		e.killSwitch = NopKillSwitch{}
	}
	if e.rateLimiter == nil {
		e.rateLimiter = NopRateLimiter{}
	}
	if e.log == nil {
		e.log = logger.New("policy-engine")
	}

	return e
}

// evalState accumulates per-evaluation observations that belong on the
// final decision and audit event regardless of which stage decided.
type evalState struct {
	killSwitch     *KillSwitchResult
	rateLimit      *RateLimitResult
	approvalID     string
	approvalStatus ApprovalStatus
	matchedRules   []AuditRuleRef
}

// Evaluate runs the full decision pipeline for one context. Under
// FailClosed (the default) it never returns an error: every failure becomes
// a deny decision with reason evaluation_error. With FailClosed disabled
// the error is returned instead and no decision is produced.
func (e *PolicyEngine) Evaluate(ctx context.Context, ec *EvaluationContext) (*PolicyDecision, error) {
	start := e.clock()
	e.metrics.IncTotal()

	if e.cfg.EvaluationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.EvaluationTimeout)
		defer cancel()
	}

	state := &evalState{}
	decision, err := e.runPipeline(ctx, ec, state)
	if err != nil {
		if !e.cfg.FailClosed {
			e.metrics.IncError()
			return nil, err
		}
		decision = &PolicyDecision{
			Effect:  EffectDeny,
			Reason:  ReasonEvaluationError,
			Message: "Evaluation error: " + err.Error(),
		}
	}

	// A nil context fails validation above; finalize still needs one to
	// stamp the decision and emit audit.
	if ec == nil {
		ec = &EvaluationContext{}
	}
	e.finalize(ec, decision, start, state)
	return decision, nil
}

// IsAllowed is the quick check: the decision's verdict, false on error.
func (e *PolicyEngine) IsAllowed(ctx context.Context, ec *EvaluationContext) bool {
	decision, err := e.Evaluate(ctx, ec)
	return err == nil && decision.Allowed
}

// EvaluateBatch evaluates all contexts concurrently. Results preserve the
// input order; the per-call timeout applies to each element independently.
// Under FailClosed the returned error is always nil.
func (e *PolicyEngine) EvaluateBatch(ctx context.Context, ecs []*EvaluationContext) ([]*PolicyDecision, error) {
	decisions := make([]*PolicyDecision, len(ecs))
	errs := make([]error, len(ecs))

	var wg sync.WaitGroup
	for i, ec := range ecs {
		wg.Add(1)
		go func(i int, ec *EvaluationContext) {
			defer wg.Done()
			decisions[i], errs[i] = e.Evaluate(ctx, ec)
		}(i, ec)
	}
	wg.Wait()

	return decisions, errors.Join(errs...)
}

// Metrics returns a point-in-time snapshot of engine metrics.
func (e *PolicyEngine) Metrics() MetricsSnapshot {
	return e.metrics.Snapshot(CacheStats{
		Hits:   e.cache.Hits(),
		Misses: e.cache.Misses(),
		Size:   e.cache.Size(),
	})
}

// InvalidateCache drops the tenant's cached policies and notifies the
// policy provider if it supports invalidation hints. Provider failures are
// logged, never surfaced: the cache is advisory.
func (e *PolicyEngine) InvalidateCache(ctx context.Context, clientID string) {
	removed := e.cache.Invalidate(clientID)
	if inv, ok := e.provider.(CacheInvalidator); ok {
		if err := inv.InvalidateCache(ctx, clientID); err != nil {
			e.log.Warn(clientID, "", "policy provider invalidation hint failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	e.log.Debug(clientID, "", "policy cache invalidated", map[string]interface{}{
		"entries_removed": removed,
	})
}

// runPipeline executes the four gates in strict order. Panics anywhere in
// the pipeline are converted to errors so fail-closed handling applies.
func (e *PolicyEngine) runPipeline(ctx context.Context, ec *EvaluationContext, state *evalState) (decision *PolicyDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			decision = nil
			err = fmt.Errorf("panic during evaluation: %v", r)
		}
	}()

	if err := validateContext(ec); err != nil {
		return nil, err
	}

	// Stage 1: kill switch trumps everything.
	if e.cfg.EnableKillSwitch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := e.killSwitch.IsTripped(ctx, KillSwitchQuery{
			ClientID: ec.ClientID,
			Action:   ec.Action,
			Platform: ec.Platform,
		})
		if err != nil {
			return nil, fmt.Errorf("kill switch check failed: %w", err)
		}
		state.killSwitch = res
		if res != nil && res.Tripped {
			msg := "Kill switch is tripped for this client"
			if res.Reason != "" {
				msg = "Kill switch is tripped: " + res.Reason
			}
			return &PolicyDecision{Effect: EffectDeny, Reason: ReasonKillSwitchTripped, Message: msg}, nil
		}
	}

	// Stage 2: rate limit.
	if e.cfg.EnableRateLimit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := e.rateLimiter.Check(ctx, RateLimitQuery{
			ClientID: ec.ClientID,
			Platform: NormalizePlatform(ec.Platform),
			Action:   NormalizeAction(ec.Action),
		})
		if err != nil {
			return nil, fmt.Errorf("rate limit check failed: %w", err)
		}
		state.rateLimit = res
		if res != nil && !res.Allowed {
			msg := "Rate limit exceeded"
			if res.RetryAfterMs > 0 {
				msg = fmt.Sprintf("Rate limit exceeded; retry after %.1fs", float64(res.RetryAfterMs)/1000.0)
			}
			return &PolicyDecision{Effect: EffectDeny, Reason: ReasonRateLimitExceeded, Message: msg}, nil
		}
	}

	// Stage 3: rule matching over the tenant's policies.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	policies, err := e.fetchPolicies(ctx, ec)
	if err != nil {
		return nil, fmt.Errorf("policy fetch failed: %w", err)
	}
	if len(policies) == 0 {
		return &PolicyDecision{
			Effect:  e.cfg.DefaultEffect,
			Reason:  ReasonNoMatchingRules,
			Message: "No policies apply to this context",
		}, nil
	}

	for i := range policies {
		policy := &policies[i]
		if policy.Status != PolicyStatusActive {
			continue
		}

		match := e.rules.FindMatchingRule(policy.Rules, ec)
		if match == nil {
			continue
		}
		rule := match.Rule
		state.matchedRules = append(state.matchedRules, AuditRuleRef{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Effect:   rule.Effect,
			Matched:  true,
			PolicyID: policy.ID,
		})

		// Stage 4: approval gate, when the matched rule requires it.
		if e.cfg.EnableApprovalGates && e.approvalGate != nil &&
			rule.Constraints != nil && rule.Constraints.RequireApproval != nil {
			gateDecision, approved, err := e.runApprovalStage(ctx, ec, policy, rule, state)
			if err != nil {
				return nil, err
			}
			if !approved {
				return gateDecision, nil
			}
			// Approved requests fall through to the rule decision.
		}

		return e.ruleDecision(policy, rule), nil
	}

	return &PolicyDecision{
		Effect:  e.cfg.DefaultEffect,
		Reason:  ReasonDefaultEffect,
		Message: "No rules matched; default effect applied",
	}, nil
}

// fetchPolicies resolves the tenant's policies through the cache. The
// cache is keyed by the context's own (clientID, agentID) pair, so a hit
// always returns the exact policy list the provider produced for that
// tenant; global policies are cached inside each tenant's entry, never
// shared across tenants.
func (e *PolicyEngine) fetchPolicies(ctx context.Context, ec *EvaluationContext) ([]Policy, error) {
	if !e.cache.Enabled() {
		return e.provider.GetPoliciesForContext(ctx, ec)
	}

	if policies, ok := e.cache.Get(ec.ClientID, ec.AgentID); ok {
		e.cache.RecordHit()
		return policies, nil
	}

	e.cache.RecordMiss()
	policies, err := e.provider.GetPoliciesForContext(ctx, ec)
	if err != nil {
		return nil, err
	}
	e.cache.PutAll(ec.ClientID, ec.AgentID, policies)
	return policies, nil
}

// runApprovalStage checks for an existing approval request for this
// client/action/resource and creates one when none exists. The boolean is
// true when the request is approved and the rule decision should stand.
func (e *PolicyEngine) runApprovalStage(ctx context.Context, ec *EvaluationContext, policy *Policy, rule *PolicyRule, state *evalState) (*PolicyDecision, bool, error) {
	e.metrics.IncApprovalGateTriggers()

	pending, err := e.approvalGate.ListPendingRequests(ctx, ec.ClientID, ec.Action)
	if err != nil {
		return nil, false, fmt.Errorf("approval gate lookup failed: %w", err)
	}

	for i := range pending {
		req := &pending[i]
		if req.Resource != ec.Resource {
			continue
		}
		state.approvalID = req.ID
		state.approvalStatus = req.Status

		switch req.Status {
		case ApprovalPending:
			return &PolicyDecision{
				Effect:            EffectDeny,
				Reason:            ReasonApprovalPending,
				Message:           fmt.Sprintf("Approval request %s is pending review", req.ID),
				PolicyID:          policy.ID,
				RuleID:            rule.ID,
				RuleName:          rule.Name,
				ApprovalRequestID: req.ID,
				ApprovalStatus:    req.Status,
			}, false, nil
		case ApprovalDenied:
			return &PolicyDecision{
				Effect:            EffectDeny,
				Reason:            ReasonApprovalDenied,
				Message:           fmt.Sprintf("Approval request %s was denied", req.ID),
				PolicyID:          policy.ID,
				RuleID:            rule.ID,
				RuleName:          rule.Name,
				ApprovalRequestID: req.ID,
				ApprovalStatus:    req.Status,
			}, false, nil
		default:
			// Approved (or any terminal non-denied status) falls through
			// to the rule decision.
			return nil, true, nil
		}
	}

	// No existing request: open one. Newly created requests surface as
	// approval_pending; approval_required stays reserved.
	req, err := e.approvalGate.CreateRequest(ctx, CreateApprovalInput{
		ClientID:       ec.ClientID,
		ActionType:     ec.Action,
		Resource:       ec.Resource,
		RequiredRole:   rule.Constraints.RequireApproval.RequiredRole,
		TimeoutSeconds: rule.Constraints.RequireApproval.TimeoutSeconds,
		PolicyID:       policy.ID,
		RuleID:         rule.ID,
		Fields:         ec.Fields,
	})
	if err != nil {
		return nil, false, fmt.Errorf("approval request creation failed: %w", err)
	}

	decision := &PolicyDecision{
		Effect:   EffectDeny,
		Reason:   ReasonApprovalPending,
		Message:  "Approval required; request created and pending review",
		PolicyID: policy.ID,
		RuleID:   rule.ID,
		RuleName: rule.Name,
	}
	if req != nil {
		decision.ApprovalRequestID = req.ID
		decision.ApprovalStatus = req.Status
		decision.Message = fmt.Sprintf("Approval required; request %s created and pending review", req.ID)
		state.approvalID = req.ID
		state.approvalStatus = req.Status
	}
	return decision, false, nil
}

// ruleDecision builds the decision for a matched rule, projecting its
// caller-enforced constraints.
func (e *PolicyEngine) ruleDecision(policy *Policy, rule *PolicyRule) *PolicyDecision {
	reason := ReasonRuleAllowed
	if rule.Effect == EffectDeny {
		reason = ReasonRuleDenied
	}

	decision := &PolicyDecision{
		Effect:   rule.Effect,
		Reason:   reason,
		Message:  fmt.Sprintf("Rule %q matched with effect %s", rule.Name, rule.Effect),
		PolicyID: policy.ID,
		RuleID:   rule.ID,
		RuleName: rule.Name,
	}

	if rule.Constraints != nil && (rule.Constraints.RateLimit != nil || rule.Constraints.Budget != nil) {
		decision.Constraints = &DecisionConstraints{
			RateLimit: rule.Constraints.RateLimit,
			Budget:    rule.Constraints.Budget,
		}
	}

	return decision
}

// finalize stamps the decision, records metrics, and emits the audit event.
func (e *PolicyEngine) finalize(ec *EvaluationContext, d *PolicyDecision, start time.Time, state *evalState) {
	if d.KillSwitch == nil {
		d.KillSwitch = state.killSwitch
	}
	if d.RateLimit == nil {
		d.RateLimit = state.rateLimit
	}
	if d.ApprovalRequestID == "" && state.approvalID != "" {
		d.ApprovalRequestID = state.approvalID
		d.ApprovalStatus = state.approvalStatus
	}

	d.Allowed = d.Effect == EffectAllow
	d.DecidedAt = e.clock()
	d.EvaluationDurationMs = float64(d.DecidedAt.Sub(start)) / float64(time.Millisecond)
	if d.EvaluationDurationMs < 0 {
		d.EvaluationDurationMs = 0
	}
	d.Trace = DecisionTrace{RequestID: ec.RequestID, EpisodeID: ec.EpisodeID}

	e.metrics.RecordDecision(d)
	e.metrics.RecordLatency(d.EvaluationDurationMs)

	emitAudit(e.audit, &AuditEvent{
		Type:         AuditEventType,
		Timestamp:    d.DecidedAt,
		Context:      ec,
		Decision:     d,
		MatchedRules: state.matchedRules,
	})

	e.log.Debug(ec.ClientID, ec.RequestID, "policy decision", map[string]interface{}{
		"effect":      string(d.Effect),
		"reason":      string(d.Reason),
		"duration_ms": d.EvaluationDurationMs,
	})
}

// validateContext checks the required context fields.
func validateContext(ec *EvaluationContext) error {
	if ec == nil {
		return errors.New("invalid context: context is nil")
	}
	if ec.ClientID == "" {
		return errors.New("invalid context: client_id is required")
	}
	if ec.Action == "" {
		return errors.New("invalid context: action is required")
	}
	if ec.Resource == "" {
		return errors.New("invalid context: resource is required")
	}
	return nil
}
