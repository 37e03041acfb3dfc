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
	"encoding/json"
	"time"
)

// Effect is the verdict a matched rule asserts.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// PolicyStatus is the lifecycle state of a policy. Only active policies
// participate in evaluation.
type PolicyStatus string

const (
	PolicyStatusDraft      PolicyStatus = "draft"
	PolicyStatusActive     PolicyStatus = "active"
	PolicyStatusDeprecated PolicyStatus = "deprecated"
	PolicyStatusArchived   PolicyStatus = "archived"
)

// PolicyScope determines which tenants a policy applies to.
type PolicyScope string

const (
	ScopeGlobal PolicyScope = "global"
	ScopeClient PolicyScope = "client"
	ScopeAgent  PolicyScope = "agent"
)

// EvaluationContext is the per-request bundle of tenant, action, resource,
// and ambient fields fed to the engine. Contexts are request-scoped and
// treated as immutable during evaluation.
type EvaluationContext struct {
	ClientID string `json:"client_id"`
	Action   string `json:"action"`
	Resource string `json:"resource"`
	AgentID  string `json:"agent_id,omitempty"`
	Platform string `json:"platform,omitempty"`

	// Timestamp is the instant the request is evaluated against. The zero
	// value means "now at evaluation".
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Fields carries arbitrary request attributes, possibly nested maps,
	// addressable from conditions by dot notation.
	Fields map[string]interface{} `json:"fields,omitempty"`

	EpisodeID string `json:"episode_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Policy is a named, versioned, scoped set of rules with a default effect.
type Policy struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Version       int          `json:"version"`
	Status        PolicyStatus `json:"status"`
	Scope         PolicyScope  `json:"scope"`
	ClientID      string       `json:"client_id,omitempty"`
	AgentID       string       `json:"agent_id,omitempty"`
	Rules         []PolicyRule `json:"rules"`
	DefaultEffect Effect       `json:"default_effect"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// PolicyRule maps (actions x resources x conditions) to an effect.
type PolicyRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	Effect      Effect `json:"effect"`

	// Actions and Resources are glob patterns; at least one of each must
	// match the context for the rule to apply.
	Actions   []string `json:"actions"`
	Resources []string `json:"resources"`

	// Conditions must all pass; an empty list is trivially true.
	Conditions []Condition `json:"conditions,omitempty"`

	// Priority orders rules within a policy: higher evaluated first,
	// ties broken by input position.
	Priority int `json:"priority"`

	Constraints *RuleConstraints `json:"constraints,omitempty"`
}

// UnmarshalJSON defaults Enabled to true when the field is absent.
func (r *PolicyRule) UnmarshalJSON(data []byte) error {
	type alias PolicyRule
	tmp := alias{Enabled: true}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*r = PolicyRule(tmp)
	return nil
}

// RuleConstraints carries side-effect metadata a matched rule imposes on the
// caller: rate limits and budgets to enforce, and approval gating.
type RuleConstraints struct {
	RateLimit       *RateLimitConstraint `json:"rate_limit,omitempty"`
	RequireApproval *ApprovalConstraint  `json:"require_approval,omitempty"`
	Budget          *BudgetConstraint    `json:"budget,omitempty"`
}

// RateLimitConstraint is a rate limit the caller is expected to enforce.
type RateLimitConstraint struct {
	MaxRequests   int `json:"max_requests"`
	WindowSeconds int `json:"window_seconds"`
}

// ApprovalConstraint requires a human approval before the action proceeds.
type ApprovalConstraint struct {
	RequiredRole   string `json:"required_role,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// BudgetConstraint caps spend within a window.
type BudgetConstraint struct {
	MaxCostUSD    float64 `json:"max_cost_usd"`
	WindowSeconds int     `json:"window_seconds"`
}

// ConditionType discriminates the condition variants.
type ConditionType string

const (
	ConditionField    ConditionType = "field"
	ConditionTime     ConditionType = "time"
	ConditionCompound ConditionType = "compound"
)

// Field condition operators.
const (
	OpEquals     = "equals"
	OpNotEquals  = "not_equals"
	OpGT         = "gt"
	OpGTE        = "gte"
	OpLT         = "lt"
	OpLTE        = "lte"
	OpIn         = "in"
	OpNotIn      = "not_in"
	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
	OpMatches    = "matches"
	OpBetween    = "between"
)

// Time condition operators. OpBetween is shared with field conditions.
const (
	OpAfter     = "after"
	OpBefore    = "before"
	OpDayOfWeek = "day_of_week"
)

// Compound condition operators. "not" negates the first child only.
const (
	OpAnd = "and"
	OpOr  = "or"
	OpNot = "not"
)

// Condition is one node of a policy's condition tree. Field and time
// conditions are leaves; compound conditions recurse over Conditions.
//
// Comparison operators use a dual path: when both operands parse as numbers
// the comparison is numeric, otherwise both sides are compared as strings
// lexicographically. Mixed operand types therefore fall back to string
// comparison.
type Condition struct {
	Type     ConditionType `json:"type"`
	Field    string        `json:"field,omitempty"`
	Operator string        `json:"operator"`
	Value    interface{}   `json:"value,omitempty"`

	// Conditions holds the children of a compound condition.
	Conditions []Condition `json:"conditions,omitempty"`
}

// ConditionResult records the outcome of a single condition. Errors inside
// a condition yield Passed=false with the error attached; they never abort
// evaluation of sibling conditions.
type ConditionResult struct {
	Type     ConditionType `json:"type"`
	Field    string        `json:"field,omitempty"`
	Operator string        `json:"operator"`
	Passed   bool          `json:"passed"`
	Error    string        `json:"error,omitempty"`

	// Children holds the results of a compound condition's children.
	Children []ConditionResult `json:"children,omitempty"`
}

// RuleMatchResult records how far a rule progressed through its match gates.
type RuleMatchResult struct {
	Matched          bool              `json:"matched"`
	Rule             *PolicyRule       `json:"rule,omitempty"`
	MatchedAction    string            `json:"matched_action,omitempty"`
	MatchedResource  string            `json:"matched_resource,omitempty"`
	ConditionResults []ConditionResult `json:"condition_results,omitempty"`
	MatchDurationMs  float64           `json:"match_duration_ms"`
}

// DecisionReason identifies which pipeline stage produced a decision.
type DecisionReason string

const (
	ReasonKillSwitchTripped DecisionReason = "kill_switch_tripped"
	ReasonRateLimitExceeded DecisionReason = "rate_limit_exceeded"
	ReasonRuleAllowed       DecisionReason = "rule_allowed"
	ReasonRuleDenied        DecisionReason = "rule_denied"

	// ReasonApprovalRequired is reserved: freshly created approval requests
	// currently surface as ReasonApprovalPending.
	ReasonApprovalRequired DecisionReason = "approval_required"
	ReasonApprovalPending  DecisionReason = "approval_pending"
	ReasonApprovalDenied   DecisionReason = "approval_denied"

	ReasonDefaultEffect   DecisionReason = "default_effect"
	ReasonNoMatchingRules DecisionReason = "no_matching_rules"
	ReasonEvaluationError DecisionReason = "evaluation_error"
)

// DecisionConstraints projects the matched rule's caller-enforced
// constraints into the decision.
type DecisionConstraints struct {
	RateLimit *RateLimitConstraint `json:"rate_limit,omitempty"`
	Budget    *BudgetConstraint    `json:"budget,omitempty"`
}

// DecisionTrace echoes the caller's trace identifiers.
type DecisionTrace struct {
	RequestID string `json:"request_id,omitempty"`
	EpisodeID string `json:"episode_id,omitempty"`
}

// PolicyDecision is the single record returned by the engine, carrying the
// verdict, the reason, provenance, and observability data.
type PolicyDecision struct {
	Allowed bool           `json:"allowed"`
	Effect  Effect         `json:"effect"`
	Reason  DecisionReason `json:"reason"`
	Message string         `json:"message,omitempty"`

	PolicyID string `json:"policy_id,omitempty"`
	RuleID   string `json:"rule_id,omitempty"`
	RuleName string `json:"rule_name,omitempty"`

	KillSwitch *KillSwitchResult `json:"kill_switch,omitempty"`
	RateLimit  *RateLimitResult  `json:"rate_limit,omitempty"`

	ApprovalRequestID string         `json:"approval_request_id,omitempty"`
	ApprovalStatus    ApprovalStatus `json:"approval_status,omitempty"`

	Constraints *DecisionConstraints `json:"constraints,omitempty"`

	EvaluationDurationMs float64       `json:"evaluation_duration_ms"`
	DecidedAt            time.Time     `json:"decided_at"`
	Trace                DecisionTrace `json:"trace"`
}
