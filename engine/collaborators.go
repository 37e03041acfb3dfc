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
	"time"
)

// PolicyProvider is the source of truth for policy documents. The engine
// holds read-only snapshots of returned policies for the cache TTL and
// never mutates them.
type PolicyProvider interface {
	GetPoliciesForContext(ctx context.Context, ec *EvaluationContext) ([]Policy, error)
}

// PolicyLookup is an optional extension of PolicyProvider for direct
// lookups by policy ID.
type PolicyLookup interface {
	GetPolicyByID(ctx context.Context, id string) (*Policy, error)
}

// CacheInvalidator is an optional extension of PolicyProvider. Providers
// implementing it are notified when the engine invalidates a tenant's
// cached policies.
type CacheInvalidator interface {
	InvalidateCache(ctx context.Context, clientID string) error
}

// KillSwitchQuery identifies the tenant/action/platform tuple being checked.
type KillSwitchQuery struct {
	ClientID string `json:"client_id"`
	Action   string `json:"action,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// KillSwitchResult is the kill-switch service's answer.
type KillSwitchResult struct {
	Tripped         bool    `json:"tripped"`
	Switch          string  `json:"switch,omitempty"`
	Reason          string  `json:"reason,omitempty"`
	CheckDurationMs float64 `json:"check_duration_ms"`
}

// KillSwitchService reports whether a tenant-wide emergency stop applies.
// A tripped switch trumps every other pipeline stage.
type KillSwitchService interface {
	IsTripped(ctx context.Context, q KillSwitchQuery) (*KillSwitchResult, error)
}

// RateLimitQuery identifies the bucket being checked. Platform and Action
// are the limiter's normalized enums (see NormalizePlatform, NormalizeAction).
type RateLimitQuery struct {
	ClientID string       `json:"client_id"`
	Platform RatePlatform `json:"platform"`
	Action   RateAction   `json:"action"`
}

// RateLimitUsage describes consumption within the current window.
type RateLimitUsage struct {
	Used          int `json:"used"`
	Limit         int `json:"limit"`
	WindowSeconds int `json:"window_seconds"`
}

// RateLimitResult is the rate-limiter service's answer.
type RateLimitResult struct {
	Allowed         bool            `json:"allowed"`
	Policy          string          `json:"policy,omitempty"`
	Usage           *RateLimitUsage `json:"usage,omitempty"`
	RetryAfterMs    int64           `json:"retry_after_ms,omitempty"`
	CheckDurationMs float64         `json:"check_duration_ms"`
}

// RateLimiterService is the per-tenant guard that emits allow/deny plus a
// retry-after hint.
type RateLimiterService interface {
	Check(ctx context.Context, q RateLimitQuery) (*RateLimitResult, error)
}

// ApprovalStatus is the lifecycle state of a human-approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest is a human-approval request tracked by the approval gate.
type ApprovalRequest struct {
	ID             string                 `json:"id"`
	ClientID       string                 `json:"client_id"`
	ActionType     string                 `json:"action_type"`
	Resource       string                 `json:"resource,omitempty"`
	Status         ApprovalStatus         `json:"status"`
	RequiredRole   string                 `json:"required_role,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
	PolicyID       string                 `json:"policy_id,omitempty"`
	RuleID         string                 `json:"rule_id,omitempty"`
	Fields         map[string]interface{} `json:"fields,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	ExpiresAt      time.Time              `json:"expires_at,omitempty"`
}

// CreateApprovalInput carries everything needed to open a new approval
// request for a rule that requires one.
type CreateApprovalInput struct {
	ClientID       string
	ActionType     string
	Resource       string
	RequiredRole   string
	TimeoutSeconds int
	PolicyID       string
	RuleID         string
	Fields         map[string]interface{}
}

// ApprovalGate is the human-in-the-loop authorization service required by
// certain rules.
type ApprovalGate interface {
	ListPendingRequests(ctx context.Context, clientID, actionType string) ([]ApprovalRequest, error)
	CreateRequest(ctx context.Context, in CreateApprovalInput) (*ApprovalRequest, error)
}

// NopKillSwitch is the absent-service default: never tripped.
type NopKillSwitch struct{}

func (NopKillSwitch) IsTripped(_ context.Context, _ KillSwitchQuery) (*KillSwitchResult, error) {
	return &KillSwitchResult{Tripped: false}, nil
}

// NopRateLimiter is the absent-service default: always allows.
type NopRateLimiter struct{}

func (NopRateLimiter) Check(_ context.Context, _ RateLimitQuery) (*RateLimitResult, error) {
	return &RateLimitResult{Allowed: true}, nil
}

// EmptyPolicyProvider is the absent-provider default: no policies for any
// context, so every evaluation falls through to the default effect.
type EmptyPolicyProvider struct{}

func (EmptyPolicyProvider) GetPoliciesForContext(_ context.Context, _ *EvaluationContext) ([]Policy, error) {
	return nil, nil
}
