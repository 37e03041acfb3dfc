// Copyright 2025 SocialGuard
// SPDX-License-Identifier: Apache-2.0

// Package engine implements the SocialGuard policy authorization engine.
//
// The engine adjudicates whether an actor may perform an action against a
// resource for a tenant, composing four decision stages in a fail-closed
// pipeline: kill switch, rate limit, rule matching over cached tenant
// policies, and human approval gates. A single PolicyDecision is returned
// per evaluation, carrying the verdict, the reason that produced it,
// provenance (policy and rule identifiers), collaborator results, and
// observability data.
//
// External services (the kill-switch service, the rate limiter, the policy
// provider, and the approval gate) sit behind narrow interfaces; nil
// collaborators degrade to no-op behavior so the engine can run standalone.
package engine
