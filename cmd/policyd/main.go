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

// Package main is the entry point for the SocialGuard policy daemon.
//
// policyd authorizes actions taken by social publishing agents. Every
// request passes through the policy engine's fail-closed pipeline:
// kill-switch check, rate limiting, rule evaluation, and approval gating.
// Decisions are exposed over HTTP and recorded to the audit log.
//
// Environment Variables:
//
//	POLICYD_CONFIG        - Optional path to a YAML config file
//	PORT                  - HTTP server port (default: 8090)
//	DATABASE_URL          - Postgres DSN for policies, kill switches, approvals, and audit
//	REDIS_URL             - Redis endpoint for distributed rate limiting (optional)
//	JWT_SECRET            - HMAC secret for API token verification (required)
//	LOG_LEVEL             - Minimum log level (default: info)
//	POLICY_DEFAULT_EFFECT - Effect when no rule matches: allow or deny
//	POLICY_FAIL_CLOSED    - Deny on internal errors instead of surfacing them
//	POLICY_CACHE_TTL      - Policy cache TTL, e.g. 60s
package main

import "socialguard/platform/policyd"

func main() {
	policyd.Run()
}
