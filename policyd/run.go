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

// Package policyd wires the policy engine, its collaborators, and the HTTP
// gateway into the runnable authorization service.
package policyd

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"socialguard/platform/approval"
	"socialguard/platform/auditlog"
	"socialguard/platform/config"
	"socialguard/platform/engine"
	"socialguard/platform/gateway"
	"socialguard/platform/killswitch"
	"socialguard/platform/policystore"
	"socialguard/platform/ratelimit"
	"socialguard/platform/shared/logger"
	"socialguard/platform/telemetry"
)

// Run starts the policyd service and blocks until SIGINT or SIGTERM.
func Run() {
	cfg, err := config.Load(os.Getenv("POLICYD_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	svcLog := logger.New("policyd")

	deps := engine.Collaborators{Logger: svcLog}
	var closers []func() error

	var sink *auditlog.Sink
	if cfg.DatabaseURL != "" {
		store, err := policystore.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open policy store: %v", err)
		}
		deps.Provider = store
		closers = append(closers, store.Close)

		ks, err := killswitch.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open kill-switch service: %v", err)
		}
		deps.KillSwitch = ks

		gate, err := approval.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open approval gate: %v", err)
		}
		deps.ApprovalGate = gate

		sink = auditlog.Open(cfg.DatabaseURL)
		closers = append(closers, sink.Close)
	} else {
		svcLog.Warn("", "", "DATABASE_URL not set, running with in-memory collaborators", nil)
	}

	if cfg.RedisURL != "" {
		limiter, err := ratelimit.Open(cfg.RedisURL, ratelimit.DefaultConfig())
		if err != nil {
			log.Fatalf("Failed to connect rate limiter: %v", err)
		}
		deps.RateLimiter = limiter
		closers = append(closers, limiter.Close)
	}

	// Every decision feeds Prometheus; persistence is added when available.
	audit := telemetry.DecisionHandler()
	if sink != nil {
		audit = engine.ChainAuditHandlers(audit, sink.Handler())
	}
	deps.Audit = audit

	e := engine.NewPolicyEngine(cfg.EngineConfig(), deps)

	var resolver gateway.ApprovalResolver
	if gate, ok := deps.ApprovalGate.(*approval.Gate); ok {
		resolver = gate
	}
	srv := gateway.New(e, resolver, []byte(cfg.JWTSecret))

	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: srv.Handler(),
	}

	go func() {
		svcLog.Info("", "", "policyd listening", map[string]interface{}{
			"port": cfg.Server.Port,
		})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	svcLog.Info("", "", "shutting down", nil)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		svcLog.Error("", "", "graceful shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			svcLog.Error("", "", "failed to close dependency", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}
