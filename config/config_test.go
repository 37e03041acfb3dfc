// Copyright 2025 SocialGuard
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialguard/platform/engine"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8090", cfg.Server.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policyd.yaml")
	data := `
server:
  port: "9000"
database_url: postgres://localhost/socialguard
redis_url: redis://localhost:6379/0
log_level: debug
engine:
  default_effect: allow
  fail_closed: false
  cache_ttl: 30s
  cache_max_size: 500
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/socialguard", cfg.DatabaseURL)
	assert.Equal(t, "debug", cfg.LogLevel)

	ec := cfg.EngineConfig()
	assert.Equal(t, engine.EffectAllow, ec.DefaultEffect)
	assert.False(t, ec.FailClosed)
	assert.Equal(t, 30*time.Second, ec.Cache.TTL)
	assert.Equal(t, 500, ec.Cache.MaxSize)
	// Unset fields keep the engine defaults.
	assert.True(t, ec.EnableKillSwitch)
	assert.Equal(t, engine.DefaultEvaluationTimeout, ec.EvaluationTimeout)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policyd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9000\"\n"), 0o600))

	t.Setenv("PORT", "9999")
	t.Setenv("DATABASE_URL", "postgres://db.internal/socialguard")
	t.Setenv("POLICY_FAIL_CLOSED", "false")
	t.Setenv("POLICY_CACHE_TTL", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "postgres://db.internal/socialguard", cfg.DatabaseURL)

	ec := cfg.EngineConfig()
	assert.False(t, ec.FailClosed)
	assert.Equal(t, 90*time.Second, ec.Cache.TTL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/policyd.yaml")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.JWTSecret = "secret"
	require.NoError(t, cfg.Validate())

	cfg.JWTSecret = ""
	assert.Error(t, cfg.Validate())

	cfg.JWTSecret = "secret"
	cfg.Engine.DefaultEffect = "maybe"
	assert.Error(t, cfg.Validate())
}
