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

// Package config loads service configuration from a YAML file with
// environment variable overrides. Environment always wins so deployments
// can patch a baked-in config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"socialguard/platform/engine"
)

// Config is the full policyd service configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`

	// DatabaseURL is the Postgres DSN shared by the policy store, the
	// kill-switch service, the approval gate, and the audit sink.
	DatabaseURL string `yaml:"database_url"`

	// RedisURL is the rate limiter's Redis endpoint. Empty disables
	// distributed rate limiting.
	RedisURL string `yaml:"redis_url"`

	JWTSecret string `yaml:"jwt_secret"`
	LogLevel  string `yaml:"log_level"`

	Engine EngineConfig `yaml:"engine"`
}

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig mirrors the policy engine's tunables.
type EngineConfig struct {
	FailClosed          *bool         `yaml:"fail_closed"`
	DefaultEffect       string        `yaml:"default_effect"`
	EnableKillSwitch    *bool         `yaml:"enable_kill_switch"`
	EnableRateLimit     *bool         `yaml:"enable_rate_limit"`
	EnableApprovalGates *bool         `yaml:"enable_approval_gates"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	CacheMaxSize        int           `yaml:"cache_max_size"`
	EvaluationTimeout   time.Duration `yaml:"evaluation_timeout"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8090",
			ShutdownTimeout: 15 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads the optional YAML file at path, then applies environment
// overrides. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv patches the config from the process environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("POLICY_DEFAULT_EFFECT"); v != "" {
		c.Engine.DefaultEffect = v
	}
	if v := os.Getenv("POLICY_FAIL_CLOSED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Engine.FailClosed = &b
		}
	}
	if v := os.Getenv("POLICY_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Engine.CacheTTL = d
		}
	}
}

// EngineConfig materializes the engine configuration, starting from the
// engine's production defaults and applying only the fields the file or
// environment actually set.
func (c *Config) EngineConfig() *engine.EngineConfig {
	cfg := engine.DefaultEngineConfig()

	if c.Engine.FailClosed != nil {
		cfg.FailClosed = *c.Engine.FailClosed
	}
	if c.Engine.DefaultEffect != "" {
		cfg.DefaultEffect = engine.Effect(c.Engine.DefaultEffect)
	}
	if c.Engine.EnableKillSwitch != nil {
		cfg.EnableKillSwitch = *c.Engine.EnableKillSwitch
	}
	if c.Engine.EnableRateLimit != nil {
		cfg.EnableRateLimit = *c.Engine.EnableRateLimit
	}
	if c.Engine.EnableApprovalGates != nil {
		cfg.EnableApprovalGates = *c.Engine.EnableApprovalGates
	}
	if c.Engine.CacheTTL > 0 {
		cfg.Cache.TTL = c.Engine.CacheTTL
	}
	if c.Engine.CacheMaxSize > 0 {
		cfg.Cache.MaxSize = c.Engine.CacheMaxSize
	}
	if c.Engine.EvaluationTimeout != 0 {
		cfg.EvaluationTimeout = c.Engine.EvaluationTimeout
	}

	return cfg
}

// Validate checks the settings a running service cannot do without.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required (set JWT_SECRET)")
	}
	if c.Engine.DefaultEffect != "" &&
		c.Engine.DefaultEffect != string(engine.EffectAllow) &&
		c.Engine.DefaultEffect != string(engine.EffectDeny) {
		return fmt.Errorf("invalid default effect %q", c.Engine.DefaultEffect)
	}
	return nil
}
