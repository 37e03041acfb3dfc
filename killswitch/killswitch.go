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

// Package killswitch implements the tenant emergency-stop service. A
// tripped switch halts every agent action for its scope until an operator
// resets it.
package killswitch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"socialguard/platform/engine"
	"socialguard/platform/shared/logger"
)

// Switch scopes, from broadest to narrowest.
const (
	ScopeGlobal   = "global"
	ScopeClient   = "client"
	ScopePlatform = "platform"
	ScopeAction   = "action"
)

// ErrSwitchNotFound is returned when resetting a switch that isn't set.
var ErrSwitchNotFound = errors.New("kill switch not found")

// Switch is one emergency stop entry.
type Switch struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	ClientID  string    `json:"client_id,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	Action    string    `json:"action,omitempty"`
	Reason    string    `json:"reason"`
	TrippedBy string    `json:"tripped_by,omitempty"`
	TrippedAt time.Time `json:"tripped_at"`
}

// Service is the Postgres-backed kill-switch store. It implements the
// engine's KillSwitchService interface.
type Service struct {
	db  *sql.DB
	log *logger.Logger
}

// Open connects to Postgres and ensures the schema exists.
func Open(databaseURL string) (*Service, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open killswitch database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to killswitch database: %w", err)
	}

	s := New(db)
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create killswitch tables: %w", err)
	}
	return s, nil
}

// New wraps an existing database handle.
func New(db *sql.DB) *Service {
	return &Service{db: db, log: logger.New("killswitch")}
}

// IsTripped answers the engine's stage-one question: does any active switch
// cover this tenant/action/platform tuple? Matching is broadest-first, so a
// global switch answers before a narrower one.
func (s *Service) IsTripped(ctx context.Context, q engine.KillSwitchQuery) (*engine.KillSwitchResult, error) {
	start := time.Now()

	row := s.db.QueryRowContext(ctx, `
		SELECT scope, reason
		FROM kill_switches
		WHERE active = TRUE
		  AND (
			scope = 'global'
			OR (scope = 'client' AND client_id = $1)
			OR (scope = 'platform' AND client_id = $1 AND platform = $2)
			OR (scope = 'action' AND client_id = $1 AND action = $3)
		  )
		ORDER BY CASE scope
			WHEN 'global' THEN 0
			WHEN 'client' THEN 1
			WHEN 'platform' THEN 2
			ELSE 3
		END
		LIMIT 1`,
		q.ClientID, q.Platform, q.Action,
	)

	result := &engine.KillSwitchResult{}
	var scope, reason string
	err := row.Scan(&scope, &reason)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No switch applies.
	case err != nil:
		return nil, fmt.Errorf("failed to check kill switches: %w", err)
	default:
		result.Tripped = true
		result.Switch = scope
		result.Reason = reason
	}

	result.CheckDurationMs = float64(time.Since(start)) / float64(time.Millisecond)
	return result, nil
}

// Trip activates a switch. Tripping an already covered scope inserts a new
// row; the broadest active row wins on checks.
func (s *Service) Trip(ctx context.Context, sw *Switch) error {
	if sw.ID == "" {
		sw.ID = uuid.New().String()
	}
	if sw.TrippedAt.IsZero() {
		sw.TrippedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kill_switches (id, scope, client_id, platform, action, reason, tripped_by, tripped_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)`,
		sw.ID, sw.Scope, sw.ClientID, sw.Platform, sw.Action, sw.Reason, sw.TrippedBy, sw.TrippedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to trip kill switch: %w", err)
	}

	s.log.Warn(sw.ClientID, "", "kill switch tripped", map[string]interface{}{
		"switch_id": sw.ID,
		"scope":     sw.Scope,
		"reason":    sw.Reason,
	})
	return nil
}

// Reset deactivates every active switch for the client at the given scope.
// An empty clientID with scope "global" resets the global switch.
func (s *Service) Reset(ctx context.Context, clientID, scope string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE kill_switches
		SET active = FALSE, reset_at = $1
		WHERE active = TRUE AND scope = $2 AND client_id = $3`,
		time.Now().UTC(), scope, clientID,
	)
	if err != nil {
		return fmt.Errorf("failed to reset kill switch: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSwitchNotFound
	}

	s.log.Info(clientID, "", "kill switch reset", map[string]interface{}{
		"scope": scope,
	})
	return nil
}

// ListActive returns the client's active switches plus any global one.
func (s *Service) ListActive(ctx context.Context, clientID string) ([]Switch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, client_id, platform, action, reason, tripped_by, tripped_at
		FROM kill_switches
		WHERE active = TRUE AND (scope = 'global' OR client_id = $1)
		ORDER BY tripped_at DESC`,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list kill switches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var switches []Switch
	for rows.Next() {
		var sw Switch
		if err := rows.Scan(&sw.ID, &sw.Scope, &sw.ClientID, &sw.Platform, &sw.Action,
			&sw.Reason, &sw.TrippedBy, &sw.TrippedAt); err != nil {
			return nil, err
		}
		switches = append(switches, sw)
	}
	return switches, rows.Err()
}

// createTables creates the kill_switches table if it doesn't exist.
func (s *Service) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS kill_switches (
		id VARCHAR(255) PRIMARY KEY,
		scope VARCHAR(50) NOT NULL,
		client_id VARCHAR(255) NOT NULL DEFAULT '',
		platform VARCHAR(50) NOT NULL DEFAULT '',
		action VARCHAR(255) NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		tripped_by VARCHAR(255) NOT NULL DEFAULT '',
		tripped_at TIMESTAMP NOT NULL,
		reset_at TIMESTAMP,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE INDEX IF NOT EXISTS idx_kill_switches_active ON kill_switches(active);
	CREATE INDEX IF NOT EXISTS idx_kill_switches_client_id ON kill_switches(client_id);
	`
	_, err := s.db.Exec(query)
	return err
}
