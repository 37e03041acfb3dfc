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

package policystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"socialguard/platform/engine"
	"socialguard/platform/shared/logger"
)

// Pagination limits for List.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ErrPolicyNotFound is returned when a policy is not found.
var ErrPolicyNotFound = errors.New("policy not found")

// ErrPolicyConflict is returned when an update races a newer version.
var ErrPolicyConflict = errors.New("policy version conflict")

// Store provides Postgres-backed CRUD for policies and implements the
// engine's PolicyProvider, PolicyLookup, and CacheInvalidator interfaces.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// Open connects to Postgres and ensures the schema exists.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to policy database: %w", err)
	}

	s := New(db)
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create policy tables: %w", err)
	}
	return s, nil
}

// New wraps an existing database handle. Callers own the handle's lifecycle.
func New(db *sql.DB) *Store {
	return &Store{db: db, log: logger.New("policy-store")}
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IsHealthy reports whether the backing database answers a ping.
func (s *Store) IsHealthy(ctx context.Context) bool {
	if s.db == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

const selectColumns = `id, name, version, status, scope, client_id, agent_id, rules, default_effect, created_at, updated_at`

// GetPoliciesForContext returns the active policies visible to the context:
// the tenant's agent-scoped and client-scoped policies plus global ones,
// most specific first.
func (s *Store) GetPoliciesForContext(ctx context.Context, ec *engine.EvaluationContext) ([]engine.Policy, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM policies
		WHERE status = 'active'
		  AND (
			(client_id = $1 AND agent_id = $2)
			OR (client_id = $1 AND agent_id = '')
			OR (client_id = '' AND agent_id = '')
		  )
		ORDER BY
		  CASE WHEN agent_id <> '' THEN 0 WHEN client_id <> '' THEN 1 ELSE 2 END,
		  updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, ec.ClientID, ec.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanPolicies(rows)
}

// GetPolicyByID returns one policy regardless of status.
func (s *Store) GetPolicyByID(ctx context.Context, id string) (*engine.Policy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM policies WHERE id = $1`, id)

	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// InvalidateCache is the engine's invalidation hint. The store holds no
// cache of its own, so this only records the event.
func (s *Store) InvalidateCache(_ context.Context, clientID string) error {
	s.log.Debug(clientID, "", "cache invalidation hint received", nil)
	return nil
}

// Create inserts a new policy, assigning an ID and version 1.
func (s *Store) Create(ctx context.Context, p *engine.Policy) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = engine.PolicyStatusDraft
	}
	if p.DefaultEffect == "" {
		p.DefaultEffect = engine.EffectDeny
	}
	p.Version = 1
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt

	rulesJSON, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("failed to encode rules: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (id, name, version, status, scope, client_id, agent_id, rules, default_effect, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.Name, p.Version, string(p.Status), string(p.Scope),
		p.ClientID, p.AgentID, rulesJSON, string(p.DefaultEffect),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert policy: %w", err)
	}
	return nil
}

// Update replaces a policy's mutable fields, bumping the version. The
// caller's Version must match the stored one.
func (s *Store) Update(ctx context.Context, p *engine.Policy) error {
	rulesJSON, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("failed to encode rules: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE policies
		SET name = $1, status = $2, scope = $3, rules = $4, default_effect = $5,
		    version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8`,
		p.Name, string(p.Status), string(p.Scope), rulesJSON, string(p.DefaultEffect),
		time.Now().UTC(), p.ID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetPolicyByID(ctx, p.ID); errors.Is(err, ErrPolicyNotFound) {
			return ErrPolicyNotFound
		}
		return ErrPolicyConflict
	}
	p.Version++
	return nil
}

// SetStatus transitions a policy's lifecycle state.
func (s *Store) SetStatus(ctx context.Context, id string, status engine.PolicyStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set policy status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// Delete removes a policy.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// List returns a page of the tenant's policies, newest first. Limit 0 uses
// the default page size.
func (s *Store) List(ctx context.Context, clientID string, limit, offset int) ([]engine.Policy, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM policies
		WHERE client_id = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`,
		clientID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanPolicies(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (*engine.Policy, error) {
	var (
		p         engine.Policy
		status    string
		scope     string
		effect    string
		rulesJSON []byte
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Version, &status, &scope,
		&p.ClientID, &p.AgentID, &rulesJSON, &effect,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Status = engine.PolicyStatus(status)
	p.Scope = engine.PolicyScope(scope)
	p.DefaultEffect = engine.Effect(effect)
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &p.Rules); err != nil {
			return nil, fmt.Errorf("failed to decode rules for policy %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

func scanPolicies(rows *sql.Rows) ([]engine.Policy, error) {
	var policies []engine.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *p)
	}
	return policies, rows.Err()
}

// createTables creates the policies table if it doesn't exist.
func (s *Store) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS policies (
		id VARCHAR(255) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		status VARCHAR(50) NOT NULL DEFAULT 'draft',
		scope VARCHAR(50) NOT NULL DEFAULT 'client',
		client_id VARCHAR(255) NOT NULL DEFAULT '',
		agent_id VARCHAR(255) NOT NULL DEFAULT '',
		rules JSONB NOT NULL DEFAULT '[]',
		default_effect VARCHAR(10) NOT NULL DEFAULT 'deny',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_policies_client_id ON policies(client_id);
	CREATE INDEX IF NOT EXISTS idx_policies_status ON policies(status);
	CREATE INDEX IF NOT EXISTS idx_policies_updated_at ON policies(updated_at);
	`
	_, err := s.db.Exec(query)
	return err
}
