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

// Package approval implements the human-in-the-loop approval gate. Rules
// with a require_approval constraint pause the action here until a reviewer
// resolves the request or it expires.
package approval

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

// DefaultTimeout is the request lifetime when a rule doesn't set one.
const DefaultTimeout = time.Hour

// ErrRequestNotFound is returned when resolving an unknown request.
var ErrRequestNotFound = errors.New("approval request not found")

// ErrAlreadyResolved is returned when resolving a request twice.
var ErrAlreadyResolved = errors.New("approval request already resolved")

// Gate is the Postgres-backed approval store. It implements the engine's
// ApprovalGate interface.
type Gate struct {
	db    *sql.DB
	log   *logger.Logger
	clock func() time.Time
}

// Open connects to Postgres and ensures the schema exists.
func Open(databaseURL string) (*Gate, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open approval database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to approval database: %w", err)
	}

	g := New(db)
	if err := g.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create approval tables: %w", err)
	}
	return g, nil
}

// New wraps an existing database handle.
func New(db *sql.DB) *Gate {
	return &Gate{db: db, log: logger.New("approval-gate"), clock: time.Now}
}

// ListPendingRequests returns the client's unresolved requests for an
// action. Requests past their expiry are transitioned to expired first, so
// a stale request never blocks a fresh evaluation.
func (g *Gate) ListPendingRequests(ctx context.Context, clientID, actionType string) ([]engine.ApprovalRequest, error) {
	now := g.clock().UTC()

	if _, err := g.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = 'expired'
		WHERE status = 'pending' AND expires_at <= $1`,
		now,
	); err != nil {
		return nil, fmt.Errorf("failed to expire approval requests: %w", err)
	}

	rows, err := g.db.QueryContext(ctx, `
		SELECT id, client_id, action_type, resource, status, required_role,
		       timeout_seconds, policy_id, rule_id, fields, created_at, expires_at
		FROM approval_requests
		WHERE client_id = $1 AND action_type = $2 AND status IN ('pending', 'approved', 'denied')
		ORDER BY created_at DESC`,
		clientID, actionType,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var requests []engine.ApprovalRequest
	for rows.Next() {
		var (
			req        engine.ApprovalRequest
			status     string
			fieldsJSON []byte
		)
		if err := rows.Scan(&req.ID, &req.ClientID, &req.ActionType, &req.Resource, &status,
			&req.RequiredRole, &req.TimeoutSeconds, &req.PolicyID, &req.RuleID,
			&fieldsJSON, &req.CreatedAt, &req.ExpiresAt); err != nil {
			return nil, err
		}
		req.Status = engine.ApprovalStatus(status)
		if len(fieldsJSON) > 0 {
			_ = json.Unmarshal(fieldsJSON, &req.Fields)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// CreateRequest opens a new pending request.
func (g *Gate) CreateRequest(ctx context.Context, in engine.CreateApprovalInput) (*engine.ApprovalRequest, error) {
	timeout := time.Duration(in.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	now := g.clock().UTC()
	req := &engine.ApprovalRequest{
		ID:             uuid.New().String(),
		ClientID:       in.ClientID,
		ActionType:     in.ActionType,
		Resource:       in.Resource,
		Status:         engine.ApprovalPending,
		RequiredRole:   in.RequiredRole,
		TimeoutSeconds: int(timeout / time.Second),
		PolicyID:       in.PolicyID,
		RuleID:         in.RuleID,
		Fields:         in.Fields,
		CreatedAt:      now,
		ExpiresAt:      now.Add(timeout),
	}

	fieldsJSON, err := json.Marshal(in.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request fields: %w", err)
	}

	_, err = g.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, client_id, action_type, resource, status, required_role,
			timeout_seconds, policy_id, rule_id, fields, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		req.ID, req.ClientID, req.ActionType, req.Resource, string(req.Status), req.RequiredRole,
		req.TimeoutSeconds, req.PolicyID, req.RuleID, fieldsJSON, req.CreatedAt, req.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}

	g.log.Info(req.ClientID, "", "approval request created", map[string]interface{}{
		"approval_id": req.ID,
		"action_type": req.ActionType,
		"resource":    req.Resource,
		"expires_at":  req.ExpiresAt,
	})
	return req, nil
}

// Resolve records a reviewer's verdict on a pending request.
func (g *Gate) Resolve(ctx context.Context, requestID string, approved bool, reviewerID, comment string) error {
	status := engine.ApprovalDenied
	if approved {
		status = engine.ApprovalApproved
	}

	res, err := g.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = $1, reviewer_id = $2, review_comment = $3, reviewed_at = $4
		WHERE id = $5 AND status = 'pending'`,
		string(status), reviewerID, comment, g.clock().UTC(), requestID,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve approval request: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var current string
		err := g.db.QueryRowContext(ctx,
			`SELECT status FROM approval_requests WHERE id = $1`, requestID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRequestNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: status is %s", ErrAlreadyResolved, current)
	}

	g.log.Info("", "", "approval request resolved", map[string]interface{}{
		"approval_id": requestID,
		"status":      string(status),
		"reviewer":    reviewerID,
	})
	return nil
}

// createTables creates the approval_requests table if it doesn't exist.
func (g *Gate) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS approval_requests (
		id VARCHAR(255) PRIMARY KEY,
		client_id VARCHAR(255) NOT NULL,
		action_type VARCHAR(255) NOT NULL,
		resource VARCHAR(255) NOT NULL DEFAULT '',
		status VARCHAR(50) NOT NULL DEFAULT 'pending',
		required_role VARCHAR(100) NOT NULL DEFAULT '',
		timeout_seconds INTEGER NOT NULL DEFAULT 3600,
		policy_id VARCHAR(255) NOT NULL DEFAULT '',
		rule_id VARCHAR(255) NOT NULL DEFAULT '',
		fields JSONB,
		reviewer_id VARCHAR(255) NOT NULL DEFAULT '',
		review_comment TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		reviewed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_approval_requests_client_action ON approval_requests(client_id, action_type);
	CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status);
	`
	_, err := g.db.Exec(query)
	return err
}
