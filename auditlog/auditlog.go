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

// Package auditlog persists policy decisions to Postgres. Writes are
// queued and batched so the decision path never waits on the database;
// when the database is unavailable the sink degrades to a no-op.
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"socialguard/platform/engine"
	"socialguard/platform/shared/logger"
)

// Queue and batch sizing.
const (
	queueCapacity = 10000
	batchSize     = 100
	flushInterval = 5 * time.Second
)

// Entry is one persisted decision record.
type Entry struct {
	ID                string    `json:"id"`
	RequestID         string    `json:"request_id"`
	Timestamp         time.Time `json:"timestamp"`
	ClientID          string    `json:"client_id"`
	AgentID           string    `json:"agent_id"`
	Action            string    `json:"action"`
	Resource          string    `json:"resource"`
	Platform          string    `json:"platform"`
	Allowed           bool      `json:"allowed"`
	Effect            string    `json:"effect"`
	Reason            string    `json:"reason"`
	Message           string    `json:"message"`
	PolicyID          string    `json:"policy_id"`
	RuleID            string    `json:"rule_id"`
	ApprovalRequestID string    `json:"approval_request_id"`
	DurationMs        float64   `json:"duration_ms"`

	// MatchedRules and Fields are stored as JSONB.
	MatchedRules []engine.AuditRuleRef  `json:"matched_rules"`
	Fields       map[string]interface{} `json:"fields"`
}

// Sink writes decision audit entries to Postgres through a bounded queue
// and a batching background worker.
type Sink struct {
	db       *sql.DB
	log      *logger.Logger
	queue    chan *Entry
	shutdown chan struct{}
	wg       sync.WaitGroup
	dropped  int64
	mu       sync.Mutex
}

// Open connects to Postgres and starts the background writer. A connection
// failure yields a no-op sink rather than an error: audit persistence is
// best effort and must not block startup.
func Open(databaseURL string) *Sink {
	log := logger.New("audit-sink")

	db, err := sql.Open("postgres", databaseURL)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(ctx)
		cancel()
	}
	if err != nil {
		log.Warn("", "", "audit database unavailable, running no-op", map[string]interface{}{
			"error": err.Error(),
		})
		return &Sink{log: log, queue: make(chan *Entry, queueCapacity), shutdown: make(chan struct{})}
	}

	s := New(db)
	return s
}

// New wraps an existing database handle and starts the background writer.
func New(db *sql.DB) *Sink {
	s := &Sink{
		db:       db,
		log:      logger.New("audit-sink"),
		queue:    make(chan *Entry, queueCapacity),
		shutdown: make(chan struct{}),
	}

	if err := s.createTables(); err != nil {
		s.log.Warn("", "", "failed to create audit tables", map[string]interface{}{
			"error": err.Error(),
		})
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// Handler adapts the sink into the engine's audit callback.
func (s *Sink) Handler() engine.AuditHandler {
	return func(event *engine.AuditEvent) {
		s.Record(entryFromEvent(event))
	}
}

// Record queues one entry. When the queue is full the entry is dropped and
// counted; decisions never wait on audit persistence.
func (s *Sink) Record(entry *Entry) {
	select {
	case s.queue <- entry:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Dropped returns how many entries were discarded because the queue was full.
func (s *Sink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// IsHealthy reports whether the backing database answers a ping. A no-op
// sink is always healthy.
func (s *Sink) IsHealthy() bool {
	if s.db == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

// Close drains the queue, flushes the final batch, and stops the worker.
func (s *Sink) Close() error {
	close(s.shutdown)
	s.wg.Wait()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// run is the background worker: it accumulates entries and flushes on
// batch size, tick, or shutdown.
func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.writeBatch(batch); err != nil {
			s.log.Error("", "", "failed to write audit batch", map[string]interface{}{
				"error":      err.Error(),
				"batch_size": len(batch),
			})
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-s.queue:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.shutdown:
			for {
				select {
				case entry := <-s.queue:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeBatch inserts entries inside one transaction.
func (s *Sink) writeBatch(entries []*Entry) error {
	if s.db == nil {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO policy_audit_log (
			id, request_id, timestamp, client_id, agent_id, action, resource, platform,
			allowed, effect, reason, message, policy_id, rule_id, approval_request_id,
			duration_ms, matched_rules, fields
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		matchedJSON, _ := json.Marshal(e.MatchedRules)
		fieldsJSON, _ := json.Marshal(e.Fields)

		if _, err := stmt.Exec(
			e.ID, e.RequestID, e.Timestamp, e.ClientID, e.AgentID, e.Action, e.Resource, e.Platform,
			e.Allowed, e.Effect, e.Reason, e.Message, e.PolicyID, e.RuleID, e.ApprovalRequestID,
			e.DurationMs, matchedJSON, fieldsJSON,
		); err != nil {
			s.log.Error("", "", "failed to insert audit entry", map[string]interface{}{
				"error":    err.Error(),
				"entry_id": e.ID,
			})
		}
	}

	return tx.Commit()
}

// Search returns entries matching the criteria, newest first.
type SearchCriteria struct {
	ClientID  string
	Reason    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

func (s *Sink) Search(ctx context.Context, c SearchCriteria) ([]*Entry, error) {
	if s.db == nil {
		return nil, nil
	}

	query := `
		SELECT id, request_id, timestamp, client_id, agent_id, action, resource, platform,
		       allowed, effect, reason, message, policy_id, rule_id, approval_request_id,
		       duration_ms, matched_rules, fields
		FROM policy_audit_log
		WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if c.ClientID != "" {
		query += fmt.Sprintf(" AND client_id = $%d", argIndex)
		args = append(args, c.ClientID)
		argIndex++
	}
	if c.Reason != "" {
		query += fmt.Sprintf(" AND reason = $%d", argIndex)
		args = append(args, c.Reason)
		argIndex++
	}
	if !c.StartTime.IsZero() {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIndex)
		args = append(args, c.StartTime)
		argIndex++
	}
	if !c.EndTime.IsZero() {
		query += fmt.Sprintf(" AND timestamp <= $%d", argIndex)
		args = append(args, c.EndTime)
		argIndex++
	}

	query += " ORDER BY timestamp DESC"
	if c.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", c.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var matchedJSON, fieldsJSON []byte
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.Timestamp, &e.ClientID, &e.AgentID, &e.Action, &e.Resource, &e.Platform,
			&e.Allowed, &e.Effect, &e.Reason, &e.Message, &e.PolicyID, &e.RuleID, &e.ApprovalRequestID,
			&e.DurationMs, &matchedJSON, &fieldsJSON,
		); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(matchedJSON, &e.MatchedRules)
		_ = json.Unmarshal(fieldsJSON, &e.Fields)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// entryFromEvent flattens an engine audit event into a row.
func entryFromEvent(event *engine.AuditEvent) *Entry {
	entry := &Entry{
		ID:           uuid.New().String(),
		Timestamp:    event.Timestamp.UTC(),
		MatchedRules: event.MatchedRules,
	}
	if ec := event.Context; ec != nil {
		entry.RequestID = ec.RequestID
		entry.ClientID = ec.ClientID
		entry.AgentID = ec.AgentID
		entry.Action = ec.Action
		entry.Resource = ec.Resource
		entry.Platform = ec.Platform
		entry.Fields = ec.Fields
	}
	if d := event.Decision; d != nil {
		entry.Allowed = d.Allowed
		entry.Effect = string(d.Effect)
		entry.Reason = string(d.Reason)
		entry.Message = d.Message
		entry.PolicyID = d.PolicyID
		entry.RuleID = d.RuleID
		entry.ApprovalRequestID = d.ApprovalRequestID
		entry.DurationMs = d.EvaluationDurationMs
	}
	return entry
}

// createTables creates the policy_audit_log table if it doesn't exist.
func (s *Sink) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS policy_audit_log (
		id VARCHAR(255) PRIMARY KEY,
		request_id VARCHAR(255) NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		client_id VARCHAR(255) NOT NULL,
		agent_id VARCHAR(255) NOT NULL DEFAULT '',
		action VARCHAR(255) NOT NULL,
		resource VARCHAR(255) NOT NULL,
		platform VARCHAR(50) NOT NULL DEFAULT '',
		allowed BOOLEAN NOT NULL,
		effect VARCHAR(10) NOT NULL,
		reason VARCHAR(50) NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		policy_id VARCHAR(255) NOT NULL DEFAULT '',
		rule_id VARCHAR(255) NOT NULL DEFAULT '',
		approval_request_id VARCHAR(255) NOT NULL DEFAULT '',
		duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		matched_rules JSONB,
		fields JSONB,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_policy_audit_log_timestamp ON policy_audit_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_policy_audit_log_client_id ON policy_audit_log(client_id);
	CREATE INDEX IF NOT EXISTS idx_policy_audit_log_reason ON policy_audit_log(reason);
	`
	_, err := s.db.Exec(query)
	return err
}
