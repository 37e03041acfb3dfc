// Copyright 2025 SocialGuard
// SPDX-License-Identifier: Apache-2.0

package policystore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialguard/platform/engine"
)

func policyColumns() []string {
	return []string{
		"id", "name", "version", "status", "scope", "client_id", "agent_id",
		"rules", "default_effect", "created_at", "updated_at",
	}
}

func rulesJSON(t *testing.T, rules []engine.PolicyRule) []byte {
	t.Helper()
	b, err := json.Marshal(rules)
	require.NoError(t, err)
	return b
}

func TestGetPoliciesForContext(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Now().UTC()
	rules := []engine.PolicyRule{{
		ID:        "r1",
		Name:      "allow publishing",
		Enabled:   true,
		Effect:    engine.EffectAllow,
		Actions:   []string{"post:*"},
		Resources: []string{"social:*"},
		Priority:  10,
	}}

	mock.ExpectQuery(`SELECT .+ FROM policies\s+WHERE status = 'active'`).
		WithArgs("client_123", "agent_a").
		WillReturnRows(sqlmock.NewRows(policyColumns()).
			AddRow("pol_1", "publishing policy", 3, "active", "client", "client_123", "",
				rulesJSON(t, rules), "deny", now, now))

	s := New(db)
	policies, err := s.GetPoliciesForContext(context.Background(), &engine.EvaluationContext{
		ClientID: "client_123",
		AgentID:  "agent_a",
	})
	require.NoError(t, err)
	require.Len(t, policies, 1)

	p := policies[0]
	assert.Equal(t, "pol_1", p.ID)
	assert.Equal(t, engine.PolicyStatusActive, p.Status)
	assert.Equal(t, engine.EffectDeny, p.DefaultEffect)
	require.Len(t, p.Rules, 1)
	assert.Equal(t, "r1", p.Rules[0].ID)
	assert.True(t, p.Rules[0].Enabled)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPoliciesForContextEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT .+ FROM policies`).
		WithArgs("client_999", "").
		WillReturnRows(sqlmock.NewRows(policyColumns()))

	s := New(db)
	policies, err := s.GetPoliciesForContext(context.Background(), &engine.EvaluationContext{ClientID: "client_999"})
	require.NoError(t, err)
	assert.Empty(t, policies)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPolicyByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT .+ FROM policies WHERE id = \$1`).
		WithArgs("pol_1").
		WillReturnRows(sqlmock.NewRows(policyColumns()).
			AddRow("pol_1", "draft policy", 1, "draft", "client", "client_123", "",
				[]byte("[]"), "deny", now, now))

	s := New(db)
	p, err := s.GetPolicyByID(context.Background(), "pol_1")
	require.NoError(t, err)
	assert.Equal(t, engine.PolicyStatusDraft, p.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPolicyByIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT .+ FROM policies WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(policyColumns()))

	s := New(db)
	_, err = s.GetPolicyByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPolicyNotFound)
}

func TestCreateAssignsDefaults(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`INSERT INTO policies`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	p := &engine.Policy{Name: "new policy", ClientID: "client_123", Scope: engine.ScopeClient}
	require.NoError(t, s.Create(context.Background(), p))

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, engine.PolicyStatusDraft, p.Status)
	assert.Equal(t, engine.EffectDeny, p.DefaultEffect)
	assert.False(t, p.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateVersionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Now().UTC()
	mock.ExpectExec(`UPDATE policies`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// The conflict probe finds the policy at a newer version.
	mock.ExpectQuery(`SELECT .+ FROM policies WHERE id = \$1`).
		WithArgs("pol_1").
		WillReturnRows(sqlmock.NewRows(policyColumns()).
			AddRow("pol_1", "policy", 5, "active", "client", "client_123", "",
				[]byte("[]"), "deny", now, now))

	s := New(db)
	p := &engine.Policy{ID: "pol_1", Name: "policy", Version: 3}
	err = s.Update(context.Background(), p)
	assert.ErrorIs(t, err, ErrPolicyConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateBumpsVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`UPDATE policies`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	p := &engine.Policy{ID: "pol_1", Name: "policy", Version: 3}
	require.NoError(t, s.Update(context.Background(), p))
	assert.Equal(t, 4, p.Version)
}

func TestSetStatusNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`UPDATE policies SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := New(db)
	err = s.SetStatus(context.Background(), "missing", engine.PolicyStatusArchived)
	assert.ErrorIs(t, err, ErrPolicyNotFound)
}

func TestDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`DELETE FROM policies WHERE id = \$1`).
		WithArgs("pol_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	require.NoError(t, s.Delete(context.Background(), "pol_1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListClampsPageSize(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT .+ FROM policies\s+WHERE client_id = \$1`).
		WithArgs("client_123", MaxPageSize, 0).
		WillReturnRows(sqlmock.NewRows(policyColumns()))

	s := New(db)
	_, err = s.List(context.Background(), "client_123", 5000, -10)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryErrorPropagates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT .+ FROM policies`).
		WillReturnError(errors.New("connection reset"))

	s := New(db)
	_, err = s.GetPoliciesForContext(context.Background(), &engine.EvaluationContext{ClientID: "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
