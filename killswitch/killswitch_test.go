// Copyright 2025 SocialGuard
// SPDX-License-Identifier: Apache-2.0

package killswitch

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialguard/platform/engine"
)

func TestIsTrippedNoSwitch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT scope, reason FROM kill_switches`).
		WithArgs("client_123", "instagram", "post:publish").
		WillReturnRows(sqlmock.NewRows([]string{"scope", "reason"}))

	s := New(db)
	res, err := s.IsTripped(context.Background(), engine.KillSwitchQuery{
		ClientID: "client_123",
		Platform: "instagram",
		Action:   "post:publish",
	})
	require.NoError(t, err)
	assert.False(t, res.Tripped)
	assert.GreaterOrEqual(t, res.CheckDurationMs, 0.0)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsTrippedClientSwitch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT scope, reason FROM kill_switches`).
		WithArgs("client_123", "", "").
		WillReturnRows(sqlmock.NewRows([]string{"scope", "reason"}).
			AddRow("client", "compromised credentials"))

	s := New(db)
	res, err := s.IsTripped(context.Background(), engine.KillSwitchQuery{ClientID: "client_123"})
	require.NoError(t, err)
	assert.True(t, res.Tripped)
	assert.Equal(t, "client", res.Switch)
	assert.Equal(t, "compromised credentials", res.Reason)
}

func TestTripAssignsID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`INSERT INTO kill_switches`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	sw := &Switch{Scope: ScopeClient, ClientID: "client_123", Reason: "incident"}
	require.NoError(t, s.Trip(context.Background(), sw))
	assert.NotEmpty(t, sw.ID)
	assert.False(t, sw.TrippedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`UPDATE kill_switches`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := New(db)
	err = s.Reset(context.Background(), "client_123", ScopeClient)
	assert.ErrorIs(t, err, ErrSwitchNotFound)
}

func TestListActive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT id, scope, client_id, platform, action, reason, tripped_by, tripped_at FROM kill_switches`).
		WithArgs("client_123").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "scope", "client_id", "platform", "action", "reason", "tripped_by", "tripped_at",
		}).
			AddRow("ks_1", "client", "client_123", "", "", "incident", "ops@example.com", now).
			AddRow("ks_2", "global", "", "", "", "maintenance", "", now))

	s := New(db)
	switches, err := s.ListActive(context.Background(), "client_123")
	require.NoError(t, err)
	require.Len(t, switches, 2)
	assert.Equal(t, "ks_1", switches[0].ID)
	assert.Equal(t, ScopeGlobal, switches[1].Scope)
}
