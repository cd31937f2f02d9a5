package repository

import (
	"context"
	"testing"
	"time"

	"formdesk/internal/document/model"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionRowColumns = []string{"id", "document_id", "user_id", "active", "focused_field", "cursor_position", "selection_start", "selection_end", "last_activity"}

func newMockSessions(t *testing.T) (*SessionRepository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := NewSessionRepository(db)
	repo.newID = func() string { return "s1" }
	return repo, mock
}

func TestSessionUpsertUsesConflictClause(t *testing.T) {
	repo, mock := newMockSessions(t)
	now := time.Now()
	start, end := 2, 5

	mock.ExpectQuery("INSERT INTO edit_sessions .* ON CONFLICT \\(document_id, user_id\\) DO UPDATE").
		WithArgs("s1", "doc-1", "bob", "summary", 4, int64(2), int64(5), now).
		WillReturnRows(sqlmock.NewRows(sessionRowColumns).AddRow("s0", "doc-1", "bob", true, "summary", 4, 2, 5, now))

	s, err := repo.Upsert(context.Background(), "doc-1", "bob", model.CursorUpdate{Field: "summary", CursorPosition: 4, SelectionStart: &start, SelectionEnd: &end}, now)
	require.NoError(t, err)
	assert.Equal(t, "s0", s.ID, "existing row id is kept on conflict")
	assert.True(t, s.Active)
	require.NotNil(t, s.SelectionEnd)
	assert.Equal(t, 5, *s.SelectionEnd)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionDeactivateReportsMissing(t *testing.T) {
	repo, mock := newMockSessions(t)

	mock.ExpectExec("UPDATE edit_sessions SET active = FALSE").WithArgs("doc-1", "bob").WillReturnResult(sqlmock.NewResult(0, 0))

	ended, err := repo.Deactivate(context.Background(), "doc-1", "bob")
	require.NoError(t, err)
	assert.False(t, ended)
}

func TestSessionListActiveAndReap(t *testing.T) {
	repo, mock := newMockSessions(t)
	now := time.Now()
	cutoff := now.Add(-time.Minute)

	mock.ExpectQuery("SELECT id, document_id, user_id .* FROM edit_sessions WHERE document_id = \\$1 AND active").WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows(sessionRowColumns).
			AddRow("s1", "doc-1", "alice", true, "title", 0, nil, nil, now).
			AddRow("s2", "doc-1", "bob", true, "", 3, nil, nil, now))
	mock.ExpectQuery("UPDATE edit_sessions SET active = FALSE, focused_field = '' WHERE active AND last_activity < \\$1 RETURNING").WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows(sessionRowColumns).AddRow("s3", "doc-2", "carol", false, "", 0, nil, nil, cutoff.Add(-time.Second)))

	active, err := repo.ListActive(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Nil(t, active[0].SelectionStart)

	reaped, err := repo.ReapStale(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, "carol", reaped[0].UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
