package repository

import (
	"context"
	"database/sql"
	"time"

	"formdesk/internal/document/model"
	"formdesk/pkg/logger"

	"github.com/google/uuid"
)

// SessionRepository persists edit sessions, one row per (document, user).
type SessionRepository struct {
	DB    *sql.DB
	newID func() string
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{DB: db, newID: uuid.NewString}
}

const sessionColumns = `id, document_id, user_id, active, focused_field, cursor_position, selection_start, selection_end, last_activity`

func scanSession(row rowScanner) (model.EditSession, error) {
	var s model.EditSession
	var selStart, selEnd sql.NullInt64
	if err := row.Scan(&s.ID, &s.DocumentID, &s.UserID, &s.Active, &s.FocusedField, &s.CursorPosition, &selStart, &selEnd, &s.LastActivity); err != nil {
		return model.EditSession{}, err
	}
	s.SelectionStart = intPtr(selStart)
	s.SelectionEnd = intPtr(selEnd)
	return s, nil
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

// Upsert marks the (document, user) session active with the given focus and
// cursor, creating the row on first use.
func (r *SessionRepository) Upsert(ctx context.Context, docID, userID string, upd model.CursorUpdate, now time.Time) (model.EditSession, error) {
	row := r.DB.QueryRowContext(ctx, `INSERT INTO edit_sessions (id, document_id, user_id, active, focused_field, cursor_position, selection_start, selection_end, last_activity)
		VALUES ($1, $2, $3, TRUE, $4, $5, $6, $7, $8)
		ON CONFLICT (document_id, user_id) DO UPDATE SET
			active = TRUE,
			focused_field = EXCLUDED.focused_field,
			cursor_position = EXCLUDED.cursor_position,
			selection_start = EXCLUDED.selection_start,
			selection_end = EXCLUDED.selection_end,
			last_activity = EXCLUDED.last_activity
		RETURNING `+sessionColumns,
		r.newID(), docID, userID, upd.Field, upd.CursorPosition, nullInt(upd.SelectionStart), nullInt(upd.SelectionEnd), now)
	s, err := scanSession(row)
	if err != nil {
		logger.Sugar.Errorf("Failed to upsert session for user %s on doc %s: %v", userID, docID, err)
		return model.EditSession{}, classify("upsert session", err)
	}
	return s, nil
}

// Deactivate marks the session inactive and reports whether an active row existed.
func (r *SessionRepository) Deactivate(ctx context.Context, docID, userID string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE edit_sessions SET active = FALSE, focused_field = '' WHERE document_id = $1 AND user_id = $2 AND active`, docID, userID)
	if err != nil {
		return false, classify("deactivate session", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Blur clears the focused field of an active session.
func (r *SessionRepository) Blur(ctx context.Context, docID, userID string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE edit_sessions SET focused_field = '', selection_start = NULL, selection_end = NULL, last_activity = $3
		WHERE document_id = $1 AND user_id = $2 AND active`, docID, userID, now)
	return classify("blur session", err)
}

func (r *SessionRepository) Touch(ctx context.Context, docID, userID string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE edit_sessions SET last_activity = $3 WHERE document_id = $1 AND user_id = $2 AND active`, docID, userID, now)
	return classify("touch session", err)
}

func (r *SessionRepository) ListActive(ctx context.Context, docID string) ([]model.EditSession, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM edit_sessions WHERE document_id = $1 AND active ORDER BY user_id`, docID)
	if err != nil {
		return nil, classify("list sessions", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ReapStale deactivates sessions idle since before and returns them.
func (r *SessionRepository) ReapStale(ctx context.Context, before time.Time) ([]model.EditSession, error) {
	rows, err := r.DB.QueryContext(ctx, `UPDATE edit_sessions SET active = FALSE, focused_field = ''
		WHERE active AND last_activity < $1 RETURNING `+sessionColumns, before)
	if err != nil {
		return nil, classify("reap sessions", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]model.EditSession, error) {
	sessions := []model.EditSession{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, classify("scan session", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, classify("iterate sessions", rows.Err())
}
