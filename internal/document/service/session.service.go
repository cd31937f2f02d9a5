package service

import (
	"context"
	"time"

	"formdesk/internal/access"
	"formdesk/internal/document/model"
	"formdesk/pkg/apperr"
	"formdesk/pkg/logger"
	"formdesk/pkg/metrics"
	"formdesk/socket"
)

// SessionStore keeps one edit session row per (document, user).
type SessionStore interface {
	Upsert(ctx context.Context, docID, userID string, upd model.CursorUpdate, now time.Time) (model.EditSession, error)
	Deactivate(ctx context.Context, docID, userID string) (bool, error)
	Blur(ctx context.Context, docID, userID string, now time.Time) error
	Touch(ctx context.Context, docID, userID string, now time.Time) error
	ListActive(ctx context.Context, docID string) ([]model.EditSession, error)
	ReapStale(ctx context.Context, before time.Time) ([]model.EditSession, error)
}

// SessionService is the session registry: who is editing a document, where
// their cursor is, and when they left.
type SessionService struct {
	Sessions SessionStore
	Gate     Authorizer
	Events   socket.Publisher
	// TTL is how long a session may go without activity before the
	// reaper marks it inactive.
	TTL time.Duration

	now func() time.Time
}

func NewSessionService(sessions SessionStore, gate Authorizer, events socket.Publisher, ttl time.Duration) *SessionService {
	return &SessionService{
		Sessions: sessions,
		Gate:     gate,
		Events:   events,
		TTL:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func validateCursor(upd model.CursorUpdate) error {
	if upd.CursorPosition < 0 {
		return apperr.Validation("cursorPosition must not be negative")
	}
	if (upd.SelectionStart == nil) != (upd.SelectionEnd == nil) {
		return apperr.Validation("selectionStart and selectionEnd must be sent together")
	}
	if upd.SelectionStart != nil && (*upd.SelectionStart < 0 || *upd.SelectionStart > *upd.SelectionEnd) {
		return apperr.Validation("invalid selection range %d..%d", *upd.SelectionStart, *upd.SelectionEnd)
	}
	return nil
}

// StartSession activates the caller's session on docID, creating it on first
// use, and announces the new presence.
func (s *SessionService) StartSession(ctx context.Context, docID, userID string, upd model.CursorUpdate) (model.EditSession, error) {
	if err := s.Gate.Authorize(ctx, userID, docID, access.CapWrite); err != nil {
		return model.EditSession{}, err
	}
	if err := validateCursor(upd); err != nil {
		return model.EditSession{}, err
	}
	session, err := s.Sessions.Upsert(ctx, docID, userID, upd, s.now())
	if err != nil {
		logger.Sugar.Errorf("Failed to start session for %s on doc %s: %v", userID, docID, err)
		return model.EditSession{}, err
	}
	if session.FocusedField != "" {
		publish(ctx, s.Events, socket.FieldFocusType, docID, userID, session)
	}
	s.publishPresence(ctx, docID, userID)
	return session, nil
}

// FocusField moves the caller's focus to upd.Field and tells the group.
func (s *SessionService) FocusField(ctx context.Context, docID, userID string, upd model.CursorUpdate) (model.EditSession, error) {
	if err := s.Gate.Authorize(ctx, userID, docID, access.CapWrite); err != nil {
		return model.EditSession{}, err
	}
	if upd.Field == "" {
		return model.EditSession{}, apperr.Validation("field is required")
	}
	if err := validateCursor(upd); err != nil {
		return model.EditSession{}, err
	}
	session, err := s.Sessions.Upsert(ctx, docID, userID, upd, s.now())
	if err != nil {
		return model.EditSession{}, err
	}
	publish(ctx, s.Events, socket.FieldFocusType, docID, userID, session)
	return session, nil
}

// MoveCursor updates focus and cursor. A session that does not exist yet is
// created, so a client may skip StartSession.
func (s *SessionService) MoveCursor(ctx context.Context, docID, userID string, upd model.CursorUpdate) (model.EditSession, error) {
	if err := s.Gate.Authorize(ctx, userID, docID, access.CapWrite); err != nil {
		return model.EditSession{}, err
	}
	if err := validateCursor(upd); err != nil {
		return model.EditSession{}, err
	}
	session, err := s.Sessions.Upsert(ctx, docID, userID, upd, s.now())
	if err != nil {
		return model.EditSession{}, err
	}
	publish(ctx, s.Events, socket.CursorMoveType, docID, userID, session)
	return session, nil
}

// BlurField clears the caller's focused field without ending the session.
func (s *SessionService) BlurField(ctx context.Context, docID, userID string) error {
	if err := s.Sessions.Blur(ctx, docID, userID, s.now()); err != nil {
		return err
	}
	publish(ctx, s.Events, socket.FieldBlurType, docID, userID, nil)
	return nil
}

// EndSession marks the caller's session inactive. Ending a session that is
// absent or already inactive is a no-op.
func (s *SessionService) EndSession(ctx context.Context, docID, userID string) error {
	ended, err := s.Sessions.Deactivate(ctx, docID, userID)
	if err != nil {
		logger.Sugar.Errorf("Failed to end session for %s on doc %s: %v", userID, docID, err)
		return err
	}
	if !ended {
		return nil
	}
	publish(ctx, s.Events, socket.FieldBlurType, docID, userID, nil)
	s.publishPresence(ctx, docID, userID)
	return nil
}

// Heartbeat refreshes last activity so the reaper leaves the session alone.
func (s *SessionService) Heartbeat(ctx context.Context, docID, userID string) error {
	return s.Sessions.Touch(ctx, docID, userID, s.now())
}

func (s *SessionService) ListActive(ctx context.Context, docID, userID string) ([]model.EditSession, error) {
	if err := s.Gate.Authorize(ctx, userID, docID, access.CapRead); err != nil {
		return nil, err
	}
	return s.Sessions.ListActive(ctx, docID)
}

func (s *SessionService) publishPresence(ctx context.Context, docID, actor string) {
	if s.Events == nil {
		return
	}
	active, err := s.Sessions.ListActive(ctx, docID)
	if err != nil {
		logger.Sugar.Warnf("Failed to list presence for doc %s: %v", docID, err)
		return
	}
	publish(ctx, s.Events, socket.PresenceUpdateType, docID, actor, active)
}

// ReapStale deactivates sessions idle for longer than TTL and tells each
// affected document who left. It returns the number of sessions reaped.
func (s *SessionService) ReapStale(ctx context.Context) (int, error) {
	if s.TTL <= 0 {
		return 0, nil
	}
	reaped, err := s.Sessions.ReapStale(ctx, s.now().Add(-s.TTL))
	if err != nil {
		return 0, err
	}
	if len(reaped) == 0 {
		return 0, nil
	}
	metrics.SessionsReaped.Add(float64(len(reaped)))

	docs := make(map[string]bool)
	for _, session := range reaped {
		publish(ctx, s.Events, socket.FieldBlurType, session.DocumentID, session.UserID, nil)
		docs[session.DocumentID] = true
	}
	for docID := range docs {
		s.publishPresence(ctx, docID, "")
	}
	return len(reaped), nil
}
