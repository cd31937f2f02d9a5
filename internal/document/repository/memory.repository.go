package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"formdesk/internal/access"
	"formdesk/internal/document/model"
	"formdesk/pkg/apperr"

	"github.com/google/uuid"
)

// MemoryDocumentRepository is an in-process Document Store and History Log
// for tests and STORAGE=memory development runs.
type MemoryDocumentRepository struct {
	mu       sync.Mutex
	docs     map[string]model.Document
	contents map[string]model.Content
	history  map[string][]model.HistoryEntry
	now      func() time.Time
	newID    func() string
}

func NewMemoryDocumentRepository() *MemoryDocumentRepository {
	return &MemoryDocumentRepository{
		docs:     make(map[string]model.Document),
		contents: make(map[string]model.Content),
		history:  make(map[string][]model.HistoryEntry),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

func (r *MemoryDocumentRepository) Create(_ context.Context, doc model.Document, content model.Content, entries []model.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.docs[doc.ID]; exists {
		return apperr.Validation("document %s already exists", doc.ID)
	}
	content.Fields = content.Fields.Clone()
	r.docs[doc.ID] = doc
	r.contents[doc.ID] = content
	r.history[doc.ID] = append([]model.HistoryEntry(nil), entries...)
	return nil
}

func (r *MemoryDocumentRepository) GetDocument(_ context.Context, docID string) (model.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[docID]
	if !ok {
		return model.Document{}, apperr.NotFound("document %s not found", docID)
	}
	return doc, nil
}

func (r *MemoryDocumentRepository) GetContent(_ context.Context, docID string) (model.Content, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	content, ok := r.contents[docID]
	if !ok {
		return model.Content{}, apperr.NotFound("document %s not found", docID)
	}
	content.Fields = content.Fields.Clone()
	return content, nil
}

func (r *MemoryDocumentRepository) Ownership(_ context.Context, docID string) (access.Ownership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[docID]
	if !ok {
		return access.Ownership{}, access.ErrDocumentNotFound
	}
	return access.Ownership{DocumentID: doc.ID, TeamID: doc.TeamID, CreatorID: doc.CreatorID}, nil
}

func (r *MemoryDocumentRepository) ApplyWrite(_ context.Context, docID string, changes map[string]any, actor string) (model.WriteResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[docID]
	if !ok {
		return model.WriteResult{}, apperr.NotFound("document %s not found", docID)
	}
	content := r.contents[docID]

	plan, err := model.PlanWrite(doc, content, changes, actor, r.now(), r.newID)
	if err != nil {
		return model.WriteResult{}, planError(err)
	}

	content.Fields = plan.Fields
	content.Version = plan.Version
	content.UpdatedAt = r.now()
	r.contents[docID] = content
	r.history[docID] = append(r.history[docID], plan.Entries...)
	if plan.TitleChanged {
		doc.Title = plan.Title
	}
	doc.UpdatedAt = content.UpdatedAt
	r.docs[docID] = doc

	return model.WriteResult{Version: plan.Version, Applied: plan.Applied, Fields: plan.Names, Entries: plan.Entries}, nil
}

func (r *MemoryDocumentRepository) ListFor(_ context.Context, docID string) ([]model.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.HistoryEntry{}, r.history[docID]...), nil
}

func (r *MemoryDocumentRepository) SetLifecycle(_ context.Context, docID string, status model.LifecycleStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[docID]
	if !ok {
		return apperr.NotFound("document %s not found", docID)
	}
	doc.Lifecycle = status
	doc.UpdatedAt = r.now()
	r.docs[docID] = doc
	return nil
}

func (r *MemoryDocumentRepository) TransitionReview(_ context.Context, docID string, from, to model.ReviewStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[docID]
	if !ok {
		return apperr.NotFound("document %s not found", docID)
	}
	if doc.Review != from {
		return apperr.Busy("review status of document %s changed concurrently", docID)
	}
	doc.Review = to
	doc.UpdatedAt = r.now()
	r.docs[docID] = doc
	return nil
}

// MemorySessionRepository keeps edit sessions keyed by (document, user).
type MemorySessionRepository struct {
	mu       sync.Mutex
	sessions map[sessionKey]model.EditSession
	newID    func() string
}

type sessionKey struct {
	doc  string
	user string
}

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{sessions: make(map[sessionKey]model.EditSession), newID: uuid.NewString}
}

func (r *MemorySessionRepository) Upsert(_ context.Context, docID, userID string, upd model.CursorUpdate, now time.Time) (model.EditSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionKey{docID, userID}
	s, ok := r.sessions[key]
	if !ok {
		s = model.EditSession{ID: r.newID(), DocumentID: docID, UserID: userID}
	}
	s.Active = true
	s.FocusedField = upd.Field
	s.CursorPosition = upd.CursorPosition
	s.SelectionStart = upd.SelectionStart
	s.SelectionEnd = upd.SelectionEnd
	s.LastActivity = now
	r.sessions[key] = s
	return s, nil
}

func (r *MemorySessionRepository) Deactivate(_ context.Context, docID, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionKey{docID, userID}
	s, ok := r.sessions[key]
	if !ok || !s.Active {
		return false, nil
	}
	s.Active = false
	s.FocusedField = ""
	r.sessions[key] = s
	return true, nil
}

func (r *MemorySessionRepository) Blur(_ context.Context, docID, userID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionKey{docID, userID}
	if s, ok := r.sessions[key]; ok && s.Active {
		s.FocusedField = ""
		s.SelectionStart, s.SelectionEnd = nil, nil
		s.LastActivity = now
		r.sessions[key] = s
	}
	return nil
}

func (r *MemorySessionRepository) Touch(_ context.Context, docID, userID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionKey{docID, userID}
	if s, ok := r.sessions[key]; ok && s.Active {
		s.LastActivity = now
		r.sessions[key] = s
	}
	return nil
}

func (r *MemorySessionRepository) ListActive(_ context.Context, docID string) ([]model.EditSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.EditSession{}
	for key, s := range r.sessions {
		if key.doc == docID && s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *MemorySessionRepository) ReapStale(_ context.Context, before time.Time) ([]model.EditSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.EditSession{}
	for key, s := range r.sessions {
		if s.Active && s.LastActivity.Before(before) {
			s.Active = false
			s.FocusedField = ""
			r.sessions[key] = s
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Count returns the number of session rows, active or not.
func (r *MemorySessionRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
