package model

import (
	"time"
)

type LifecycleStatus string

const (
	LifecycleActive   LifecycleStatus = "active"
	LifecycleLocked   LifecycleStatus = "locked"
	LifecycleArchived LifecycleStatus = "archived"
)

func (s LifecycleStatus) Valid() bool {
	switch s {
	case LifecycleActive, LifecycleLocked, LifecycleArchived:
		return true
	}
	return false
}

type ReviewStatus string

const (
	ReviewDraft       ReviewStatus = "draft"
	ReviewSubmitted   ReviewStatus = "submitted"
	ReviewUnderReview ReviewStatus = "under_review"
	ReviewApproved    ReviewStatus = "approved"
	ReviewRejected    ReviewStatus = "rejected"
)

var reviewTransitions = map[ReviewStatus][]ReviewStatus{
	ReviewDraft:       {ReviewSubmitted},
	ReviewSubmitted:   {ReviewUnderReview, ReviewDraft},
	ReviewUnderReview: {ReviewApproved, ReviewRejected},
	ReviewRejected:    {ReviewDraft},
}

// CanTransition reports whether the review workflow allows s -> to.
func (s ReviewStatus) CanTransition(to ReviewStatus) bool {
	for _, next := range reviewTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Document is the catalog-level record that owns one Content.
// TeamID is empty for personal documents.
type Document struct {
	ID        string          `json:"id"`
	TeamID    string          `json:"team_id,omitempty"`
	CreatorID string          `json:"creator_id"`
	Kind      Kind            `json:"kind"`
	Title     string          `json:"title"`
	Lifecycle LifecycleStatus `json:"lifecycle_status"`
	Review    ReviewStatus    `json:"review_status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (d Document) Personal() bool {
	return d.TeamID == ""
}

// Fields holds coerced field values keyed by field name.
type Fields map[string]any

func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

type Content struct {
	DocumentID string    `json:"document_id"`
	Fields     Fields    `json:"fields"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeSet    ChangeKind = "set"
	ChangeUpdate ChangeKind = "update"
	ChangeClear  ChangeKind = "clear"
)

// HistoryEntry is immutable once appended.
type HistoryEntry struct {
	ID         string     `json:"id"`
	DocumentID string     `json:"documentId"`
	ActorID    string     `json:"actor"`
	Field      string     `json:"field"`
	OldValue   string     `json:"oldValue"`
	NewValue   string     `json:"newValue"`
	ChangeKind ChangeKind `json:"changeKind"`
	Version    int64      `json:"version"`
	CreatedAt  time.Time  `json:"timestamp"`
}

// EditSession is unique per (DocumentID, UserID).
type EditSession struct {
	ID             string    `json:"id"`
	DocumentID     string    `json:"documentId"`
	UserID         string    `json:"userId"`
	Active         bool      `json:"active"`
	FocusedField   string    `json:"field"`
	CursorPosition int       `json:"cursorPosition"`
	SelectionStart *int      `json:"selectionStart,omitempty"`
	SelectionEnd   *int      `json:"selectionEnd,omitempty"`
	LastActivity   time.Time `json:"lastActivity"`
}

// CursorUpdate carries focus and cursor metadata from a client.
type CursorUpdate struct {
	Field          string `json:"field"`
	CursorPosition int    `json:"cursorPosition"`
	SelectionStart *int   `json:"selectionStart,omitempty"`
	SelectionEnd   *int   `json:"selectionEnd,omitempty"`
}

// WriteResult is what a committed field write reports back.
type WriteResult struct {
	Version int64          `json:"version"`
	Applied map[string]any `json:"applied"`
	Fields  []string       `json:"updatedFields"`
	Entries []HistoryEntry `json:"-"`
}

type CreateDocRequest struct {
	TeamID string `json:"team_id"`
	Kind   string `json:"kind"`
	Title  string `json:"title"`
}

type DocumentResponse struct {
	Document Document `json:"document"`
	Content  Content  `json:"content"`
}

// FieldWriteRequest accepts either a single field or a batch of changes.
type FieldWriteRequest struct {
	FieldName string         `json:"fieldName"`
	Value     any            `json:"value"`
	Changes   map[string]any `json:"changes"`
}

type FieldWriteResponse struct {
	Version       int64    `json:"version"`
	UpdatedFields []string `json:"updatedFields"`
	Field         string   `json:"field,omitempty"`
	Value         any      `json:"value"`
	Count         int      `json:"count,omitempty"`
}

type StatusRequest struct {
	Review    ReviewStatus    `json:"review_status,omitempty"`
	Lifecycle LifecycleStatus `json:"lifecycle,omitempty"`
}

type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
