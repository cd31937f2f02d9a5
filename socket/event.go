package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	PresenceSnapshotType EventType = "presence-snapshot" // Active sessions, sent once on connect
	PresenceUpdateType   EventType = "presence-update"   // Someone started, stopped or timed out
	FieldFocusType       EventType = "field-focus"       // User focused a field
	FieldBlurType        EventType = "field-blur"        // User left a field
	CursorMoveType       EventType = "cursor-move"       // Cursor or selection moved
	FieldPreviewType     EventType = "field-preview"     // Uncommitted value while typing
	FieldCommittedType   EventType = "field-committed"   // Single field write committed
	BatchCommittedType   EventType = "batch-committed"   // Batch write committed
	StatusChangedType    EventType = "status-changed"    // Review or lifecycle status changed
	HeartbeatType        EventType = "heartbeat"         // Client keep-alive, never broadcast
	ErrorType            EventType = "error"             // Sent to one client only
)

// Event is the envelope for everything on a document's realtime group.
type Event struct {
	Type      EventType       `json:"type"`
	DocID     string          `json:"document_id"`
	ActorID   string          `json:"user_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewEvent(typ EventType, docID, actorID string, payload any) (Event, error) {
	ev := Event{Type: typ, DocID: docID, ActorID: actorID, Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

type FieldCommittedPayload struct {
	Field   string `json:"field"`
	Value   any    `json:"value"`
	Version int64  `json:"version"`
}

type BatchCommittedPayload struct {
	Changes map[string]any `json:"changes"`
	Fields  []string       `json:"updatedFields"`
	Version int64          `json:"version"`
}

type FieldPreviewPayload struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

type StatusChangedPayload struct {
	Review    string `json:"review_status,omitempty"`
	Lifecycle string `json:"lifecycle,omitempty"`
}

// Publisher delivers an event to every subscriber of ev.DocID.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
