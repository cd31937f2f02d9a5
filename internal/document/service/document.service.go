package service

import (
	"context"
	"strings"
	"time"

	"formdesk/internal/access"
	"formdesk/internal/document/model"
	"formdesk/pkg/apperr"
	"formdesk/pkg/logger"
	"formdesk/pkg/metrics"
	"formdesk/socket"

	"github.com/google/uuid"
)

// DocumentStore persists documents and their field content. ApplyWrite is
// the only path that mutates content.
type DocumentStore interface {
	Create(ctx context.Context, doc model.Document, content model.Content, entries []model.HistoryEntry) error
	GetDocument(ctx context.Context, docID string) (model.Document, error)
	GetContent(ctx context.Context, docID string) (model.Content, error)
	ApplyWrite(ctx context.Context, docID string, changes map[string]any, actor string) (model.WriteResult, error)
	SetLifecycle(ctx context.Context, docID string, status model.LifecycleStatus) error
	TransitionReview(ctx context.Context, docID string, from, to model.ReviewStatus) error
}

type HistoryLog interface {
	ListFor(ctx context.Context, docID string) ([]model.HistoryEntry, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, userID, documentID string, required access.Capability) error
	AuthorizeTeam(ctx context.Context, userID, teamID string, required access.Capability) error
}

type Options struct {
	// LockTimeout bounds the wait for a document's write lock.
	LockTimeout time.Duration
	// Retries is how many times a Transient commit failure is retried.
	Retries      int
	RetryBackoff time.Duration
}

type DocumentService struct {
	Docs    DocumentStore
	History HistoryLog
	Gate    Authorizer
	Events  socket.Publisher

	locks *KeyedLock
	opts  Options
	now   func() time.Time
	newID func() string
}

func NewDocumentService(docs DocumentStore, history HistoryLog, gate Authorizer, events socket.Publisher, opts Options) *DocumentService {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	return &DocumentService{
		Docs:    docs,
		History: history,
		Gate:    gate,
		Events:  events,
		locks:   NewKeyedLock(),
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

func (s *DocumentService) CreateDocument(ctx context.Context, actor string, req model.CreateDocRequest) (model.DocumentResponse, error) {
	if actor == "" {
		return model.DocumentResponse{}, apperr.PermissionDenied("authentication required")
	}
	kind := model.KindBlank
	if strings.TrimSpace(req.Kind) != "" {
		k, err := model.ParseKind(req.Kind)
		if err != nil {
			return model.DocumentResponse{}, apperr.Validation("%v", err)
		}
		kind = k
	}
	teamID := strings.TrimSpace(req.TeamID)
	if teamID != "" {
		if err := s.Gate.AuthorizeTeam(ctx, actor, teamID, access.CapWrite); err != nil {
			return model.DocumentResponse{}, err
		}
	}

	now := s.now()
	doc := model.Document{
		ID:        s.newID(),
		TeamID:    teamID,
		CreatorID: actor,
		Kind:      kind,
		Title:     strings.TrimSpace(req.Title),
		Lifecycle: model.LifecycleActive,
		Review:    model.ReviewDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	content, entries := model.NewContent(doc, actor, now, s.newID)
	if err := s.Docs.Create(ctx, doc, content, entries); err != nil {
		logger.Sugar.Errorf("Failed to create document for %s: %v", actor, err)
		return model.DocumentResponse{}, err
	}
	metrics.HistoryEntries.Add(float64(len(entries)))
	return model.DocumentResponse{Document: doc, Content: content}, nil
}

func (s *DocumentService) GetDocument(ctx context.Context, actor, docID string) (model.DocumentResponse, error) {
	if err := s.Gate.Authorize(ctx, actor, docID, access.CapRead); err != nil {
		return model.DocumentResponse{}, err
	}
	doc, err := s.Docs.GetDocument(ctx, docID)
	if err != nil {
		return model.DocumentResponse{}, err
	}
	content, err := s.Docs.GetContent(ctx, docID)
	if err != nil {
		return model.DocumentResponse{}, err
	}
	return model.DocumentResponse{Document: doc, Content: content}, nil
}

// UpdateField commits one field. The field must exist on the document's
// current kind.
func (s *DocumentService) UpdateField(ctx context.Context, docID, actor, fieldName string, value any) (model.FieldWriteResponse, error) {
	if err := s.Gate.Authorize(ctx, actor, docID, access.CapWrite); err != nil {
		return model.FieldWriteResponse{}, s.rejected(err)
	}
	if fieldName == "" {
		return model.FieldWriteResponse{}, s.rejected(apperr.Validation("fieldName is required"))
	}
	doc, err := s.Docs.GetDocument(ctx, docID)
	if err != nil {
		return model.FieldWriteResponse{}, s.rejected(err)
	}
	if _, ok := doc.Kind.Field(fieldName); !ok {
		return model.FieldWriteResponse{}, s.rejected(apperr.Validation("unknown field(s): %s", fieldName))
	}

	res, err := s.commit(ctx, docID, map[string]any{fieldName: value}, actor)
	if err != nil {
		return model.FieldWriteResponse{}, s.rejected(err)
	}
	metrics.CommittedWrites.WithLabelValues("single").Inc()

	applied := res.Applied[fieldName]
	publish(ctx, s.Events, socket.FieldCommittedType, docID, actor, socket.FieldCommittedPayload{
		Field:   fieldName,
		Value:   applied,
		Version: res.Version,
	})
	return model.FieldWriteResponse{Version: res.Version, UpdatedFields: res.Fields, Field: fieldName, Value: applied}, nil
}

// BatchUpdate commits every change in one version bump or none of them.
func (s *DocumentService) BatchUpdate(ctx context.Context, docID, actor string, changes map[string]any) (model.FieldWriteResponse, error) {
	if err := s.Gate.Authorize(ctx, actor, docID, access.CapWrite); err != nil {
		return model.FieldWriteResponse{}, s.rejected(err)
	}
	if len(changes) == 0 {
		return model.FieldWriteResponse{}, s.rejected(apperr.Validation("no changes provided"))
	}

	res, err := s.commit(ctx, docID, changes, actor)
	if err != nil {
		return model.FieldWriteResponse{}, s.rejected(err)
	}
	metrics.CommittedWrites.WithLabelValues("batch").Inc()

	publish(ctx, s.Events, socket.BatchCommittedType, docID, actor, socket.BatchCommittedPayload{
		Changes: res.Applied,
		Fields:  res.Fields,
		Version: res.Version,
	})
	return model.FieldWriteResponse{Version: res.Version, UpdatedFields: res.Fields, Count: len(res.Fields)}, nil
}

// commit holds the document's write lock across ApplyWrite and retries
// Transient storage failures with exponential backoff.
func (s *DocumentService) commit(ctx context.Context, docID string, changes map[string]any, actor string) (model.WriteResult, error) {
	release, err := s.locks.Acquire(ctx, docID, s.opts.LockTimeout)
	if err != nil {
		return model.WriteResult{}, err
	}
	defer release()

	backoff := s.opts.RetryBackoff
	for attempt := 0; ; attempt++ {
		res, err := s.Docs.ApplyWrite(ctx, docID, changes, actor)
		if err == nil {
			metrics.HistoryEntries.Add(float64(len(res.Entries)))
			return res, nil
		}
		if !apperr.IsKind(err, apperr.KindTransient) || attempt >= s.opts.Retries {
			return model.WriteResult{}, err
		}
		logger.Sugar.Warnf("Transient failure writing doc %s (attempt %d): %v", docID, attempt+1, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return model.WriteResult{}, ctx.Err()
		}
		backoff *= 2
	}
}

func (s *DocumentService) rejected(err error) error {
	metrics.RejectedWrites.WithLabelValues(string(apperr.KindOf(err))).Inc()
	return err
}

// ListHistory returns the document's history oldest first.
func (s *DocumentService) ListHistory(ctx context.Context, actor, docID string) ([]model.HistoryEntry, error) {
	if err := s.Gate.Authorize(ctx, actor, docID, access.CapRead); err != nil {
		return nil, err
	}
	return s.History.ListFor(ctx, docID)
}

// ReplayHistory rebuilds the field values from the kind's defaults and the
// full history. The result equals the stored content when history is intact.
func (s *DocumentService) ReplayHistory(ctx context.Context, actor, docID string) (model.Fields, error) {
	if err := s.Gate.Authorize(ctx, actor, docID, access.CapRead); err != nil {
		return nil, err
	}
	doc, err := s.Docs.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	entries, err := s.History.ListFor(ctx, docID)
	if err != nil {
		return nil, err
	}
	return model.Replay(doc.Kind, entries), nil
}

func (s *DocumentService) SetLifecycle(ctx context.Context, actor, docID string, status model.LifecycleStatus) error {
	if !status.Valid() {
		return apperr.Validation("unknown lifecycle status %q", status)
	}
	if err := s.Gate.Authorize(ctx, actor, docID, access.CapAdmin); err != nil {
		return err
	}
	if err := s.Docs.SetLifecycle(ctx, docID, status); err != nil {
		return err
	}
	publish(ctx, s.Events, socket.StatusChangedType, docID, actor, socket.StatusChangedPayload{Lifecycle: string(status)})
	return nil
}

// reviewCapability is what moving a document into a review status requires.
// Authors submit and withdraw; reviewers decide.
var reviewCapability = map[model.ReviewStatus]access.Capability{
	model.ReviewDraft:       access.CapWrite,
	model.ReviewSubmitted:   access.CapWrite,
	model.ReviewUnderReview: access.CapAdmin,
	model.ReviewApproved:    access.CapAdmin,
	model.ReviewRejected:    access.CapAdmin,
}

func (s *DocumentService) TransitionReview(ctx context.Context, actor, docID string, to model.ReviewStatus) (model.Document, error) {
	required, ok := reviewCapability[to]
	if !ok {
		return model.Document{}, apperr.Validation("unknown review status %q", to)
	}
	if err := s.Gate.Authorize(ctx, actor, docID, required); err != nil {
		return model.Document{}, err
	}
	doc, err := s.Docs.GetDocument(ctx, docID)
	if err != nil {
		return model.Document{}, err
	}
	if !doc.Review.CanTransition(to) {
		return model.Document{}, apperr.Validation("cannot move review status from %s to %s", doc.Review, to)
	}
	if err := s.Docs.TransitionReview(ctx, docID, doc.Review, to); err != nil {
		return model.Document{}, err
	}
	doc.Review = to
	publish(ctx, s.Events, socket.StatusChangedType, docID, actor, socket.StatusChangedPayload{Review: string(to)})
	return doc, nil
}

// publish is best-effort: the commit it reports is already durable, so a
// failure is logged and never returned.
func publish(ctx context.Context, events socket.Publisher, typ socket.EventType, docID, actor string, payload any) {
	if events == nil {
		return
	}
	ev, err := socket.NewEvent(typ, docID, actor, payload)
	if err != nil {
		logger.Sugar.Errorf("Error building %s event for doc %s: %v", typ, docID, err)
		return
	}
	if err := events.Publish(ctx, ev); err != nil {
		logger.Sugar.Warnf("Failed to publish %s for doc %s: %v", typ, docID, err)
	}
}
