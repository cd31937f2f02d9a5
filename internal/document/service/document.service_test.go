package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"formdesk/internal/access"
	"formdesk/internal/document/model"
	"formdesk/internal/document/repository"
	"formdesk/pkg/apperr"
	"formdesk/socket"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []socket.Event
}

func (r *recorder) Publish(_ context.Context, ev socket.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ofType(t socket.EventType) []socket.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []socket.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	docs     *repository.MemoryDocumentRepository
	sessions *repository.MemorySessionRepository
	events   *recorder
	svc      *DocumentService
	reg      *SessionService
}

// newFixture wires the services over memory storage. team-1 has alice as
// owner, bob and carol as editors and vera as viewer.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	docs := repository.NewMemoryDocumentRepository()
	sessions := repository.NewMemorySessionRepository()
	teams := access.NewStaticDirectory()
	teams.Set("team-1", "alice", access.TeamOwner)
	teams.Set("team-1", "bob", access.TeamEdit)
	teams.Set("team-1", "carol", access.TeamEdit)
	teams.Set("team-1", "vera", access.TeamView)
	gate := access.NewGate(docs, teams)
	rec := &recorder{}

	return &fixture{
		docs:     docs,
		sessions: sessions,
		events:   rec,
		svc:      NewDocumentService(docs, docs, gate, rec, Options{LockTimeout: time.Second, Retries: 2, RetryBackoff: time.Millisecond}),
		reg:      NewSessionService(sessions, gate, rec, time.Minute),
	}
}

func (f *fixture) create(t *testing.T, actor, team string, kind model.Kind, title string) string {
	t.Helper()
	res, err := f.svc.CreateDocument(context.Background(), actor, model.CreateDocRequest{TeamID: team, Kind: string(kind), Title: title})
	require.NoError(t, err)
	return res.Document.ID
}

func TestBatchUpdateBumpsVersionOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.create(t, "alice", "team-1", model.KindActionReport, "Report")

	res, err := f.svc.BatchUpdate(ctx, docID, "bob", map[string]any{"summary": "cleanup", "budget": "120", "award": "true"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Version)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, []string{"award", "budget", "summary"}, res.UpdatedFields)

	history, err := f.svc.ListHistory(ctx, "bob", docID)
	require.NoError(t, err)
	var atVersion2 int
	for _, e := range history {
		if e.Version == 2 {
			atVersion2++
			assert.Equal(t, "bob", e.ActorID)
		}
	}
	assert.Equal(t, 3, atVersion2)

	doc, err := f.svc.GetDocument(ctx, "vera", docID)
	require.NoError(t, err)
	assert.Equal(t, int64(120), doc.Content.Fields["budget"])
	assert.Equal(t, true, doc.Content.Fields["award"])

	committed := f.events.ofType(socket.BatchCommittedType)
	require.Len(t, committed, 1)
	assert.Equal(t, "bob", committed[0].ActorID)
	var payload socket.BatchCommittedPayload
	require.NoError(t, json.Unmarshal(committed[0].Payload, &payload))
	assert.Equal(t, int64(2), payload.Version)
	assert.Len(t, payload.Changes, 3)
}

func TestBatchUpdateUnknownFieldIsAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.create(t, "alice", "", model.KindBlank, "Original")

	_, err := f.svc.BatchUpdate(ctx, docID, "alice", map[string]any{"title": "T", "sdg_tag": "13"})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Contains(t, err.Error(), "sdg_tag")

	doc, err := f.svc.GetDocument(ctx, "alice", docID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Content.Version)
	assert.Equal(t, "Original", doc.Content.Fields["title"])
	assert.Equal(t, "Original", doc.Document.Title)
	assert.Empty(t, f.events.ofType(socket.BatchCommittedType))
}

func TestBatchUpdateRejectsEmptyChanges(t *testing.T) {
	f := newFixture(t)
	docID := f.create(t, "alice", "", model.KindBlank, "")

	_, err := f.svc.BatchUpdate(context.Background(), docID, "alice", map[string]any{})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Equal(t, "no changes provided", apperr.MessageOf(err))
}

func TestUpdateFieldBooleanHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.create(t, "alice", "team-1", model.KindActionReport, "Report")

	res, err := f.svc.UpdateField(ctx, docID, "bob", "award", "1")
	require.NoError(t, err)
	assert.Equal(t, true, res.Value)
	assert.Equal(t, "award", res.Field)

	res, err = f.svc.UpdateField(ctx, docID, "bob", "award", "0")
	require.NoError(t, err)
	assert.Equal(t, false, res.Value)
	assert.Equal(t, int64(3), res.Version)

	history, err := f.svc.ListHistory(ctx, "bob", docID)
	require.NoError(t, err)
	var award []model.HistoryEntry
	for _, e := range history {
		if e.Field == "award" {
			award = append(award, e)
		}
	}
	require.Len(t, award, 2)
	assert.Equal(t, [2]string{"False", "True"}, [2]string{award[0].OldValue, award[0].NewValue})
	assert.Equal(t, [2]string{"True", "False"}, [2]string{award[1].OldValue, award[1].NewValue})

	committed := f.events.ofType(socket.FieldCommittedType)
	require.Len(t, committed, 2)
	var payload socket.FieldCommittedPayload
	require.NoError(t, json.Unmarshal(committed[1].Payload, &payload))
	assert.Equal(t, socket.FieldCommittedPayload{Field: "award", Value: false, Version: 3}, payload)
}

func TestUpdateFieldChecksCurrentKind(t *testing.T) {
	f := newFixture(t)
	docID := f.create(t, "alice", "", model.KindBlank, "")

	_, err := f.svc.UpdateField(context.Background(), docID, "alice", "sdg_tag", "13")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Contains(t, err.Error(), "sdg_tag")

	_, err = f.svc.UpdateField(context.Background(), docID, "alice", "", "x")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestUpdateFieldAccessErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	teamDoc := f.create(t, "alice", "team-1", model.KindBlank, "Team")
	personal := f.create(t, "alice", "", model.KindBlank, "Mine")

	_, err := f.svc.UpdateField(ctx, teamDoc, "vera", "title", "x")
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	_, err = f.svc.UpdateField(ctx, personal, "bob", "title", "x")
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	_, err = f.svc.UpdateField(ctx, "missing", "alice", "title", "x")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	doc, _ := f.svc.GetDocument(ctx, "alice", teamDoc)
	assert.Equal(t, int64(1), doc.Content.Version)
}

func TestConcurrentWritersLoseNoUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.create(t, "alice", "team-1", model.KindActionReport, "Start")

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := "bob"
			if i%2 == 1 {
				actor = "carol"
			}
			_, err := f.svc.UpdateField(ctx, docID, actor, "title", fmt.Sprintf("w%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	doc, err := f.svc.GetDocument(ctx, "alice", docID)
	require.NoError(t, err)
	assert.Equal(t, int64(1+writers), doc.Content.Version)

	history, err := f.svc.ListHistory(ctx, "alice", docID)
	require.NoError(t, err)
	require.Len(t, history, 1+writers)

	seen := map[int64]bool{}
	for _, e := range history {
		assert.False(t, seen[e.Version], "version %d appears twice", e.Version)
		seen[e.Version] = true
	}
	last := history[len(history)-1]
	assert.Equal(t, last.NewValue, doc.Content.Fields["title"], "the last committed writer wins")
	assert.Equal(t, last.NewValue, doc.Document.Title)
}

func TestWriteLockTimeoutIsBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.create(t, "alice", "", model.KindBlank, "")
	f.svc.opts.LockTimeout = 20 * time.Millisecond

	release, err := f.svc.locks.Acquire(ctx, docID, 0)
	require.NoError(t, err)
	defer release()

	_, err = f.svc.UpdateField(ctx, docID, "alice", "title", "late")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindBusy))
	assert.True(t, apperr.Retryable(err))
}

type flakyStore struct {
	*repository.MemoryDocumentRepository
	failures int
	calls    int
}

func (s *flakyStore) ApplyWrite(ctx context.Context, docID string, changes map[string]any, actor string) (model.WriteResult, error) {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return model.WriteResult{}, apperr.New(apperr.KindTransient, "connection reset")
	}
	return s.MemoryDocumentRepository.ApplyWrite(ctx, docID, changes, actor)
}

func TestTransientCommitFailuresAreRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.create(t, "alice", "", model.KindBlank, "")

	flaky := &flakyStore{MemoryDocumentRepository: f.docs, failures: 2}
	svc := NewDocumentService(flaky, f.docs, f.svc.Gate, nil, Options{LockTimeout: time.Second, Retries: 2, RetryBackoff: time.Millisecond})

	res, err := svc.UpdateField(ctx, docID, "alice", "title", "eventually")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Version)
	assert.Equal(t, 3, flaky.calls)

	flaky.failures, flaky.calls = 3, 0
	_, err = svc.UpdateField(ctx, docID, "alice", "title", "never")
	assert.True(t, apperr.IsKind(err, apperr.KindTransient))
	assert.Equal(t, 3, flaky.calls)
}

func TestCreateDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateDocument(ctx, "alice", model.CreateDocRequest{Kind: "lesson_plan", Title: " Fractions "})
	require.NoError(t, err)
	assert.Equal(t, "Fractions", res.Document.Title)
	assert.Equal(t, int64(1), res.Content.Version)
	assert.Nil(t, res.Content.Fields["grade_level"])
	assert.Equal(t, false, res.Content.Fields["published"])

	history, err := f.svc.ListHistory(ctx, "alice", res.Document.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.ChangeCreate, history[0].ChangeKind)

	_, err = f.svc.CreateDocument(ctx, "vera", model.CreateDocRequest{TeamID: "team-1"})
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	_, err = f.svc.CreateDocument(ctx, "alice", model.CreateDocRequest{Kind: "spreadsheet"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.svc.CreateDocument(ctx, "", model.CreateDocRequest{})
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))
}

func TestReviewTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.create(t, "alice", "team-1", model.KindProjectProposal, "Wells")

	doc, err := f.svc.TransitionReview(ctx, "bob", docID, model.ReviewSubmitted)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewSubmitted, doc.Review)

	_, err = f.svc.TransitionReview(ctx, "bob", docID, model.ReviewUnderReview)
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	_, err = f.svc.TransitionReview(ctx, "alice", docID, model.ReviewUnderReview)
	require.NoError(t, err)
	_, err = f.svc.TransitionReview(ctx, "alice", docID, model.ReviewApproved)
	require.NoError(t, err)

	_, err = f.svc.TransitionReview(ctx, "alice", docID, model.ReviewDraft)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.svc.TransitionReview(ctx, "alice", docID, "published")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	assert.Len(t, f.events.ofType(socket.StatusChangedType), 3)
}

func TestLockedDocumentRejectsWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.create(t, "alice", "team-1", model.KindBlank, "Frozen")

	err := f.svc.SetLifecycle(ctx, "bob", docID, model.LifecycleLocked)
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	require.NoError(t, f.svc.SetLifecycle(ctx, "alice", docID, model.LifecycleLocked))
	_, err = f.svc.UpdateField(ctx, docID, "bob", "title", "Thawed")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Contains(t, err.Error(), "not editable")

	assert.True(t, apperr.IsKind(f.svc.SetLifecycle(ctx, "alice", docID, "deleted"), apperr.KindValidation))
}

func TestReplayHistoryMatchesContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID := f.create(t, "alice", "team-1", model.KindActionReport, "Beach")

	_, err := f.svc.BatchUpdate(ctx, docID, "bob", map[string]any{"sdg_tag": []any{"14", "13"}, "participants": "40"})
	require.NoError(t, err)
	_, err = f.svc.UpdateField(ctx, docID, "carol", "participants", "")
	require.NoError(t, err)
	_, err = f.svc.UpdateField(ctx, docID, "alice", "award", "true")
	require.NoError(t, err)

	replayed, err := f.svc.ReplayHistory(ctx, "vera", docID)
	require.NoError(t, err)
	doc, err := f.svc.GetDocument(ctx, "vera", docID)
	require.NoError(t, err)
	assert.Equal(t, doc.Content.Fields, replayed)
}
