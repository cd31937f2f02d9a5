package repository

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"formdesk/internal/access"
	"formdesk/internal/document/model"
	"formdesk/pkg/apperr"
	"formdesk/pkg/logger"

	"github.com/google/uuid"
)

// DocumentRepository is the Postgres Document Store and Edit History Log.
type DocumentRepository struct {
	DB *sql.DB
	// LockTimeout bounds how long ApplyWrite waits for the content row lock.
	LockTimeout time.Duration
	now         func() time.Time
	newID       func() string
}

func NewDocumentRepository(db *sql.DB, lockTimeout time.Duration) *DocumentRepository {
	return &DocumentRepository{
		DB:          db,
		LockTimeout: lockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
}

const documentColumns = `d.id, d.team_id, d.creator_id, d.kind, d.title, d.lifecycle_status, d.review_status, d.created_at, d.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner, extra ...any) (model.Document, error) {
	var doc model.Document
	var teamID sql.NullString
	var kind, lifecycle, review string
	dest := append([]any{&doc.ID, &teamID, &doc.CreatorID, &kind, &doc.Title, &lifecycle, &review, &doc.CreatedAt, &doc.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return model.Document{}, err
	}
	doc.TeamID = teamID.String
	doc.Kind = model.Kind(kind)
	doc.Lifecycle = model.LifecycleStatus(lifecycle)
	doc.Review = model.ReviewStatus(review)
	return doc, nil
}

func decodeFields(kind model.Kind, raw []byte) (model.Fields, error) {
	stored := map[string]any{}
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&stored); err != nil {
			return nil, fmt.Errorf("decode fields: %w", err)
		}
	}
	return kind.Normalize(stored), nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Create inserts the document, its content row and any initial history.
func (r *DocumentRepository) Create(ctx context.Context, doc model.Document, content model.Content, entries []model.HistoryEntry) error {
	fields, err := json.Marshal(content.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin create", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO documents (id, team_id, creator_id, kind, title, lifecycle_status, review_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		doc.ID, nullable(doc.TeamID), doc.CreatorID, string(doc.Kind), doc.Title, string(doc.Lifecycle), string(doc.Review), doc.CreatedAt); err != nil {
		logger.Sugar.Errorf("Failed to create document: %v", err)
		return classify("insert document", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO document_contents (document_id, fields, version, updated_at) VALUES ($1, $2, $3, $4)`,
		doc.ID, fields, content.Version, content.UpdatedAt); err != nil {
		logger.Sugar.Errorf("Failed to create content for doc %s: %v", doc.ID, err)
		return classify("insert content", err)
	}
	if err := insertHistory(ctx, tx, entries); err != nil {
		return err
	}
	return classify("commit create", tx.Commit())
}

func (r *DocumentRepository) GetDocument(ctx context.Context, docID string) (model.Document, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents d WHERE d.id = $1`, docID)
	doc, err := scanDocument(row)
	if err != nil {
		return model.Document{}, classify("get document "+docID, err)
	}
	return doc, nil
}

func (r *DocumentRepository) GetContent(ctx context.Context, docID string) (model.Content, error) {
	var kind string
	var raw []byte
	content := model.Content{DocumentID: docID}
	err := r.DB.QueryRowContext(ctx, `SELECT d.kind, c.fields, c.version, c.updated_at
		FROM document_contents c JOIN documents d ON d.id = c.document_id WHERE c.document_id = $1`, docID).
		Scan(&kind, &raw, &content.Version, &content.UpdatedAt)
	if err != nil {
		return model.Content{}, classify("get content "+docID, err)
	}
	content.Fields, err = decodeFields(model.Kind(kind), raw)
	if err != nil {
		return model.Content{}, err
	}
	return content, nil
}

func (r *DocumentRepository) Ownership(ctx context.Context, docID string) (access.Ownership, error) {
	own := access.Ownership{DocumentID: docID}
	var teamID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT team_id, creator_id FROM documents WHERE id = $1`, docID).Scan(&teamID, &own.CreatorID)
	if err == sql.ErrNoRows {
		return access.Ownership{}, access.ErrDocumentNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get owner for doc %s: %v", docID, err)
		return access.Ownership{}, classify("get ownership", err)
	}
	own.TeamID = teamID.String
	return own, nil
}

// ApplyWrite validates and commits changes in one transaction: the content
// row is locked FOR UPDATE, the version bumped by one, one history row is
// inserted per field and the denormalised title is kept in sync.
func (r *DocumentRepository) ApplyWrite(ctx context.Context, docID string, changes map[string]any, actor string) (model.WriteResult, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.WriteResult{}, classify("begin write", err)
	}
	defer tx.Rollback()

	if r.LockTimeout > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.LockTimeout.Milliseconds())); err != nil {
			return model.WriteResult{}, classify("set lock timeout", err)
		}
	}

	var raw []byte
	content := model.Content{DocumentID: docID}
	row := tx.QueryRowContext(ctx, `SELECT `+documentColumns+`, c.fields, c.version
		FROM documents d JOIN document_contents c ON c.document_id = d.id
		WHERE d.id = $1 FOR UPDATE OF c`, docID)
	doc, err := scanDocument(row, &raw, &content.Version)
	if err != nil {
		return model.WriteResult{}, classify("lock content "+docID, err)
	}
	if content.Fields, err = decodeFields(doc.Kind, raw); err != nil {
		return model.WriteResult{}, err
	}

	plan, err := model.PlanWrite(doc, content, changes, actor, r.now(), r.newID)
	if err != nil {
		return model.WriteResult{}, planError(err)
	}

	fields, err := json.Marshal(plan.Fields)
	if err != nil {
		return model.WriteResult{}, fmt.Errorf("encode fields: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE document_contents SET fields = $1, version = $2, updated_at = NOW()
		WHERE document_id = $3 AND version = $4`, fields, plan.Version, docID, content.Version)
	if err != nil {
		logger.Sugar.Errorf("Failed to update content for doc %s: %v", docID, err)
		return model.WriteResult{}, classify("update content", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return model.WriteResult{}, apperr.Busy("document %s changed concurrently", docID)
	}

	if err := insertHistory(ctx, tx, plan.Entries); err != nil {
		return model.WriteResult{}, err
	}

	if plan.TitleChanged {
		_, err = tx.ExecContext(ctx, `UPDATE documents SET title = $1, updated_at = NOW() WHERE id = $2`, plan.Title, docID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE documents SET updated_at = NOW() WHERE id = $1`, docID)
	}
	if err != nil {
		return model.WriteResult{}, classify("update document", err)
	}

	if err := tx.Commit(); err != nil {
		return model.WriteResult{}, classify("commit write", err)
	}
	return model.WriteResult{Version: plan.Version, Applied: plan.Applied, Fields: plan.Names, Entries: plan.Entries}, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, entries []model.HistoryEntry) error {
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `INSERT INTO edit_history (id, document_id, actor_id, field_name, old_value, new_value, change_kind, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.DocumentID, e.ActorID, e.Field, e.OldValue, e.NewValue, string(e.ChangeKind), e.Version, e.CreatedAt)
		if err != nil {
			logger.Sugar.Errorf("Failed to append history for doc %s: %v", e.DocumentID, err)
			return classify("insert history", err)
		}
	}
	return nil
}

// ListFor returns the document's history, oldest first.
func (r *DocumentRepository) ListFor(ctx context.Context, docID string) ([]model.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, document_id, actor_id, field_name, old_value, new_value, change_kind, version, created_at
		FROM edit_history WHERE document_id = $1 ORDER BY version ASC, seq ASC`, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to get history for doc %s: %v", docID, err)
		return nil, classify("list history", err)
	}
	defer rows.Close()

	entries := []model.HistoryEntry{}
	for rows.Next() {
		var e model.HistoryEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.ActorID, &e.Field, &e.OldValue, &e.NewValue, &kind, &e.Version, &e.CreatedAt); err != nil {
			return nil, classify("scan history", err)
		}
		e.ChangeKind = model.ChangeKind(kind)
		entries = append(entries, e)
	}
	return entries, classify("iterate history", rows.Err())
}

func (r *DocumentRepository) SetLifecycle(ctx context.Context, docID string, status model.LifecycleStatus) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE documents SET lifecycle_status = $1, updated_at = NOW() WHERE id = $2`, string(status), docID)
	if err != nil {
		return classify("set lifecycle", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("document %s not found", docID)
	}
	return nil
}

// TransitionReview moves the review status only if it still equals from.
func (r *DocumentRepository) TransitionReview(ctx context.Context, docID string, from, to model.ReviewStatus) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE documents SET review_status = $1, updated_at = NOW() WHERE id = $2 AND review_status = $3`,
		string(to), docID, string(from))
	if err != nil {
		return classify("transition review", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Busy("review status of document %s changed concurrently", docID)
	}
	return nil
}
