package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"formdesk/internal/document/model"
	"formdesk/internal/document/service"
	"formdesk/middleware"
	"formdesk/pkg/apperr"
	"formdesk/pkg/logger"
)

type DocumentHandler struct {
	Service  *service.DocumentService
	Sessions *service.SessionService
}

func NewDocumentHandler(service *service.DocumentService, sessions *service.SessionService) *DocumentHandler {
	return &DocumentHandler{Service: service, Sessions: sessions}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as {kind, message} with the status for its kind.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal || kind == apperr.KindTransient {
		logger.Sugar.Errorf("Handler: %s %s failed: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, apperr.HTTPStatus(kind), model.ErrorResponse{Kind: string(kind), Message: apperr.MessageOf(err)})
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func requireDocID(w http.ResponseWriter, r *http.Request) (string, bool) {
	docID := r.URL.Query().Get("docId")
	if docID == "" {
		writeError(w, r, apperr.Validation("missing docId parameter"))
		return "", false
	}
	return docID, true
}

// newDecoder keeps JSON numbers as json.Number so integer fields parse exactly.
func newDecoder(r *http.Request) *json.Decoder {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if r.Body == nil {
		return true
	}
	if err := newDecoder(r).Decode(into); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, apperr.Validation("invalid request body"))
		return false
	}
	return true
}

func (h *DocumentHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	userID := middleware.UserID(r.Context())

	var req model.CreateDocRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.Service.CreateDocument(r.Context(), userID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	docID, ok := requireDocID(w, r)
	if !ok {
		return
	}
	res, err := h.Service.GetDocument(r.Context(), middleware.UserID(r.Context()), docID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// WriteFields commits {fieldName, value} or {changes: {...}}.
func (h *DocumentHandler) WriteFields(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	docID, ok := requireDocID(w, r)
	if !ok {
		return
	}
	userID := middleware.UserID(r.Context())

	var req model.FieldWriteRequest
	if err := newDecoder(r).Decode(&req); err != nil {
		writeError(w, r, apperr.Validation("invalid request body"))
		return
	}

	var (
		res model.FieldWriteResponse
		err error
	)
	switch {
	case req.Changes != nil:
		res, err = h.Service.BatchUpdate(r.Context(), docID, userID, req.Changes)
	case req.FieldName != "":
		res, err = h.Service.UpdateField(r.Context(), docID, userID, req.FieldName, req.Value)
	default:
		err = apperr.Validation("fieldName or changes is required")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *DocumentHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	docID, ok := requireDocID(w, r)
	if !ok {
		return
	}
	entries, err := h.Service.ListHistory(r.Context(), middleware.UserID(r.Context()), docID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *DocumentHandler) ReplayHistory(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	docID, ok := requireDocID(w, r)
	if !ok {
		return
	}
	fields, err := h.Service.ReplayHistory(r.Context(), middleware.UserID(r.Context()), docID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fields": fields})
}

func (h *DocumentHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	docID, ok := requireDocID(w, r)
	if !ok {
		return
	}
	userID := middleware.UserID(r.Context())

	var req model.StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.Validation("invalid request body"))
		return
	}
	switch {
	case req.Review != "" && req.Lifecycle != "":
		writeError(w, r, apperr.Validation("send either review_status or lifecycle, not both"))
	case req.Review != "":
		doc, err := h.Service.TransitionReview(r.Context(), userID, docID, req.Review)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case req.Lifecycle != "":
		if err := h.Service.SetLifecycle(r.Context(), userID, docID, req.Lifecycle); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"lifecycle": string(req.Lifecycle)})
	default:
		writeError(w, r, apperr.Validation("review_status or lifecycle is required"))
	}
}

func (h *DocumentHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	h.cursorRequest(w, r, h.Sessions.StartSession)
}

func (h *DocumentHandler) MoveCursor(w http.ResponseWriter, r *http.Request) {
	h.cursorRequest(w, r, h.Sessions.MoveCursor)
}

func (h *DocumentHandler) cursorRequest(w http.ResponseWriter, r *http.Request,
	apply func(context.Context, string, string, model.CursorUpdate) (model.EditSession, error)) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	docID, ok := requireDocID(w, r)
	if !ok {
		return
	}
	var upd model.CursorUpdate
	if !decodeBody(w, r, &upd) {
		return
	}
	session, err := apply(r.Context(), docID, middleware.UserID(r.Context()), upd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *DocumentHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	docID, ok := requireDocID(w, r)
	if !ok {
		return
	}
	if err := h.Sessions.EndSession(r.Context(), docID, middleware.UserID(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	docID, ok := requireDocID(w, r)
	if !ok {
		return
	}
	active, err := h.Sessions.ListActive(r.Context(), docID, middleware.UserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}
