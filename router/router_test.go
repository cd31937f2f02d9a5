package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"formdesk/internal/access"
	"formdesk/internal/document/model"
	"formdesk/internal/document/repository"
	"formdesk/internal/document/service"
	"formdesk/middleware"
	"formdesk/pkg/metrics"
	"formdesk/socket"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T) (http.Handler, string) {
	t.Helper()
	docs := repository.NewMemoryDocumentRepository()
	gate := access.NewGate(docs, access.NewStaticDirectory())
	broker := socket.NewBroker(16)
	docsSvc := service.NewDocumentService(docs, docs, gate, broker, service.Options{LockTimeout: time.Second})
	sessions := service.NewSessionService(repository.NewMemorySessionRepository(), gate, broker, time.Minute)

	res, err := docsSvc.CreateDocument(context.Background(), "bob", model.CreateDocRequest{Kind: "blank", Title: "Notes"})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics.RegisterCollectors(reg)

	return Setup(Deps{
		Hub:       socket.NewHub(broker, broker, gate, sessions, socket.HubOptions{}),
		Documents: docsSvc,
		Sessions:  sessions,
		JWTSecret: "secret",
		Limiter:   middleware.NewRateLimiter(100, 100),
		Gatherer:  reg,
	}), res.Document.ID
}

func bearer(t *testing.T, user string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": user}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return "Bearer " + s
}

func TestRoutesRequireAuth(t *testing.T) {
	h, docID := newRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/documents?docId="+docID, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/documents/fields?docId="+docID, strings.NewReader(`{"fieldName":"description","value":"hi"}`))
	req.Header.Set("Authorization", bearer(t, "bob"))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthAndMetrics(t *testing.T) {
	h, _ := newRouter(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "formdesk_realtime_connections")
}
