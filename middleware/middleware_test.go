package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(UserID(r.Context())))
	})
}

func TestAuthAcceptsHeaderAndQueryTokens(t *testing.T) {
	h := Auth(testSecret)(echoUser())
	token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "bob", "exp": time.Now().Add(time.Hour).Unix()})

	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "bob", w.Body.String())
}

func TestAuthRejects(t *testing.T) {
	h := Auth(testSecret)(echoUser())
	cases := map[string]string{
		"missing":      "",
		"wrong secret": signToken(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "bob"}),
		"expired":      signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "bob", "exp": time.Now().Add(-time.Hour).Unix()}),
		"no subject":   signToken(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"name": "bob"}),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestAuthWithoutSecretRejectsEverything(t *testing.T) {
	h := Auth("")(echoUser())
	token := signToken(t, jwt.SigningMethodHS256, []byte("anything"), jwt.MapClaims{"sub": "bob"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORS("https://forms.example")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodOptions, "/api/documents/fields", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://forms.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.False(t, called)

	req = httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, called)
}

func TestRateLimiterPerUser(t *testing.T) {
	l := NewRateLimiter(1, 2)
	h := l.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/documents/fields", nil)
		req = req.WithContext(WithUserID(req.Context(), user))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("bob"))
	assert.Equal(t, http.StatusOK, do("bob"))
	assert.Equal(t, http.StatusTooManyRequests, do("bob"))
	assert.Equal(t, http.StatusOK, do("carol"), "buckets are per user")
}
