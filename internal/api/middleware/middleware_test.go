package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	mw "github.com/terarelay/terarelay/internal/api/middleware"
	"github.com/terarelay/terarelay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- Mock Store ---

type mockStore struct {
	keys []*models.AccessKey
	err  error
}

func (m *mockStore) Ping(_ context.Context) error { return nil }
func (m *mockStore) LookupDelivery(_ context.Context, _ string) (*models.Delivery, error) {
	return nil, nil
}
func (m *mockStore) RecordDelivery(_ context.Context, _ *models.Delivery) error { return nil }
func (m *mockStore) PruneDeliveries(_ context.Context, _ int) (int64, error)    { return 0, nil }
func (m *mockStore) CountDeliveries(_ context.Context) (int, error)             { return 0, nil }
func (m *mockStore) CreateAccessKey(_ context.Context, _ *models.AccessKey) error {
	return nil
}
func (m *mockStore) GetAccessKeysByPrefix(_ context.Context, _ string) ([]*models.AccessKey, error) {
	return m.keys, m.err
}
func (m *mockStore) ListAccessKeys(_ context.Context) ([]*models.AccessKey, error) {
	return nil, nil
}
func (m *mockStore) RevokeAccessKey(_ context.Context, _ uuid.UUID) error        { return nil }
func (m *mockStore) UpdateAccessKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

// --- Mock Cache ---

type mockCache struct {
	counter int64
	err     error
}

func (m *mockCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (m *mockCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (m *mockCache) Delete(_ context.Context, _ string) error                         { return nil }
func (m *mockCache) Ping(_ context.Context) error                                     { return nil }
func (m *mockCache) SetJobStatus(_ context.Context, _ uuid.UUID, _ []byte, _ time.Duration) error {
	return nil
}
func (m *mockCache) GetJobStatus(_ context.Context, _ uuid.UUID) ([]byte, bool, error) {
	return nil, false, nil
}
func (m *mockCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	m.counter++
	return m.counter, m.err
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, rawKey string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_MissingAuthHeader(t *testing.T) {
	auth := mw.NewAuth(&mockStore{})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_InvalidBearerFormat(t *testing.T) {
	auth := mw.NewAuth(&mockStore{})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Basic abc123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_ValidKey(t *testing.T) {
	rawKey := "tr_12345valid-access-key"
	s := &mockStore{keys: []*models.AccessKey{{
		ID:      uuid.New(),
		KeyHash: hashKey(t, rawKey),
		Scopes:  []string{"submit"},
	}}}

	auth := mw.NewAuth(s)
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_WrongKey(t *testing.T) {
	s := &mockStore{keys: []*models.AccessKey{{
		ID:      uuid.New(),
		KeyHash: hashKey(t, "tr_12345other-key"),
	}}}

	auth := mw.NewAuth(s)
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer tr_12345wrong-key")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyTooShort(t *testing.T) {
	auth := mw.NewAuth(&mockStore{})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer short")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_StoreError(t *testing.T) {
	s := &mockStore{err: assert.AnError}
	auth := mw.NewAuth(s)
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer tr_12345any-key")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRequireScope_Granted(t *testing.T) {
	rawKey := "tr_12345admin-key"
	s := &mockStore{keys: []*models.AccessKey{{
		ID:      uuid.New(),
		KeyHash: hashKey(t, rawKey),
		Scopes:  []string{"submit", "admin"},
	}}}

	auth := mw.NewAuth(s)
	handler := auth.Authenticate(auth.RequireScope("admin")(okHandler()))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireScope_Denied(t *testing.T) {
	rawKey := "tr_12345plain-key"
	s := &mockStore{keys: []*models.AccessKey{{
		ID:      uuid.New(),
		KeyHash: hashKey(t, rawKey),
		Scopes:  []string{"submit"},
	}}}

	auth := mw.NewAuth(s)
	handler := auth.Authenticate(auth.RequireScope("admin")(okHandler()))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errBody(t, w)["code"])
}

// ========================================
// RateLimit Middleware Tests
// ========================================

func authedRequest(t *testing.T, auth *mw.Auth, rl *mw.RateLimit, rawKey string) *httptest.ResponseRecorder {
	t.Helper()
	handler := auth.Authenticate(rl.Limit(okHandler()))
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestRateLimit_UnderLimit(t *testing.T) {
	rawKey := "tr_12345rate-key"
	s := &mockStore{keys: []*models.AccessKey{{
		ID: uuid.New(), KeyHash: hashKey(t, rawKey), Scopes: []string{"submit"},
	}}}
	auth := mw.NewAuth(s)
	rl := mw.NewRateLimit(&mockCache{}, 5)

	w := authedRequest(t, auth, rl, rawKey)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimit_OverLimit(t *testing.T) {
	rawKey := "tr_12345rate-key"
	s := &mockStore{keys: []*models.AccessKey{{
		ID: uuid.New(), KeyHash: hashKey(t, rawKey), Scopes: []string{"submit"},
	}}}
	auth := mw.NewAuth(s)
	c := &mockCache{}
	rl := mw.NewRateLimit(c, 2)

	for i := 0; i < 2; i++ {
		w := authedRequest(t, auth, rl, rawKey)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w := authedRequest(t, auth, rl, rawKey)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}

func TestRateLimit_FailsOpenOnCacheError(t *testing.T) {
	rawKey := "tr_12345rate-key"
	s := &mockStore{keys: []*models.AccessKey{{
		ID: uuid.New(), KeyHash: hashKey(t, rawKey), Scopes: []string{"submit"},
	}}}
	auth := mw.NewAuth(s)
	rl := mw.NewRateLimit(&mockCache{err: assert.AnError}, 2)

	w := authedRequest(t, auth, rl, rawKey)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_NoAuthContextPassesThrough(t *testing.T) {
	rl := mw.NewRateLimit(&mockCache{}, 2)
	handler := rl.Limit(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	handler := mw.Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_PassesThroughNormally(t *testing.T) {
	handler := mw.Recovery(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_RecordsStatusAndBytes(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	handler := mw.Logger(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	req := httptest.NewRequest("GET", "/api/v1/downloads", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "short and stout", w.Body.String())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "GET", line["method"])
	assert.Equal(t, "/api/v1/downloads", line["path"])
	assert.EqualValues(t, http.StatusTeapot, line["status"])
	assert.EqualValues(t, len("short and stout"), line["bytes"])
}
