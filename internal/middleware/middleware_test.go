package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/tutorpay/internal/auth"
	"github.com/josh-kwaku/tutorpay/internal/domain"
	"github.com/josh-kwaku/tutorpay/internal/handler"
	"github.com/josh-kwaku/tutorpay/internal/repository"
)

const testSecret = "middleware-secret"

func bearer(t *testing.T, subject uuid.UUID, role auth.Role) string {
	t.Helper()
	token, err := auth.GenerateToken(subject, role, testSecret, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp handler.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	if resp.Error == nil {
		return ""
	}
	return resp.Error.Code
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	handler.RespondSuccess(w, http.StatusOK, "ok")
})

func TestAuth(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantCode   string
	}{
		{name: "valid token", header: bearer(t, uuid.New(), auth.RoleOwner), wantStatus: http.StatusOK},
		{name: "missing header", wantStatus: http.StatusUnauthorized, wantCode: "MISSING_TOKEN"},
		{name: "not bearer", header: "Basic abc", wantStatus: http.StatusUnauthorized, wantCode: "INVALID_TOKEN"},
		{name: "garbage token", header: "Bearer abc.def.ghi", wantStatus: http.StatusUnauthorized, wantCode: "INVALID_TOKEN"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			Auth(testSecret)(okHandler).ServeHTTP(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantCode != "" {
				assert.Equal(t, tc.wantCode, errorCode(t, rec))
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name       string
		role       auth.Role
		wantStatus int
	}{
		{name: "admin allowed", role: auth.RoleAdmin, wantStatus: http.StatusOK},
		{name: "service allowed", role: auth.RoleService, wantStatus: http.StatusOK},
		{name: "owner forbidden", role: auth.RoleOwner, wantStatus: http.StatusForbidden},
	}

	h := Auth(testSecret)(RequireRole(auth.RoleAdmin, auth.RoleService)(okHandler))
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.Header.Set("Authorization", bearer(t, uuid.New(), tc.role))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.wantStatus, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	RequireRole(auth.RoleAdmin)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type memoryIdempotencyRepo struct {
	mu      sync.Mutex
	entries map[string]*repository.IdempotencyEntry
}

func newMemoryIdempotencyRepo() *memoryIdempotencyRepo {
	return &memoryIdempotencyRepo{entries: make(map[string]*repository.IdempotencyEntry)}
}

func (m *memoryIdempotencyRepo) Get(_ context.Context, key string, callerID uuid.UUID) (*repository.IdempotencyEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key+callerID.String()]
	if !ok || !e.ExpiresAt.After(time.Now()) {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memoryIdempotencyRepo) Claim(_ context.Context, key string, callerID uuid.UUID, hash string, now, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key+callerID.String()]; ok && e.ExpiresAt.After(time.Now()) {
		return domain.ErrDuplicateIdempotencyKey
	}
	m.entries[key+callerID.String()] = &repository.IdempotencyEntry{
		Key: key, CallerID: callerID, RequestHash: hash, CreatedAt: now, ExpiresAt: expiresAt,
	}
	return nil
}

func (m *memoryIdempotencyRepo) Complete(_ context.Context, key string, callerID uuid.UUID, status int, body []byte, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key+callerID.String()]
	if !ok || !e.InFlight() {
		return domain.ErrNotFound
	}
	e.StatusCode, e.ResponseBody, e.ExpiresAt = status, append([]byte(nil), body...), expiresAt
	return nil
}

func (m *memoryIdempotencyRepo) Release(_ context.Context, key string, callerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key+callerID.String()]; ok && e.InFlight() {
		delete(m.entries, key+callerID.String())
	}
	return nil
}

func TestIdempotency(t *testing.T) {
	repo := newMemoryIdempotencyRepo()
	calls := 0
	status := http.StatusCreated
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		body, _ := io.ReadAll(r.Body)
		handler.RespondSuccess(w, status, string(body))
	})
	h := Auth(testSecret)(Idempotency(repo)(inner))
	caller := uuid.New()

	send := func(key, body string, who uuid.UUID) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/withdrawals", strings.NewReader(body))
		req.Header.Set("Authorization", bearer(t, who, auth.RoleOwner))
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("missing key", func(t *testing.T) {
		rec := send("", `{"amount":1}`, caller)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "MISSING_IDEMPOTENCY_KEY", errorCode(t, rec))
	})

	t.Run("replay returns stored response", func(t *testing.T) {
		first := send("k1", `{"amount":1}`, caller)
		require.Equal(t, http.StatusCreated, first.Code)

		second := send("k1", `{"amount":1}`, caller)
		assert.Equal(t, http.StatusCreated, second.Code)
		assert.Equal(t, "true", second.Header().Get("X-Idempotent-Replayed"))
		assert.Equal(t, first.Body.String(), second.Body.String())
		assert.Equal(t, 1, calls)
	})

	t.Run("same key different body", func(t *testing.T) {
		rec := send("k1", `{"amount":2}`, caller)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "IDEMPOTENCY_CONFLICT", errorCode(t, rec))
	})

	t.Run("keys are per caller", func(t *testing.T) {
		before := calls
		rec := send("k1", `{"amount":1}`, uuid.New())
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, before+1, calls)
	})

	t.Run("errors are not stored", func(t *testing.T) {
		status = http.StatusUnprocessableEntity
		send("k2", `{"amount":5}`, caller)
		status = http.StatusCreated
		before := calls
		rec := send("k2", `{"amount":5}`, caller)
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, before+1, calls)
	})

	t.Run("panicking handler releases the claim", func(t *testing.T) {
		boom := Recovery(Auth(testSecret)(Idempotency(repo)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))))
		req := httptest.NewRequest(http.MethodPost, "/withdrawals", strings.NewReader(`{"amount":9}`))
		req.Header.Set("Authorization", bearer(t, caller, auth.RoleOwner))
		req.Header.Set("Idempotency-Key", "k3")
		rec := httptest.NewRecorder()
		boom.ServeHTTP(rec, req)
		require.Equal(t, http.StatusInternalServerError, rec.Code)

		rec = send("k3", `{"amount":9}`, caller)
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("reads pass through", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/wallet", nil)
		rec := httptest.NewRecorder()
		Idempotency(repo)(okHandler).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestIdempotency_ConcurrentSameKeyRunsHandlerOnce(t *testing.T) {
	repo := newMemoryIdempotencyRepo()
	var executions atomic.Int32
	release := make(chan struct{})
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		executions.Add(1)
		<-release
		handler.RespondSuccess(w, http.StatusCreated, map[string]string{"id": "wd_1"})
	})
	h := Auth(testSecret)(Idempotency(repo)(inner))
	caller := uuid.New()

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/withdrawals", strings.NewReader(`{"amount":500}`))
		req.Header.Set("Authorization", bearer(t, caller, auth.RoleOwner))
		req.Header.Set("Idempotency-Key", "same-key")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	const n = 8
	results := make(chan *httptest.ResponseRecorder, n)
	for range n {
		go func() { results <- send() }()
	}

	// The winner blocks in the handler, so every other request has to
	// come back on its own.
	for i := range n - 1 {
		select {
		case rec := <-results:
			assert.Equal(t, http.StatusConflict, rec.Code)
			assert.Equal(t, "IDEMPOTENCY_IN_PROGRESS", errorCode(t, rec))
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d repeats returned; handler ran more than once", i, n-1)
		}
	}
	close(release)

	select {
	case rec := <-results:
		assert.Equal(t, http.StatusCreated, rec.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("winning request never finished")
	}
	assert.Equal(t, int32(1), executions.Load())

	replay := send()
	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "true", replay.Header().Get("X-Idempotent-Replayed"))
	assert.Equal(t, int32(1), executions.Load())
}

func TestTracing(t *testing.T) {
	var seen string
	h := Tracing(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 500))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	_, err := uuid.Parse(seen)
	assert.NoError(t, err, "oversized id is replaced")
}

func TestRecovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, rec))
}
