package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── project context ───

func TestProjectCtxParsesUUID(t *testing.T) {
	projectID := uuid.New()
	var got uuid.UUID
	var ok bool

	r := chi.NewRouter()
	r.Route("/projects/{projectID}", func(r chi.Router) {
		r.Use(ProjectCtx)
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			got, ok = GetProjectID(req)
			w.WriteHeader(http.StatusOK)
		})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/projects/"+projectID.String()+"/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	require.True(t, ok)
	assert.Equal(t, projectID, got)
}

func TestProjectCtxRejectsBadUUID(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/projects/{projectID}", func(r chi.Router) {
		r.Use(ProjectCtx)
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/projects/not-a-uuid/", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_PROJECT_ID")
}

// ─── request logging ───

func TestLoggerRecordsProjectIDAndStatus(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	projectID := uuid.New()
	r := chi.NewRouter()
	r.Use(Logger)
	r.Route("/projects/{projectID}", func(r chi.Router) {
		r.Use(ProjectCtx)
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte("ok"))
		})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/projects/"+projectID.String()+"/", nil))

	line := buf.String()
	assert.Contains(t, line, projectID.String())
	assert.Contains(t, line, `"status":202`)
	assert.Contains(t, line, `"bytes":2`)
}

// ─── rate limiting ───

type countingCache struct {
	counts map[string]int64
	err    error
}

func (c *countingCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (c *countingCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (c *countingCache) Delete(context.Context, string) error                     { return nil }
func (c *countingCache) Ping(context.Context) error                               { return nil }

func (c *countingCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.counts[key]++
	return c.counts[key], nil
}

func limitedHandler(rl *RateLimit, projectID uuid.UUID) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	limited := rl.Limit(inner)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limited.ServeHTTP(w, r.WithContext(SetProjectID(r.Context(), projectID)))
	})
}

func TestRateLimitEnforcesQuota(t *testing.T) {
	c := &countingCache{counts: make(map[string]int64)}
	h := limitedHandler(NewRateLimit(c, 2), uuid.New())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/events", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/events", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimitIsolatesProjects(t *testing.T) {
	c := &countingCache{counts: make(map[string]int64)}
	rl := NewRateLimit(c, 1)
	a := limitedHandler(rl, uuid.New())
	b := limitedHandler(rl, uuid.New())

	w := httptest.NewRecorder()
	a.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/events", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	a.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/events", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// A different project still has quota.
	w = httptest.NewRecorder()
	b.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/events", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitFailsOpenOnCacheError(t *testing.T) {
	c := &countingCache{err: assert.AnError}
	h := limitedHandler(NewRateLimit(c, 1), uuid.New())

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/events", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimitPassesThroughWithoutProject(t *testing.T) {
	c := &countingCache{counts: make(map[string]int64)}
	rl := NewRateLimit(c, 1)
	h := rl.Limit(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Empty(t, c.counts)
}

// ─── recovery ───

func TestRecoveryConvertsPanicTo500(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}
