package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/recipe-forge/internal/api/shared"
	"github.com/phrazzld/recipe-forge/internal/config"
	"github.com/phrazzld/recipe-forge/internal/domain"
	"github.com/phrazzld/recipe-forge/internal/gateway"
	"github.com/phrazzld/recipe-forge/internal/progress"
	"github.com/phrazzld/recipe-forge/internal/service"
	"github.com/phrazzld/recipe-forge/internal/service/auth"
	"github.com/phrazzld/recipe-forge/internal/store"
	"github.com/phrazzld/recipe-forge/internal/task"
)

const testSecret = "router-test-secret-that-is-long-enough"

type fakeQueue struct {
	mu       sync.Mutex
	payloads []json.RawMessage
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, payload any) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	data, _ := json.Marshal(payload)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.payloads = append(q.payloads, data)
	return "task-" + strconv.Itoa(len(q.payloads)), nil
}

type fakeStatus struct {
	status gateway.QueueStatus
	err    error
}

func (s fakeStatus) QueueStatus(context.Context) (gateway.QueueStatus, error) {
	return s.status, s.err
}

type collector struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *collector) Publish(_ context.Context, ev progress.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

type testServer struct {
	handler http.Handler
	scrapeQ *fakeQueue
	inventQ *fakeQueue
	events  *collector
	recipes *store.MemoryRecipeStore
	token   string
	jwt     auth.JWTService
}

func newTestServer(t *testing.T, status fakeStatus) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	jwtSvc, err := auth.NewJWTService(config.AuthConfig{JWTSecret: testSecret, TokenLifetime: time.Hour})
	require.NoError(t, err)
	token, err := jwtSvc.GenerateToken(context.Background(), "user-1")
	require.NoError(t, err)

	ts := &testServer{
		scrapeQ: &fakeQueue{},
		inventQ: &fakeQueue{},
		events:  &collector{},
		recipes: store.NewMemoryRecipeStore(),
		token:   token,
		jwt:     jwtSvc,
	}

	enqueue, err := service.NewEnqueueService(ts.scrapeQ, ts.inventQ, task.NewReporter(ts.events, log), log)
	require.NoError(t, err)
	recipes, err := service.NewRecipeService(ts.recipes, log)
	require.NoError(t, err)

	ts.handler = NewRouter(RouterConfig{
		Recipes:    NewRecipeHandler(enqueue, recipes, status),
		JWTService: jwtSvc,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("metrics"))
		}),
		RequestTimeout: 5 * time.Second,
		Logger:         log,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestScrapeEndpoint(t *testing.T) {
	t.Run("accepts and queues", func(t *testing.T) {
		ts := newTestServer(t, fakeStatus{})

		rec := ts.do(t, http.MethodPost, "/api/scrape", `{"url":"https://example.com/pasta"}`, true)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		receipt := decodeBody[service.ScrapeReceipt](t, rec)
		assert.Equal(t, "https://example.com/pasta", receipt.URL)
		assert.Equal(t, "task-1", receipt.TaskID)
		assert.True(t, receipt.Queued)

		require.Len(t, ts.scrapeQ.payloads, 1)
		var payload task.ScrapePayload
		require.NoError(t, json.Unmarshal(ts.scrapeQ.payloads[0], &payload))
		assert.Equal(t, "user-1", payload.UserID)

		require.Len(t, ts.events.events, 1)
		assert.Equal(t, progress.StageQueued, ts.events.events[0].Stage)
	})

	tests := []struct {
		name       string
		body       string
		authed     bool
		wantStatus int
		wantError  string
	}{
		{"missing auth", `{"url":"https://example.com/pasta"}`, false, http.StatusUnauthorized, "Authorization header required"},
		{"malformed json", `{"url":`, true, http.StatusBadRequest, "Invalid request format"},
		{"trailing data", `{"url":"https://example.com"} {}`, true, http.StatusBadRequest, "Invalid request format"},
		{"missing url", `{}`, true, http.StatusBadRequest, "url is required"},
		{"unsupported scheme", `{"url":"file:///etc/passwd"}`, true, http.StatusBadRequest, "invalid URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, fakeStatus{})

			rec := ts.do(t, http.MethodPost, "/api/scrape", tt.body, tt.authed)
			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decodeBody[shared.ErrorResponse](t, rec)
			assert.Contains(t, resp.Error, tt.wantError)
			assert.NotEmpty(t, resp.TraceID)
			assert.Empty(t, ts.scrapeQ.payloads)
		})
	}

	t.Run("queue outage", func(t *testing.T) {
		ts := newTestServer(t, fakeStatus{})
		ts.scrapeQ.err = errors.New("dial tcp 10.0.0.5:6379: connection refused")

		rec := ts.do(t, http.MethodPost, "/api/scrape", `{"url":"https://example.com/pasta"}`, true)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		resp := decodeBody[shared.ErrorResponse](t, rec)
		assert.NotContains(t, resp.Error, "10.0.0.5")
	})
}

func TestInventEndpoint(t *testing.T) {
	t.Run("accepts and queues", func(t *testing.T) {
		ts := newTestServer(t, fakeStatus{})

		body := `{"title":"Midnight Ramen","cuisine":"Japanese","servings":2,"dietaryRestrictions":["vegetarian"]}`
		rec := ts.do(t, http.MethodPost, "/api/invent", body, true)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		receipt := decodeBody[service.InventReceipt](t, rec)
		assert.NotEmpty(t, receipt.TaskID)
		assert.Equal(t, "Midnight Ramen", receipt.Title)
		assert.True(t, receipt.Queued)

		require.Len(t, ts.inventQ.payloads, 1)
		var payload task.InventPayload
		require.NoError(t, json.Unmarshal(ts.inventQ.payloads[0], &payload))
		assert.Equal(t, receipt.TaskID, payload.TaskID)
		assert.Equal(t, "Japanese", payload.Request.Cuisine)

		require.Len(t, ts.events.events, 1)
		assert.Equal(t, receipt.TaskID, ts.events.events[0].SubjectKey)
	})

	t.Run("rejects missing title", func(t *testing.T) {
		ts := newTestServer(t, fakeStatus{})

		rec := ts.do(t, http.MethodPost, "/api/invent", `{"cuisine":"Thai"}`, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decodeBody[shared.ErrorResponse](t, rec)
		assert.Equal(t, "title is required", resp.Error)
		assert.Empty(t, ts.inventQ.payloads)
	})

	t.Run("rejects wrong field types", func(t *testing.T) {
		ts := newTestServer(t, fakeStatus{})

		rec := ts.do(t, http.MethodPost, "/api/invent", `{"title":"Soup","servings":"four"}`, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestQueueStatusEndpoint(t *testing.T) {
	t.Run("reports depths", func(t *testing.T) {
		ts := newTestServer(t, fakeStatus{status: gateway.QueueStatus{Processing: 3, AI: 1, Invent: 2, Timestamp: 1700000000000}})

		rec := ts.do(t, http.MethodGet, "/api/queue/status", "", true)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"processing":3,"ai":1,"invent":2,"timestamp":1700000000000}`, rec.Body.String())
	})

	t.Run("store unavailable", func(t *testing.T) {
		ts := newTestServer(t, fakeStatus{err: errors.New("redis down")})

		rec := ts.do(t, http.MethodGet, "/api/queue/status", "", true)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestGetRecipeEndpoint(t *testing.T) {
	ts := newTestServer(t, fakeStatus{})
	id, err := ts.recipes.Save(context.Background(), &domain.Recipe{
		SubjectKey:  "https://example.com/pasta",
		Title:       "Pasta",
		Difficulty:  "easy",
		Servings:    2,
		Ingredients: []string{"pasta", "water"},
		RecipeSteps: []string{"boil", "cook"},
	})
	require.NoError(t, err)

	t.Run("found", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/recipes/"+strconv.FormatInt(id, 10), "", true)
		require.Equal(t, http.StatusOK, rec.Code)
		recipe := decodeBody[domain.Recipe](t, rec)
		assert.Equal(t, "Pasta", recipe.Title)
		assert.Equal(t, []string{"pasta", "water"}, recipe.Ingredients)
	})

	t.Run("not found", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/recipes/999", "", true)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "Recipe not found", decodeBody[shared.ErrorResponse](t, rec).Error)
	})

	t.Run("invalid id", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/recipes/abc", "", true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestPublicEndpoints(t *testing.T) {
	ts := newTestServer(t, fakeStatus{})

	rec := ts.do(t, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "metrics", rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/ws", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no gateway mounted")
}
