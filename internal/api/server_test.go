package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcong315/channelcrawler/internal/accounts"
	"github.com/rcong315/channelcrawler/internal/crawler"
	"github.com/rcong315/channelcrawler/internal/db"
)

const testKey = "secret-key"

type fakeProgress struct {
	current crawler.Progress
	last    *crawler.Progress
}

func (f *fakeProgress) Progress() crawler.Progress { return f.current }

func (f *fakeProgress) LastPass() (crawler.Progress, bool) {
	if f.last == nil {
		return crawler.Progress{}, false
	}
	return *f.last, true
}

type fakeAccounts []accounts.Status

func (f fakeAccounts) Snapshot() []accounts.Status { return f }

type fakeQueue struct {
	stats    db.Stats
	items    map[string]*db.QueueItem
	seeded   []string
	inserted int
	updated  []string
	status   string
	err      error
}

func (f *fakeQueue) GetStats(context.Context) (db.Stats, error) { return f.stats, f.err }

func (f *fakeQueue) Get(_ context.Context, identifier string) (*db.QueueItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items[identifier], nil
}

func (f *fakeQueue) AddIdentifiers(_ context.Context, batch []string) (int, error) {
	f.seeded = append(f.seeded, batch...)
	return f.inserted, f.err
}

func (f *fakeQueue) UpdateStatus(_ context.Context, identifiers []string, status, _ string) (int, error) {
	f.updated = identifiers
	f.status = status
	return len(identifiers), f.err
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(queue *fakeQueue, progress *fakeProgress) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"}))
	return NewServer(Config{
		APIKey:   testKey,
		Progress: progress,
		Accounts: fakeAccounts{{Name: "A", State: accounts.Active.String(), Current: true}},
		Queue:    queue,
		Gatherer: reg,
	})
}

func do(t *testing.T, s *Server, method, path string, body any, key string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthAndMetricsSkipAuth(t *testing.T) {
	s := newTestServer(&fakeQueue{}, &fakeProgress{})

	w := do(t, s, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	w = do(t, s, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_total")
}

func TestAPIKeyRequired(t *testing.T) {
	s := newTestServer(&fakeQueue{}, &fakeProgress{})

	w := do(t, s, http.MethodGet, "/api/v1/progress", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "API key required", decode(t, w)["error"])

	w = do(t, s, http.MethodGet, "/api/v1/progress", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid API key", decode(t, w)["error"])

	req := httptest.NewRequest(http.MethodGet, "/api/v1/progress?api_key="+testKey, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyNotConfigured(t *testing.T) {
	s := NewServer(Config{Progress: &fakeProgress{}, Accounts: fakeAccounts{}, Queue: &fakeQueue{}})

	w := do(t, s, http.MethodGet, "/api/v1/accounts", nil, "anything")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = do(t, s, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProgress(t *testing.T) {
	progress := &fakeProgress{current: crawler.Progress{Processed: 3, Running: true, CurrentSource: "src"}}
	s := newTestServer(&fakeQueue{}, progress)

	body := decode(t, do(t, s, http.MethodGet, "/api/v1/progress", nil, testKey))
	current := body["current"].(map[string]any)
	assert.EqualValues(t, 3, current["processed"])
	assert.Equal(t, "src", current["current_source"])
	assert.NotContains(t, body, "last_pass")

	progress.last = &crawler.Progress{Processed: 7, Discovered: 40}
	body = decode(t, do(t, s, http.MethodGet, "/api/v1/progress", nil, testKey))
	last := body["last_pass"].(map[string]any)
	assert.EqualValues(t, 40, last["discovered"])
}

func TestAccounts(t *testing.T) {
	s := newTestServer(&fakeQueue{}, &fakeProgress{})

	body := decode(t, do(t, s, http.MethodGet, "/api/v1/accounts", nil, testKey))
	list := body["accounts"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "A", list[0].(map[string]any)["name"])
}

func TestQueueStats(t *testing.T) {
	queue := &fakeQueue{stats: db.Stats{ByStatus: map[string]int{"new": 2}, Parsed: 1, Unparsed: 1, Total: 2}}
	s := newTestServer(queue, &fakeProgress{})

	w := do(t, s, http.MethodGet, "/api/v1/queue/stats", nil, testKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["total"])

	queue.err = errors.New("db down")
	w = do(t, s, http.MethodGet, "/api/v1/queue/stats", nil, testKey)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestQueueItem(t *testing.T) {
	queue := &fakeQueue{items: map[string]*db.QueueItem{
		"alpha": {
			ID:           1,
			Username:     "alpha",
			Status:       db.StatusError,
			Parsed:       true,
			ErrorMessage: sql.NullString{String: "boom", Valid: true},
			CreatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}}
	s := newTestServer(queue, &fakeProgress{})

	w := do(t, s, http.MethodGet, "/api/v1/queue/items/alpha", nil, testKey)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "alpha", body["username"])
	assert.Equal(t, "boom", body["error_message"])
	assert.NotContains(t, body, "parsed_at")

	w = do(t, s, http.MethodGet, "/api/v1/queue/items/missing", nil, testKey)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSeed(t *testing.T) {
	queue := &fakeQueue{inserted: 1}
	s := newTestServer(queue, &fakeProgress{})

	w := do(t, s, http.MethodPost, "/api/v1/queue/seed", map[string]any{"usernames": []string{"a", "b"}}, testKey)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 2, body["submitted"])
	assert.EqualValues(t, 1, body["inserted"])
	assert.Equal(t, []string{"a", "b"}, queue.seeded)

	w = do(t, s, http.MethodPost, "/api/v1/queue/seed", map[string]any{"usernames": []string{}}, testKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateStatus(t *testing.T) {
	queue := &fakeQueue{}
	s := newTestServer(queue, &fakeProgress{})

	w := do(t, s, http.MethodPost, "/api/v1/queue/status",
		map[string]any{"usernames": []string{"a", "b"}, "status": "done"}, testKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["updated"])
	assert.Equal(t, db.StatusDone, queue.status)

	w = do(t, s, http.MethodPost, "/api/v1/queue/status",
		map[string]any{"usernames": []string{"a"}, "status": "new"}, testKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBatchLimits(t *testing.T) {
	queue := &fakeQueue{}
	s := newTestServer(queue, &fakeProgress{})
	tooMany := make([]string, maxBatch+1)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("channel%d", i)
	}

	w := do(t, s, http.MethodPost, "/api/v1/queue/status",
		map[string]any{"usernames": tooMany, "status": "done"}, testKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, queue.updated)

	w = do(t, s, http.MethodPost, "/api/v1/queue/seed", map[string]any{"usernames": tooMany}, testKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, queue.seeded)
}
