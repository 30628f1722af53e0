package httptransport

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/server"
	"github.com/c0deZ3R0/go-offline-sync/storage"
	"github.com/c0deZ3R0/go-offline-sync/storage/memory"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
)

var fixedTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestService(t *testing.T, store storage.Store) *server.Service {
	t.Helper()
	if store == nil {
		store = memory.New()
	}
	t.Cleanup(func() { _ = store.Close() })
	return server.New(store,
		server.WithLogger(logging.Discard()),
		server.WithNotifier(server.NewNotifier()),
		server.WithClock(func() time.Time { return fixedTime }),
	)
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	return NewHandler(newTestService(t, nil), logging.Discard(), nil)
}

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const goldenPush = `{"changes":[
	{"id":"a","type":"upsert","doc":{"title":"x"},"version":1,"originClientId":"c1","timestamp":1},
	{"id":"b","type":"delete","version":0,"originClientId":"c1","timestamp":2},
	{"id":"a","type":"upsert","doc":{"title":"y"},"version":1,"originClientId":"c2","timestamp":3}
]}`

func TestHandlerWireFormat(t *testing.T) {
	h := newTestHandler(t)
	g := newGoldie(t)

	w := serve(h, http.MethodPost, synckit.PathPush, goldenPush)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	g.Assert(t, "push_response", w.Body.Bytes())

	w = serve(h, http.MethodGet, synckit.PathPull+"?since=0", "")
	require.Equal(t, http.StatusOK, w.Code)
	g.Assert(t, "pull_response", w.Body.Bytes())

	w = serve(h, http.MethodGet, synckit.PathCheckpoint, "")
	require.Equal(t, http.StatusOK, w.Code)
	g.Assert(t, "checkpoint_response", w.Body.Bytes())

	w = serve(h, http.MethodGet, synckit.PathPull+"?since=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	g.Assert(t, "pull_empty", w.Body.Bytes())
}

func TestHandlerStatusCodes(t *testing.T) {
	h := newTestHandler(t)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"unknown path", http.MethodGet, "/sync/nope", "", http.StatusNotFound},
		{"push wrong method", http.MethodGet, synckit.PathPush, "", http.StatusMethodNotAllowed},
		{"pull wrong method", http.MethodPost, synckit.PathPull, `{}`, http.StatusMethodNotAllowed},
		{"checkpoint wrong method", http.MethodDelete, synckit.PathCheckpoint, "", http.StatusMethodNotAllowed},
		{"negative since", http.MethodGet, synckit.PathPull + "?since=-1", "", http.StatusBadRequest},
		{"garbage since", http.MethodGet, synckit.PathPull + "?since=abc", "", http.StatusBadRequest},
		{"garbage limit", http.MethodGet, synckit.PathPull + "?limit=ten", "", http.StatusBadRequest},
		{"negative limit", http.MethodGet, synckit.PathPull + "?limit=-5", "", http.StatusBadRequest},
		{"huge limit is clamped", http.MethodGet, synckit.PathPull + "?limit=100000", "", http.StatusOK},
		{"missing since is zero", http.MethodGet, synckit.PathPull, "", http.StatusOK},
		{"push not json", http.MethodPost, synckit.PathPush, `{"changes":`, http.StatusBadRequest},
		{"push unknown field", http.MethodPost, synckit.PathPush, `{"changes":[],"extra":1}`, http.StatusBadRequest},
		{"push missing changes", http.MethodPost, synckit.PathPush, `{}`, http.StatusBadRequest},
		{"push invalid change", http.MethodPost, synckit.PathPush, `{"changes":[{"id":"","type":"upsert","version":1,"originClientId":"c"}]}`, http.StatusBadRequest},
		{"push bad type", http.MethodPost, synckit.PathPush, `{"changes":[{"id":"a","type":"patch","version":1,"originClientId":"c"}]}`, http.StatusBadRequest},
		{"push empty batch", http.MethodPost, synckit.PathPush, `{"changes":[]}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(h, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		})
	}
}

func TestHandlerRejectsUnsupportedMediaType(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, synckit.PathPush, strings.NewReader(`{"changes":[]}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestHandlerRequestSizeLimit(t *testing.T) {
	h := NewHandlerWithOptions(newTestService(t, nil), logging.Discard(), WithMaxRequestSize(64))
	body := `{"changes":[{"id":"` + strings.Repeat("a", 200) + `","type":"delete","version":0,"originClientId":"c"}]}`
	w := serve(h, http.MethodPost, synckit.PathPush, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHandlerAcceptsGzipPush(t *testing.T) {
	h := newTestHandler(t)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(goldenPush))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	req := httptest.NewRequest(http.MethodPost, synckit.PathPush, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"checkpoint":1`)
}

func TestHandlerRejectsCorruptGzip(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, synckit.PathPush, strings.NewReader("not gzip at all"))
	req.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerCompressesLargeResponses(t *testing.T) {
	svc := newTestService(t, nil)
	h := NewHandlerWithOptions(svc, logging.Discard(), WithCompressionThreshold(16))

	_, err := svc.Push(context.Background(), []synckit.Change{{
		ID: "a", Type: synckit.ChangeUpsert, Version: 1, OriginClientID: "c1",
		Doc: synckit.Doc{"body": strings.Repeat("z", 256)},
	}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, synckit.PathPull, nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	gz, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)

	resp, err := synckit.DecodePullResponse(data, 0, 0)
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, cursor.Checkpoint(1), resp.Items[0].Checkpoint)
}

// brokenStore fails every read and write.
type brokenStore struct{ storage.Store }

func (brokenStore) Latest(context.Context) (cursor.Checkpoint, error) {
	return 0, assert.AnError
}

func (brokenStore) List(context.Context, cursor.Checkpoint, int) ([]synckit.ChangeLogEntry, error) {
	return nil, assert.AnError
}

func (brokenStore) Update(context.Context, func(storage.Tx) error) error {
	return assert.AnError
}

func (brokenStore) Close() error { return nil }

func TestHandlerStorageFailures(t *testing.T) {
	h := NewHandler(newTestService(t, brokenStore{}), logging.Discard(), nil)

	w := serve(h, http.MethodGet, synckit.PathPull, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), assert.AnError.Error(), "internal details must not leak")

	w = serve(h, http.MethodGet, synckit.PathCheckpoint, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	// The first change faults: still 200, with an empty truncated result list.
	w = serve(h, http.MethodPost, synckit.PathPush,
		`{"changes":[{"id":"a","type":"delete","version":0,"originClientId":"c"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp, bad, err := synckit.DecodePushResponse(w.Body.Bytes(), []synckit.Change{{ID: "a"}})
	require.NoError(t, err)
	assert.Empty(t, bad)
	assert.True(t, resp.Truncated)
	assert.NotEmpty(t, resp.Error)
	assert.Empty(t, resp.Results)
}
