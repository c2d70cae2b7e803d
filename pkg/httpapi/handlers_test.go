package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermesindex/hermesindex/pkg/config"
	"github.com/hermesindex/hermesindex/pkg/embedclient"
	"github.com/hermesindex/hermesindex/pkg/orchestrator"
	"github.com/hermesindex/hermesindex/pkg/statestore"
	"github.com/hermesindex/hermesindex/pkg/vectorstore"
)

type fakeEmbedder struct{ vector []float32 }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string, _ embedclient.Role) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}

type fakeStore struct {
	results   []vectorstore.Result
	lastLimit int
}

func (f *fakeStore) Ensure(context.Context, int, vectorstore.Metric) error { return nil }
func (f *fakeStore) Upsert(context.Context, []vectorstore.UpsertItem) ([]int64, error) {
	return nil, nil
}
func (f *fakeStore) Delete(context.Context, []int64) error { return nil }
func (f *fakeStore) Query(_ context.Context, _ []float32, limit int, _ vectorstore.Filter) ([]vectorstore.Result, error) {
	f.lastLimit = limit
	return f.results, nil
}
func (f *fakeStore) Count(context.Context) (int64, error) { return int64(len(f.results)), nil }
func (f *fakeStore) Health(context.Context) vectorstore.Health {
	return vectorstore.Health{OK: true, Message: "fake store"}
}

type fakeStateStats struct{ stats map[string]statestore.SourceStats }

func (f *fakeStateStats) Stats(_ context.Context, source string) (statestore.SourceStats, error) {
	return f.stats[source], nil
}

func newTestRegistry(t *testing.T) *config.Registry {
	t.Helper()
	data := []byte("postgres:\n  dsn: x\nvector_store:\n  type: hnsw\n  path: /tmp/x\n  dim: 1\nsources:\n  - name: bitmagnet_torrents\n    table_or_view: torrents\n    id_field: id\n    text_field: name\n")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	_, registry, err := config.Load(path)
	require.NoError(t, err)
	return registry
}

func newTestServer(t *testing.T) *Server {
	_, s := newTestServerWithStore(t)
	return s
}

func newTestServerWithStore(t *testing.T) (*fakeStore, *Server) {
	t.Helper()
	registry := newTestRegistry(t)
	store := &fakeStore{}
	orch := orchestrator.New(&fakeEmbedder{vector: []float32{1}}, store, nil, registry, nil, "", 0)
	state := &fakeStateStats{stats: map[string]statestore.SourceStats{
		"bitmagnet_torrents": {Total: 10, Synced: 8, Errors: 2, MaxUpdatedAt: time.Unix(100, 0).UTC()},
	}}
	return store, New(config.HTTPConfig{}, nil, orch, state, &fakeStore{}, registry, nil)
}

func TestHandleSearch_EmptyQueryReturnsErrorEnvelope(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/search?q=", nil)
	rec := httptest.NewRecorder()

	s.handleSearch(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "EMPTY_QUERY", string(body.Error.Kind))
}

func TestHandleSearch_ReturnsHitsOnSuccess(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/search?q=jojo", nil)
	rec := httptest.NewRecorder()

	s.handleSearch(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp orchestrator.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
}

func TestHandleSearch_WireShapeMatchesDocumentedKeys(t *testing.T) {
	store, s := newTestServerWithStore(t)
	store.results = []vectorstore.Result{
		{ID: 1, Score: 0.9, Payload: vectorstore.Payload{Source: "bitmagnet_torrents", PgID: "1"}},
	}
	req := httptest.NewRequest(http.MethodGet, "/search?q=jojo&debug=true", nil)
	rec := httptest.NewRecorder()

	s.handleSearch(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "results")
	assert.Contains(t, body, "next_cursor")
	assert.NotContains(t, body, "Hits")
	assert.NotContains(t, body, "Timings")

	debug, ok := body["_debug"].(map[string]any)
	require.True(t, ok, "_debug must be present and an object when debug=true")
	for _, key := range []string{"tmdb_expand", "embed", "qdrant", "english_search", "pg_loop", "total"} {
		assert.Contains(t, debug, key)
	}
}

func TestHandleSearch_PageSizeWidensFetchBeyondDefaultTopK(t *testing.T) {
	store, s := newTestServerWithStore(t)
	req := httptest.NewRequest(http.MethodGet, "/search?q=jojo&page_size=50", nil)
	rec := httptest.NewRecorder()

	s.handleSearch(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, store.lastLimit)
}

func TestHandleSearch_NoPageSizeFallsBackToTopKDefault(t *testing.T) {
	store, s := newTestServerWithStore(t)
	req := httptest.NewRequest(http.MethodGet, "/search?q=jojo", nil)
	rec := httptest.NewRecorder()

	s.handleSearch(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20, store.lastLimit)
}

func TestHandleSearch_LiteSkipsHydration(t *testing.T) {
	_, s := newTestServerWithStore(t)
	req := httptest.NewRequest(http.MethodGet, "/search?q=jojo&lite=true", nil)
	rec := httptest.NewRecorder()

	s.handleSearch(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp orchestrator.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
}

func TestHandleHydrate_MissingParamsReturnsErrorEnvelope(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/hydrate", nil)
	rec := httptest.NewRecorder()

	s.handleHydrate(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStatus_MergesStateAndVectorStoreCounts(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()

	s.handleStatus(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	entry := resp.Sources["bitmagnet_torrents"]
	assert.EqualValues(t, 10, entry.Total)
	assert.EqualValues(t, 8, entry.Synced)
	assert.EqualValues(t, 2, entry.Errors)
	assert.True(t, resp.VectorStore.OK)
}

func TestNoAuth_AlwaysAuthenticates(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	assert.True(t, NoAuth{}.Authenticate(req))
}
