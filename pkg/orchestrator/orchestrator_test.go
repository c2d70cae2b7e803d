package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermesindex/hermesindex/pkg/config"
	"github.com/hermesindex/hermesindex/pkg/embedclient"
	"github.com/hermesindex/hermesindex/pkg/errkind"
	"github.com/hermesindex/hermesindex/pkg/vectorstore"
)

type fakeEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string, _ embedclient.Role) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}

type fakeStore struct {
	results    []vectorstore.Result
	err        error
	lastFilter vectorstore.Filter
}

func (f *fakeStore) Ensure(context.Context, int, vectorstore.Metric) error { return nil }
func (f *fakeStore) Upsert(context.Context, []vectorstore.UpsertItem) ([]int64, error) {
	return nil, nil
}
func (f *fakeStore) Delete(context.Context, []int64) error { return nil }
func (f *fakeStore) Query(_ context.Context, _ []float32, _ int, filter vectorstore.Filter) ([]vectorstore.Result, error) {
	f.lastFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}
func (f *fakeStore) Count(context.Context) (int64, error) { return int64(len(f.results)), nil }
func (f *fakeStore) Health(context.Context) vectorstore.Health {
	return vectorstore.Health{OK: true}
}

// newTestRegistry builds a Registry the same way config.Load does, since
// the constructor itself is unexported: write a minimal YAML document to
// a temp file and load it.
func newTestRegistry(t *testing.T) *config.Registry {
	t.Helper()
	data := []byte("postgres:\n  dsn: x\nvector_store:\n  type: hnsw\n  path: /tmp/x\n  dim: 1\nsources:\n  - name: bitmagnet_torrents\n    table_or_view: torrents\n    id_field: id\n    text_field: name\n")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	_, registry, err := config.Load(path)
	require.NoError(t, err)
	return registry
}

func TestSearch_EmptyQueryFails(t *testing.T) {
	o := New(&fakeEmbedder{}, &fakeStore{}, nil, newTestRegistry(t), nil, "", 0)
	_, err := o.Search(context.Background(), Request{Q: "   "})
	require.Error(t, err)
	assert.Equal(t, errkind.EmptyQuery, errkind.KindOf(err))
}

func TestSearch_EmbedFailureReturnsEmbedUnavailable(t *testing.T) {
	o := New(&fakeEmbedder{err: assertErr("boom")}, &fakeStore{}, nil, newTestRegistry(t), nil, "", 0)
	_, err := o.Search(context.Background(), Request{Q: "jojo"})
	require.Error(t, err)
	assert.Equal(t, errkind.EmbedUnavailable, errkind.KindOf(err))
}

func TestSearch_VectorStoreFailureReturnsVectorUnavailable(t *testing.T) {
	o := New(&fakeEmbedder{vector: []float32{1}}, &fakeStore{err: assertErr("down")}, nil, newTestRegistry(t), nil, "", 0)
	_, err := o.Search(context.Background(), Request{Q: "jojo"})
	require.Error(t, err)
	assert.Equal(t, errkind.VectorUnavailable, errkind.KindOf(err))
}

func TestSearch_DedupesAndSortsByScoreDescending(t *testing.T) {
	store := &fakeStore{results: []vectorstore.Result{
		{ID: 1, Score: 0.5, Payload: vectorstore.Payload{Source: "bitmagnet_torrents", PgID: "a"}},
		{ID: 2, Score: 0.9, Payload: vectorstore.Payload{Source: "bitmagnet_torrents", PgID: "b"}},
		{ID: 1, Score: 0.7, Payload: vectorstore.Payload{Source: "bitmagnet_torrents", PgID: "a"}}, // duplicate of a, higher score
	}}
	o := New(&fakeEmbedder{vector: []float32{1}}, store, nil, newTestRegistry(t), nil, "", 0)

	resp, err := o.Search(context.Background(), Request{Q: "jojo", TopK: 10, FetchK: 10, Debug: true})
	require.NoError(t, err)

	// No readers wired: hydration drops every source and records a warning.
	assert.NotEmpty(t, resp.Debug)
	assert.Empty(t, resp.Hits)

	// Lite mode skips hydration, so the merged, deduped, score-sorted
	// window comes back as-is: b (0.9) first, then a at its higher 0.7.
	resp, err = o.Search(context.Background(), Request{Q: "jojo", TopK: 10, FetchK: 10, Lite: true})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 2)
	assert.Equal(t, "b", resp.Hits[0].PgID)
	assert.Equal(t, "a", resp.Hits[1].PgID)
	assert.Equal(t, float32(0.7), resp.Hits[1].Score)
}

func TestSearch_ExtractsGenreFiltersIntoQuery(t *testing.T) {
	store := &fakeStore{}
	o := New(&fakeEmbedder{vector: []float32{1}}, store, nil, newTestRegistry(t), nil, "", 0)

	_, err := o.Search(context.Background(), Request{Q: "惊悚 电影", TopK: 10, FetchK: 10})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"惊悚", "Thriller"}, store.lastFilter.Genres)
}

func TestSearch_NoGenreKeywordLeavesFilterEmpty(t *testing.T) {
	store := &fakeStore{}
	o := New(&fakeEmbedder{vector: []float32{1}}, store, nil, newTestRegistry(t), nil, "", 0)

	_, err := o.Search(context.Background(), Request{Q: "jojo", TopK: 10, FetchK: 10})
	require.NoError(t, err)

	assert.Empty(t, store.lastFilter.Genres)
}

func TestExtractGenreFilters_DedupesRepeatedKeyword(t *testing.T) {
	got := extractGenreFilters("恐怖恐怖片")
	assert.ElementsMatch(t, []string{"恐怖", "Horror"}, got)
}

func TestExtractGenreFilters_MultipleGenresInOneQuery(t *testing.T) {
	got := extractGenreFilters("科幻 喜剧 电影")
	assert.ElementsMatch(t, []string{"科幻", "Science Fiction", "喜剧", "Comedy"}, got)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
