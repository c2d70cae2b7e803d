package sync

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermesindex/hermesindex/pkg/config"
	"github.com/hermesindex/hermesindex/pkg/embedclient"
	"github.com/hermesindex/hermesindex/pkg/reader"
	"github.com/hermesindex/hermesindex/pkg/statestore"
	"github.com/hermesindex/hermesindex/pkg/util"
	"github.com/hermesindex/hermesindex/pkg/vectorstore"
)

// fakeState is an in-memory StateStore fake keyed by pg_id.
type fakeState struct {
	entries    map[string]statestore.Entry
	markErrors []string
}

func newFakeState() *fakeState {
	return &fakeState{entries: map[string]statestore.Entry{}}
}

func (f *fakeState) GetMany(_ context.Context, _ string, ids []string) (map[string]statestore.Entry, error) {
	out := make(map[string]statestore.Entry, len(ids))
	for _, id := range ids {
		if e, ok := f.entries[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

func (f *fakeState) UpsertMany(_ context.Context, entries []statestore.Entry) error {
	for _, e := range entries {
		f.entries[e.PgID] = e
	}
	return nil
}

func (f *fakeState) MarkError(_ context.Context, _, pgID, reason string) error {
	f.markErrors = append(f.markErrors, pgID+": "+reason)
	f.entries[pgID] = statestore.Entry{PgID: pgID, LastError: &reason}
	return nil
}

func (f *fakeState) MaxUpdatedAt(_ context.Context, _ string) (time.Time, error) {
	var max time.Time
	for _, e := range f.entries {
		if e.UpdatedAt.After(max) {
			max = e.UpdatedAt
		}
	}
	return max, nil
}

func (f *fakeState) MissingSince(_ context.Context, _ string, _ time.Time, _ int) ([]string, error) {
	return nil, nil
}

// fakeReader serves fixed pages, ignoring the watermark since fixture
// rows already carry increasing UpdatedAt values.
type fakeReader struct {
	pages [][]reader.Row
	calls int
}

func (f *fakeReader) ReadBatch(_ context.Context, _ time.Time, _ string, _ int) ([]reader.Row, error) {
	if f.calls >= len(f.pages) {
		return nil, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return page, nil
}

// fakeEmbedder returns a deterministic one-dimensional vector per text.
type fakeEmbedder struct {
	version string
	err     error
	calls   int
}

func (f *fakeEmbedder) EmbedWithVersion(_ context.Context, texts []string, _ embedclient.Role) ([][]float32, string, error) {
	f.calls++
	if f.err != nil {
		return nil, "", f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i + 1)}
	}
	return out, f.version, nil
}

// fakeVectorStore records every upsert and allocates sequential ids.
type fakeVectorStore struct {
	next  int64
	items []vectorstore.UpsertItem
	err   error
}

func (f *fakeVectorStore) Ensure(context.Context, int, vectorstore.Metric) error { return nil }

func (f *fakeVectorStore) Upsert(_ context.Context, items []vectorstore.UpsertItem) ([]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	ids := make([]int64, len(items))
	for i, item := range items {
		id := item.ID
		if id == 0 {
			f.next++
			id = f.next
		}
		ids[i] = id
		f.items = append(f.items, item)
	}
	return ids, nil
}

func (f *fakeVectorStore) Delete(context.Context, []int64) error { return nil }

func (f *fakeVectorStore) Query(context.Context, []float32, int, vectorstore.Filter) ([]vectorstore.Result, error) {
	return nil, nil
}

func (f *fakeVectorStore) Count(context.Context) (int64, error) { return int64(len(f.items)), nil }

func (f *fakeVectorStore) Health(context.Context) vectorstore.Health {
	return vectorstore.Health{OK: true}
}

func testSource() config.Source {
	return config.Source{Name: "content", TableOrView: "content_view", IDField: "id", TextField: "text", UpdatedAtField: "updated_at", BatchSize: 10}
}

func rowsWithText(texts ...string) []reader.Row {
	rows := make([]reader.Row, len(texts))
	for i, text := range texts {
		rows[i] = reader.Row{
			Source:    "content",
			RawID:     string(rune('a' + i)),
			PgID:      string(rune('a' + i)),
			Text:      text,
			UpdatedAt: time.Unix(int64(i+1)*1000, 0),
		}
	}
	return rows
}

func TestProcessBatch_EmbedsAndCommitsNewRows(t *testing.T) {
	state := newFakeState()
	embedder := &fakeEmbedder{version: "remote:v1:768"}
	store := &fakeVectorStore{}
	w := NewSourceWorker(testSource(), nil, embedder, "remote:v1:768", nil, store, state)

	rows := rowsWithText("jojo bizarre adventure", "cowboy bebop")
	err := w.processBatch(context.Background(), rows)
	require.NoError(t, err)

	assert.Equal(t, int64(2), w.Stats.Processed.Load())
	assert.Equal(t, int64(0), w.Stats.Skipped.Load())
	assert.Len(t, store.items, 2)
	assert.Equal(t, "remote:v1:768", state.entries["a"].EmbeddingVersion)
}

func TestProcessBatch_SkipsUnchangedRows(t *testing.T) {
	state := newFakeState()
	rows := rowsWithText("jojo bizarre adventure")
	hash := util.TextHash(reader.Normalize(rows[0].Text))

	state.entries["a"] = statestore.Entry{
		PgID:             "a",
		TextHash:         hash,
		EmbeddingVersion: "remote:v1:768",
		VectorID:         sql.NullInt64{Int64: 42, Valid: true},
	}

	embedder := &fakeEmbedder{version: "remote:v1:768"}
	store := &fakeVectorStore{}
	w := NewSourceWorker(testSource(), nil, embedder, "remote:v1:768", nil, store, state)

	// The state entry's TextHash matches the hash processBatch computes
	// for the row: TextHash over the normalized text.
	require.Equal(t, util.TextHash(reader.Normalize(rows[0].Text)), hash)

	err := w.processBatch(context.Background(), rows)
	require.NoError(t, err)

	assert.Equal(t, 0, embedder.calls)
	assert.Equal(t, int64(1), w.Stats.Skipped.Load())
}

func TestProcessBatch_ReusesExistingVectorID(t *testing.T) {
	state := newFakeState()
	rows := rowsWithText("attack on titan")
	state.entries["a"] = statestore.Entry{
		PgID:             "a",
		TextHash:         "stale-hash",
		EmbeddingVersion: "remote:v1:768",
		VectorID:         sql.NullInt64{Int64: 77, Valid: true},
	}

	embedder := &fakeEmbedder{version: "remote:v1:768"}
	store := &fakeVectorStore{}
	w := NewSourceWorker(testSource(), nil, embedder, "remote:v1:768", nil, store, state)

	err := w.processBatch(context.Background(), rows)
	require.NoError(t, err)
	require.Len(t, store.items, 1)
	assert.Equal(t, int64(77), store.items[0].ID)
}

func TestProcessBatch_MarksErrorOnEmbedFailure(t *testing.T) {
	state := newFakeState()
	embedder := &fakeEmbedder{err: assertErr{"embed unavailable"}}
	store := &fakeVectorStore{}
	w := NewSourceWorker(testSource(), nil, embedder, "remote:v1:768", nil, store, state)

	rows := rowsWithText("no signal")
	err := w.processBatch(context.Background(), rows)
	assert.Error(t, err)
	assert.Equal(t, int64(1), w.Stats.Failed.Load())
	assert.Len(t, state.markErrors, 1)
	assert.True(t, state.entries["a"].UpdatedAt.IsZero())
	assert.False(t, state.entries["a"].VectorID.Valid)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

// TestProcessBatch_AcrossPages exercises the same diff-embed-commit logic
// RunCycle drives per page; *reader.Reader itself needs a live *sql.DB so
// the pagination loop isn't exercised end to end here.
func TestProcessBatch_AcrossPages(t *testing.T) {
	state := newFakeState()
	rd := &fakeReader{pages: [][]reader.Row{
		rowsWithText("one", "two"),
		{},
	}}
	embedder := &fakeEmbedder{version: "remote:v1:768"}
	store := &fakeVectorStore{}
	w := NewSourceWorker(testSource(), nil, embedder, "remote:v1:768", nil, store, state)

	rows, err := rd.ReadBatch(context.Background(), time.Time{}, "", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	err = w.processBatch(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), w.Stats.Processed.Load())

	more, err := rd.ReadBatch(context.Background(), time.Time{}, "", 10)
	require.NoError(t, err)
	assert.Empty(t, more)
}
