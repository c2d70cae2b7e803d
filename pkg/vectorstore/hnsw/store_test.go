package hnsw

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hermesindex/hermesindex/pkg/vectorstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Ensure(context.Background(), 4, vectorstore.MetricCosine))
	return s
}

func TestStore_UpsertQueryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids, err := s.Upsert(ctx, []vectorstore.UpsertItem{
		{Vector: []float32{1, 0, 0, 0}, Payload: vectorstore.Payload{Source: "a", PgID: "1"}},
		{Vector: []float32{0, 1, 0, 0}, Payload: vectorstore.Payload{Source: "a", PgID: "2"}},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	results, err := s.Query(ctx, []float32{1, 0, 0, 0}, 1, vectorstore.Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ids[0], results[0].ID)
	assert.Equal(t, "1", results[0].Payload.PgID)
}

func TestStore_EnsureRejectsDimensionChange(t *testing.T) {
	s := openTestStore(t)
	err := s.Ensure(context.Background(), 8, vectorstore.MetricCosine)
	require.Error(t, err)
}

func TestStore_DeleteRemovesFromResults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids, err := s.Upsert(ctx, []vectorstore.UpsertItem{
		{Vector: []float32{1, 0, 0, 0}, Payload: vectorstore.Payload{PgID: "1"}},
	})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, ids))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestStore_QueryAppliesNSFWFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	nsfw := float32(0.9)

	_, err := s.Upsert(ctx, []vectorstore.UpsertItem{
		{Vector: []float32{1, 0, 0, 0}, Payload: vectorstore.Payload{PgID: "safe"}},
		{Vector: []float32{0.99, 0.01, 0, 0}, Payload: vectorstore.Payload{PgID: "nsfw", NSFWScore: &nsfw}},
	})
	require.NoError(t, err)

	results, err := s.Query(ctx, []float32{1, 0, 0, 0}, 5, vectorstore.Filter{ExcludeNSFW: true, NSFWThreshold: 0.5})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "nsfw", r.Payload.PgID)
	}
}

func TestStore_ReopenSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Ensure(context.Background(), 4, vectorstore.MetricCosine))
	_, err = s1.Upsert(context.Background(), []vectorstore.UpsertItem{
		{Vector: []float32{1, 0, 0, 0}, Payload: vectorstore.Payload{PgID: "persisted"}},
	})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.Ensure(context.Background(), 4, vectorstore.MetricCosine))

	count, err := s2.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestStore_SecondOpenFailsWhileLocked(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	require.NoError(t, err)
	defer s1.Close()

	_, err = Open(dir)
	require.Error(t, err)
}

func TestStore_MetaPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Ensure(context.Background(), 6, vectorstore.MetricCosine))
	require.NoError(t, s1.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()
	err = s2.Ensure(context.Background(), 4, vectorstore.MetricCosine)
	require.Error(t, err)
	assert.FileExists(t, filepath.Join(dir, metaFileName))
}
