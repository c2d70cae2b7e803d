// Package vectorstore defines the polymorphic Vector Store Adapter: one
// capability interface, two backend variants (LocalHNSW in
// pkg/vectorstore/hnsw, RemoteCollection in pkg/vectorstore/remote).
// The two variants share only this interface, never an embedded struct,
// so each stays free to model its own id space and persistence.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/hermesindex/hermesindex/pkg/errkind"
)

// Metric is a vector distance metric. Only cosine is exercised by
// HermesIndex. Ensure compares an existing store's dimension only; the
// metric is not checked against the existing store.
type Metric string

const MetricCosine Metric = "cosine"

// Payload is the metadata attached to every vector.
// The filterable fields are mandatory for backends that support payload
// filters (RemoteCollection); LocalHNSW stores and returns them but only
// implements a fixed filter subset client-side.
type Payload struct {
	Source           string   `json:"source"`
	PgID             string   `json:"pg_id"`
	TextHash         string   `json:"text_hash"`
	EmbeddingVersion string   `json:"embedding_version"`
	NSFWScore        *float32 `json:"nsfw_score,omitempty"`
	ContentType      string   `json:"content_type,omitempty"`
	HasTMDB          bool     `json:"has_tmdb,omitempty"`
	TMDBID           string   `json:"tmdb_id,omitempty"`
	SizeBytes        int64    `json:"size,omitempty"`
	Languages        []string `json:"languages,omitempty"`
	Subtitles        []string `json:"subtitles,omitempty"`
	Genres           []string `json:"genres,omitempty"`
}

// UpsertItem is one vector to write. ID is optional; when zero the store
// allocates a fresh id.
type UpsertItem struct {
	ID      int64
	Vector  []float32
	Payload Payload
}

// Result is one hit from Query, ordered by descending Score with ties
// broken by ascending ID.
type Result struct {
	ID      int64
	Score   float32
	Payload Payload
}

// Filter selects the payload fields marks filterable.
// A nil/zero field means "no constraint on this field".
type Filter struct {
	ExcludeNSFW    bool
	NSFWThreshold  float32
	TMDBOnly       bool
	SizeMinBytes   int64
	Genres         []string
}

// IsZero reports whether the filter constrains nothing, letting callers
// skip filter translation entirely on the common unfiltered path.
func (f Filter) IsZero() bool {
	return !f.ExcludeNSFW && !f.TMDBOnly && f.SizeMinBytes == 0 && len(f.Genres) == 0
}

// Health reports store status for GET /status.
type Health struct {
	OK      bool
	Message string
}

// Store is the single capability set every vector store variant
// implements.
type Store interface {
	// Ensure is idempotent; it fails with errkind.DimMismatch if an
	// existing store disagrees on dimension. The metric is not compared.
	Ensure(ctx context.Context, dim int, metric Metric) error

	// Upsert writes a batch atomically per call. IDs are returned in the
	// same order as items; items with ID==0 are allocated a fresh id.
	Upsert(ctx context.Context, items []UpsertItem) ([]int64, error)

	Delete(ctx context.Context, ids []int64) error

	// Query returns up to k results ordered by descending score, ties
	// broken by ascending id. filter may be zero-valued for "no filter".
	Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Result, error)

	Count(ctx context.Context) (int64, error)

	Health(ctx context.Context) Health
}

// ErrDimMismatch is returned (wrapped with errkind.DimMismatch) by Ensure
// when the store's existing dimension disagrees with the requested one.
func ErrDimMismatch(existing, requested int) error {
	return errkind.New(errkind.DimMismatch, fmt.Sprintf("vector store dimension mismatch: existing=%d requested=%d", existing, requested))
}
