// Package orchestrator implements the Search Orchestrator: query
// expansion, primary embedding + vector query, an optional
// cross-language secondary query, merge/dedupe/sort, cursor pagination,
// and per-source hydration. Per-stage durations are tracked with
// time.Since around each stage and, when a request sets debug=true,
// folded into a DebugInfo with one field per stage in milliseconds — a
// flat struct rather than a generic map, so every stage name is
// compile-time checked.
package orchestrator

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/hermesindex/hermesindex/pkg/config"
	"github.com/hermesindex/hermesindex/pkg/embedclient"
	"github.com/hermesindex/hermesindex/pkg/errkind"
	"github.com/hermesindex/hermesindex/pkg/expand"
	"github.com/hermesindex/hermesindex/pkg/reader"
	"github.com/hermesindex/hermesindex/pkg/vectorstore"
)

// Embedder is the capability the orchestrator needs from the embedding
// layer: plain vectors, version not required at query time.
type Embedder interface {
	Embed(ctx context.Context, texts []string, role embedclient.Role) ([][]float32, error)
}

// FailoverEmbedder adapts *embedclient.Failover (which reports the
// serving version, irrelevant for a read-only query) to Embedder.
type FailoverEmbedder struct {
	*embedclient.Failover
}

func (f FailoverEmbedder) Embed(ctx context.Context, texts []string, role embedclient.Role) ([][]float32, error) {
	vectors, _, err := f.EmbedWithVersion(ctx, texts, role)
	return vectors, err
}

// PGSourceTiming is one source's contribution to the pg_loop stage.
type PGSourceTiming struct {
	Source    string `json:"source"`
	PGFetchMS int64  `json:"pg_fetch_ms"`
}

// DebugInfo is the `_debug` object returned when a request sets debug=true:
// per-stage timings in milliseconds, per-source pg fetch timings, and any
// warnings recorded along the way (unreachable sources, hydration errors,
// degraded secondary searches).
type DebugInfo struct {
	TMDBExpandMS    int64            `json:"tmdb_expand"`
	EmbedMS         int64            `json:"embed"`
	QdrantMS        int64            `json:"qdrant"`
	EnglishSearchMS int64            `json:"english_search"`
	PGLoopMS        int64            `json:"pg_loop"`
	TotalMS         int64            `json:"total"`
	PGSources       []PGSourceTiming `json:"pg_sources,omitempty"`
	Warnings        []string         `json:"warnings,omitempty"`
}

// Request is one /search call's parameters. FetchK is not part of the
// HTTP surface; handleSearch leaves it zero and Search derives it from
// TopK and PageSize the way the original service does. Callers that
// embed the orchestrator directly may still set FetchK to override that
// derivation.
type Request struct {
	Q            string
	TopK         int
	PageSize     int
	FetchK       int
	ExcludeNSFW  bool
	TMDBOnly     bool
	SizeMinBytes int64
	TMDBExpand   bool
	Lite         bool
	Debug        bool
	Cursor       int
}

// Hit is one hydrated result, the shape the HTTP API actually returns:
// title is the row's search text (the text field followed by any
// non-empty string extra_fields), metadata from its remaining
// columns (or, in lite mode, from the vector store's own payload).
type Hit struct {
	Source   string         `json:"source"`
	PgID     string         `json:"pg_id"`
	Title    string         `json:"title"`
	Score    float32        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Response is the orchestrator's full result for one request.
type Response struct {
	Hits       []Hit      `json:"results"`
	NextCursor *int       `json:"next_cursor"`
	Debug      *DebugInfo `json:"_debug,omitempty"`
}

// Orchestrator wires the expander, embedder, vector store, and one
// Reader per registered source.
type Orchestrator struct {
	embedder      Embedder
	store         vectorstore.Store
	expander      *expand.Expander
	registry      *config.Registry
	readers       map[string]*reader.Reader
	queryPrefix   string
	expandTimeout time.Duration
	fetchKCeiling int
}

func New(embedder Embedder, store vectorstore.Store, expander *expand.Expander, registry *config.Registry, readers map[string]*reader.Reader, queryPrefix string, expandTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		embedder:      embedder,
		store:         store,
		expander:      expander,
		registry:      registry,
		readers:       readers,
		queryPrefix:   queryPrefix,
		expandTimeout: expandTimeout,
		fetchKCeiling: 100,
	}
}

// WithFetchKCeiling overrides the derived fetch_k's upper bound, normally
// 100, from the daemon's search.fetch_k config default.
func (o *Orchestrator) WithFetchKCeiling(ceiling int) *Orchestrator {
	if ceiling > 0 {
		o.fetchKCeiling = ceiling
	}
	return o
}

// Search runs the full cross-language semantic pipeline described in the
// package doc: expand, embed, query, optional cross-language hop, merge,
// paginate, hydrate.
func (o *Orchestrator) Search(ctx context.Context, req Request) (Response, error) {
	var resp Response
	overallStart := time.Now()
	var tmdbExpandDur, embedDur, qdrantDur, englishSearchDur, pgLoopDur time.Duration
	var warnings []string
	var pgSources []PGSourceTiming

	cleanedQ := strings.TrimSpace(req.Q)
	if cleanedQ == "" {
		return resp, errkind.New(errkind.EmptyQuery, "q is required")
	}

	expandedQuery := cleanedQ
	englishExpansion := ""
	if req.TMDBExpand {
		start := time.Now()
		result := o.expander.Expand(ctx, cleanedQ, o.expandTimeout)
		tmdbExpandDur = time.Since(start)
		expandedQuery = result.ExpandedQuery
		englishExpansion = result.EnglishExpansion
	}

	primaryText := o.queryPrefix + expandedQuery
	embedStart := time.Now()
	vectors, err := o.embedder.Embed(ctx, []string{primaryText}, embedclient.RoleQuery)
	embedDur = time.Since(embedStart)
	if err != nil || len(vectors) == 0 {
		return resp, errkind.Wrap(errkind.EmbedUnavailable, "embed primary query", err)
	}

	filter := vectorstore.Filter{
		ExcludeNSFW:  req.ExcludeNSFW,
		TMDBOnly:     req.TMDBOnly,
		SizeMinBytes: req.SizeMinBytes,
		Genres:       extractGenreFilters(cleanedQ),
	}

	topK := req.TopK
	if topK <= 0 {
		topK = 20
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	fetchK := req.FetchK
	if fetchK <= 0 {
		fetchK = minInt(o.fetchKCeiling, maxInt(topK, pageSize))
	}

	qdrantStart := time.Now()
	primaryResults, err := o.store.Query(ctx, vectors[0], fetchK, filter)
	qdrantDur = time.Since(qdrantStart)
	if err != nil {
		return resp, errkind.Wrap(errkind.VectorUnavailable, "query vector store", err)
	}

	merged := primaryResults

	if !isASCII(cleanedQ) && englishExpansion != "" {
		englishStart := time.Now()
		englishVectors, embErr := o.embedder.Embed(ctx, []string{englishExpansion}, embedclient.RoleQuery)
		if embErr == nil && len(englishVectors) > 0 {
			minimalFilter := vectorstore.Filter{SizeMinBytes: req.SizeMinBytes}
			secondaryResults, queryErr := o.store.Query(ctx, englishVectors[0], fetchK, minimalFilter)
			if queryErr == nil {
				merged = append(merged, secondaryResults...)
			} else if req.Debug {
				warnings = append(warnings, "english_search query failed: "+queryErr.Error())
			}
		} else if req.Debug && embErr != nil {
			warnings = append(warnings, "english_search embed failed: "+embErr.Error())
		}
		englishSearchDur = time.Since(englishStart)
	}

	deduped := dedupeByPgID(merged)
	sort.SliceStable(deduped, func(i, j int) bool {
		if deduped[i].Score != deduped[j].Score {
			return deduped[i].Score > deduped[j].Score
		}
		return deduped[i].Payload.Source+deduped[i].Payload.PgID < deduped[j].Payload.Source+deduped[j].Payload.PgID
	})
	if len(deduped) > fetchK {
		deduped = deduped[:fetchK]
	}

	window := paginate(deduped, req.Cursor, topK)
	if req.Cursor+topK < len(deduped) {
		next := req.Cursor + topK
		resp.NextCursor = &next
	}

	if req.Lite {
		resp.Hits = liteHits(window)
	} else {
		pgLoopStart := time.Now()
		hits, hydrateWarnings, sourceTimings := o.hydrate(ctx, window)
		pgLoopDur = time.Since(pgLoopStart)
		pgSources = sourceTimings
		resp.Hits = hits
		warnings = append(warnings, hydrateWarnings...)
	}

	if req.Debug {
		resp.Debug = &DebugInfo{
			TMDBExpandMS:    tmdbExpandDur.Milliseconds(),
			EmbedMS:         embedDur.Milliseconds(),
			QdrantMS:        qdrantDur.Milliseconds(),
			EnglishSearchMS: englishSearchDur.Milliseconds(),
			PGLoopMS:        pgLoopDur.Milliseconds(),
			TotalMS:         time.Since(overallStart).Milliseconds(),
			PGSources:       pgSources,
			Warnings:        warnings,
		}
	}

	return resp, nil
}

// dedupeByPgID collapses hits sharing (source, pg_id), keeping the higher
// score.
func dedupeByPgID(results []vectorstore.Result) []vectorstore.Result {
	best := make(map[string]vectorstore.Result, len(results))
	order := make([]string, 0, len(results))
	for _, r := range results {
		key := r.Payload.Source + "\x00" + r.Payload.PgID
		if existing, ok := best[key]; !ok || r.Score > existing.Score {
			if !ok {
				order = append(order, key)
			}
			best[key] = r
		}
	}
	out := make([]vectorstore.Result, 0, len(order))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

func paginate(results []vectorstore.Result, cursor, topK int) []vectorstore.Result {
	if cursor >= len(results) {
		return nil
	}
	end := cursor + topK
	if end > len(results) {
		end = len(results)
	}
	return results[cursor:end]
}

// hydrate groups window by source and fetches row payloads via each
// source's Reader, preserving score order across sources. Sources absent
// from the registry, or without a wired Reader, are skipped and logged
// as warnings instead of failing the whole request. Each source's own
// fetch is timed separately for the _debug object's pg_sources entries.
func (o *Orchestrator) hydrate(ctx context.Context, window []vectorstore.Result) ([]Hit, []string, []PGSourceTiming) {
	bySource := make(map[string][]vectorstore.Result)
	var sourceOrder []string
	for _, r := range window {
		if _, ok := bySource[r.Payload.Source]; !ok {
			sourceOrder = append(sourceOrder, r.Payload.Source)
		}
		bySource[r.Payload.Source] = append(bySource[r.Payload.Source], r)
	}

	rowsBySource := make(map[string]map[string]reader.Row)
	var warnings []string
	var timings []PGSourceTiming
	for _, sourceName := range sourceOrder {
		source, ok := o.registry.Get(sourceName)
		if !ok {
			warnings = append(warnings, "hydration: unknown source "+sourceName)
			continue
		}
		rd, ok := o.readers[sourceName]
		if !ok {
			warnings = append(warnings, "hydration: no reader wired for source "+sourceName)
			continue
		}

		rawIDs := make([]string, len(bySource[sourceName]))
		for i, r := range bySource[sourceName] {
			rawIDs[i] = reader.DecomposePgID(source, r.Payload.PgID)
		}
		fetchStart := time.Now()
		rows, err := rd.GetByIDs(ctx, rawIDs)
		timings = append(timings, PGSourceTiming{Source: sourceName, PGFetchMS: time.Since(fetchStart).Milliseconds()})
		if err != nil {
			warnings = append(warnings, "hydration: "+sourceName+": "+err.Error())
			continue
		}
		byID := make(map[string]reader.Row, len(rows))
		for _, row := range rows {
			byID[row.PgID] = row
		}
		rowsBySource[sourceName] = byID
	}

	hits := make([]Hit, 0, len(window))
	for _, r := range window {
		byID, ok := rowsBySource[r.Payload.Source]
		if !ok {
			continue
		}
		row, ok := byID[r.Payload.PgID]
		if !ok {
			continue
		}
		hits = append(hits, Hit{
			Source:   r.Payload.Source,
			PgID:     r.Payload.PgID,
			Title:    row.Text,
			Score:    r.Score,
			Metadata: row.Extras,
		})
	}
	return hits, warnings, timings
}

// liteHits skips per-source hydration entirely, returning the vector
// store's own payload as metadata with no title. Used for lite=true
// requests that trade the hydrated row (and its extra Postgres round
// trip) for a faster response.
func liteHits(window []vectorstore.Result) []Hit {
	hits := make([]Hit, 0, len(window))
	for _, r := range window {
		hits = append(hits, Hit{
			Source:   r.Payload.Source,
			PgID:     r.Payload.PgID,
			Score:    r.Score,
			Metadata: payloadMetadata(r.Payload),
		})
	}
	return hits
}

// payloadMetadata surfaces a vector-store payload's non-zero fields as
// generic response metadata, the same shape hydration's metadata takes.
func payloadMetadata(p vectorstore.Payload) map[string]any {
	m := make(map[string]any, 8)
	if p.ContentType != "" {
		m["content_type"] = p.ContentType
	}
	if p.HasTMDB {
		m["has_tmdb"] = p.HasTMDB
	}
	if p.TMDBID != "" {
		m["tmdb_id"] = p.TMDBID
	}
	if p.SizeBytes != 0 {
		m["size"] = p.SizeBytes
	}
	if len(p.Languages) > 0 {
		m["languages"] = p.Languages
	}
	if len(p.Subtitles) > 0 {
		m["subtitles"] = p.Subtitles
	}
	if len(p.Genres) > 0 {
		m["genres"] = p.Genres
	}
	if p.NSFWScore != nil {
		m["nsfw_score"] = *p.NSFWScore
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
