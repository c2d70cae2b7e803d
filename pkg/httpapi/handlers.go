package httpapi

import (
	"net/http"
	"strconv"

	"github.com/hermesindex/hermesindex/pkg/errkind"
	"github.com/hermesindex/hermesindex/pkg/orchestrator"
)

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, key string, def bool) bool {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// handleSearch serves GET /search: the full cross-language semantic
// pipeline, query parameters mapped 1:1 onto orchestrator.Request.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	req := orchestrator.Request{
		Q:            r.URL.Query().Get("q"),
		TopK:         queryInt(r, "topk", 0),
		PageSize:     queryInt(r, "page_size", 0),
		ExcludeNSFW:  queryBool(r, "exclude_nsfw", false),
		TMDBOnly:     queryBool(r, "tmdb_only", false),
		SizeMinBytes: queryInt64(r, "size_min_bytes", 0),
		TMDBExpand:   queryBool(r, "tmdb_expand", false),
		Lite:         queryBool(r, "lite", false),
		Debug:        queryBool(r, "debug", false),
		Cursor:       queryInt(r, "cursor", 0),
	}

	resp, err := s.orch.Search(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSearchKeyword serves GET /search_keyword for sources flagged
// keyword_search: true, bypassing the vector store entirely.
func (s *Server) handleSearchKeyword(w http.ResponseWriter, r *http.Request) {
	req := orchestrator.KeywordRequest{
		Source: r.URL.Query().Get("source"),
		Q:      r.URL.Query().Get("q"),
		Limit:  queryInt(r, "limit", 0),
	}

	resp, err := s.orch.SearchKeyword(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHydrate serves GET /hydrate?source=&id=: a single-row fetch by
// the pg_id a prior /search response returned.
func (s *Server) handleHydrate(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	id := r.URL.Query().Get("id")
	if source == "" || id == "" {
		writeError(w, errkind.New(errkind.EmptyQuery, "source and id are required"))
		return
	}

	row, err := s.orch.Hydrate(r.Context(), source, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// sourceStatus is one source's entry in the GET /status response.
type sourceStatus struct {
	Total        int64  `json:"total"`
	Synced       int64  `json:"synced"`
	Errors       int64  `json:"errors"`
	MaxUpdatedAt string `json:"max_updated_at,omitempty"`
	LastSyncAt   string `json:"last_sync_at,omitempty"`
	Processed    int64  `json:"processed"`
	Skipped      int64  `json:"skipped"`
	Failed       int64  `json:"failed"`
}

type statusResponse struct {
	Sources     map[string]sourceStatus `json:"sources"`
	VectorCount int64                   `json:"vector_count"`
	VectorStore struct {
		OK      bool   `json:"ok"`
		Message string `json:"message,omitempty"`
	} `json:"vector_store"`
}

// handleStatus serves GET /status: per-source sync_state counts merged
// with in-process pipeline counters, plus the vector store's own health
// and count.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	resp.Sources = make(map[string]sourceStatus, len(s.registry.Names()))

	var pipelineStats map[string]struct {
		Processed int64
		Skipped   int64
		Failed    int64
	}
	if s.pipeline != nil {
		raw := s.pipeline.Snapshots()
		pipelineStats = make(map[string]struct {
			Processed int64
			Skipped   int64
			Failed    int64
		}, len(raw))
		for name, snap := range raw {
			pipelineStats[name] = struct {
				Processed int64
				Skipped   int64
				Failed    int64
			}{snap.Processed, snap.Skipped, snap.Failed}
		}
	}

	for _, name := range s.registry.SortedNames() {
		var entry sourceStatus
		if s.state != nil {
			stats, err := s.state.Stats(r.Context(), name)
			if err != nil {
				writeError(w, err)
				return
			}
			entry.Total = stats.Total
			entry.Synced = stats.Synced
			entry.Errors = stats.Errors
			if !stats.MaxUpdatedAt.IsZero() {
				entry.MaxUpdatedAt = stats.MaxUpdatedAt.Format(rfc3339)
			}
			if !stats.LastSyncAt.IsZero() {
				entry.LastSyncAt = stats.LastSyncAt.Format(rfc3339)
			}
		}
		if p, ok := pipelineStats[name]; ok {
			entry.Processed = p.Processed
			entry.Skipped = p.Skipped
			entry.Failed = p.Failed
		}
		resp.Sources[name] = entry
	}

	if s.store != nil {
		count, err := s.store.Count(r.Context())
		if err == nil {
			resp.VectorCount = count
		}
		health := s.store.Health(r.Context())
		resp.VectorStore.OK = health.OK
		resp.VectorStore.Message = health.Message
	}

	writeJSON(w, http.StatusOK, resp)
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"
