package orchestrator

import (
	"context"
	"fmt"

	"github.com/hermesindex/hermesindex/pkg/errkind"
	"github.com/hermesindex/hermesindex/pkg/reader"
)

// KeywordRequest is one /search_keyword call's parameters.
type KeywordRequest struct {
	Source string
	Q      string
	Limit  int
}

// SearchKeyword runs a plain ILIKE match against one source's text field
// and hydrates the results the same way Search does, but never touches
// the vector store, expander, or embedder: it exists for sources flagged
// keyword_search: true, independent of the semantic path.
func (o *Orchestrator) SearchKeyword(ctx context.Context, req KeywordRequest) (Response, error) {
	var resp Response

	if req.Q == "" {
		return resp, errkind.New(errkind.EmptyQuery, "q is required")
	}
	source, ok := o.registry.Get(req.Source)
	if !ok {
		return resp, errkind.New(errkind.NotFound, fmt.Sprintf("unknown source %q", req.Source))
	}
	if !source.KeywordSearch {
		return resp, errkind.New(errkind.ConfigInvalid, fmt.Sprintf("source %q is not keyword_search enabled", req.Source))
	}
	rd, ok := o.readers[req.Source]
	if !ok {
		return resp, errkind.New(errkind.Internal, fmt.Sprintf("no reader wired for source %q", req.Source))
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	rows, err := rd.SearchText(ctx, req.Q, limit)
	if err != nil {
		return resp, errkind.Wrap(errkind.DBUnavailable, "search_keyword", err)
	}

	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		hits = append(hits, Hit{
			Source:   source.Name,
			PgID:     row.PgID,
			Title:    row.Text,
			Metadata: row.Extras,
		})
	}
	resp.Hits = hits
	return resp, nil
}

// Hydrate serves GET /hydrate?source&id: a single-row fetch reusing the
// same Reader wiring as Search's hydration step.
func (o *Orchestrator) Hydrate(ctx context.Context, sourceName, pgID string) (*reader.Row, error) {
	source, ok := o.registry.Get(sourceName)
	if !ok {
		return nil, errkind.New(errkind.NotFound, fmt.Sprintf("unknown source %q", sourceName))
	}
	rd, ok := o.readers[sourceName]
	if !ok {
		return nil, errkind.New(errkind.Internal, fmt.Sprintf("no reader wired for source %q", sourceName))
	}

	rawID := reader.DecomposePgID(source, pgID)
	rows, err := rd.GetByIDs(ctx, []string{rawID})
	if err != nil {
		return nil, errkind.Wrap(errkind.DBUnavailable, "hydrate", err)
	}
	if len(rows) == 0 {
		return nil, errkind.New(errkind.NotFound, fmt.Sprintf("%s/%s not found", sourceName, pgID))
	}
	return &rows[0], nil
}
