// Package reader implements the Source Reader: cursor-style
// pagination over a configured table_or_view by (updated_at, id), plus
// search_text composition and the text normalization contract that
// feeds both hashing and embedding. Query shape follows the same
// QueryContext/rows.Scan pattern used throughout pkg/statestore.
package reader

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hermesindex/hermesindex/pkg/config"
	"github.com/hermesindex/hermesindex/pkg/errkind"
)

// Row is one upstream record.
type Row struct {
	Source    string
	RawID     string // the source table's natural id, for cursor continuation
	PgID      string
	Text      string
	Extras    map[string]any
	UpdatedAt time.Time
}

// Reader reads rows for a single configured source.
type Reader struct {
	db     *sql.DB
	schema string
	source config.Source
}

func New(db *sql.DB, schema string, source config.Source) *Reader {
	return &Reader{db: db, schema: schema, source: source}
}

func (r *Reader) qualifiedTable() string {
	if r.schema == "" {
		return r.source.TableOrView
	}
	return fmt.Sprintf("%s.%s", r.schema, r.source.TableOrView)
}

// ReadBatch pulls up to limit rows with updated_at strictly greater than
// watermark, ordered by (updated_at, id) ascending. afterID breaks ties
// for rows sharing the same updated_at as watermark within the current
// cursor.
//
// Sources without UpdatedAtField fall back to a full unordered scan
// ordered by id only, since the (updated_at, id) tie-break only applies
// when updated_at exists; change detection for those sources relies
// entirely on content hashing.
func (r *Reader) ReadBatch(ctx context.Context, watermark time.Time, afterID string, limit int) ([]Row, error) {
	if r.source.UpdatedAtField == "" {
		return r.readBatchUnordered(ctx, afterID, limit)
	}

	cols := r.selectColumns()
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE %s > $1 OR (%s = $1 AND %s > $2)
		ORDER BY %s ASC, %s ASC
		LIMIT $3
	`, cols, r.qualifiedTable(),
		r.source.UpdatedAtField, r.source.UpdatedAtField, r.source.IDField,
		r.source.UpdatedAtField, r.source.IDField)

	rows, err := r.db.QueryContext(ctx, query, watermark, afterID, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.DBUnavailable, "read_batch", err)
	}
	defer rows.Close()
	return r.scanRows(rows)
}

func (r *Reader) readBatchUnordered(ctx context.Context, afterID string, limit int) ([]Row, error) {
	cols := r.selectColumns()
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE %s > $1
		ORDER BY %s ASC
		LIMIT $2
	`, cols, r.qualifiedTable(), r.source.IDField, r.source.IDField)

	rows, err := r.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.DBUnavailable, "read_batch_unordered", err)
	}
	defer rows.Close()
	return r.scanRows(rows)
}

func (r *Reader) selectColumns() string {
	cols := []string{r.source.IDField, r.source.TextField}
	if r.source.UpdatedAtField != "" {
		cols = append(cols, r.source.UpdatedAtField)
	}
	cols = append(cols, r.source.ExtraFields...)
	return strings.Join(cols, ", ")
}

func (r *Reader) scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		dest := make([]any, 0, 2+len(r.source.ExtraFields)+1)
		var id, text string
		dest = append(dest, &id, &text)

		var updatedAt sql.NullTime
		if r.source.UpdatedAtField != "" {
			dest = append(dest, &updatedAt)
		}

		extraDest := make([]sql.NullString, len(r.source.ExtraFields))
		for i := range extraDest {
			dest = append(dest, &extraDest[i])
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, errkind.Wrap(errkind.DBUnavailable, "scan row", err)
		}

		extras := make(map[string]any, len(r.source.ExtraFields))
		for i, field := range r.source.ExtraFields {
			if extraDest[i].Valid {
				extras[field] = extraDest[i].String
			}
		}

		row := Row{
			Source: r.source.Name,
			RawID:  id,
			PgID:   ComposePgID(r.source, id),
			Text:   r.composeSearchText(text, extras),
			Extras: extras,
		}
		if updatedAt.Valid {
			row.UpdatedAt = updatedAt.Time
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// composeSearchText concatenates the text field with any extras the
// source lists, in field order, space-separated.
func (r *Reader) composeSearchText(text string, extras map[string]any) string {
	if len(r.source.ExtraFields) == 0 {
		return text
	}
	parts := []string{text}
	for _, field := range r.source.ExtraFields {
		if v, ok := extras[field]; ok {
			if s, ok := v.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, " ")
}

// ComposePgID normalizes the source's natural identifier to a string.
// The composite-keyed content source uses a stable "type:source:id"
// concatenation matching the upstream view; every other source's id is
// already a natural scalar and is returned unchanged.
func ComposePgID(source config.Source, rawID string) string {
	if source.Name == "content" {
		return fmt.Sprintf("%s:%s:%s", source.ContentType, source.Name, rawID)
	}
	return rawID
}

// DecomposePgID recovers the source table's natural id from a pg_id built
// by ComposePgID, for the hydration path that needs to query by the raw
// id column rather than the composite string.
func DecomposePgID(source config.Source, pgID string) string {
	if source.Name != "content" {
		return pgID
	}
	prefix := fmt.Sprintf("%s:%s:", source.ContentType, source.Name)
	return strings.TrimPrefix(pgID, prefix)
}

// SearchText runs a plain ILIKE match against the source's text field,
// ordered by id ascending, bounded to limit rows.
func (r *Reader) SearchText(ctx context.Context, q string, limit int) ([]Row, error) {
	cols := r.selectColumns()
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE %s ILIKE $1
		ORDER BY %s ASC
		LIMIT $2
	`, cols, r.qualifiedTable(), r.source.TextField, r.source.IDField)

	rows, err := r.db.QueryContext(ctx, query, "%"+q+"%", limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.DBUnavailable, "search_text", err)
	}
	defer rows.Close()
	return r.scanRows(rows)
}

// GetByIDs fetches rows for the given natural (raw) ids, in no particular
// order. Missing ids are simply absent from the result.
func (r *Reader) GetByIDs(ctx context.Context, rawIDs []string) ([]Row, error) {
	if len(rawIDs) == 0 {
		return nil, nil
	}

	cols := r.selectColumns()
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE %s = ANY($1)
	`, cols, r.qualifiedTable(), r.source.IDField)

	rows, err := r.db.QueryContext(ctx, query, pq.Array(rawIDs))
	if err != nil {
		return nil, errkind.Wrap(errkind.DBUnavailable, "get_by_ids", err)
	}
	defer rows.Close()
	return r.scanRows(rows)
}
