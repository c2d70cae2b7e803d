// Package statestore implements the State Store: the
// per-source (source, pg_id) -> sync bookkeeping table backing the
// sync pipeline's diff-and-resume logic. Query shape (QueryRowContext,
// $N placeholders, ON CONFLICT DO UPDATE upserts, NULL aggregates -> zero)
// follows the same plain database/sql idiom used throughout this repo.
package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hermesindex/hermesindex/pkg/errkind"
)

// Entry is one SyncEntry row.
type Entry struct {
	Source           string
	PgID             string
	TextHash         string
	EmbeddingVersion string
	VectorID         sql.NullInt64
	NSFWScore        *float32
	UpdatedAt        time.Time // the upstream row's own updated_at; drives the watermark
	SyncedAt         time.Time // wall-clock time this entry last successfully wrote
	LastError        *string
}

// SourceStats summarizes one source's sync_state rows for GET /status.
type SourceStats struct {
	Total        int64
	Synced       int64
	Errors       int64
	MaxUpdatedAt time.Time
	LastSyncAt   time.Time
}

// IsUpToDate reports whether the entry's stored hash and embedding
// version match the current values, meaning the row can be skipped on
// this sync pass.
func (e Entry) IsUpToDate(currentHash, activeVersion string) bool {
	return e.TextHash == currentHash && e.EmbeddingVersion == activeVersion
}

// Store is the Postgres-backed state store.
type Store struct {
	db     *sql.DB
	schema string
}

// Open connects to dsn and verifies connectivity. schema qualifies the
// sync_state table (bitmagnet.schema in config).
func Open(dsn, schema string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errkind.Wrap(errkind.DBUnavailable, "open postgres", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errkind.Wrap(errkind.DBUnavailable, "ping postgres", err)
	}
	if schema == "" {
		schema = "hermes"
	}
	return &Store{db: db, schema: schema}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) table() string {
	return fmt.Sprintf("%s.sync_state", s.schema)
}

// GetMany fetches SyncEntry rows for the given ids in source, returned as
// a map keyed by pg_id. Missing ids are simply absent from the map.
func (s *Store) GetMany(ctx context.Context, source string, ids []string) (map[string]Entry, error) {
	out := make(map[string]Entry, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := fmt.Sprintf(`
		SELECT pg_id, text_hash, embedding_version, vector_id, nsfw_score, updated_at, synced_at, last_error
		FROM %s
		WHERE source = $1 AND pg_id = ANY($2)
	`, s.table())

	rows, err := s.db.QueryContext(ctx, query, source, pq.Array(ids))
	if err != nil {
		return nil, errkind.Wrap(errkind.DBUnavailable, "get_many", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		var updatedAt, syncedAt sql.NullTime
		e.Source = source
		if err := rows.Scan(&e.PgID, &e.TextHash, &e.EmbeddingVersion, &e.VectorID, &e.NSFWScore, &updatedAt, &syncedAt, &e.LastError); err != nil {
			return nil, errkind.Wrap(errkind.DBUnavailable, "get_many scan", err)
		}
		if updatedAt.Valid {
			e.UpdatedAt = updatedAt.Time
		}
		if syncedAt.Valid {
			e.SyncedAt = syncedAt.Time
		}
		out[e.PgID] = e
	}
	return out, rows.Err()
}

// UpsertMany writes entries transactionally in a single batch, upserting
// on the (source, pg_id) composite key. updated_at is bound directly
// from Entry.UpdatedAt (the upstream row's own updated_at, propagated by
// the caller) rather than recomputed at write time, since the sync
// pipeline's watermark is max(state.max_updated_at) and must track the
// upstream timeline, not the wall-clock moment each row happened to sync.
func (s *Store) UpsertMany(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.Wrap(errkind.DBUnavailable, "upsert_many begin", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO %s (source, pg_id, text_hash, embedding_version, vector_id, nsfw_score, updated_at, synced_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), NULL)
		ON CONFLICT (source, pg_id) DO UPDATE SET
			text_hash = EXCLUDED.text_hash,
			embedding_version = EXCLUDED.embedding_version,
			vector_id = EXCLUDED.vector_id,
			nsfw_score = EXCLUDED.nsfw_score,
			updated_at = EXCLUDED.updated_at,
			synced_at = now(),
			last_error = NULL
	`, s.table())

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return errkind.Wrap(errkind.DBUnavailable, "upsert_many prepare", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Source, e.PgID, e.TextHash, e.EmbeddingVersion, e.VectorID, e.NSFWScore, e.UpdatedAt); err != nil {
			return errkind.Wrap(errkind.DBUnavailable, fmt.Sprintf("upsert_many exec %s/%s", e.Source, e.PgID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errkind.Wrap(errkind.DBUnavailable, "upsert_many commit", err)
	}
	return nil
}

// MarkError records a per-row failure without touching text_hash,
// vector_id, or updated_at: the row's updated_at is left NULL on first
// insert and untouched on conflict, so a failing row never advances
// max_updated_at past itself and gets silently skipped by the next
// cycle's watermark.
func (s *Store) MarkError(ctx context.Context, source, pgID, reason string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (source, pg_id, text_hash, embedding_version, updated_at, last_error)
		VALUES ($1, $2, '', '', NULL, $3)
		ON CONFLICT (source, pg_id) DO UPDATE SET
			last_error = EXCLUDED.last_error
	`, s.table())

	_, err := s.db.ExecContext(ctx, query, source, pgID, reason)
	if err != nil {
		return errkind.Wrap(errkind.DBUnavailable, "mark_error", err)
	}
	return nil
}

// MaxUpdatedAt returns the source's current watermark, or the zero time
// if the source has no rows yet.
func (s *Store) MaxUpdatedAt(ctx context.Context, source string) (time.Time, error) {
	query := fmt.Sprintf(`SELECT MAX(updated_at) FROM %s WHERE source = $1`, s.table())
	var watermark sql.NullTime
	err := s.db.QueryRowContext(ctx, query, source).Scan(&watermark)
	if err != nil {
		return time.Time{}, errkind.Wrap(errkind.DBUnavailable, "max_updated_at", err)
	}
	if !watermark.Valid {
		return time.Time{}, nil
	}
	return watermark.Time, nil
}

// Stats aggregates one source's sync_state rows for GET /status: row
// counts split by last_error presence, plus the watermark and the most
// recent wall-clock write.
func (s *Store) Stats(ctx context.Context, source string) (SourceStats, error) {
	query := fmt.Sprintf(`
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE last_error IS NULL),
			COUNT(*) FILTER (WHERE last_error IS NOT NULL),
			MAX(updated_at),
			MAX(synced_at)
		FROM %s
		WHERE source = $1
	`, s.table())

	var stats SourceStats
	var maxUpdatedAt, lastSyncAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, source).Scan(
		&stats.Total, &stats.Synced, &stats.Errors, &maxUpdatedAt, &lastSyncAt,
	)
	if err != nil {
		return SourceStats{}, errkind.Wrap(errkind.DBUnavailable, "stats", err)
	}
	if maxUpdatedAt.Valid {
		stats.MaxUpdatedAt = maxUpdatedAt.Time
	}
	if lastSyncAt.Valid {
		stats.LastSyncAt = lastSyncAt.Time
	}
	return stats, nil
}

// MissingSince returns up to limit pg_ids for source whose stored
// updated_at predates since — candidates for the optional deletion
// compaction pass (open question: deletion propagation itself
// remains a TODO in pkg/sync).
func (s *Store) MissingSince(ctx context.Context, source string, since time.Time, limit int) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT pg_id FROM %s
		WHERE source = $1 AND updated_at < $2
		ORDER BY updated_at ASC, pg_id ASC
		LIMIT $3
	`, s.table())

	rows, err := s.db.QueryContext(ctx, query, source, since, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.DBUnavailable, "missing_since", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errkind.Wrap(errkind.DBUnavailable, "missing_since scan", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
