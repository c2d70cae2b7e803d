// Package sync implements the Sync Pipeline: one long-lived goroutine per
// configured source running a diff -> batch-embed -> upsert -> state-commit
// cycle in a loop, plus an optional periodic compaction pass. The worker
// lifecycle (context+cancel+WaitGroup, a buffered trigger channel for
// on-demand wakeups layered under a ticker for the regular scan interval,
// atomic processed/failed counters) follows the same shape as an
// asynchronous background worker pool: run once at startup, then loop on
// select{ctx.Done, trigger, ticker.C} until told to stop.
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"github.com/hermesindex/hermesindex/pkg/config"
	"github.com/hermesindex/hermesindex/pkg/embedclient"
	"github.com/hermesindex/hermesindex/pkg/reader"
	"github.com/hermesindex/hermesindex/pkg/statestore"
	"github.com/hermesindex/hermesindex/pkg/util"
	"github.com/hermesindex/hermesindex/pkg/vectorstore"
)

// StateStore is the subset of statestore.Store's API the pipeline needs,
// satisfied by both *statestore.Store and *statestore.CachedStore.
type StateStore interface {
	GetMany(ctx context.Context, source string, ids []string) (map[string]statestore.Entry, error)
	UpsertMany(ctx context.Context, entries []statestore.Entry) error
	MarkError(ctx context.Context, source, pgID, reason string) error
	MaxUpdatedAt(ctx context.Context, source string) (time.Time, error)
	MissingSince(ctx context.Context, source string, since time.Time, limit int) ([]string, error)
}

// Classifier scores NSFW likelihood for a batch of texts. *embedclient.Client
// implements this directly; sources without a configured embedder never
// call it.
type Classifier interface {
	Classify(ctx context.Context, texts []string) ([]float32, error)
}

// Embedder produces vectors for a batch of texts and reports which
// embedding_version actually served the call, since a failover embedder
// may answer from a different backend than the one the pipeline expected.
type Embedder interface {
	EmbedWithVersion(ctx context.Context, texts []string, role embedclient.Role) ([][]float32, string, error)
}

// versionedAdapter lifts a plain embedclient.VersionedEmbedder (no
// failover) to the Embedder shape, mirroring how Failover itself reports
// EmbedWithVersion.
type versionedAdapter struct {
	embedclient.VersionedEmbedder
}

func (a versionedAdapter) EmbedWithVersion(ctx context.Context, texts []string, role embedclient.Role) ([][]float32, string, error) {
	vectors, err := a.Embed(ctx, texts, role)
	return vectors, a.EmbeddingVersion(), err
}

// NewEmbedder adapts any embedclient.VersionedEmbedder (including
// *embedclient.Failover, which already exposes EmbedWithVersion) into an
// Embedder the pipeline can use.
func NewEmbedder(e any) Embedder {
	if embedder, ok := e.(Embedder); ok {
		return embedder
	}
	return versionedAdapter{e.(embedclient.VersionedEmbedder)}
}

// Stats holds the running counters for one source worker.
type Stats struct {
	Processed atomic.Int64
	Skipped   atomic.Int64
	Failed    atomic.Int64
}

// Snapshot is a point-in-time, JSON-friendly copy of Stats.
type Snapshot struct {
	Processed int64 `json:"processed"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Processed: s.Processed.Load(),
		Skipped:   s.Skipped.Load(),
		Failed:    s.Failed.Load(),
	}
}

// SourceWorker runs the seven-step sync cycle for one configured source on
// its own goroutine until its context is cancelled.
type SourceWorker struct {
	source          config.Source
	reader          *reader.Reader
	embedder        Embedder
	expectedVersion string
	classifier      Classifier // nil disables NSFW scoring for this source
	store           vectorstore.Store
	state           StateStore

	trigger chan struct{}
	Stats   Stats
}

// NewSourceWorker wires one source's reader against the shared embedder,
// vector store, and state store. expectedVersion is the embedding_version
// a fully-synced row for this source should carry; it drives the diff
// step even when the embedder ends up serving from a fallback with a
// different actual version.
func NewSourceWorker(source config.Source, rd *reader.Reader, embedder Embedder, expectedVersion string, classifier Classifier, store vectorstore.Store, state StateStore) *SourceWorker {
	return &SourceWorker{
		source:          source,
		reader:          rd,
		embedder:        embedder,
		expectedVersion: expectedVersion,
		classifier:      classifier,
		store:           store,
		state:           state,
		trigger:         make(chan struct{}, 1),
	}
}

// Trigger wakes the worker for an immediate cycle instead of waiting for
// the next scan interval.
func (w *SourceWorker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run loops the sync cycle until ctx is cancelled, honoring scanInterval
// between passes and Trigger for on-demand wakeups. It finishes any
// in-flight cycle before returning, so shutdown never interrupts a batch
// mid-commit.
func (w *SourceWorker) Run(ctx context.Context, scanInterval time.Duration) {
	log.Printf("[sync] %s: worker started", w.source.Name)

	if err := w.RunCycle(ctx); err != nil {
		log.Printf("[sync] %s: initial cycle: %v", w.source.Name, err)
	}

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[sync] %s: worker stopped", w.source.Name)
			return
		case <-w.trigger:
			if err := w.RunCycle(ctx); err != nil {
				log.Printf("[sync] %s: triggered cycle: %v", w.source.Name, err)
			}
		case <-ticker.C:
			if err := w.RunCycle(ctx); err != nil {
				log.Printf("[sync] %s: scheduled cycle: %v", w.source.Name, err)
			}
		}
	}
}

// RunCycle performs one full pass over the source: pull batches from the
// current watermark until a batch returns fewer rows than requested.
// State commits happen batch by batch in ascending updated_at order, so a
// crash-resume from max_updated_at cannot skip a row a prior batch never
// reached.
func (w *SourceWorker) RunCycle(ctx context.Context) error {
	watermark, err := w.state.MaxUpdatedAt(ctx, w.source.Name)
	if err != nil {
		return fmt.Errorf("max_updated_at: %w", err)
	}

	afterID := ""
	batchSize := w.source.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	var cycleErr *multierror.Error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rows, err := w.reader.ReadBatch(ctx, watermark, afterID, batchSize)
		if err != nil {
			return fmt.Errorf("read_batch: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		if err := w.processBatch(ctx, rows); err != nil {
			cycleErr = multierror.Append(cycleErr, err)
		}

		last := rows[len(rows)-1]
		afterID = last.RawID
		if !last.UpdatedAt.IsZero() {
			watermark = last.UpdatedAt
		}

		if len(rows) < batchSize {
			break
		}
	}
	return cycleErr.ErrorOrNil()
}

// pendingRow is a row that needs embedding, carrying the hash computed
// during the diff step so it isn't recomputed after the embed call.
type pendingRow struct {
	row  reader.Row
	hash string
}

// processBatch implements steps 3-7 of the sync cycle: hash, diff,
// embed, upsert, commit, isolating per-row failures via mark_error so one
// bad row never halts the rest of the batch.
func (w *SourceWorker) processBatch(ctx context.Context, rows []reader.Row) error {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.PgID
	}
	existing, err := w.state.GetMany(ctx, w.source.Name, ids)
	if err != nil {
		return fmt.Errorf("get_many: %w", err)
	}

	var toEmbed []pendingRow
	for _, row := range rows {
		hash := util.TextHash(reader.Normalize(row.Text))
		if prior, ok := existing[row.PgID]; ok && prior.IsUpToDate(hash, w.expectedVersion) {
			w.Stats.Skipped.Add(1)
			continue
		}
		toEmbed = append(toEmbed, pendingRow{row: row, hash: hash})
	}
	if len(toEmbed) == 0 {
		return nil
	}

	texts := make([]string, len(toEmbed))
	for i, p := range toEmbed {
		texts[i] = reader.Normalize(p.row.Text)
	}

	vectors, version, err := w.embedder.EmbedWithVersion(ctx, texts, embedclient.RoleDocument)
	if err != nil {
		return w.markAllFailed(ctx, toEmbed, fmt.Errorf("embed batch: %w", err))
	}

	var nsfwScores []float32
	if w.classifier != nil {
		if scores, cErr := w.classifier.Classify(ctx, texts); cErr == nil {
			nsfwScores = scores
		} else {
			log.Printf("[sync] %s: classify failed, continuing without nsfw scores: %v", w.source.Name, cErr)
		}
	}

	items := make([]vectorstore.UpsertItem, len(toEmbed))
	for i, p := range toEmbed {
		var existingID int64
		if prior, ok := existing[p.row.PgID]; ok && prior.VectorID.Valid {
			existingID = prior.VectorID.Int64
		}
		payload := vectorstore.Payload{
			Source:           w.source.Name,
			PgID:             p.row.PgID,
			TextHash:         p.hash,
			EmbeddingVersion: version,
			ContentType:      w.source.ContentType,
		}
		if i < len(nsfwScores) {
			score := nsfwScores[i]
			payload.NSFWScore = &score
		}
		items[i] = vectorstore.UpsertItem{ID: existingID, Vector: vectors[i], Payload: payload}
	}

	vectorIDs, err := w.store.Upsert(ctx, items)
	if err != nil {
		return w.markAllFailed(ctx, toEmbed, fmt.Errorf("vector upsert: %w", err))
	}

	entries := make([]statestore.Entry, len(toEmbed))
	for i, p := range toEmbed {
		entries[i] = statestore.Entry{
			Source:           w.source.Name,
			PgID:             p.row.PgID,
			TextHash:         p.hash,
			EmbeddingVersion: version,
			VectorID:         sql.NullInt64{Int64: vectorIDs[i], Valid: true},
			UpdatedAt:        p.row.UpdatedAt,
		}
		if i < len(nsfwScores) {
			score := nsfwScores[i]
			entries[i].NSFWScore = &score
		}
	}
	if err := w.state.UpsertMany(ctx, entries); err != nil {
		return fmt.Errorf("upsert_many: %w", err)
	}
	w.Stats.Processed.Add(int64(len(entries)))
	return nil
}

// markAllFailed records mark_error for every pending row after a
// batch-wide failure (embed or vector store unavailable), aggregating any
// mark_error write failures alongside the original cause.
func (w *SourceWorker) markAllFailed(ctx context.Context, pending []pendingRow, cause error) error {
	var merr *multierror.Error
	merr = multierror.Append(merr, cause)
	for _, p := range pending {
		if err := w.state.MarkError(ctx, w.source.Name, p.row.PgID, cause.Error()); err != nil {
			merr = multierror.Append(merr, err)
		}
		w.Stats.Failed.Add(1)
	}
	return merr.ErrorOrNil()
}

// Pipeline owns one SourceWorker per configured source plus the optional
// compaction cron.
type Pipeline struct {
	workers      []*SourceWorker
	scanInterval time.Duration
	cronSpec     string

	cronRunner *cron.Cron
	wg         sync.WaitGroup
}

// NewPipeline builds a pipeline over workers. cronSpec is a standard
// five-field cron expression; an empty string disables the compaction
// pass entirely.
func NewPipeline(workers []*SourceWorker, scanInterval time.Duration, cronSpec string) *Pipeline {
	return &Pipeline{workers: workers, scanInterval: scanInterval, cronSpec: cronSpec}
}

// Start launches one goroutine per source worker and, if configured, the
// compaction cron. It returns immediately; call Wait to block until every
// worker goroutine exits (after ctx is cancelled).
func (p *Pipeline) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *SourceWorker) {
			defer p.wg.Done()
			w.Run(ctx, p.scanInterval)
		}(w)
	}

	if p.cronSpec == "" {
		return
	}
	p.cronRunner = cron.New()
	if _, err := p.cronRunner.AddFunc(p.cronSpec, func() { p.runCompaction(ctx) }); err != nil {
		log.Printf("[sync] invalid compaction_cron %q: %v", p.cronSpec, err)
		p.cronRunner = nil
		return
	}
	p.cronRunner.Start()
}

// Wait blocks until every source worker goroutine has exited.
func (p *Pipeline) Wait() { p.wg.Wait() }

// Stop halts the compaction cron, if running. Source workers stop on
// their own once the context passed to Start is cancelled.
func (p *Pipeline) Stop() {
	if p.cronRunner != nil {
		<-p.cronRunner.Stop().Done()
	}
}

// TriggerAll wakes every source worker for an immediate cycle.
func (p *Pipeline) TriggerAll() {
	for _, w := range p.workers {
		w.Trigger()
	}
}

// Snapshots returns a per-source stats snapshot keyed by source name.
func (p *Pipeline) Snapshots() map[string]Snapshot {
	out := make(map[string]Snapshot, len(p.workers))
	for _, w := range p.workers {
		out[w.source.Name] = w.Stats.Snapshot()
	}
	return out
}

// runCompaction lists per-source rows whose state entry predates the
// retention window. It only logs candidates today.
//
// TODO: row deletion propagation is not implemented. The follow-up is an
// upstream_deleted probe query per candidate id (SELECT 1 FROM
// <table_or_view> WHERE id_field = $1) before calling vectorstore.Delete
// and removing the sync_state row; until that lands this pass is purely
// diagnostic.
func (p *Pipeline) runCompaction(ctx context.Context) {
	since := time.Now().Add(-30 * 24 * time.Hour)
	for _, w := range p.workers {
		ids, err := w.state.MissingSince(ctx, w.source.Name, since, 1000)
		if err != nil {
			log.Printf("[sync] %s: compaction missing_since failed: %v", w.source.Name, err)
			continue
		}
		if len(ids) > 0 {
			log.Printf("[sync] %s: compaction found %d stale candidates (deletion propagation not yet implemented)", w.source.Name, len(ids))
		}
	}
}
