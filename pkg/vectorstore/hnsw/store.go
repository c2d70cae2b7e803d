// Package hnsw's Store wraps Index with an on-disk contract: a
// msgpack-serialized graph.bin, a JSON-Lines payloads.jsonl sidecar,
// and a single cross-process writer lock so an out-of-process tool (a
// maintenance script, a second daemon started by mistake) cannot
// corrupt the graph concurrently with the running server.
package hnsw

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hermesindex/hermesindex/pkg/errkind"
	"github.com/hermesindex/hermesindex/pkg/vectorstore"
)

const (
	graphFileName    = "graph.bin"
	payloadFileName  = "payloads.jsonl"
	metaFileName     = "meta.json"
	lockFileName     = ".hermesindex.lock"
)

type meta struct {
	Dimensions int                  `json:"dimensions"`
	Metric     vectorstore.Metric   `json:"metric"`
}

// graphSnapshot is the msgpack-serialized form of the HNSW graph,
// serializing the whole node table in one shot on a clean shutdown or
// compaction rather than incrementally.
type graphSnapshot struct {
	Dimensions int              `msgpack:"dim"`
	Config     Config           `msgpack:"config"`
	Nodes      []*nodeSnapshot  `msgpack:"nodes"`
	HasEntry   bool             `msgpack:"has_entry"`
	Entry      uint32           `msgpack:"entry"`
	MaxLevel   int              `msgpack:"max_level"`
}

type nodeSnapshot struct {
	Present   bool       `msgpack:"present"`
	Vector    []float32  `msgpack:"vector"`
	Neighbors [][]uint32 `msgpack:"neighbors"`
	Level     int        `msgpack:"level"`
	Deleted   bool       `msgpack:"deleted"`
}

// Store implements vectorstore.Store against a local HNSW graph.
type Store struct {
	dir  string
	lock *flock.Flock

	mu      sync.RWMutex
	index   *Index
	side    *sidecar
	nextID  atomic.Int64
	idToInt map[int64]uint32 // vector_id -> internal HNSW id
}

// Open opens (or creates) a LocalHNSW store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("hnsw: acquire writer lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("hnsw: store %s is already open by another process", dir)
	}

	side, err := openSidecar(filepath.Join(dir, payloadFileName))
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	s := &Store{dir: dir, lock: lock, side: side, idToInt: make(map[int64]uint32)}

	if err := s.loadGraph(); err != nil {
		side.close()
		lock.Unlock()
		return nil, err
	}
	s.reconcileWithSidecar()

	return s, nil
}

func (s *Store) metaPath() string  { return filepath.Join(s.dir, metaFileName) }
func (s *Store) graphPath() string { return filepath.Join(s.dir, graphFileName) }

func (s *Store) loadGraph() error {
	data, err := os.ReadFile(s.graphPath())
	if os.IsNotExist(err) {
		return nil // Ensure() creates the index lazily.
	}
	if err != nil {
		return err
	}
	var snap graphSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("hnsw: corrupt graph.bin: %w", err)
	}
	idx := New(snap.Dimensions, snap.Config)
	idx.hasEntry = snap.HasEntry
	idx.entry = snap.Entry
	idx.maxLevel = snap.MaxLevel
	idx.nodes = make([]*node, len(snap.Nodes))
	var maxInternal uint32
	for i, ns := range snap.Nodes {
		if ns == nil || !ns.Present {
			continue
		}
		idx.nodes[i] = &node{vector: ns.Vector, neighbors: ns.Neighbors, level: ns.Level, deleted: ns.Deleted}
		if uint32(i) > maxInternal {
			maxInternal = uint32(i)
		}
	}
	s.index = idx
	return nil
}

// reconcileWithSidecar discards ids present in the graph but absent from
// the sidecar (or vice versa) by preferring the intersection, so a crash
// between writing the graph and writing the sidecar never leaves a
// vector reachable from one store but not the other.
func (s *Store) reconcileWithSidecar() {
	if s.index == nil {
		return
	}
	sidecarIDs := s.side.ids()
	// Rebuild idToInt from the sidecar (source of vector_id truth), then
	// tombstone any HNSW node whose vector_id has no sidecar entry.
	live := make(map[uint32]bool, len(sidecarIDs))
	// Sidecar doesn't itself carry the vector_id->internal mapping (the
	// graph is keyed directly by vector_id cast to uint32, since
	// HermesIndex never has more than 2^32 rows); reconcile by that
	// identity mapping.
	for _, id := range sidecarIDs {
		internal := uint32(id)
		s.idToInt[id] = internal
		if int(internal) < len(s.index.nodes) && s.index.nodes[internal] != nil {
			live[internal] = true
		}
	}
	for i, n := range s.index.nodes {
		if n != nil && !n.deleted && !live[uint32(i)] {
			s.index.nodes[i].deleted = true
		}
	}
	var maxID int64
	for _, id := range sidecarIDs {
		if id > maxID {
			maxID = id
		}
	}
	s.nextID.Store(maxID + 1)
}

// Ensure implements vectorstore.Store.
func (s *Store) Ensure(ctx context.Context, dim int, metric vectorstore.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index != nil {
		if s.index.Dimensions() != dim {
			return vectorstore.ErrDimMismatch(s.index.Dimensions(), dim)
		}
		return nil
	}

	if existing, err := os.ReadFile(s.metaPath()); err == nil {
		var m meta
		if err := json.Unmarshal(existing, &m); err == nil && m.Dimensions != 0 && m.Dimensions != dim {
			return vectorstore.ErrDimMismatch(m.Dimensions, dim)
		}
	}

	s.index = New(dim, DefaultConfig())
	m := meta{Dimensions: dim, Metric: metric}
	data, _ := json.Marshal(m)
	return os.WriteFile(s.metaPath(), data, 0644)
}

// Upsert implements vectorstore.Store.
func (s *Store) Upsert(ctx context.Context, items []vectorstore.UpsertItem) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index == nil {
		return nil, errkind.New(errkind.VectorUnavailable, "hnsw store not initialized: call Ensure first")
	}

	ids := make([]int64, len(items))
	for i, item := range items {
		id := item.ID
		if id == 0 {
			id = s.nextID.Add(1)
		}
		internal := uint32(id)
		if err := s.index.Add(internal, item.Vector); err != nil {
			return nil, errkind.Wrap(errkind.VectorUnavailable, "hnsw upsert", err)
		}
		if err := s.side.put(id, item.Payload); err != nil {
			return nil, errkind.Wrap(errkind.VectorUnavailable, "hnsw sidecar write", err)
		}
		s.idToInt[id] = internal
		ids[i] = id
	}
	return ids, nil
}

// Delete implements vectorstore.Store.
func (s *Store) Delete(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index == nil {
		return nil
	}
	for _, id := range ids {
		internal, ok := s.idToInt[id]
		if !ok {
			internal = uint32(id)
		}
		s.index.Remove(internal)
		if err := s.side.delete(id); err != nil {
			return errkind.Wrap(errkind.VectorUnavailable, "hnsw sidecar delete", err)
		}
		delete(s.idToInt, id)
	}
	return nil
}

// Query implements vectorstore.Store. Readers proceed concurrently
// against Index's own RWMutex-guarded snapshot; the outer store lock here
// only serializes against Upsert/Delete's id-map bookkeeping, per
// "single writer, many concurrent readers" model.
func (s *Store) Query(ctx context.Context, vector []float32, k int, filter vectorstore.Filter) ([]vectorstore.Result, error) {
	s.mu.RLock()
	idx := s.index
	s.mu.RUnlock()
	if idx == nil {
		return nil, errkind.New(errkind.VectorUnavailable, "hnsw store not initialized")
	}

	// Over-fetch when a filter is set, since LocalHNSW filters
	// post-search rather than pushing the predicate into graph
	// traversal (unlike RemoteCollection, which pushes filters to the
	// backend's native payload-filter grammar).
	fetchK := k
	if !filter.IsZero() {
		fetchK = k * 4
		if fetchK < 50 {
			fetchK = 50
		}
	}

	raw, err := idx.Search(ctx, vector, fetchK, 0)
	if err != nil {
		return nil, errkind.Wrap(errkind.VectorUnavailable, "hnsw search", err)
	}

	out := make([]vectorstore.Result, 0, k)
	for _, r := range raw {
		payload, ok := s.side.get(int64(r.ID))
		if !ok {
			continue
		}
		if !matchesFilter(payload, filter) {
			continue
		}
		out = append(out, vectorstore.Result{ID: int64(r.ID), Score: r.Score, Payload: payload})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

func matchesFilter(p vectorstore.Payload, f vectorstore.Filter) bool {
	if f.ExcludeNSFW && p.NSFWScore != nil && *p.NSFWScore >= f.NSFWThreshold {
		return false
	}
	if f.TMDBOnly && !p.HasTMDB {
		return false
	}
	if f.SizeMinBytes > 0 && p.SizeBytes < f.SizeMinBytes {
		return false
	}
	if len(f.Genres) > 0 && !anyGenreMatches(p.Genres, f.Genres) {
		return false
	}
	return true
}

func anyGenreMatches(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, g := range have {
		set[g] = true
	}
	for _, g := range want {
		if set[g] {
			return true
		}
	}
	return false
}

// Count implements vectorstore.Store.
func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.index == nil {
		return 0, nil
	}
	return s.index.Count(), nil
}

// Health implements vectorstore.Store.
func (s *Store) Health(ctx context.Context) vectorstore.Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.index == nil {
		return vectorstore.Health{OK: false, Message: "not initialized"}
	}
	return vectorstore.Health{OK: true}
}

// Compact rewrites graph.bin from the current in-memory index. Tombstoned
// nodes are kept in the snapshot with their deleted flag, the graph is
// not rebuilt, and payloads.jsonl is not rewritten.
func (s *Store) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index == nil {
		return nil
	}
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() error {
	snap := graphSnapshot{
		Dimensions: s.index.dimensions,
		Config:     s.index.config,
		HasEntry:   s.index.hasEntry,
		Entry:      s.index.entry,
		MaxLevel:   s.index.maxLevel,
		Nodes:      make([]*nodeSnapshot, len(s.index.nodes)),
	}
	for i, n := range s.index.nodes {
		if n == nil {
			continue
		}
		snap.Nodes[i] = &nodeSnapshot{Present: true, Vector: n.vector, Neighbors: n.neighbors, Level: n.level, Deleted: n.deleted}
	}
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return err
	}
	tmp := s.graphPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.graphPath())
}

// Close flushes the graph snapshot and releases the writer lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.index != nil {
		err = s.snapshotLocked()
	}
	s.side.close()
	s.lock.Unlock()
	return err
}
