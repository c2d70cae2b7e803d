// Package hnsw implements the LocalHNSW vector store variant: an
// in-process HNSW graph plus a JSON-Lines payload sidecar, guarded by a
// single-writer lock.
//
// The graph uses a tombstone-delete policy (deletes flip a `deleted`
// flag rather than eagerly rewiring neighbor lists), a level-based
// greedy-descent-then-beam-search query shape, and re-selects the entry
// point when it is removed. It uses a simple node-slice layout rather
// than a struct-of-arrays one, since HermesIndex's corpus (torrent
// rows) is orders of magnitude smaller than a general-purpose graph
// database index and does not need that level of allocation tuning.
package hnsw

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"

	"github.com/hermesindex/hermesindex/pkg/vecmath"
)

var (
	ErrDimensionMismatch = errors.New("hnsw: vector dimension mismatch")
)

// Config holds the HNSW build/search tunables.
type Config struct {
	M              int // max connections per node per level
	EfConstruction int // candidate list size during insertion
	EfSearch       int // candidate list size during search
}

func DefaultConfig() Config {
	return Config{M: 16, EfConstruction: 200, EfSearch: 100}
}

type node struct {
	vector    []float32 // normalized
	neighbors [][]uint32 // per level
	level     int
	deleted   bool
}

// Result is a minimal ANN hit: internal id + similarity score.
type Result struct {
	ID    uint32
	Score float32
}

// Index is an in-memory HNSW graph keyed by internal uint32 id. It is
// intentionally free of persistence and payload concerns; Store (in this
// package) layers the on-disk sidecar and int64 vector-id mapping on top.
type Index struct {
	mu sync.RWMutex

	config     Config
	dimensions int

	nodes []*node

	hasEntry bool
	entry    uint32
	maxLevel int

	rng *rand.Rand
}

func New(dimensions int, cfg Config) *Index {
	if cfg.M == 0 {
		cfg = DefaultConfig()
	}
	return &Index{
		config:     cfg,
		dimensions: dimensions,
		rng:        rand.New(rand.NewSource(1)),
	}
}

func (h *Index) Dimensions() int { return h.dimensions }

func (h *Index) randomLevel() int {
	level := 0
	levelMult := 1.0 / math.Log(float64(h.config.M))
	for h.rng.Float64() < 0.5 && float64(level) < levelMult*8 {
		level++
	}
	return level
}

// Add inserts or, if id already exists and is live, in-place replaces the
// vector for id. Vectors are stored normalized so dot product doubles as
// cosine similarity.
func (h *Index) Add(id uint32, vec []float32) error {
	if len(vec) != h.dimensions {
		return ErrDimensionMismatch
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	normalized := append([]float32(nil), vec...)
	vecmath.NormalizeInPlace(normalized)

	if int(id) < len(h.nodes) && h.nodes[id] != nil && !h.nodes[id].deleted {
		h.nodes[id].vector = normalized
		return nil
	}

	level := h.randomLevel()
	n := &node{
		vector:    normalized,
		neighbors: make([][]uint32, level+1),
		level:     level,
	}
	for int(id) >= len(h.nodes) {
		h.nodes = append(h.nodes, nil)
	}
	h.nodes[id] = n

	if !h.hasEntry {
		h.hasEntry = true
		h.entry = id
		h.maxLevel = level
		return nil
	}

	ep := h.entry
	epLevel := h.nodes[ep].level

	for l := epLevel; l > level; l-- {
		ep = h.greedyClosest(normalized, ep, l)
	}

	for l := min(level, epLevel); l >= 0; l-- {
		candidates := h.searchLayer(normalized, ep, h.config.EfConstruction, l)
		neighbors := h.selectNeighbors(normalized, candidates, h.config.M)
		n.neighbors[l] = neighbors
		for _, nb := range neighbors {
			h.connect(nb, id, l)
		}
		if len(candidates) > 0 {
			ep = candidates[0].id
		}
	}

	if level > h.maxLevel {
		h.entry = id
		h.maxLevel = level
	}
	return nil
}

// Remove tombstones id. Neighbor lists are left in place; a tombstoned
// node is skipped during search and never returned as a neighbor to new
// inserts once its live flag flips.
func (h *Index) Remove(id uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id)
}

func (h *Index) removeLocked(id uint32) {
	if int(id) >= len(h.nodes) || h.nodes[id] == nil || h.nodes[id].deleted {
		return
	}
	h.nodes[id].deleted = true
	if h.hasEntry && h.entry == id {
		h.reselectEntryPoint()
	}
}

func (h *Index) reselectEntryPoint() {
	for i, n := range h.nodes {
		if n != nil && !n.deleted {
			h.entry = uint32(i)
			h.maxLevel = n.level
			return
		}
	}
	h.hasEntry = false
}

func (h *Index) connect(id uint32, newID uint32, level int) {
	if int(id) >= len(h.nodes) || h.nodes[id] == nil || h.nodes[id].deleted {
		return
	}
	n := h.nodes[id]
	if level >= len(n.neighbors) {
		return
	}
	n.neighbors[level] = append(n.neighbors[level], newID)
	if len(n.neighbors[level]) > h.config.M*2 {
		// Prune back to M by keeping the closest neighbors.
		n.neighbors[level] = h.pruneNeighbors(n.vector, n.neighbors[level], h.config.M)
	}
}

func (h *Index) pruneNeighbors(vec []float32, ids []uint32, m int) []uint32 {
	type scored struct {
		id  uint32
		sim float32
	}
	scoredList := make([]scored, 0, len(ids))
	for _, id := range ids {
		if int(id) >= len(h.nodes) || h.nodes[id] == nil || h.nodes[id].deleted {
			continue
		}
		scoredList = append(scoredList, scored{id: id, sim: vecmath.Dot(vec, h.nodes[id].vector)})
	}
	for i := 1; i < len(scoredList); i++ {
		for j := i; j > 0 && scoredList[j].sim > scoredList[j-1].sim; j-- {
			scoredList[j], scoredList[j-1] = scoredList[j-1], scoredList[j]
		}
	}
	if len(scoredList) > m {
		scoredList = scoredList[:m]
	}
	out := make([]uint32, len(scoredList))
	for i, s := range scoredList {
		out[i] = s.id
	}
	return out
}

type distItem struct {
	id   uint32
	sim  float32
}

func (h *Index) greedyClosest(query []float32, from uint32, level int) uint32 {
	best := from
	bestSim := vecmath.Dot(query, h.nodes[from].vector)
	improved := true
	for improved {
		improved = false
		n := h.nodes[best]
		if level >= len(n.neighbors) {
			break
		}
		for _, nb := range n.neighbors[level] {
			if int(nb) >= len(h.nodes) || h.nodes[nb] == nil || h.nodes[nb].deleted {
				continue
			}
			sim := vecmath.Dot(query, h.nodes[nb].vector)
			if sim > bestSim {
				bestSim = sim
				best = nb
				improved = true
			}
		}
	}
	return best
}

// searchLayer runs a beam search of width ef at the given level, returning
// candidates sorted by descending similarity.
func (h *Index) searchLayer(query []float32, entry uint32, ef int, level int) []distItem {
	visited := map[uint32]bool{entry: true}
	candidates := []distItem{{id: entry, sim: vecmath.Dot(query, h.nodes[entry].vector)}}
	best := append([]distItem(nil), candidates...)

	for len(candidates) > 0 {
		// Pop the best candidate (candidates kept sorted descending).
		sortDescBySim(candidates)
		cur := candidates[0]
		candidates = candidates[1:]

		if len(best) > 0 {
			sortDescBySim(best)
			if cur.sim < best[min(len(best), ef)-1].sim && len(best) >= ef {
				break
			}
		}

		n := h.nodes[cur.id]
		if level >= len(n.neighbors) {
			continue
		}
		for _, nb := range n.neighbors[level] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			if int(nb) >= len(h.nodes) || h.nodes[nb] == nil || h.nodes[nb].deleted {
				continue
			}
			sim := vecmath.Dot(query, h.nodes[nb].vector)
			candidates = append(candidates, distItem{id: nb, sim: sim})
			best = append(best, distItem{id: nb, sim: sim})
		}
	}

	sortDescBySim(best)
	if len(best) > ef {
		best = best[:ef]
	}
	return best
}

func (h *Index) selectNeighbors(query []float32, candidates []distItem, m int) []uint32 {
	sortDescBySim(candidates)
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]uint32, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

func sortDescBySim(items []distItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].sim > items[j-1].sim; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

// Search returns up to k nearest neighbors to query, ordered by
// descending similarity with ties broken by ascending id.
func (h *Index) Search(ctx context.Context, query []float32, k int, ef int) ([]Result, error) {
	if len(query) != h.dimensions {
		return nil, ErrDimensionMismatch
	}
	if ef <= 0 {
		ef = h.config.EfSearch
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.hasEntry {
		return nil, nil
	}

	normalized := append([]float32(nil), query...)
	vecmath.NormalizeInPlace(normalized)

	ep := h.entry
	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedyClosest(normalized, ep, l)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := h.searchLayer(normalized, ep, ef, 0)
	sortStableByScoreThenID(candidates)

	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]Result, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, Result{ID: candidates[i].id, Score: candidates[i].sim})
	}
	return out, nil
}

// sortStableByScoreThenID enforces the tie-break contract: descending
// score, ascending id on ties.
func sortStableByScoreThenID(items []distItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0; j-- {
			swap := items[j].sim > items[j-1].sim ||
				(items[j].sim == items[j-1].sim && items[j].id < items[j-1].id)
			if !swap {
				break
			}
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

// Count returns the number of live (non-tombstoned) vectors.
func (h *Index) Count() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var count int64
	for _, n := range h.nodes {
		if n != nil && !n.deleted {
			count++
		}
	}
	return count
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
