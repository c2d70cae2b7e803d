package statestore

import (
	"context"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// CachedStore wraps Store with a read-through cache for GetMany: an
// in-process map backed by an embedded Badger v4 database, so a restart
// doesn't require a cold Postgres re-read of every source's watermark
// state. Every write path that changes state invalidates or overwrites
// the affected keys immediately rather than trusting a TTL.
type CachedStore struct {
	*Store
	db *badger.DB

	mu         sync.Mutex
	entryCache map[string]Entry // "source\x00pg_id" -> Entry
	maxEntries int
}

// OpenCached opens a Store plus an on-disk Badger cache rooted at path.
func OpenCached(dsn, schema, path string, maxEntries int) (*CachedStore, error) {
	store, err := Open(dsn, schema)
	if err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		store.Close()
		return nil, err
	}
	if maxEntries <= 0 {
		maxEntries = 50000
	}
	return &CachedStore{Store: store, db: db, entryCache: make(map[string]Entry), maxEntries: maxEntries}, nil
}

func (c *CachedStore) Close() error {
	c.db.Close()
	return c.Store.Close()
}

func cacheKey(source, pgID string) string {
	return source + "\x00" + pgID
}

// GetMany checks the in-process map, then Badger, then falls back to
// Postgres for whatever remains, populating both cache layers with the
// fetched rows.
func (c *CachedStore) GetMany(ctx context.Context, source string, ids []string) (map[string]Entry, error) {
	out := make(map[string]Entry, len(ids))
	var misses []string

	c.mu.Lock()
	for _, id := range ids {
		if e, ok := c.entryCache[cacheKey(source, id)]; ok {
			out[id] = e
		} else {
			misses = append(misses, id)
		}
	}
	c.mu.Unlock()

	if len(misses) == 0 {
		return out, nil
	}

	var stillMissing []string
	for _, id := range misses {
		if e, ok := c.readBadger(source, id); ok {
			out[id] = e
			c.storeInProcess(source, id, e)
		} else {
			stillMissing = append(stillMissing, id)
		}
	}
	if len(stillMissing) == 0 {
		return out, nil
	}

	fetched, err := c.Store.GetMany(ctx, source, stillMissing)
	if err != nil {
		return nil, err
	}
	for id, e := range fetched {
		out[id] = e
		c.store(source, id, e)
	}
	return out, nil
}

func (c *CachedStore) readBadger(source, pgID string) (Entry, bool) {
	var e Entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cacheKey(source, pgID)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &e)
		})
	})
	return e, err == nil
}

func (c *CachedStore) storeInProcess(source, pgID string, e Entry) {
	c.mu.Lock()
	if c.maxEntries > 0 && len(c.entryCache) > c.maxEntries {
		c.entryCache = make(map[string]Entry, c.maxEntries)
	}
	c.entryCache[cacheKey(source, pgID)] = e
	c.mu.Unlock()
}

func (c *CachedStore) store(source, pgID string, e Entry) {
	c.storeInProcess(source, pgID, e)
	data, err := msgpack.Marshal(e)
	if err != nil {
		return
	}
	_ = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(cacheKey(source, pgID)), data)
	})
}

func (c *CachedStore) invalidate(source, pgID string) {
	c.mu.Lock()
	delete(c.entryCache, cacheKey(source, pgID))
	c.mu.Unlock()
	_ = c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(cacheKey(source, pgID)))
	})
}

// UpsertMany writes through to Postgres, then refreshes the cache
// entries for the affected rows, invalidating on successful mutation
// rather than trusting a TTL.
func (c *CachedStore) UpsertMany(ctx context.Context, entries []Entry) error {
	if err := c.Store.UpsertMany(ctx, entries); err != nil {
		return err
	}
	for _, e := range entries {
		c.store(e.Source, e.PgID, e)
	}
	return nil
}

// MarkError invalidates the cached entry so the next read goes to
// Postgres for the fresh last_error, rather than caching an error path.
func (c *CachedStore) MarkError(ctx context.Context, source, pgID, reason string) error {
	if err := c.Store.MarkError(ctx, source, pgID, reason); err != nil {
		return err
	}
	c.invalidate(source, pgID)
	return nil
}
