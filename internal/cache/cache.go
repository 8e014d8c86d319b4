// Package cache provides the durable read cache and the read-through
// layer that makes every read screen resilient to transient
// connectivity loss. Cache persistence is strictly best-effort:
// storage failures are logged and swallowed, never surfaced to a
// user-facing read.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fieldhq/fieldsync/internal/api"
	"github.com/fieldhq/fieldsync/internal/logging"
	"github.com/fieldhq/fieldsync/internal/models"
	"github.com/fieldhq/fieldsync/internal/store"
)

const (
	recordPrefix = "fieldsync.cache.record."
	indexPrefix  = "fieldsync.cache.index."
	typesKey     = "fieldsync.cache.types"
)

// Store is the process-wide read cache: a persistent record per key
// plus an in-memory fast path, with a per-entity-type key index for
// bulk invalidation.
type Store struct {
	mu         sync.RWMutex
	kv         store.KV
	mem        map[string]*models.CachedRecord
	staleAfter time.Duration
	now        func() time.Time
}

// NewStore creates a cache Store. staleAfter <= 0 falls back to the
// 24h default.
func NewStore(kv store.KV, staleAfter time.Duration) *Store {
	if staleAfter <= 0 {
		staleAfter = models.StaleAfter
	}
	return &Store{
		kv:         kv,
		mem:        make(map[string]*models.CachedRecord),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// SetClock overrides the store's clock. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Put records a successful read. Overwrites any previous record for
// the key and adds the key to the entity-type index.
func (s *Store) Put(ctx context.Context, key string, entityType models.EntityType, data json.RawMessage) *models.CachedRecord {
	record := &models.CachedRecord{
		Key:        key,
		EntityType: entityType,
		Data:       data,
		SyncedAt:   s.now().UnixMilli(),
	}

	s.mu.Lock()
	s.mem[key] = record
	s.mu.Unlock()

	encoded, err := json.Marshal(record)
	if err != nil {
		logging.Error("failed to serialize cache record", err, map[string]interface{}{"key": key})
		return record
	}
	if err := s.kv.Set(ctx, recordPrefix+key, encoded); err != nil {
		logging.Error("failed to persist cache record", err, map[string]interface{}{"key": key})
		return record
	}
	s.indexAdd(ctx, entityType, key)
	return record
}

// Get returns the cached record for key, consulting the in-memory map
// first and falling back to persistent storage. Storage errors are
// treated as a miss.
func (s *Store) Get(ctx context.Context, key string) (*models.CachedRecord, bool) {
	s.mu.RLock()
	if record, ok := s.mem[key]; ok {
		s.mu.RUnlock()
		return record, true
	}
	s.mu.RUnlock()

	data, err := s.kv.Get(ctx, recordPrefix+key)
	if err != nil {
		if err != store.ErrNotFound {
			logging.Warn("cache read failed", map[string]interface{}{"key": key, "error": err.Error()})
		}
		return nil, false
	}

	var record models.CachedRecord
	if err := json.Unmarshal(data, &record); err != nil {
		logging.Warn("corrupted cache record", map[string]interface{}{"key": key})
		return nil, false
	}

	s.mu.Lock()
	s.mem[key] = &record
	s.mu.Unlock()
	return &record, true
}

// IsStale reports whether a record is past the staleness threshold.
func (s *Store) IsStale(record *models.CachedRecord) bool {
	return s.now().UnixMilli()-record.SyncedAt > s.staleAfter.Milliseconds()
}

// Invalidate removes every cached record for the given entity types so
// the next read re-fetches fresh data.
func (s *Store) Invalidate(ctx context.Context, entityTypes ...models.EntityType) {
	for _, et := range entityTypes {
		keys := s.indexKeys(ctx, et)

		s.mu.Lock()
		for _, key := range keys {
			delete(s.mem, key)
		}
		// Drop anything the index missed (records whose index write
		// was lost to a best-effort failure).
		for key, record := range s.mem {
			if record.EntityType == et {
				delete(s.mem, key)
			}
		}
		s.mu.Unlock()

		remove := make([]string, 0, len(keys)+1)
		for _, key := range keys {
			remove = append(remove, recordPrefix+key)
		}
		remove = append(remove, indexPrefix+string(et))
		if err := s.kv.MultiRemove(ctx, remove); err != nil {
			logging.Error("failed to invalidate cache", err, map[string]interface{}{"entity_type": et})
		}
	}
}

// Clear drops the in-memory map and all indexed persistent records.
// Used on logout. The entity types to purge come from the persisted
// type index, not the in-memory map, so records written by an earlier
// process are removed too.
func (s *Store) Clear(ctx context.Context) {
	types := make(map[models.EntityType]bool)
	for _, et := range s.typeList(ctx) {
		types[et] = true
	}

	s.mu.Lock()
	for _, record := range s.mem {
		types[record.EntityType] = true
	}
	s.mem = make(map[string]*models.CachedRecord)
	s.mu.Unlock()

	for et := range types {
		s.Invalidate(ctx, et)
	}
	if err := s.kv.MultiRemove(ctx, []string{typesKey}); err != nil {
		logging.Warn("failed to clear cache type index", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Store) indexKeys(ctx context.Context, et models.EntityType) []string {
	data, err := s.kv.Get(ctx, indexPrefix+string(et))
	if err != nil {
		return nil
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil
	}
	return keys
}

func (s *Store) indexAdd(ctx context.Context, et models.EntityType, key string) {
	s.typeAdd(ctx, et)

	keys := s.indexKeys(ctx, et)
	for _, k := range keys {
		if k == key {
			return
		}
	}
	keys = append(keys, key)
	data, err := json.Marshal(keys)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, indexPrefix+string(et), data); err != nil {
		logging.Warn("failed to update cache index", map[string]interface{}{"entity_type": et})
	}
}

// typeList returns every entity type that has ever been cached,
// reconstructed from the persisted type index.
func (s *Store) typeList(ctx context.Context) []models.EntityType {
	data, err := s.kv.Get(ctx, typesKey)
	if err != nil {
		return nil
	}
	var types []models.EntityType
	if err := json.Unmarshal(data, &types); err != nil {
		return nil
	}
	return types
}

func (s *Store) typeAdd(ctx context.Context, et models.EntityType) {
	types := s.typeList(ctx)
	for _, t := range types {
		if t == et {
			return
		}
	}
	types = append(types, et)
	data, err := json.Marshal(types)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, typesKey, data); err != nil {
		logging.Warn("failed to update cache type index", map[string]interface{}{"entity_type": et})
	}
}

// FetchFunc performs the underlying network read.
type FetchFunc func(ctx context.Context) ([]byte, error)

// ReadResult is what a cached read hands back to the caller.
type ReadResult struct {
	Data      json.RawMessage `json:"data"`
	FromCache bool            `json:"from_cache"`
	Stale     bool            `json:"stale"`
	CachedAt  int64           `json:"cached_at"` // epoch ms
}

// ReadThrough wraps a network fetch. On success the response is cached
// and returned fresh. On a network failure the last cached value is
// served instead, marked FromCache (and Stale past the threshold). An
// application error (4xx/5xx) propagates unmodified; an authoritative
// 404 is never masked by stale cache.
func (s *Store) ReadThrough(ctx context.Context, key string, entityType models.EntityType, fetch FetchFunc) (*ReadResult, error) {
	data, err := fetch(ctx)
	if err == nil {
		record := s.Put(ctx, key, entityType, data)
		return &ReadResult{
			Data:      data,
			FromCache: false,
			Stale:     false,
			CachedAt:  record.SyncedAt,
		}, nil
	}

	if !api.IsNetworkError(err) {
		return nil, err
	}

	record, ok := s.Get(ctx, key)
	if !ok {
		return nil, err
	}

	logging.Debug("serving cached fallback", map[string]interface{}{
		"key":   key,
		"stale": s.IsStale(record),
	})

	return &ReadResult{
		Data:      record.Data,
		FromCache: true,
		Stale:     s.IsStale(record),
		CachedAt:  record.SyncedAt,
	}, nil
}
