package offline

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RecordStore is the persistence abstraction for the small-record cache.
//
// ReplaceCollection must be atomic: a concurrent GetAll observes either the
// collection as it was before the call or the new records, never a mix.
type RecordStore interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, tag CollectionTag, key string) (*Record, error)
	GetAll(ctx context.Context, tag CollectionTag) ([]Record, error)
	ReplaceCollection(ctx context.Context, tag CollectionTag, recs []Record) error
	Counts(ctx context.Context) (map[CollectionTag]int, error)
	Clear(ctx context.Context) error
}

// RecordFilter narrows a GetAll snapshot. A nil filter matches everything.
type RecordFilter func(Record) bool

// RecordCache is the read-through cache for small JSON-serializable
// collections. Reads never fail: any internal store error degrades to an
// empty snapshot, since a corrupt cache must not break the caller.
type RecordCache struct {
	store  RecordStore
	logger *slog.Logger
	now    func() time.Time
}

// NewRecordCache wraps a RecordStore with the cache's degradation policy.
func NewRecordCache(store RecordStore, logger *slog.Logger, now func() time.Time) *RecordCache {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &RecordCache{store: store, logger: logger, now: now}
}

// Put upserts a single record. Idempotent; the only caller-visible failure is
// ErrSerializationFailure from building the record, or a store write error.
func (c *RecordCache) Put(ctx context.Context, tag CollectionTag, key string, payload any) error {
	if !tag.Valid() {
		return fmt.Errorf("unknown collection tag %q", tag)
	}
	rec, err := NewRecord(tag, key, payload, c.now())
	if err != nil {
		return err
	}
	return c.store.Put(ctx, rec)
}

// Get returns a single record, or ErrRecordNotFound.
func (c *RecordCache) Get(ctx context.Context, tag CollectionTag, key string) (*Record, error) {
	return c.store.Get(ctx, tag, key)
}

// GetAll returns a snapshot of a collection, optionally filtered.
// It never returns an error; read failures degrade to an empty slice.
func (c *RecordCache) GetAll(ctx context.Context, tag CollectionTag, filter RecordFilter) []Record {
	recs, err := c.store.GetAll(ctx, tag)
	if err != nil {
		c.logger.WarnContext(ctx, "record cache read degraded", "tag", string(tag), "error", err)
		return []Record{}
	}
	if filter == nil {
		return recs
	}
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		if filter(r) {
			out = append(out, r)
		}
	}
	return out
}

// ReplaceCollection swaps a whole collection for the given records after a
// successful authoritative fetch. CachedAt is stamped here so all records in
// one replace share the same timestamp.
func (c *RecordCache) ReplaceCollection(ctx context.Context, tag CollectionTag, recs []Record) error {
	if !tag.Valid() {
		return fmt.Errorf("unknown collection tag %q", tag)
	}
	now := c.now().UTC()
	stamped := make([]Record, len(recs))
	for i, r := range recs {
		r.Tag = tag
		r.CachedAt = now
		stamped[i] = r
	}
	return c.store.ReplaceCollection(ctx, tag, stamped)
}
