package offline

import (
	"context"
	"sort"
	"sync"
)

// MemoryRecordStore keeps collections in process memory. Suitable for tests
// and for embedders that persist elsewhere.
//
// Each collection is an immutable map value; ReplaceCollection builds the new
// map fully and swaps it in under the lock, so readers holding a snapshot from
// GetAll never see a partially replaced collection.
type MemoryRecordStore struct {
	mu          sync.RWMutex
	collections map[CollectionTag]map[string]Record
}

// NewMemoryRecordStore creates an empty in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		collections: make(map[CollectionTag]map[string]Record),
	}
}

func (s *MemoryRecordStore) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collections[rec.Tag]
	next := make(map[string]Record, len(coll)+1)
	for k, v := range coll {
		next[k] = v
	}
	next[rec.Key] = rec
	s.collections[rec.Tag] = next
	return nil
}

func (s *MemoryRecordStore) Get(ctx context.Context, tag CollectionTag, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.collections[tag][key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	out := rec
	return &out, nil
}

func (s *MemoryRecordStore) GetAll(ctx context.Context, tag CollectionTag) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	coll := s.collections[tag]
	s.mu.RUnlock()

	out := make([]Record, 0, len(coll))
	for _, rec := range coll {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryRecordStore) ReplaceCollection(ctx context.Context, tag CollectionTag, recs []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	next := make(map[string]Record, len(recs))
	for _, rec := range recs {
		next[rec.Key] = rec
	}

	s.mu.Lock()
	s.collections[tag] = next
	s.mu.Unlock()
	return nil
}

func (s *MemoryRecordStore) Counts(ctx context.Context) (map[CollectionTag]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[CollectionTag]int, len(s.collections))
	for tag, coll := range s.collections {
		if len(coll) > 0 {
			counts[tag] = len(coll)
		}
	}
	return counts, nil
}

func (s *MemoryRecordStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.collections = make(map[CollectionTag]map[string]Record)
	s.mu.Unlock()
	return nil
}
