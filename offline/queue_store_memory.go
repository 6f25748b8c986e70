package offline

import (
	"context"
	"sync"
)

// MemoryQueueStore keeps pending mutations in process memory, in first-enqueue
// order. Replacing a bucket keeps its original position.
type MemoryQueueStore struct {
	mu    sync.Mutex
	items map[string]Mutation
	order []string
}

// NewMemoryQueueStore creates an empty in-memory queue store.
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{items: make(map[string]Mutation)}
}

func (s *MemoryQueueStore) Put(ctx context.Context, bucketKey string, m Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[bucketKey]; !ok {
		s.order = append(s.order, bucketKey)
	}
	s.items[bucketKey] = m
	return nil
}

func (s *MemoryQueueStore) Delete(ctx context.Context, bucketKey, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[bucketKey]
	if !ok || cur.ID != id {
		// absent, or replaced since the caller read it
		return nil
	}
	delete(s.items, bucketKey)
	for i, key := range s.order {
		if key == bucketKey {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryQueueStore) Replace(ctx context.Context, bucketKey, id string, m Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[bucketKey]
	if !ok || cur.ID != id {
		return nil
	}
	s.items[bucketKey] = m
	return nil
}

func (s *MemoryQueueStore) List(ctx context.Context) ([]Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Mutation, 0, len(s.order))
	for _, key := range s.order {
		if m, ok := s.items[key]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryQueueStore) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

func (s *MemoryQueueStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]Mutation)
	s.order = nil
	return nil
}
