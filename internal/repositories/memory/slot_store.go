package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/nn-hair/storefront/internal/repositories"
)

// Option customises the in-memory store.
type Option func(*SlotStore)

// WithMaxValueBytes rejects writes above the limit with a quota error.
func WithMaxValueBytes(limit int) Option {
	return func(s *SlotStore) {
		s.maxBytes = limit
	}
}

// SlotStore keeps slots in a map. It is used by tests and by single-process deployments.
type SlotStore struct {
	mu       sync.RWMutex
	slots    map[string][]byte
	maxBytes int
}

var _ repositories.SlotStore = (*SlotStore)(nil)

// NewSlotStore returns an empty store.
func NewSlotStore(opts ...Option) *SlotStore {
	s := &SlotStore{slots: make(map[string][]byte)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *SlotStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, repositories.NewStoreError("memory.get", key, repositories.ErrorKindUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.slots[strings.TrimSpace(key)]
	if !ok {
		return nil, repositories.NotFound("memory.get", key)
	}
	return append([]byte(nil), value...), nil
}

func (s *SlotStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return repositories.NewStoreError("memory.put", key, repositories.ErrorKindUnavailable, err)
	}
	if err := repositories.CheckSize("memory.put", key, value, s.maxBytes); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[strings.TrimSpace(key)] = append([]byte(nil), value...)
	return nil
}

func (s *SlotStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return repositories.NewStoreError("memory.delete", key, repositories.ErrorKindUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, strings.TrimSpace(key))
	return nil
}

// Keys lists stored keys in no particular order.
func (s *SlotStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.slots))
	for key := range s.slots {
		keys = append(keys, key)
	}
	return keys
}
