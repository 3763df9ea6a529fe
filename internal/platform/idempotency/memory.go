package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in a map. Expired records are dropped as new keys are reserved.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found := s.records[key]
	reservation, err := Resolve(existing, found, key, fingerprint, now, ttl)
	if err != nil {
		return Reservation{}, err
	}
	if reservation.State == ReservationStateNew {
		s.prune(now)
		s.records[key] = reservation.Record
	}
	return reservation, nil
}

func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found := s.records[key]
	record, err := Complete(existing, found, key, fingerprint, resp, now.UTC(), ttl)
	if err != nil {
		return err
	}
	s.records[key] = record
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Len reports the number of live and expired records held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemoryStore) prune(now time.Time) {
	for key, record := range s.records {
		if record.expired(now) {
			delete(s.records, key)
		}
	}
}
