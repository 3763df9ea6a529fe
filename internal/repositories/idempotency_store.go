package repositories

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nn-hair/storefront/internal/platform/idempotency"
)

const idempotencyKeyPrefix = "idempotency:"

// SlotIdempotencyStore keeps idempotency records as JSON values in a SlotStore so replays survive
// restarts and are shared by every process using the same store. Reservations are serialised
// within the process only; two processes racing on one key can both run the request.
type SlotIdempotencyStore struct {
	slots SlotStore
	mu    sync.Mutex
}

var _ idempotency.Store = (*SlotIdempotencyStore)(nil)

// NewSlotIdempotencyStore wraps slots.
func NewSlotIdempotencyStore(slots SlotStore) *SlotIdempotencyStore {
	return &SlotIdempotencyStore{slots: slots}
}

func (s *SlotIdempotencyStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (idempotency.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found, err := s.load(ctx, key)
	if err != nil {
		return idempotency.Reservation{}, err
	}
	reservation, err := idempotency.Resolve(existing, found, key, fingerprint, now.UTC(), ttl)
	if err != nil {
		return idempotency.Reservation{}, err
	}
	if reservation.State == idempotency.ReservationStateNew {
		if err := s.store(ctx, key, reservation.Record); err != nil {
			return idempotency.Reservation{}, err
		}
	}
	return reservation, nil
}

func (s *SlotIdempotencyStore) SaveResponse(ctx context.Context, key, fingerprint string, resp idempotency.Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	record, err := idempotency.Complete(existing, found, key, fingerprint, resp, now.UTC(), ttl)
	if err != nil {
		return err
	}
	return s.store(ctx, key, record)
}

func (s *SlotIdempotencyStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots.Delete(ctx, idempotencyKeyPrefix+key)
}

func (s *SlotIdempotencyStore) load(ctx context.Context, key string) (idempotency.Record, bool, error) {
	data, err := s.slots.Get(ctx, idempotencyKeyPrefix+key)
	if IsNotFound(err) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, err
	}
	var record idempotency.Record
	if err := json.Unmarshal(data, &record); err != nil {
		// An unreadable record is treated as absent and overwritten.
		return idempotency.Record{}, false, nil
	}
	return record, true, nil
}

func (s *SlotIdempotencyStore) store(ctx context.Context, key string, record idempotency.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.slots.Put(ctx, idempotencyKeyPrefix+key, data)
}
