package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL is how long a completed order response can be replayed.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle state of a record.
type Status string

const (
	// StatusPending marks a key whose request is still being handled.
	StatusPending Status = "pending"
	// StatusCompleted marks a key whose response is stored for replay.
	StatusCompleted Status = "completed"
)

// ReservationState is the outcome of Reserve.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the key and must run the request.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means the stored response should be replayed.
	ReservationStateCompleted
	// ReservationStatePending means another request holds the key.
	ReservationStatePending
)

// Reservation is returned by Reserve.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the stored state of one key.
type Record struct {
	Key             string              `json:"key"`
	Fingerprint     string              `json:"fingerprint"`
	Status          Status              `json:"status"`
	ResponseStatus  int                 `json:"responseStatus,omitempty"`
	ResponseHeaders map[string][]string `json:"responseHeaders,omitempty"`
	ResponseBody    []byte              `json:"responseBody,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	ExpiresAt       time.Time           `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Response is what the handler wrote and what will be replayed.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for a different request")

func newPendingRecord(key, fingerprint string, now time.Time, ttl time.Duration) Record {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// Resolve decides a reservation from the record currently stored for key. When the state is
// ReservationStateNew the returned Record is the pending record the caller must store.
func Resolve(existing Record, found bool, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	if !found || existing.expired(now) {
		return Reservation{State: ReservationStateNew, Record: newPendingRecord(key, fingerprint, now, ttl)}, nil
	}
	if existing.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if existing.Status == StatusCompleted {
		return Reservation{State: ReservationStateCompleted, Record: existing}, nil
	}
	return Reservation{State: ReservationStatePending, Record: existing}, nil
}

// Complete returns the completed record to store for key.
func Complete(existing Record, found bool, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) (Record, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if found && existing.Fingerprint != fingerprint {
		return Record{}, ErrFingerprintMismatch
	}
	record := existing
	if !found {
		record = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	}
	record.Status = StatusCompleted
	record.ResponseStatus = resp.Status
	record.ResponseHeaders = replayableHeaders(resp.Headers)
	record.ResponseBody = append([]byte(nil), resp.Body...)
	record.ExpiresAt = now.Add(ttl)
	return record, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// replayableHeaders drops hop-by-hop and per-response headers.
func replayableHeaders(header http.Header) map[string][]string {
	if len(header) == 0 {
		return nil
	}
	out := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		switch strings.ToLower(canonical) {
		case "content-length", "date", "connection", "keep-alive", "set-cookie", "te", "trailers", "transfer-encoding", "upgrade":
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
