package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nn-hair/storefront/internal/platform/requestctx"
)

var fixedTime = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

func newOrderRequest(body, key, session string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/checkout/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if session != "" {
		req = req.WithContext(requestctx.WithSessionID(req.Context(), session))
	}
	return req
}

func countingHandler(calls *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"order":{"orderNumber":"NN-000001"}}`))
	})
}

func TestMiddleware_PassesThroughWithoutKey(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusCreated))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, newOrderRequest(`{}`, "", "s1"))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected handler to run for every keyless request, got %d", calls)
	}
}

func TestMiddleware_RequiredKey(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithRequiredKey())(countingHandler(&calls, http.StatusCreated))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest(`{}`, "", "s1"))

	if calls != 0 {
		t.Fatal("handler should not be invoked when header is missing")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddleware_ReplaysStoredResponse(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(countingHandler(&calls, http.StatusCreated))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newOrderRequest(`{"name":"Thandi"}`, "abc-123", "s1"))
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newOrderRequest(`{"name":"Thandi"}`, "abc-123", "s1"))

	if calls != 1 {
		t.Fatalf("expected handler to be called once, got %d", calls)
	}
	if rr2.Code != http.StatusCreated {
		t.Fatalf("expected replayed status 201, got %d", rr2.Code)
	}
	if rr2.Header().Get(replayHeaderName) != "true" {
		t.Fatalf("expected replay header")
	}
	if rr2.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected replayed content type, got %q", rr2.Header().Get("Content-Type"))
	}
	if rr1.Body.String() != rr2.Body.String() {
		t.Fatalf("expected identical bodies, got %q and %q", rr1.Body.String(), rr2.Body.String())
	}
}

func TestMiddleware_KeysAreScopedToSession(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusCreated))

	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest(`{}`, "same-key", "s1"))
	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest(`{}`, "same-key", "s2"))

	if calls != 2 {
		t.Fatalf("expected one run per session, got %d", calls)
	}
}

func TestMiddleware_FingerprintMismatch(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusCreated))

	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest(`{"name":"a"}`, "k", "s1"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest(`{"name":"b"}`, "k", "s1"))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_key_conflict")
	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}
}

func TestMiddleware_ServerErrorReleasesKey(t *testing.T) {
	store := NewMemoryStore()
	var calls int
	handler := Middleware(store)(countingHandler(&calls, http.StatusBadGateway))

	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest(`{}`, "retry-me", "s1"))
	if store.Len() != 0 {
		t.Fatalf("expected key to be released after a server error")
	}
	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest(`{}`, "retry-me", "s1"))
	if calls != 2 {
		t.Fatalf("expected retry to run the handler again, got %d", calls)
	}
}

func TestMiddleware_PendingKeyConflicts(t *testing.T) {
	blocking := make(chan struct{})
	release := make(chan struct{})
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(blocking)
		<-release
		w.WriteHeader(http.StatusCreated)
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest(`{}`, "busy", "s1"))
	}()
	<-blocking

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest(`{}`, "busy", "s1"))
	close(release)
	<-done

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_in_progress")
}

func TestMiddleware_StoreFailure(t *testing.T) {
	var calls int
	handler := Middleware(failingStore{})(countingHandler(&calls, http.StatusCreated))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest(`{}`, "k", "s1"))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	if calls != 0 {
		t.Fatalf("expected handler not to run")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.SaveResponse(ctx, "k", "fp", Response{Status: http.StatusCreated}, fixedTime, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	res, err := store.Reserve(ctx, "k", "fp", fixedTime.Add(30*time.Second), time.Minute)
	if err != nil || res.State != ReservationStateCompleted {
		t.Fatalf("expected completed reservation, got %+v %v", res, err)
	}
	res, err = store.Reserve(ctx, "k", "other", fixedTime.Add(2*time.Minute), time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected expired key to be reusable, got %+v %v", res, err)
	}
}

type failingStore struct{}

func (failingStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	return Reservation{}, errors.New("store down")
}

func (failingStore) SaveResponse(context.Context, string, string, Response, time.Time, time.Duration) error {
	return errors.New("store down")
}

func (failingStore) Release(context.Context, string) error { return nil }

func assertErrorCode(t *testing.T, body []byte, expected string) {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if payload["error"] != expected {
		t.Fatalf("expected error code %s, got %v", expected, payload["error"])
	}
}
