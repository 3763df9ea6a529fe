package repositories_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nn-hair/storefront/internal/platform/idempotency"
	"github.com/nn-hair/storefront/internal/repositories"
	"github.com/nn-hair/storefront/internal/repositories/memory"
)

func TestSlotIdempotencyStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	slots := memory.NewSlotStore()
	store := repositories.NewSlotIdempotencyStore(slots)
	now := time.Date(2024, time.May, 1, 9, 30, 0, 0, time.UTC)

	res, err := store.Reserve(ctx, "k1", "fp", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, idempotency.ReservationStateNew, res.State)

	res, err = store.Reserve(ctx, "k1", "fp", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, idempotency.ReservationStatePending, res.State)

	_, err = store.Reserve(ctx, "k1", "other", now, time.Hour)
	assert.ErrorIs(t, err, idempotency.ErrFingerprintMismatch)

	resp := idempotency.Response{
		Status:  http.StatusCreated,
		Headers: http.Header{"Content-Type": {"application/json"}, "Set-Cookie": {"nn_cart_session=abc"}},
		Body:    []byte(`{"order":{}}`),
	}
	require.NoError(t, store.SaveResponse(ctx, "k1", "fp", resp, now, time.Hour))

	raw, err := slots.Get(ctx, "idempotency:k1")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"completed"`)

	res, err = store.Reserve(ctx, "k1", "fp", now.Add(time.Minute), time.Hour)
	require.NoError(t, err)
	require.Equal(t, idempotency.ReservationStateCompleted, res.State)
	assert.Equal(t, http.StatusCreated, res.Record.ResponseStatus)
	assert.Equal(t, []byte(`{"order":{}}`), res.Record.ResponseBody)
	assert.Equal(t, []string{"application/json"}, res.Record.ResponseHeaders["Content-Type"])
	assert.NotContains(t, res.Record.ResponseHeaders, "Set-Cookie")

	res, err = store.Reserve(ctx, "k1", "other", now.Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, idempotency.ReservationStateNew, res.State)
}

func TestSlotIdempotencyStoreReleaseAndCorruptRecord(t *testing.T) {
	ctx := context.Background()
	slots := memory.NewSlotStore()
	store := repositories.NewSlotIdempotencyStore(slots)
	now := time.Date(2024, time.May, 1, 9, 30, 0, 0, time.UTC)

	_, err := store.Reserve(ctx, "k2", "fp", now, time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "k2"))

	_, err = slots.Get(ctx, "idempotency:k2")
	assert.True(t, repositories.IsNotFound(err))

	require.NoError(t, slots.Put(ctx, "idempotency:k3", []byte("not json")))
	res, err := store.Reserve(ctx, "k3", "fp", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, idempotency.ReservationStateNew, res.State)
}
