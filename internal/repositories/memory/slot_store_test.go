package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nn-hair/storefront/internal/repositories"
)

func TestSlotStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewSlotStore()

	_, err := store.Get(ctx, "cart-storage:a")
	require.Error(t, err)
	assert.True(t, repositories.IsNotFound(err))

	require.NoError(t, store.Put(ctx, "cart-storage:a", []byte(`{"version":1}`)))
	got, err := store.Get(ctx, "cart-storage:a")
	require.NoError(t, err)
	assert.Equal(t, `{"version":1}`, string(got))

	got[0] = 'x'
	again, err := store.Get(ctx, "cart-storage:a")
	require.NoError(t, err)
	assert.Equal(t, `{"version":1}`, string(again), "stored bytes must not alias the returned slice")

	require.NoError(t, store.Delete(ctx, "cart-storage:a"))
	require.NoError(t, store.Delete(ctx, "cart-storage:a"))
	_, err = store.Get(ctx, "cart-storage:a")
	assert.True(t, repositories.IsNotFound(err))
}

func TestSlotStoreQuota(t *testing.T) {
	store := NewSlotStore(WithMaxValueBytes(4))

	err := store.Put(context.Background(), "k", []byte("12345"))
	require.Error(t, err)
	assert.True(t, repositories.IsUnavailable(err))
	assert.Empty(t, store.Keys())

	require.NoError(t, store.Put(context.Background(), "k", []byte("1234")))
}

func TestSlotStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewSlotStore().Put(ctx, "k", []byte("v"))
	require.Error(t, err)
	assert.True(t, repositories.IsUnavailable(err))
}
