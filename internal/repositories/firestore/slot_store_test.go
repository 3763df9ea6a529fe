package firestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nn-hair/storefront/internal/platform/config"
	pfirestore "github.com/nn-hair/storefront/internal/platform/firestore"
)

func TestDocumentIDRoundTrip(t *testing.T) {
	for _, key := range []string{"cart-storage:01J9Z8", "nn_hair_cart", "a/b:c"} {
		id := documentID(key)
		assert.NotContains(t, id, "/")
		decoded, ok := keyFromDocumentID(id)
		require.True(t, ok)
		assert.Equal(t, key, decoded)
	}
	_, ok := keyFromDocumentID("***")
	assert.False(t, ok)
}

func TestNewSlotStoreDefaults(t *testing.T) {
	_, err := NewSlotStore(nil, Options{})
	require.Error(t, err)

	store, err := NewSlotStore(pfirestore.NewProvider(config.FirestoreConfig{ProjectID: "p"}), Options{})
	require.NoError(t, err)
	assert.Equal(t, defaultCollection, store.collection)
	assert.NotEmpty(t, store.instance)
}
