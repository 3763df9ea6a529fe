package repositories

import (
	"context"

	domain "github.com/nn-hair/storefront/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// SlotStore is a durable key/value slot holding one encoded cart per key. Get returns a
// RepositoryError reporting IsNotFound when the key has never been written or was deleted.
// Delete on an absent key succeeds.
type SlotStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// SlotChange announces that a key was written or removed by someone other than the caller.
type SlotChange struct {
	Key     string
	Deleted bool
}

// SlotWatcher is implemented by stores that can observe writes made by other processes.
// The returned channel is closed once ctx is cancelled or the watcher fails permanently.
type SlotWatcher interface {
	Watch(ctx context.Context) (<-chan SlotChange, error)
}

// ProductRepository resolves catalog products for add-by-id flows.
type ProductRepository interface {
	FindProduct(ctx context.Context, id domain.ItemID) (domain.Product, error)
}

// OrderRepository persists orders placed from a cart.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error)
}

// HealthRepository exposes dependency health information for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
