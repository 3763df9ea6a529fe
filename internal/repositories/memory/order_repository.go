package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	domain "github.com/nn-hair/storefront/internal/domain"
	"github.com/nn-hair/storefront/internal/repositories"
)

// OrderRepository keeps placed orders in memory for local runs without a Supabase project.
type OrderRepository struct {
	mu     sync.Mutex
	orders []domain.Order
	seq    int
	now    func() time.Time
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository returns an empty repository. A nil clock uses time.Now.
func NewOrderRepository(clock func() time.Time) *OrderRepository {
	if clock == nil {
		clock = time.Now
	}
	return &OrderRepository{now: clock}
}

// CreateOrder assigns the next order number and stores a copy of the order.
func (r *OrderRepository) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, repositories.NewStoreError("memory.orders.create", order.ID, repositories.ErrorKindUnavailable, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	order.OrderNumber = fmt.Sprintf("NN-%06d", r.seq)
	if order.CreatedAt.IsZero() {
		order.CreatedAt = r.now().UTC()
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	order.Items = append([]domain.OrderItem(nil), order.Items...)
	r.orders = append(r.orders, order)
	return order, nil
}

// Orders returns the stored orders, oldest first.
func (r *OrderRepository) Orders() []domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Order, len(r.orders))
	copy(out, r.orders)
	return out
}
