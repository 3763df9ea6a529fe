package services

import (
	"context"
	"time"

	"github.com/nn-hair/storefront/internal/cart"
	domain "github.com/nn-hair/storefront/internal/domain"
	"github.com/nn-hair/storefront/internal/platform/events"
)

type (
	LineItem           = domain.LineItem
	Order              = domain.Order
	BuyerDetails       = domain.BuyerDetails
	SystemHealthReport = domain.SystemHealthReport
)

// CartView is a consistent snapshot of one session's cart.
type CartView struct {
	SessionID string
	Items     []LineItem
	Summary   cart.Summary
	Currency  string
	Revision  uint64
}

// AddCartItemCommand adds units of a product to a session cart. When a catalog is configured
// only Item.ID is trusted and the rest of the descriptor comes from the catalog.
type AddCartItemCommand struct {
	SessionID string
	Item      LineItem
	Quantity  int
	Variant   string
}

// UpdateCartItemCommand changes one line of a session cart. Nil fields are left alone.
type UpdateCartItemCommand struct {
	SessionID string
	ItemID    domain.ItemID
	Quantity  *int
	Variant   *string
}

// PlaceOrderCommand converts the session cart into an order.
type PlaceOrderCommand struct {
	SessionID string
	UserID    string
	Buyer     BuyerDetails
}

// CartService exposes cart operations scoped to a browsing session.
type CartService interface {
	GetCart(ctx context.Context, sessionID string) (CartView, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (CartView, error)
	// UpdateLine applies a quantity and variant change to one line in a single write.
	UpdateLine(ctx context.Context, cmd UpdateCartItemCommand) (CartView, error)
	RemoveItem(ctx context.Context, sessionID string, itemID domain.ItemID) (CartView, error)
	Increment(ctx context.Context, sessionID string, itemID domain.ItemID) (CartView, error)
	Decrement(ctx context.Context, sessionID string, itemID domain.ItemID) (CartView, error)
	ClearCart(ctx context.Context, sessionID string) (CartView, error)
	// Subscribe registers handler for change events of the session cart and returns the
	// function that removes it.
	Subscribe(ctx context.Context, sessionID string, handler events.Handler) (func(), error)
}

// CheckoutService places orders from session carts.
type CheckoutService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error)
}

// OrderPlacedMessage announces a recorded order to downstream fulfilment.
type OrderPlacedMessage struct {
	OrderID     string    `json:"orderId"`
	OrderNumber string    `json:"orderNumber"`
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId,omitempty"`
	Email       string    `json:"email"`
	ItemCount   int       `json:"itemCount"`
	TotalMinor  int64     `json:"totalMinor"`
	Currency    string    `json:"currency"`
	PlacedAt    time.Time `json:"placedAt"`
}

// OrderEventPublisher delivers OrderPlacedMessage values and returns the broker message ID.
type OrderEventPublisher interface {
	PublishOrderPlaced(ctx context.Context, message OrderPlacedMessage) (string, error)
}

// SystemService reports service health.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}
