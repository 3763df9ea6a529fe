package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/nn-hair/storefront/internal/domain"
	"github.com/nn-hair/storefront/internal/repositories"
)

const (
	maxCheckoutNotesLength = 2000
	minPhoneDigits         = 9
)

var (
	errCheckoutSessionsRequired = errors.New("checkout service: sessions are required")
	errCheckoutOrdersRequired   = errors.New("checkout service: order repository is required")

	// ErrCheckoutInvalidInput indicates missing or malformed buyer details.
	ErrCheckoutInvalidInput = errors.New("checkout service: invalid input")
	// ErrCheckoutEmptyCart indicates the session cart has no items.
	ErrCheckoutEmptyCart = errors.New("checkout service: cart is empty")
	// ErrCheckoutFailed indicates the order could not be recorded.
	ErrCheckoutFailed = errors.New("checkout service: order failed")
	// ErrCheckoutUnavailable indicates the cart could not be opened.
	ErrCheckoutUnavailable = errors.New("checkout service: unavailable")
)

// CheckoutServiceDeps wires the carts and the order sink.
type CheckoutServiceDeps struct {
	Sessions *CartSessions
	Orders   repositories.OrderRepository
	// Events is optional; publish failures are logged and do not fail the order.
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type checkoutService struct {
	sessions *CartSessions
	orders   repositories.OrderRepository
	events   OrderEventPublisher
	now      func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService enforcing dependency validation.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Sessions == nil {
		return nil, errCheckoutSessionsRequired
	}
	if deps.Orders == nil {
		return nil, errCheckoutOrdersRequired
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &checkoutService{
		sessions: deps.Sessions,
		orders:   deps.Orders,
		events:   deps.Events,
		now:      func() time.Time { return clock().UTC() },
		newID:    newID,
		logger:   logger,
	}, nil
}

// PlaceOrder snapshots the cart, records the order and clears the cart once the order exists.
// A cart that cannot be cleared afterwards is logged; the order stands.
func (s *checkoutService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error) {
	buyer, err := normalizeBuyer(cmd.Buyer)
	if err != nil {
		return Order{}, err
	}
	sessionID, err := NormalizeSessionID(cmd.SessionID)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %w", ErrCheckoutInvalidInput, err)
	}
	engine, err := s.sessions.Engine(ctx, sessionID)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
	}

	items := engine.Items()
	if len(items) == 0 {
		return Order{}, ErrCheckoutEmptyCart
	}
	summary := engine.Policy().Summarize(items)

	now := s.now()
	order := Order{
		ID:            s.newID(),
		UserID:        strings.TrimSpace(cmd.UserID),
		Buyer:         buyer,
		Items:         make([]domain.OrderItem, 0, len(items)),
		Subtotal:      summary.Subtotal,
		Tax:           summary.Tax,
		Shipping:      summary.Shipping,
		Total:         summary.Total,
		Currency:      summary.Currency,
		PaymentStatus: domain.PaymentStatusPending,
		OrderStatus:   domain.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, item := range items {
		order.Items = append(order.Items, domain.OrderItem{
			ID:          s.newID(),
			OrderID:     order.ID,
			ProductID:   item.ID,
			ProductName: item.Name,
			Quantity:    item.Quantity,
			Price:       item.Price,
			CreatedAt:   now,
		})
	}

	created, err := s.orders.CreateOrder(ctx, order)
	if err != nil {
		s.logger(ctx, "checkout.order.failed", map[string]any{"session": sessionID, "orderId": order.ID, "error": err.Error()})
		return Order{}, fmt.Errorf("%w: %w", ErrCheckoutFailed, err)
	}

	if err := engine.Clear(ctx); err != nil {
		s.logger(ctx, "checkout.cart.clear_failed", map[string]any{"session": sessionID, "orderId": created.ID, "error": err.Error()})
	}
	s.publishPlaced(ctx, sessionID, created)
	s.logger(ctx, "checkout.order.placed", map[string]any{
		"session":     sessionID,
		"orderId":     created.ID,
		"orderNumber": created.OrderNumber,
		"total":       created.Total,
	})
	return created, nil
}

func (s *checkoutService) publishPlaced(ctx context.Context, sessionID string, order Order) {
	if s.events == nil {
		return
	}
	count := 0
	for _, item := range order.Items {
		count += item.Quantity
	}
	_, err := s.events.PublishOrderPlaced(ctx, OrderPlacedMessage{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		SessionID:   sessionID,
		UserID:      order.UserID,
		Email:       order.Buyer.Email,
		ItemCount:   count,
		TotalMinor:  order.Total,
		Currency:    order.Currency,
		PlacedAt:    order.CreatedAt,
	})
	if err != nil {
		s.logger(ctx, "checkout.order.publish_failed", map[string]any{"session": sessionID, "orderId": order.ID, "error": err.Error()})
	}
}

func normalizeBuyer(buyer BuyerDetails) (BuyerDetails, error) {
	buyer.Name = strings.TrimSpace(buyer.Name)
	buyer.Email = strings.TrimSpace(buyer.Email)
	buyer.Phone = strings.TrimSpace(buyer.Phone)
	buyer.ShippingAddress = strings.TrimSpace(buyer.ShippingAddress)
	buyer.City = strings.TrimSpace(buyer.City)
	buyer.PostalCode = strings.TrimSpace(buyer.PostalCode)
	buyer.Province = strings.TrimSpace(buyer.Province)
	buyer.Notes = strings.TrimSpace(buyer.Notes)
	buyer.PaymentMethod = domain.PaymentMethod(strings.ToLower(strings.TrimSpace(string(buyer.PaymentMethod))))

	var missing []string
	for _, field := range []struct {
		name  string
		value string
	}{
		{"name", buyer.Name},
		{"email", buyer.Email},
		{"phone", buyer.Phone},
		{"shippingAddress", buyer.ShippingAddress},
		{"city", buyer.City},
		{"postalCode", buyer.PostalCode},
	} {
		if field.value == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return BuyerDetails{}, fmt.Errorf("%w: missing %s", ErrCheckoutInvalidInput, strings.Join(missing, ", "))
	}

	addr, err := mail.ParseAddress(buyer.Email)
	if err != nil || addr.Address != buyer.Email {
		return BuyerDetails{}, fmt.Errorf("%w: email is invalid", ErrCheckoutInvalidInput)
	}
	if countDigits(buyer.Phone) < minPhoneDigits {
		return BuyerDetails{}, fmt.Errorf("%w: phone must contain at least %d digits", ErrCheckoutInvalidInput, minPhoneDigits)
	}
	if !buyer.PaymentMethod.Valid() {
		return BuyerDetails{}, fmt.Errorf("%w: unsupported payment method %q", ErrCheckoutInvalidInput, buyer.PaymentMethod)
	}
	if len([]rune(buyer.Notes)) > maxCheckoutNotesLength {
		return BuyerDetails{}, fmt.Errorf("%w: notes must be at most %d characters", ErrCheckoutInvalidInput, maxCheckoutNotesLength)
	}
	return buyer, nil
}

func countDigits(value string) int {
	n := 0
	for _, r := range value {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
