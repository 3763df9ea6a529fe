package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domain "github.com/nn-hair/storefront/internal/domain"
	"github.com/nn-hair/storefront/internal/repositories/memory"
)

type stubOrderRepository struct {
	createFunc func(ctx context.Context, order domain.Order) (domain.Order, error)
	created    []domain.Order
}

func (s *stubOrderRepository) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	s.created = append(s.created, order)
	if s.createFunc != nil {
		return s.createFunc(ctx, order)
	}
	order.OrderNumber = "NN-000001"
	return order, nil
}

func validBuyer() domain.BuyerDetails {
	return domain.BuyerDetails{
		Name:            " Thandi Mokoena ",
		Email:           "thandi@example.co.za",
		Phone:           "+27 82 555 0101",
		ShippingAddress: "12 Long Street",
		City:            "Cape Town",
		PostalCode:      "8001",
		Province:        "Western Cape",
		PaymentMethod:   " EFT ",
	}
}

func newTestCheckout(t *testing.T, orders *stubOrderRepository) (CheckoutService, CartService) {
	t.Helper()
	sessions := newTestSessions(t, memory.NewSlotStore())
	carts, err := NewCartService(CartServiceDeps{Sessions: sessions})
	if err != nil {
		t.Fatalf("NewCartService: %v", err)
	}
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	seq := 0
	checkout, err := NewCheckoutService(CheckoutServiceDeps{
		Sessions: sessions,
		Orders:   orders,
		Clock:    func() time.Time { return now },
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	return checkout, carts
}

func TestNewCheckoutServiceValidation(t *testing.T) {
	if _, err := NewCheckoutService(CheckoutServiceDeps{}); err == nil {
		t.Fatalf("expected error without sessions")
	}
	sessions := newTestSessions(t, memory.NewSlotStore())
	if _, err := NewCheckoutService(CheckoutServiceDeps{Sessions: sessions}); err == nil {
		t.Fatalf("expected error without orders")
	}
}

func TestCheckoutPlaceOrderBuildsOrderAndClearsCart(t *testing.T) {
	orders := &stubOrderRepository{}
	checkout, carts := newTestCheckout(t, orders)
	ctx := context.Background()

	if _, err := carts.AddItem(ctx, AddCartItemCommand{SessionID: "s", Item: domain.LineItem{ID: "1", Name: "Frontal", Price: 45000}, Quantity: 2}); err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	order, err := checkout.PlaceOrder(ctx, PlaceOrderCommand{SessionID: "s", UserID: " user-1 ", Buyer: validBuyer()})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.OrderNumber != "NN-000001" {
		t.Fatalf("expected order number from repository, got %q", order.OrderNumber)
	}
	if order.ID != "id-1" || order.UserID != "user-1" {
		t.Fatalf("unexpected order identity: %+v", order)
	}
	if order.Subtotal != 90000 || order.Tax != 13500 || order.Shipping != 15000 || order.Total != 118500 {
		t.Fatalf("unexpected totals: %+v", order)
	}
	if order.Currency != "ZAR" {
		t.Fatalf("expected ZAR, got %s", order.Currency)
	}
	if order.PaymentStatus != domain.PaymentStatusPending || order.OrderStatus != domain.OrderStatusPending {
		t.Fatalf("expected pending statuses, got %s/%s", order.PaymentStatus, order.OrderStatus)
	}
	if order.Buyer.Name != "Thandi Mokoena" || order.Buyer.PaymentMethod != domain.PaymentMethodEFT {
		t.Fatalf("expected normalised buyer, got %+v", order.Buyer)
	}
	if len(order.Items) != 1 {
		t.Fatalf("expected 1 order item, got %d", len(order.Items))
	}
	line := order.Items[0]
	if line.ID != "id-2" || line.OrderID != "id-1" || line.ProductID != "1" || line.ProductName != "Frontal" || line.Quantity != 2 || line.Price != 45000 {
		t.Fatalf("unexpected order item: %+v", line)
	}

	view, err := carts.GetCart(ctx, "s")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if len(view.Items) != 0 {
		t.Fatalf("expected cart cleared after order, got %+v", view.Items)
	}
}

func TestCheckoutPlaceOrderEmptyCart(t *testing.T) {
	orders := &stubOrderRepository{}
	checkout, _ := newTestCheckout(t, orders)

	_, err := checkout.PlaceOrder(context.Background(), PlaceOrderCommand{SessionID: "s", Buyer: validBuyer()})
	if !errors.Is(err, ErrCheckoutEmptyCart) {
		t.Fatalf("expected empty cart error, got %v", err)
	}
	if len(orders.created) != 0 {
		t.Fatalf("expected no order attempt")
	}
}

func TestCheckoutPlaceOrderValidatesBuyer(t *testing.T) {
	checkout, _ := newTestCheckout(t, &stubOrderRepository{})
	ctx := context.Background()

	cases := map[string]func(*domain.BuyerDetails){
		"missing name":   func(b *domain.BuyerDetails) { b.Name = " " },
		"bad email":      func(b *domain.BuyerDetails) { b.Email = "thandi at example" },
		"short phone":    func(b *domain.BuyerDetails) { b.Phone = "0821" },
		"unknown method": func(b *domain.BuyerDetails) { b.PaymentMethod = "bitcoin" },
		"missing city":   func(b *domain.BuyerDetails) { b.City = "" },
	}
	for name, mutate := range cases {
		buyer := validBuyer()
		mutate(&buyer)
		if _, err := checkout.PlaceOrder(ctx, PlaceOrderCommand{SessionID: "s", Buyer: buyer}); !errors.Is(err, ErrCheckoutInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", name, err)
		}
	}
	if _, err := checkout.PlaceOrder(ctx, PlaceOrderCommand{SessionID: "bad id", Buyer: validBuyer()}); !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected invalid session rejected, got %v", err)
	}
}

func TestCheckoutPlaceOrderKeepsCartOnFailure(t *testing.T) {
	orders := &stubOrderRepository{
		createFunc: func(context.Context, domain.Order) (domain.Order, error) {
			return domain.Order{}, errors.New("gateway down")
		},
	}
	checkout, carts := newTestCheckout(t, orders)
	ctx := context.Background()
	if _, err := carts.AddItem(ctx, AddCartItemCommand{SessionID: "s", Item: domain.LineItem{ID: "1", Name: "Frontal", Price: 45000}}); err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	_, err := checkout.PlaceOrder(ctx, PlaceOrderCommand{SessionID: "s", Buyer: validBuyer()})
	if !errors.Is(err, ErrCheckoutFailed) {
		t.Fatalf("expected checkout failure, got %v", err)
	}
	view, err := carts.GetCart(ctx, "s")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if len(view.Items) != 1 {
		t.Fatalf("expected cart kept after failed order, got %+v", view.Items)
	}
}

type stubOrderEvents struct {
	messages []OrderPlacedMessage
	err      error
}

func (s *stubOrderEvents) PublishOrderPlaced(_ context.Context, message OrderPlacedMessage) (string, error) {
	s.messages = append(s.messages, message)
	if s.err != nil {
		return "", s.err
	}
	return "msg-1", nil
}

func TestCheckoutPlaceOrderPublishesEvent(t *testing.T) {
	for _, publishErr := range []error{nil, errors.New("topic unavailable")} {
		sessions := newTestSessions(t, memory.NewSlotStore())
		carts, err := NewCartService(CartServiceDeps{Sessions: sessions})
		if err != nil {
			t.Fatalf("NewCartService: %v", err)
		}
		publisher := &stubOrderEvents{err: publishErr}
		var logged []string
		checkout, err := NewCheckoutService(CheckoutServiceDeps{
			Sessions: sessions,
			Orders:   &stubOrderRepository{},
			Events:   publisher,
			Logger: func(_ context.Context, event string, _ map[string]any) {
				logged = append(logged, event)
			},
		})
		if err != nil {
			t.Fatalf("NewCheckoutService: %v", err)
		}
		ctx := context.Background()
		if _, err := carts.AddItem(ctx, AddCartItemCommand{SessionID: "s", Item: domain.LineItem{ID: "7", Name: "Closure", Price: 30000}, Quantity: 3}); err != nil {
			t.Fatalf("AddItem: %v", err)
		}

		order, err := checkout.PlaceOrder(ctx, PlaceOrderCommand{SessionID: "s", Buyer: validBuyer()})
		if err != nil {
			t.Fatalf("PlaceOrder with publish error %v: %v", publishErr, err)
		}
		if len(publisher.messages) != 1 {
			t.Fatalf("expected one published message, got %d", len(publisher.messages))
		}
		msg := publisher.messages[0]
		if msg.OrderID != order.ID || msg.OrderNumber != "NN-000001" || msg.SessionID != "s" {
			t.Fatalf("unexpected message identity: %+v", msg)
		}
		if msg.ItemCount != 3 || msg.TotalMinor != order.Total || msg.Email != "thandi@example.co.za" {
			t.Fatalf("unexpected message body: %+v", msg)
		}

		failed := false
		for _, event := range logged {
			if event == "checkout.order.publish_failed" {
				failed = true
			}
		}
		if failed != (publishErr != nil) {
			t.Fatalf("publish failure logged = %v, want %v (events %v)", failed, publishErr != nil, logged)
		}
	}
}
