package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nn-hair/storefront/internal/cart"
	domain "github.com/nn-hair/storefront/internal/domain"
	"github.com/nn-hair/storefront/internal/platform/events"
	"github.com/nn-hair/storefront/internal/repositories"
)

const (
	metricNamespace  = "github.com/nn-hair/storefront/internal/services"
	maxVariantLength = 120
)

var (
	errCartSessionsRequired = errors.New("cart service: sessions are required")

	// ErrCartInvalidInput indicates the caller supplied invalid input.
	ErrCartInvalidInput = errors.New("cart service: invalid input")
	// ErrCartUnavailable indicates the cart could not be read or written.
	ErrCartUnavailable = errors.New("cart service: unavailable")
	// ErrCartNotFound indicates the referenced product or line does not exist.
	ErrCartNotFound = errors.New("cart service: not found")
)

// CartServiceDeps wires the session registry and optional catalog.
type CartServiceDeps struct {
	Sessions *CartSessions
	// Catalog, when set, supplies the price and description of added products.
	Catalog repositories.ProductRepository
	Meter   metric.Meter
	Logger  func(context.Context, string, map[string]any)
}

type cartService struct {
	sessions *CartSessions
	catalog  repositories.ProductRepository
	logger   func(context.Context, string, map[string]any)

	mutations        metric.Int64Counter
	mutationsEnabled bool
	failures         metric.Int64Counter
	failuresEnabled  bool
	latency          metric.Float64Histogram
	latencyEnabled   bool
}

var _ CartService = (*cartService)(nil)

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Sessions == nil {
		return nil, errCartSessionsRequired
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}
	ctx := context.Background()

	mutations, mutationsErr := meter.Int64Counter(
		"cart.mutations",
		metric.WithDescription("Count of cart mutation requests that completed"),
	)
	if mutationsErr != nil {
		logger(ctx, "cart.metrics.register_failed", map[string]any{"metric": "cart.mutations", "error": mutationsErr.Error()})
	}
	failures, failuresErr := meter.Int64Counter(
		"cart.persist_failures",
		metric.WithDescription("Count of cart mutations rejected because the slot could not be written"),
	)
	if failuresErr != nil {
		logger(ctx, "cart.metrics.register_failed", map[string]any{"metric": "cart.persist_failures", "error": failuresErr.Error()})
	}
	latency, latencyErr := meter.Float64Histogram(
		"cart.mutation.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds of cart mutations including the slot write"),
	)
	if latencyErr != nil {
		logger(ctx, "cart.metrics.register_failed", map[string]any{"metric": "cart.mutation.latency", "error": latencyErr.Error()})
	}

	return &cartService{
		sessions:         deps.Sessions,
		catalog:          deps.Catalog,
		logger:           logger,
		mutations:        mutations,
		mutationsEnabled: mutationsErr == nil,
		failures:         failures,
		failuresEnabled:  failuresErr == nil,
		latency:          latency,
		latencyEnabled:   latencyErr == nil,
	}, nil
}

func (s *cartService) GetCart(ctx context.Context, sessionID string) (CartView, error) {
	engine, id, err := s.engine(ctx, sessionID)
	if err != nil {
		return CartView{}, err
	}
	return s.view(id, engine), nil
}

func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (CartView, error) {
	quantity := cmd.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 || quantity > maxCartLineUnits {
		return CartView{}, fmt.Errorf("%w: quantity must be between 1 and %d", ErrCartInvalidInput, maxCartLineUnits)
	}
	itemID := domain.ItemID(strings.TrimSpace(string(cmd.Item.ID)))
	if itemID.IsZero() {
		return CartView{}, fmt.Errorf("%w: item id is required", ErrCartInvalidInput)
	}
	variant, err := normalizeVariant(cmd.Variant)
	if err != nil {
		return CartView{}, err
	}

	engine, id, err := s.engine(ctx, cmd.SessionID)
	if err != nil {
		return CartView{}, err
	}

	item, err := s.resolveItem(ctx, cmd.Item, itemID)
	if err != nil {
		return CartView{}, err
	}
	if variant != "" {
		item.Variant = variant
	}

	err = s.record(ctx, "add", func() error {
		return engine.AddItemQuantity(ctx, item, quantity)
	})
	if err != nil {
		return CartView{}, err
	}
	return s.view(id, engine), nil
}

func (s *cartService) UpdateLine(ctx context.Context, cmd UpdateCartItemCommand) (CartView, error) {
	if cmd.Quantity == nil && cmd.Variant == nil {
		return CartView{}, fmt.Errorf("%w: quantity or variant is required", ErrCartInvalidInput)
	}
	update := cart.LineUpdate{Quantity: cmd.Quantity}
	if cmd.Variant != nil {
		variant, err := normalizeVariant(*cmd.Variant)
		if err != nil {
			return CartView{}, err
		}
		update.Variant = &variant
	}
	return s.mutateLine(ctx, cmd.SessionID, cmd.ItemID, "update", func(engine *cart.Engine, itemID domain.ItemID) error {
		found, err := engine.UpdateLine(ctx, itemID, update)
		if err != nil {
			return err
		}
		// A quantity-only change to an absent line is a no-op; relabelling one is not.
		if !found && update.Variant != nil {
			return fmt.Errorf("%w: item %s is not in the cart", ErrCartNotFound, itemID)
		}
		return nil
	})
}

func (s *cartService) RemoveItem(ctx context.Context, sessionID string, itemID domain.ItemID) (CartView, error) {
	return s.mutateLine(ctx, sessionID, itemID, "remove", func(engine *cart.Engine, itemID domain.ItemID) error {
		return engine.RemoveItem(ctx, itemID)
	})
}

func (s *cartService) Increment(ctx context.Context, sessionID string, itemID domain.ItemID) (CartView, error) {
	return s.mutateLine(ctx, sessionID, itemID, "increment", func(engine *cart.Engine, itemID domain.ItemID) error {
		return engine.Increment(ctx, itemID)
	})
}

func (s *cartService) Decrement(ctx context.Context, sessionID string, itemID domain.ItemID) (CartView, error) {
	return s.mutateLine(ctx, sessionID, itemID, "decrement", func(engine *cart.Engine, itemID domain.ItemID) error {
		return engine.Decrement(ctx, itemID)
	})
}

func (s *cartService) ClearCart(ctx context.Context, sessionID string) (CartView, error) {
	engine, id, err := s.engine(ctx, sessionID)
	if err != nil {
		return CartView{}, err
	}
	if err := s.record(ctx, "clear", func() error { return engine.Clear(ctx) }); err != nil {
		return CartView{}, err
	}
	return s.view(id, engine), nil
}

func (s *cartService) Subscribe(ctx context.Context, sessionID string, handler events.Handler) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is required", ErrCartInvalidInput)
	}
	engine, _, err := s.engine(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.sessions.Broker().Subscribe(engine.Topic(), handler), nil
}

func (s *cartService) mutateLine(ctx context.Context, sessionID string, itemID domain.ItemID, op string, fn func(*cart.Engine, domain.ItemID) error) (CartView, error) {
	itemID = domain.ItemID(strings.TrimSpace(string(itemID)))
	if itemID.IsZero() {
		return CartView{}, fmt.Errorf("%w: item id is required", ErrCartInvalidInput)
	}
	engine, id, err := s.engine(ctx, sessionID)
	if err != nil {
		return CartView{}, err
	}
	if err := s.record(ctx, op, func() error { return fn(engine, itemID) }); err != nil {
		return CartView{}, err
	}
	return s.view(id, engine), nil
}

func (s *cartService) engine(ctx context.Context, sessionID string) (*cart.Engine, string, error) {
	id, err := NormalizeSessionID(sessionID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrCartInvalidInput, err)
	}
	engine, err := s.sessions.Engine(ctx, id)
	if err != nil {
		s.logger(ctx, "cart.open.failed", map[string]any{"session": id, "error": err.Error()})
		return nil, "", fmt.Errorf("%w: %w", ErrCartUnavailable, err)
	}
	return engine, id, nil
}

func (s *cartService) resolveItem(ctx context.Context, supplied domain.LineItem, itemID domain.ItemID) (domain.LineItem, error) {
	if s.catalog == nil {
		supplied.ID = itemID
		supplied.Name = strings.TrimSpace(supplied.Name)
		if supplied.Name == "" {
			return domain.LineItem{}, fmt.Errorf("%w: item name is required", ErrCartInvalidInput)
		}
		if supplied.Price < 0 {
			return domain.LineItem{}, fmt.Errorf("%w: price must not be negative", ErrCartInvalidInput)
		}
		return supplied, nil
	}

	product, err := s.catalog.FindProduct(ctx, itemID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.LineItem{}, fmt.Errorf("%w: product %s", ErrCartNotFound, itemID)
		}
		return domain.LineItem{}, fmt.Errorf("%w: lookup product %s: %w", ErrCartUnavailable, itemID, err)
	}
	if !product.IsActive {
		return domain.LineItem{}, fmt.Errorf("%w: product %s is not available", ErrCartInvalidInput, itemID)
	}
	return product.LineItem(), nil
}

// record runs one engine mutation, translating engine errors and emitting metrics.
func (s *cartService) record(ctx context.Context, op string, fn func() error) error {
	started := time.Now()
	err := fn()
	elapsed := time.Since(started)

	attrs := []attribute.KeyValue{attribute.String("op", op)}
	if s.latencyEnabled {
		s.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	switch {
	case err == nil:
		if s.mutationsEnabled {
			s.mutations.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		return nil
	case errors.Is(err, cart.ErrPersistFailed):
		if s.failuresEnabled {
			s.failures.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		return fmt.Errorf("%w: %w", ErrCartUnavailable, err)
	case errors.Is(err, cart.ErrInvalidItem), errors.Is(err, cart.ErrQuantityLimit):
		return fmt.Errorf("%w: %w", ErrCartInvalidInput, err)
	default:
		return err
	}
}

func (s *cartService) view(sessionID string, engine *cart.Engine) CartView {
	// Revision is read first so a concurrent writer can only make the snapshot newer.
	revision := engine.Revision()
	items := engine.Items()
	summary := engine.Policy().Summarize(items)
	return CartView{
		SessionID: sessionID,
		Items:     items,
		Summary:   summary,
		Currency:  summary.Currency,
		Revision:  revision,
	}
}

func normalizeVariant(variant string) (string, error) {
	variant = strings.TrimSpace(variant)
	if len([]rune(variant)) > maxVariantLength {
		return "", fmt.Errorf("%w: variant must be at most %d characters", ErrCartInvalidInput, maxVariantLength)
	}
	return variant, nil
}
