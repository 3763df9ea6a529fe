package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nn-hair/storefront/internal/domain"
	"github.com/nn-hair/storefront/internal/platform/events"
	"github.com/nn-hair/storefront/internal/repositories"
)

var (
	errEngineStoreRequired = errors.New("cart engine: slot store is required")
	errEngineKeyRequired   = errors.New("cart engine: slot key is required")
)

// Notifier receives a change signal after every persisted mutation.
type Notifier interface {
	Publish(ctx context.Context, event events.Event)
}

// EngineDeps wires the storage slot, change notifier and pricing policy for one cart.
type EngineDeps struct {
	// Key is the canonical slot holding the versioned envelope.
	Key string
	// LegacyKey, when set, names a bare-array slot imported once and then removed.
	LegacyKey string
	// Topic scopes change notifications. Defaults to Key.
	Topic    string
	Store    repositories.SlotStore
	Notifier Notifier
	// Policy defaults to DefaultPolicy when nil.
	Policy *Policy
	// MaxQuantity caps the units of a single line. Zero leaves lines uncapped.
	MaxQuantity int
	Clock       func() time.Time
	Logger      func(context.Context, string, map[string]any)
}

// Engine owns the line items of a single cart. Every method is safe for concurrent use;
// mutations are serialised and each one that takes effect is written to the slot before the
// in-memory state changes and before observers are told.
type Engine struct {
	mu       sync.Mutex
	items    []domain.LineItem
	revision uint64
	// reloadMu serialises Reload calls so an older read never replaces a newer one.
	reloadMu sync.Mutex

	key         string
	legacyKey   string
	topic       string
	store       repositories.SlotStore
	notifier    Notifier
	policy      Policy
	maxQuantity int
	now         func() time.Time
	logger      func(context.Context, string, map[string]any)
}

// NewEngine rehydrates the cart from its slot. A missing canonical slot falls back to the legacy
// slot; a corrupt slot is logged and the cart starts empty. A slot written by a newer schema
// is an error so it is never overwritten.
func NewEngine(ctx context.Context, deps EngineDeps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errEngineStoreRequired
	}
	key := strings.TrimSpace(deps.Key)
	if key == "" {
		return nil, errEngineKeyRequired
	}

	policy := DefaultPolicy()
	if deps.Policy != nil {
		policy = deps.Policy.normalise()
	}
	topic := strings.TrimSpace(deps.Topic)
	if topic == "" {
		topic = key
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	e := &Engine{
		items:       []domain.LineItem{},
		key:         key,
		legacyKey:   strings.TrimSpace(deps.LegacyKey),
		topic:       topic,
		store:       deps.Store,
		notifier:    deps.Notifier,
		policy:      policy,
		maxQuantity: max(0, deps.MaxQuantity),
		now:         now,
		logger:      logger,
	}
	if err := e.rehydrate(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) rehydrate(ctx context.Context) error {
	items, found, err := e.load(ctx, e.key)
	if err != nil {
		if !errors.Is(err, ErrCorruptSlot) {
			return err
		}
		e.logger(ctx, "cart.slot.corrupt", map[string]any{"key": e.key, "error": err.Error()})
		items, found = nil, true
	}
	if found {
		if items != nil {
			e.items = items
		}
		return nil
	}
	if e.legacyKey == "" || e.legacyKey == e.key {
		return nil
	}
	return e.importLegacy(ctx)
}

func (e *Engine) importLegacy(ctx context.Context) error {
	items, found, err := e.load(ctx, e.legacyKey)
	if err != nil {
		if errors.Is(err, ErrCorruptSlot) {
			e.logger(ctx, "cart.legacy.corrupt", map[string]any{"key": e.legacyKey, "error": err.Error()})
			return nil
		}
		return err
	}
	if !found {
		return nil
	}
	if err := e.persist(ctx, items); err != nil {
		return fmt.Errorf("%w: import legacy slot: %w", ErrPersistFailed, err)
	}
	e.items = items
	if err := e.store.Delete(ctx, e.legacyKey); err != nil {
		e.logger(ctx, "cart.legacy.delete_failed", map[string]any{"key": e.legacyKey, "error": err.Error()})
	}
	e.logger(ctx, "cart.legacy.imported", map[string]any{"key": e.key, "legacyKey": e.legacyKey, "items": len(items)})
	return nil
}

func (e *Engine) load(ctx context.Context, key string) ([]domain.LineItem, bool, error) {
	data, err := e.store.Get(ctx, key)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cart engine: read slot %q: %w", key, err)
	}
	items, err := Decode(data)
	if err != nil {
		return nil, true, err
	}
	return items, true, nil
}

func (e *Engine) persist(ctx context.Context, items []domain.LineItem) error {
	data, err := Encode(items)
	if err != nil {
		return err
	}
	return e.store.Put(ctx, e.key, data)
}

// mutate applies fn to a copy of the items. fn reports false when the operation targets nothing,
// in which case the slot is not written and no event fires. An error from fn leaves the cart as it
// was.
//
// Events are published after the lock is released, so two concurrent mutations may reach
// subscribers in either order. Event.Revision is the ordering key.
func (e *Engine) mutate(ctx context.Context, op string, fn func([]domain.LineItem) ([]domain.LineItem, bool, error)) error {
	e.mu.Lock()
	next, changed, err := fn(cloneItems(e.items))
	if err != nil || !changed {
		e.mu.Unlock()
		return err
	}
	if err := e.persist(ctx, next); err != nil {
		e.mu.Unlock()
		e.logger(ctx, "cart.persist.failed", map[string]any{"key": e.key, "op": op, "error": err.Error()})
		return fmt.Errorf("%w: %s: %w", ErrPersistFailed, op, err)
	}
	e.items = next
	e.revision++
	revision := e.revision
	e.mu.Unlock()

	if e.notifier != nil {
		e.notifier.Publish(ctx, events.Event{
			Topic:    e.topic,
			Kind:     events.KindCartUpdated,
			Origin:   events.OriginLocal,
			Revision: revision,
			At:       e.now().UTC(),
		})
	}
	return nil
}

// AddItem adds one unit of the item. An existing line keeps its price snapshot and
// descriptive fields; only its quantity grows.
func (e *Engine) AddItem(ctx context.Context, item domain.LineItem) error {
	return e.AddItemQuantity(ctx, item, 1)
}

// AddItemQuantity adds n units in a single write. n <= 0 does nothing.
func (e *Engine) AddItemQuantity(ctx context.Context, item domain.LineItem, n int) error {
	item.ID = domain.ItemID(strings.TrimSpace(string(item.ID)))
	if item.ID.IsZero() {
		return fmt.Errorf("%w: id is required", ErrInvalidItem)
	}
	if item.Price < 0 {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidItem)
	}
	if n <= 0 {
		return nil
	}
	return e.mutate(ctx, "add", func(items []domain.LineItem) ([]domain.LineItem, bool, error) {
		if pos := indexOf(items, item.ID); pos >= 0 {
			if err := e.checkQuantity(items[pos].Quantity + n); err != nil {
				return items, false, err
			}
			items[pos].Quantity += n
			return items, true, nil
		}
		if err := e.checkQuantity(n); err != nil {
			return items, false, err
		}
		item.Quantity = n
		return append(items, item), true, nil
	})
}

// UpdateQuantity sets the quantity of a present line. Zero or below removes it.
func (e *Engine) UpdateQuantity(ctx context.Context, id domain.ItemID, quantity int) error {
	_, err := e.UpdateLine(ctx, id, LineUpdate{Quantity: &quantity})
	return err
}

// LineUpdate names the fields UpdateLine changes. Nil fields are left alone.
type LineUpdate struct {
	Quantity *int
	Variant  *string
}

// UpdateLine applies every field of update to a present line in one write. A quantity of zero
// or below removes the line. It reports whether the line was present.
func (e *Engine) UpdateLine(ctx context.Context, id domain.ItemID, update LineUpdate) (bool, error) {
	var variant string
	if update.Variant != nil {
		variant = strings.TrimSpace(*update.Variant)
	}
	found := false
	err := e.mutate(ctx, "update", func(items []domain.LineItem) ([]domain.LineItem, bool, error) {
		pos := indexOf(items, id)
		if pos < 0 {
			return items, false, nil
		}
		found = true
		if update.Quantity != nil && *update.Quantity <= 0 {
			return append(items[:pos], items[pos+1:]...), true, nil
		}
		if update.Quantity != nil {
			if err := e.checkQuantity(*update.Quantity); err != nil {
				return items, false, err
			}
			items[pos].Quantity = *update.Quantity
		}
		if update.Variant != nil {
			items[pos].Variant = variant
		}
		return items, true, nil
	})
	return found, err
}

// RemoveItem deletes the line if present.
func (e *Engine) RemoveItem(ctx context.Context, id domain.ItemID) error {
	return e.mutate(ctx, "remove", func(items []domain.LineItem) ([]domain.LineItem, bool, error) {
		pos := indexOf(items, id)
		if pos < 0 {
			return items, false, nil
		}
		return append(items[:pos], items[pos+1:]...), true, nil
	})
}

// Clear empties the cart. It always writes and notifies, even when already empty.
func (e *Engine) Clear(ctx context.Context) error {
	return e.mutate(ctx, "clear", func([]domain.LineItem) ([]domain.LineItem, bool, error) {
		return []domain.LineItem{}, true, nil
	})
}

// Increment adds one unit to a present line. An absent id is ignored.
func (e *Engine) Increment(ctx context.Context, id domain.ItemID) error {
	return e.mutate(ctx, "increment", func(items []domain.LineItem) ([]domain.LineItem, bool, error) {
		pos := indexOf(items, id)
		if pos < 0 {
			return items, false, nil
		}
		if err := e.checkQuantity(items[pos].Quantity + 1); err != nil {
			return items, false, err
		}
		items[pos].Quantity++
		return items, true, nil
	})
}

// Decrement removes one unit; the last unit removes the line.
func (e *Engine) Decrement(ctx context.Context, id domain.ItemID) error {
	return e.mutate(ctx, "decrement", func(items []domain.LineItem) ([]domain.LineItem, bool, error) {
		pos := indexOf(items, id)
		if pos < 0 {
			return items, false, nil
		}
		if items[pos].Quantity <= 1 {
			return append(items[:pos], items[pos+1:]...), true, nil
		}
		items[pos].Quantity--
		return items, true, nil
	})
}

// UpdateItemVariant replaces the variant label of a present line.
func (e *Engine) UpdateItemVariant(ctx context.Context, id domain.ItemID, variant string) error {
	_, err := e.UpdateLine(ctx, id, LineUpdate{Variant: &variant})
	return err
}

func (e *Engine) checkQuantity(quantity int) error {
	if e.maxQuantity > 0 && quantity > e.maxQuantity {
		return fmt.Errorf("%w: at most %d units per line", ErrQuantityLimit, e.maxQuantity)
	}
	return nil
}

// Reload re-reads the slot and replaces the in-memory items when they differ. A missing slot
// empties the cart. It reports whether anything changed. Reload never notifies; callers reacting
// to a remote signal already hold one.
//
// A local mutation that lands while the slot is being read wins: its write is newer than the
// bytes Reload saw, so the swap is skipped.
func (e *Engine) Reload(ctx context.Context) (bool, error) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	e.mu.Lock()
	seen := e.revision
	e.mu.Unlock()

	items, found, err := e.load(ctx, e.key)
	if err != nil {
		return false, err
	}
	if !found || items == nil {
		items = []domain.LineItem{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.revision != seen || equalItems(e.items, items) {
		return false, nil
	}
	e.items = items
	e.revision++
	return true, nil
}

// Items returns a copy of the line items in insertion order.
func (e *Engine) Items() []domain.LineItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneItems(e.items)
}

// Revision counts the state changes applied since the engine was opened.
func (e *Engine) Revision() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.revision
}

// Topic returns the notification topic of this cart.
func (e *Engine) Topic() string { return e.topic }

// Policy returns the pricing policy in effect.
func (e *Engine) Policy() Policy { return e.policy }

// Total is the sum of price times quantity. It is the canonical subtotal.
func (e *Engine) Total() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return subtotalOf(e.items)
}

// Subtotal is identical to Total.
func (e *Engine) Subtotal() int64 { return e.Total() }

// ItemCount sums quantities across lines.
func (e *Engine) ItemCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return itemCountOf(e.items)
}

func (e *Engine) Tax() int64 { return e.Summary().Tax }

func (e *Engine) Shipping() int64 { return e.Summary().Shipping }

// GrandTotal is subtotal plus tax plus shipping.
func (e *Engine) GrandTotal() int64 { return e.Summary().Total }

// Summary derives every total from a single consistent view of the items.
func (e *Engine) Summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy.Summarize(e.items)
}

// Item looks up a line by id.
func (e *Engine) Item(id domain.ItemID) (domain.LineItem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos := indexOf(e.items, id); pos >= 0 {
		return e.items[pos], true
	}
	return domain.LineItem{}, false
}

func (e *Engine) Contains(id domain.ItemID) bool {
	_, ok := e.Item(id)
	return ok
}

// Quantity returns 0 for an absent id.
func (e *Engine) Quantity(id domain.ItemID) int {
	item, _ := e.Item(id)
	return item.Quantity
}

func indexOf(items []domain.LineItem, id domain.ItemID) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneItems(items []domain.LineItem) []domain.LineItem {
	out := make([]domain.LineItem, len(items))
	copy(out, items)
	return out
}

func equalItems(a, b []domain.LineItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
