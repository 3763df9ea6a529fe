package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nn-hair/storefront/internal/cart"
	"github.com/nn-hair/storefront/internal/platform/events"
	"github.com/nn-hair/storefront/internal/repositories"
)

const (
	defaultSlotPrefix  = "cart-storage"
	defaultIdleTTL     = 30 * time.Minute
	maxSessionIDLength = 128
	maxCartLineUnits   = 999
)

var (
	errSessionsStoreRequired = errors.New("cart sessions: slot store is required")
	errSessionsStarted       = errors.New("cart sessions: watcher already started")

	// ErrInvalidSession indicates a missing or malformed session identifier.
	ErrInvalidSession = errors.New("cart sessions: invalid session id")
)

// CartSessionsDeps wires the shared slot store and broker used by every session cart.
type CartSessionsDeps struct {
	Store repositories.SlotStore
	// Watcher, when set, relays writes made by other processes into loaded carts.
	Watcher repositories.SlotWatcher
	Broker  *events.Broker
	// SlotPrefix and LegacyPrefix are joined with the session id to form slot keys.
	SlotPrefix   string
	LegacyPrefix string
	Policy       *cart.Policy
	// IdleTTL is how long an unused cart stays open before Sweep closes it. Defaults to 30m.
	IdleTTL time.Duration
	Clock   func() time.Time
	Logger  func(context.Context, string, map[string]any)
}

type openCart struct {
	engine   *cart.Engine
	lastUsed time.Time
}

// CartSessions lazily opens one cart engine per session. Open carts are a cache over the slot
// store: Sweep closes the idle ones and reloads the rest, and a slot deleted elsewhere closes
// its cart.
type CartSessions struct {
	mu      sync.Mutex
	engines map[string]*openCart
	idleTTL time.Duration

	store        repositories.SlotStore
	watcher      repositories.SlotWatcher
	broker       *events.Broker
	slotPrefix   string
	legacyPrefix string
	policy       *cart.Policy
	now          func() time.Time
	logger       func(context.Context, string, map[string]any)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCartSessions validates dependencies. Call Start to begin relaying remote changes.
func NewCartSessions(deps CartSessionsDeps) (*CartSessions, error) {
	if deps.Store == nil {
		return nil, errSessionsStoreRequired
	}
	broker := deps.Broker
	if broker == nil {
		broker = events.NewBroker()
	}
	prefix := strings.TrimSpace(deps.SlotPrefix)
	if prefix == "" {
		prefix = defaultSlotPrefix
	}
	legacy := strings.TrimSpace(deps.LegacyPrefix)
	if legacy == prefix {
		return nil, fmt.Errorf("cart sessions: legacy prefix must differ from slot prefix %q", prefix)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idleTTL := deps.IdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	return &CartSessions{
		engines:      make(map[string]*openCart),
		idleTTL:      idleTTL,
		store:        deps.Store,
		watcher:      deps.Watcher,
		broker:       broker,
		slotPrefix:   prefix,
		legacyPrefix: legacy,
		policy:       deps.Policy,
		now:          clock,
		logger:       logger,
	}, nil
}

// Broker returns the hub carrying change events of every session.
func (s *CartSessions) Broker() *events.Broker { return s.broker }

// SlotKey returns the canonical slot key of a session.
func (s *CartSessions) SlotKey(sessionID string) string {
	return s.slotPrefix + ":" + sessionID
}

func (s *CartSessions) legacyKey(sessionID string) string {
	if s.legacyPrefix == "" {
		return ""
	}
	return s.legacyPrefix + ":" + sessionID
}

// Engine returns the cart of a session, opening it from storage on first use.
func (s *CartSessions) Engine(ctx context.Context, sessionID string) (*cart.Engine, error) {
	id, err := NormalizeSessionID(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if open, ok := s.engines[id]; ok {
		open.lastUsed = now
		return open.engine, nil
	}
	engine, err := cart.NewEngine(ctx, cart.EngineDeps{
		Key:         s.SlotKey(id),
		LegacyKey:   s.legacyKey(id),
		Topic:       id,
		Store:       s.store,
		Notifier:    s.broker,
		Policy:      s.policy,
		MaxQuantity: maxCartLineUnits,
		Clock:       s.now,
		Logger:      s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.engines[id] = &openCart{engine: engine, lastUsed: now}
	return engine, nil
}

// Len reports how many session carts are open.
func (s *CartSessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.engines)
}

// Evict closes the open cart of a session. The next access reopens it from storage.
func (s *CartSessions) Evict(sessionID string) {
	s.mu.Lock()
	delete(s.engines, sessionID)
	s.mu.Unlock()
}

// Sweep closes carts unused for longer than the idle TTL and reloads the remaining ones, so a
// slot purged or expired by the store is not served from memory. It returns how many carts were
// closed.
func (s *CartSessions) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.idleTTL)
	s.mu.Lock()
	evicted := 0
	open := make(map[string]*cart.Engine, len(s.engines))
	for id, entry := range s.engines {
		if entry.lastUsed.Before(cutoff) {
			delete(s.engines, id)
			evicted++
			continue
		}
		open[id] = entry.engine
	}
	s.mu.Unlock()

	for id, engine := range open {
		s.reload(ctx, id, engine)
	}
	if evicted > 0 {
		s.logger(ctx, "cart.sessions.evicted", map[string]any{"evicted": evicted, "open": s.Len()})
	}
	return evicted
}

// Start subscribes to the watcher, if any. Changes to slots of open carts reload them and are
// republished with a remote origin.
func (s *CartSessions) Start(ctx context.Context) error {
	if s.watcher == nil {
		return nil
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errSessionsStarted
	}
	watchCtx, cancel := context.WithCancel(ctx)
	changes, err := s.watcher.Watch(watchCtx)
	if err != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("cart sessions: watch slots: %w", err)
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for change := range changes {
			s.applyRemote(watchCtx, change)
		}
	}()
	return nil
}

// Close stops relaying remote changes and waits for the relay to exit.
func (s *CartSessions) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *CartSessions) applyRemote(ctx context.Context, change repositories.SlotChange) {
	sessionID, ok := strings.CutPrefix(change.Key, s.slotPrefix+":")
	if !ok || sessionID == "" {
		return
	}
	s.mu.Lock()
	entry := s.engines[sessionID]
	s.mu.Unlock()
	if entry == nil {
		return
	}
	s.reload(ctx, sessionID, entry.engine)
	if change.Deleted {
		s.Evict(sessionID)
	}
}

// reload refreshes one open cart from its slot and relays a change as a remote event.
func (s *CartSessions) reload(ctx context.Context, sessionID string, engine *cart.Engine) {
	changed, err := engine.Reload(ctx)
	if err != nil {
		s.logger(ctx, "cart.remote.reload_failed", map[string]any{"session": sessionID, "error": err.Error()})
		return
	}
	if !changed {
		return
	}
	s.broker.Publish(ctx, events.Event{
		Topic:    engine.Topic(),
		Kind:     events.KindCartUpdated,
		Origin:   events.OriginRemote,
		Revision: engine.Revision(),
		At:       s.now().UTC(),
	})
}

// NormalizeSessionID trims the identifier and rejects characters unsafe for slot keys.
func NormalizeSessionID(sessionID string) (string, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" || len(id) > maxSessionIDLength {
		return "", ErrInvalidSession
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return "", ErrInvalidSession
		}
	}
	return id, nil
}
