package events

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind names the change being announced.
type Kind string

const (
	// KindCartUpdated is fired after every persisted cart mutation.
	KindCartUpdated Kind = "cartUpdated"
)

// Origin distinguishes changes made by this process from changes observed in shared storage.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Event is a lightweight change signal. Observers re-read the cart instead of trusting a payload.
type Event struct {
	Topic    string
	Kind     Kind
	Origin   Origin
	Revision uint64
	At       time.Time
}

// Handler consumes events. Handlers run synchronously on the publishing goroutine.
type Handler func(ctx context.Context, event Event)

// Broker is an in-process publish/subscribe hub keyed by topic. The empty topic subscribes to
// every event.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]Handler
	nextID uint64
	logger *zap.Logger
	now    func() time.Time
}

// BrokerOption customises the broker.
type BrokerOption func(*Broker)

// WithLogger sets the logger used when a subscriber panics.
func WithLogger(logger *zap.Logger) BrokerOption {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock overrides the clock used to stamp events.
func WithClock(now func() time.Time) BrokerOption {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBroker constructs an empty broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		subs:   make(map[string]map[uint64]Handler),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers the handler for a topic and returns a function that removes it.
func (b *Broker) Subscribe(topic string, handler Handler) func() {
	if b == nil || handler == nil {
		return func() {}
	}
	topic = strings.TrimSpace(topic)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler)
	}
	b.subs[topic][id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if handlers := b.subs[topic]; handlers != nil {
				delete(handlers, id)
				if len(handlers) == 0 {
					delete(b.subs, topic)
				}
			}
		})
	}
}

// Publish delivers the event to topic subscribers followed by wildcard subscribers.
func (b *Broker) Publish(ctx context.Context, event Event) {
	if b == nil {
		return
	}
	event.Topic = strings.TrimSpace(event.Topic)
	if event.Kind == "" {
		event.Kind = KindCartUpdated
	}
	if event.Origin == "" {
		event.Origin = OriginLocal
	}
	if event.At.IsZero() {
		event.At = b.now().UTC()
	}

	handlers := b.snapshot(event.Topic)
	for _, handler := range handlers {
		b.deliver(ctx, handler, event)
	}
}

// Subscribers reports how many handlers are registered for the topic.
func (b *Broker) Subscribers(topic string) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[strings.TrimSpace(topic)])
}

func (b *Broker) snapshot(topic string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, 0, len(b.subs[topic])+len(b.subs[""]))
	out = append(out, orderedHandlers(b.subs[topic])...)
	if topic != "" {
		out = append(out, orderedHandlers(b.subs[""])...)
	}
	return out
}

func orderedHandlers(handlers map[uint64]Handler) []Handler {
	if len(handlers) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(handlers))
	for id := range handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, handlers[id])
	}
	return out
}

func (b *Broker) deliver(ctx context.Context, handler Handler, event Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("topic", event.Topic),
				zap.String("kind", string(event.Kind)),
				zap.String("panic", fmt.Sprint(rec)),
			)
		}
	}()
	handler(ctx, event)
}
