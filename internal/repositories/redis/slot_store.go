package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/nn-hair/storefront/internal/repositories"
)

// DefaultChannel carries slot change announcements between processes.
const DefaultChannel = "cart-slots:changed"

// Options configures the redis slot store.
type Options struct {
	// Prefix namespaces every key, e.g. "storefront:".
	Prefix string
	// TTL expires idle carts; zero keeps them forever.
	TTL           time.Duration
	Channel       string
	MaxValueBytes int
	// InstanceID tags announcements so a process ignores its own writes. Generated when empty.
	InstanceID string
	Logger     *zap.Logger
}

// SlotStore keeps slots as plain redis strings and announces every write on a pub/sub channel.
type SlotStore struct {
	client   goredis.UniversalClient
	prefix   string
	ttl      time.Duration
	channel  string
	maxBytes int
	instance string
	logger   *zap.Logger
}

var (
	_ repositories.SlotStore   = (*SlotStore)(nil)
	_ repositories.SlotWatcher = (*SlotStore)(nil)
)

type announcement struct {
	Key     string `json:"key"`
	Origin  string `json:"origin"`
	Deleted bool   `json:"deleted,omitempty"`
}

// NewSlotStore wraps an existing client. The caller owns the client's lifecycle.
func NewSlotStore(client goredis.UniversalClient, opts Options) (*SlotStore, error) {
	if client == nil {
		return nil, errors.New("redis slot store: client is required")
	}
	channel := strings.TrimSpace(opts.Channel)
	if channel == "" {
		channel = DefaultChannel
	}
	instance := strings.TrimSpace(opts.InstanceID)
	if instance == "" {
		instance = ulid.Make().String()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlotStore{
		client:   client,
		prefix:   opts.Prefix,
		ttl:      opts.TTL,
		channel:  channel,
		maxBytes: opts.MaxValueBytes,
		instance: instance,
		logger:   logger,
	}, nil
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis slot store: ping %s: %w", addr, err)
	}
	return client, nil
}

func (s *SlotStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, repositories.NotFound("redis.get", key)
		}
		return nil, repositories.NewStoreError("redis.get", key, repositories.ErrorKindUnavailable, err)
	}
	return value, nil
}

func (s *SlotStore) Put(ctx context.Context, key string, value []byte) error {
	if err := repositories.CheckSize("redis.put", key, value, s.maxBytes); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.redisKey(key), value, s.ttl).Err(); err != nil {
		return repositories.NewStoreError("redis.put", key, repositories.ErrorKindUnavailable, err)
	}
	s.announce(ctx, announcement{Key: strings.TrimSpace(key)})
	return nil
}

func (s *SlotStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return repositories.NewStoreError("redis.delete", key, repositories.ErrorKindUnavailable, err)
	}
	s.announce(ctx, announcement{Key: strings.TrimSpace(key), Deleted: true})
	return nil
}

// Ping verifies the server is reachable.
func (s *SlotStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// announce is best-effort; the write already succeeded and other processes catch up on their
// next read.
func (s *SlotStore) announce(ctx context.Context, msg announcement) {
	msg.Origin = s.instance
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		s.logger.Warn("slot change announcement failed", zap.String("key", msg.Key), zap.Error(err))
	}
}

// Watch relays announcements from other instances until ctx is cancelled.
func (s *SlotStore) Watch(ctx context.Context) (<-chan repositories.SlotChange, error) {
	sub := s.client.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis slot store: subscribe %s: %w", s.channel, err)
	}

	out := make(chan repositories.SlotChange, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				change, ok := s.parseAnnouncement(msg.Payload)
				if !ok {
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *SlotStore) parseAnnouncement(payload string) (repositories.SlotChange, bool) {
	if !gjson.Valid(payload) {
		s.logger.Debug("ignoring malformed slot announcement", zap.String("payload", payload))
		return repositories.SlotChange{}, false
	}
	fields := gjson.GetMany(payload, "key", "origin", "deleted")
	key := strings.TrimSpace(fields[0].String())
	if key == "" || fields[1].String() == s.instance {
		return repositories.SlotChange{}, false
	}
	return repositories.SlotChange{Key: key, Deleted: fields[2].Bool()}, true
}

func (s *SlotStore) redisKey(key string) string {
	return s.prefix + strings.TrimSpace(key)
}
