package file

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/nn-hair/storefront/internal/repositories"
)

const defaultDebounce = 50 * time.Millisecond

// WatchOption customises Watch.
type WatchOption func(*watchConfig)

type watchConfig struct {
	debounce time.Duration
	logger   *zap.Logger
}

// WithDebounce coalesces bursts of filesystem events per key.
func WithDebounce(d time.Duration) WatchOption {
	return func(c *watchConfig) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithWatchLogger reports watcher errors.
func WithWatchLogger(logger *zap.Logger) WatchOption {
	return func(c *watchConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Watch reports slot changes made through other SlotStore instances sharing the directory.
// Changes made through this instance are filtered out.
func (s *SlotStore) Watch(ctx context.Context) (<-chan repositories.SlotChange, error) {
	return s.WatchWithOptions(ctx)
}

// WatchWithOptions is Watch with a custom debounce window or logger.
func (s *SlotStore) WatchWithOptions(ctx context.Context, opts ...WatchOption) (<-chan repositories.SlotChange, error) {
	cfg := watchConfig{debounce: defaultDebounce, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	out := make(chan repositories.SlotChange, 16)
	go s.watchLoop(ctx, watcher, out, cfg)
	return out, nil
}

func (s *SlotStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, out chan<- repositories.SlotChange, cfg watchConfig) {
	defer close(out)
	defer watcher.Close()

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(cfg.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if key, ok := decodeKey(event.Name); ok {
				pending[key] = time.Now()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			cfg.logger.Warn("slot watcher error", zap.String("dir", s.dir), zap.Error(err))
		case now := <-ticker.C:
			for key, seen := range pending {
				if now.Sub(seen) < cfg.debounce {
					continue
				}
				delete(pending, key)
				if s.ownChange(key) {
					continue
				}
				change := repositories.SlotChange{Key: key, Deleted: !s.exists(key)}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *SlotStore) exists(key string) bool {
	_, err := s.Get(context.Background(), key)
	return err == nil
}
