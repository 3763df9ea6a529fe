package file

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nn-hair/storefront/internal/repositories"
)

const slotExt = ".slot"

// Option customises the file store.
type Option func(*SlotStore)

// WithMaxValueBytes rejects writes above the limit with a quota error.
func WithMaxValueBytes(limit int) Option {
	return func(s *SlotStore) {
		s.maxBytes = limit
	}
}

// SlotStore keeps one file per key under a directory. Writes go through a temp file and a rename
// so readers in other processes never observe a partial slot.
type SlotStore struct {
	dir      string
	maxBytes int

	mu sync.Mutex
	// written remembers the digest of this process's last write per key so the watcher can
	// ignore its own changes. A nil digest records a delete.
	written map[string][]byte
}

var (
	_ repositories.SlotStore   = (*SlotStore)(nil)
	_ repositories.SlotWatcher = (*SlotStore)(nil)
)

// NewSlotStore creates the directory when missing.
func NewSlotStore(dir string, opts ...Option) (*SlotStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("file slot store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file slot store: create %s: %w", dir, err)
	}
	s := &SlotStore{dir: dir, written: make(map[string][]byte)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Dir returns the directory backing the store.
func (s *SlotStore) Dir() string { return s.dir }

func (s *SlotStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, repositories.NewStoreError("file.get", key, repositories.ErrorKindUnavailable, err)
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, repositories.NotFound("file.get", key)
		}
		return nil, repositories.NewStoreError("file.get", key, repositories.ErrorKindUnavailable, err)
	}
	return data, nil
}

func (s *SlotStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return repositories.NewStoreError("file.put", key, repositories.ErrorKindUnavailable, err)
	}
	if err := repositories.CheckSize("file.put", key, value, s.maxBytes); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return repositories.NewStoreError("file.put", key, repositories.ErrorKindUnavailable, err)
	}
	tmpName := tmp.Name()
	cleanup := func(cause error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return repositories.NewStoreError("file.put", key, repositories.ErrorKindUnavailable, cause)
	}
	if _, err := tmp.Write(value); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		return cleanup(err)
	}

	s.remember(key, digest(value))
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return repositories.NewStoreError("file.put", key, repositories.ErrorKindUnavailable, err)
	}
	return nil
}

func (s *SlotStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return repositories.NewStoreError("file.delete", key, repositories.ErrorKindUnavailable, err)
	}
	s.remember(key, nil)
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return repositories.NewStoreError("file.delete", key, repositories.ErrorKindUnavailable, err)
	}
	return nil
}

func (s *SlotStore) remember(key string, sum []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written[strings.TrimSpace(key)] = sum
}

// ownChange reports whether the current state of key is the one this process wrote last.
func (s *SlotStore) ownChange(key string) bool {
	s.mu.Lock()
	sum, ok := s.written[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return sum == nil && errors.Is(err, fs.ErrNotExist)
	}
	return sum != nil && string(sum) == string(digest(data))
}

func (s *SlotStore) path(key string) string {
	return filepath.Join(s.dir, encodeKey(key))
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strings.TrimSpace(key))) + slotExt
}

func decodeKey(name string) (string, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, slotExt) || strings.HasPrefix(base, ".") {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(base, slotExt))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
