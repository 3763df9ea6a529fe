package firestore

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/nn-hair/storefront/internal/platform/firestore"
	"github.com/nn-hair/storefront/internal/repositories"
)

const defaultCollection = "cartSlots"

type slotDocument struct {
	Key       string    `firestore:"key"`
	Value     string    `firestore:"value"`
	Origin    string    `firestore:"origin"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// Options configures the Firestore slot store.
type Options struct {
	Collection    string
	MaxValueBytes int
	// InstanceID tags documents so the watcher skips this process's own writes.
	InstanceID string
	Clock      func() time.Time
	Logger     *zap.Logger
}

// SlotStore keeps one document per slot in a collection.
type SlotStore struct {
	provider   *pfirestore.Provider
	collection string
	maxBytes   int
	instance   string
	now        func() time.Time
	logger     *zap.Logger
}

var (
	_ repositories.SlotStore   = (*SlotStore)(nil)
	_ repositories.SlotWatcher = (*SlotStore)(nil)
)

// NewSlotStore binds the store to the provider's client.
func NewSlotStore(provider *pfirestore.Provider, opts Options) (*SlotStore, error) {
	if provider == nil {
		return nil, errors.New("firestore slot store: provider is required")
	}
	collection := strings.TrimSpace(opts.Collection)
	if collection == "" {
		collection = defaultCollection
	}
	instance := strings.TrimSpace(opts.InstanceID)
	if instance == "" {
		instance = ulid.Make().String()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlotStore{
		provider:   provider,
		collection: collection,
		maxBytes:   opts.MaxValueBytes,
		instance:   instance,
		now:        now,
		logger:     logger,
	}, nil
}

func (s *SlotStore) doc(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, repositories.NewStoreError("firestore.client", key, repositories.ErrorKindUnavailable, err)
	}
	return client.Collection(s.collection).Doc(documentID(key)), nil
}

func (s *SlotStore) Get(ctx context.Context, key string) ([]byte, error) {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return nil, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("firestore.get", key, err)
	}
	var doc slotDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, repositories.NewStoreError("firestore.get", key, repositories.ErrorKindUnknown, err)
	}
	return []byte(doc.Value), nil
}

func (s *SlotStore) Put(ctx context.Context, key string, value []byte) error {
	if err := repositories.CheckSize("firestore.put", key, value, s.maxBytes); err != nil {
		return err
	}
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, slotDocument{
		Key:       strings.TrimSpace(key),
		Value:     string(value),
		Origin:    s.instance,
		UpdatedAt: s.now().UTC(),
	})
	return pfirestore.WrapError("firestore.put", key, err)
}

func (s *SlotStore) Delete(ctx context.Context, key string) error {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return pfirestore.WrapError("firestore.delete", key, err)
	}
	return nil
}

// Watch streams changes to the collection made by other instances. The initial snapshot, which
// lists every existing document, is skipped.
func (s *SlotStore) Watch(ctx context.Context) (<-chan repositories.SlotChange, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	it := client.Collection(s.collection).Snapshots(ctx)

	out := make(chan repositories.SlotChange, 16)
	go func() {
		defer close(out)
		defer it.Stop()
		initial := true
		for {
			snap, err := it.Next()
			if err != nil {
				if ctx.Err() == nil && status.Code(err) != codes.Canceled {
					s.logger.Warn("firestore slot watch stopped", zap.String("collection", s.collection), zap.Error(err))
				}
				return
			}
			if initial {
				initial = false
				continue
			}
			for _, change := range snap.Changes {
				slot, ok := s.toChange(change)
				if !ok {
					continue
				}
				select {
				case out <- slot:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *SlotStore) toChange(change firestore.DocumentChange) (repositories.SlotChange, bool) {
	var doc slotDocument
	if err := change.Doc.DataTo(&doc); err != nil {
		return repositories.SlotChange{}, false
	}
	deleted := change.Kind == firestore.DocumentRemoved
	// Removals carry the last known data, so the origin is the writer, not the deleter.
	if !deleted && doc.Origin == s.instance {
		return repositories.SlotChange{}, false
	}
	key := doc.Key
	if key == "" {
		decoded, ok := keyFromDocumentID(change.Doc.Ref.ID)
		if !ok {
			return repositories.SlotChange{}, false
		}
		key = decoded
	}
	return repositories.SlotChange{Key: key, Deleted: deleted}, true
}

func documentID(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strings.TrimSpace(key)))
}

func keyFromDocumentID(id string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return "", false
	}
	return string(raw), true
}
