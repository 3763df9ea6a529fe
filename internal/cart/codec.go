package cart

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nn-hair/storefront/internal/domain"
)

// SchemaVersion is the envelope version written to the storage slot.
const SchemaVersion = 1

type slotEnvelope struct {
	State   slotState `json:"state"`
	Version int       `json:"version"`
}

type slotState struct {
	Items []wireItem `json:"items"`
}

type wireItem struct {
	ID        domain.ItemID `json:"id"`
	Name      string        `json:"name"`
	Price     json.Number   `json:"price"`
	Quantity  json.Number   `json:"quantity"`
	Image     string        `json:"image,omitempty"`
	ImageURLs []string      `json:"imageUrls,omitempty"`
	Variant   string        `json:"variant,omitempty"`
	SKU       string        `json:"sku,omitempty"`
	Texture   string        `json:"texture,omitempty"`
	Category  string        `json:"category,omitempty"`
}

// Encode serialises items into the versioned slot envelope.
func Encode(items []domain.LineItem) ([]byte, error) {
	env := slotEnvelope{Version: SchemaVersion, State: slotState{Items: make([]wireItem, 0, len(items))}}
	for _, item := range items {
		env.State.Items = append(env.State.Items, wireItem{
			ID:       item.ID,
			Name:     item.Name,
			Price:    domain.MajorNumber(item.Price),
			Quantity: json.Number(strconv.Itoa(item.Quantity)),
			Image:    item.Image,
			Variant:  item.Variant,
			SKU:      item.SKU,
			Texture:  item.Texture,
			Category: item.Category,
		})
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("cart: encode slot: %w", err)
	}
	return data, nil
}

// Decode reads either the versioned envelope or a bare legacy array. The result always
// satisfies the cart invariants: no duplicate ids and no quantity below one.
func Decode(data []byte) ([]domain.LineItem, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []domain.LineItem{}, nil
	}

	var raw []wireItem
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSlot, err)
		}
	case '{':
		var env slotEnvelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSlot, err)
		}
		if env.Version > SchemaVersion {
			return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, env.Version)
		}
		raw = env.State.Items
	default:
		return nil, fmt.Errorf("%w: unexpected payload", ErrCorruptSlot)
	}

	return normaliseWireItems(raw), nil
}

func normaliseWireItems(raw []wireItem) []domain.LineItem {
	items := make([]domain.LineItem, 0, len(raw))
	index := make(map[domain.ItemID]int, len(raw))
	for _, w := range raw {
		id := domain.ItemID(strings.TrimSpace(string(w.ID)))
		if id.IsZero() {
			continue
		}
		qty, ok := parseQuantity(w.Quantity)
		if !ok || qty <= 0 {
			continue
		}
		price, ok := domain.ParseMajor(w.Price)
		if !ok || price < 0 {
			continue
		}
		if pos, exists := index[id]; exists {
			items[pos].Quantity += qty
			continue
		}
		image := strings.TrimSpace(w.Image)
		if image == "" {
			for _, url := range w.ImageURLs {
				if url = strings.TrimSpace(url); url != "" {
					image = url
					break
				}
			}
		}
		index[id] = len(items)
		items = append(items, domain.LineItem{
			ID:       id,
			Name:     w.Name,
			Price:    price,
			Quantity: qty,
			Image:    image,
			Variant:  w.Variant,
			SKU:      w.SKU,
			Texture:  w.Texture,
			Category: w.Category,
		})
	}
	return items
}

func parseQuantity(n json.Number) (int, bool) {
	if n == "" {
		return 0, false
	}
	if v, err := n.Int64(); err == nil {
		return int(v), true
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(math.Floor(f)), true
}
