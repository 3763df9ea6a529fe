package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ItemID identifies the catalog product behind a cart line. Catalogs have used both integer
// and string identifiers, so the value is kept as an opaque string and compared verbatim.
type ItemID string

// String returns the identifier as stored.
func (id ItemID) String() string { return string(id) }

// IsZero reports whether the identifier is empty after trimming.
func (id ItemID) IsZero() bool { return strings.TrimSpace(string(id)) == "" }

// UnmarshalJSON accepts JSON strings and numbers.
func (id *ItemID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*id = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*id = ItemID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("item id must be a string or number: %w", err)
	}
	*id = ItemID(n.String())
	return nil
}

// MarshalJSON writes purely numeric identifiers as JSON numbers so stored carts keep the shape
// the storefront catalog produced.
func (id ItemID) MarshalJSON() ([]byte, error) {
	s := string(id)
	if _, err := strconv.ParseInt(s, 10, 64); err == nil && !strings.HasPrefix(s, "+") && !hasLeadingZero(s) {
		return []byte(s), nil
	}
	return json.Marshal(s)
}

func hasLeadingZero(s string) bool {
	s = strings.TrimPrefix(s, "-")
	return len(s) > 1 && s[0] == '0'
}

// LineItem is one product entry in a cart. Price is a snapshot in minor units taken when the
// product was first added; descriptive fields never take part in pricing.
type LineItem struct {
	ID       ItemID
	Name     string
	Price    int64
	Quantity int
	Image    string
	Variant  string
	SKU      string
	Texture  string
	Category string
}

// LineTotal returns price multiplied by quantity.
func (i LineItem) LineTotal() int64 {
	return i.Price * int64(i.Quantity)
}

// Product is the catalog record a line item is built from.
type Product struct {
	ID            ItemID
	Name          string
	Description   string
	Price         int64
	Category      string
	Texture       string
	SKU           string
	ImageURLs     []string
	StockQuantity int
	IsActive      bool
}

// LineItem converts the product into a cart line descriptor. Quantity is left to the cart.
func (p Product) LineItem() LineItem {
	item := LineItem{
		ID:       p.ID,
		Name:     strings.TrimSpace(p.Name),
		Price:    p.Price,
		SKU:      strings.TrimSpace(p.SKU),
		Texture:  strings.TrimSpace(p.Texture),
		Category: strings.TrimSpace(p.Category),
	}
	for _, url := range p.ImageURLs {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			item.Image = trimmed
			break
		}
	}
	return item
}

// PaymentMethod enumerates the payment options offered at checkout.
type PaymentMethod string

const (
	PaymentMethodEFT            PaymentMethod = "eft"
	PaymentMethodPayFast        PaymentMethod = "payfast"
	PaymentMethodCashOnDelivery PaymentMethod = "cash-on-delivery"
)

// Valid reports whether the payment method is one the storefront accepts.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodEFT, PaymentMethodPayFast, PaymentMethodCashOnDelivery:
		return true
	}
	return false
}

// OrderStatus tracks fulfilment progress.
type OrderStatus string

// PaymentStatus tracks settlement progress.
type PaymentStatus string

const (
	OrderStatusPending   OrderStatus   = "pending"
	PaymentStatusPending PaymentStatus = "pending"
)

// BuyerDetails captures contact and shipping information collected at checkout.
type BuyerDetails struct {
	Name            string
	Email           string
	Phone           string
	ShippingAddress string
	City            string
	PostalCode      string
	Province        string
	PaymentMethod   PaymentMethod
	Notes           string
}

// OrderItem is the persisted projection of a line item on an order.
type OrderItem struct {
	ID          string
	OrderID     string
	ProductID   ItemID
	ProductName string
	Quantity    int
	Price       int64
	CreatedAt   time.Time
}

// Order is the record created when a cart is checked out.
type Order struct {
	ID            string
	OrderNumber   string
	UserID        string
	Buyer         BuyerDetails
	Items         []OrderItem
	Subtotal      int64
	Tax           int64
	Shipping      int64
	Total         int64
	Currency      string
	PaymentStatus PaymentStatus
	OrderStatus   OrderStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
