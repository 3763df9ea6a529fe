package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nn-hair/storefront/internal/domain"
	psupabase "github.com/nn-hair/storefront/internal/platform/supabase"
	"github.com/nn-hair/storefront/internal/repositories"
)

const (
	tableProducts   = "products"
	tableOrders     = "orders"
	tableOrderItems = "order_items"
	rpcOrderNumber  = "generate_order_number"
)

// Gateway is the subset of the PostgREST client used by the repositories.
type Gateway interface {
	RPC(ctx context.Context, fn string, params any) (gjson.Result, error)
	Insert(ctx context.Context, table string, rows any) (gjson.Result, error)
	SelectOne(ctx context.Context, table, column, value string) (gjson.Result, error)
}

var errGatewayRequired = errors.New("supabase repository: gateway is required")

// ProductRepository reads catalog products.
type ProductRepository struct {
	gateway Gateway
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

func NewProductRepository(gateway Gateway) (*ProductRepository, error) {
	if gateway == nil {
		return nil, errGatewayRequired
	}
	return &ProductRepository{gateway: gateway}, nil
}

// FindProduct returns a not-found RepositoryError when no product has the id.
func (r *ProductRepository) FindProduct(ctx context.Context, id domain.ItemID) (domain.Product, error) {
	row, err := r.gateway.SelectOne(ctx, tableProducts, "id", id.String())
	if err != nil {
		return domain.Product{}, wrapError("supabase.products.get", id.String(), err)
	}
	if !row.IsObject() {
		return domain.Product{}, repositories.NotFound("supabase.products.get", id.String())
	}
	return decodeProduct(row)
}

func decodeProduct(row gjson.Result) (domain.Product, error) {
	id := strings.TrimSpace(row.Get("id").String())
	if id == "" {
		return domain.Product{}, repositories.NewStoreError("supabase.products.decode", "", repositories.ErrorKindUnknown, errors.New("product row without id"))
	}
	raw := jsonNumber(row.Get("price"))
	price, ok := domain.ParseMajor(raw)
	if raw == "" || !ok || price < 0 {
		return domain.Product{}, repositories.NewStoreError("supabase.products.decode", id, repositories.ErrorKindUnknown, fmt.Errorf("invalid price %q", row.Get("price").Raw))
	}

	product := domain.Product{
		ID:            domain.ItemID(id),
		Name:          row.Get("name").String(),
		Description:   row.Get("description").String(),
		Price:         price,
		Category:      row.Get("category").String(),
		Texture:       row.Get("texture").String(),
		SKU:           row.Get("sku").String(),
		StockQuantity: int(first(row, "stockQuantity", "stock_quantity").Int()),
		IsActive:      true,
	}
	if active := first(row, "isActive", "is_active"); active.Exists() {
		product.IsActive = active.Bool()
	}
	for _, url := range first(row, "imageUrls", "image_urls").Array() {
		product.ImageURLs = append(product.ImageURLs, url.String())
	}
	return product, nil
}

// OrderRepository creates orders with their line items.
type OrderRepository struct {
	gateway Gateway
	now     func() time.Time
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(gateway Gateway, clock func() time.Time) (*OrderRepository, error) {
	if gateway == nil {
		return nil, errGatewayRequired
	}
	if clock == nil {
		clock = time.Now
	}
	return &OrderRepository{gateway: gateway, now: clock}, nil
}

// CreateOrder allocates an order number, inserts the order row and then its items. There is no
// fallback numbering; any failed step fails the order.
func (r *OrderRepository) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	number, err := r.gateway.RPC(ctx, rpcOrderNumber, nil)
	if err != nil {
		return domain.Order{}, wrapError("supabase.orders.number", "", err)
	}
	order.OrderNumber = strings.TrimSpace(number.String())
	if order.OrderNumber == "" {
		return domain.Order{}, repositories.NewStoreError("supabase.orders.number", "", repositories.ErrorKindUnavailable, errors.New("empty order number"))
	}

	inserted, err := r.gateway.Insert(ctx, tableOrders, []orderRow{newOrderRow(order)})
	if err != nil {
		return domain.Order{}, wrapError("supabase.orders.insert", order.OrderNumber, err)
	}
	row := inserted
	if inserted.IsArray() {
		row = inserted.Get("0")
	}
	order.ID = strings.TrimSpace(row.Get("id").String())
	if order.ID == "" {
		return domain.Order{}, repositories.NewStoreError("supabase.orders.insert", order.OrderNumber, repositories.ErrorKindUnknown, errors.New("insert returned no id"))
	}
	order.CreatedAt = parseTime(row.Get("created_at"), r.now().UTC())
	order.UpdatedAt = parseTime(row.Get("updated_at"), order.CreatedAt)

	if len(order.Items) == 0 {
		return order, nil
	}
	rows := make([]orderItemRow, 0, len(order.Items))
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
		rows = append(rows, newOrderItemRow(order.Items[i]))
	}
	if _, err := r.gateway.Insert(ctx, tableOrderItems, rows); err != nil {
		return domain.Order{}, wrapError("supabase.order_items.insert", order.ID, err)
	}
	return order, nil
}

func wrapError(op, key string, err error) error {
	var apiErr *psupabase.APIError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return repositories.NewStoreError(op, key, repositories.ErrorKindUnavailable, err)
	}
	kind := repositories.ErrorKindUnknown
	switch {
	case apiErr.NoRows():
		kind = repositories.ErrorKindNotFound
	case apiErr.Conflict():
		kind = repositories.ErrorKindConflict
	case apiErr.Transient():
		kind = repositories.ErrorKindUnavailable
	}
	return repositories.NewStoreError(op, key, kind, err)
}

func first(row gjson.Result, paths ...string) gjson.Result {
	for _, path := range paths {
		if value := row.Get(path); value.Exists() {
			return value
		}
	}
	return gjson.Result{}
}

func jsonNumber(value gjson.Result) json.Number {
	switch value.Type {
	case gjson.Number:
		return json.Number(value.Raw)
	case gjson.String:
		return json.Number(strings.TrimSpace(value.Str))
	}
	return ""
}

func parseTime(value gjson.Result, fallback time.Time) time.Time {
	if value.Type != gjson.String {
		return fallback
	}
	parsed, err := time.Parse(time.RFC3339Nano, value.Str)
	if err != nil {
		return fallback
	}
	return parsed.UTC()
}
