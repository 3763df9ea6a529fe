package supabase

import (
	"encoding/json"

	"github.com/nn-hair/storefront/internal/domain"
)

type orderRow struct {
	OrderNumber     string      `json:"order_number"`
	UserID          string      `json:"user_id,omitempty"`
	CustomerName    string      `json:"customer_name"`
	CustomerEmail   string      `json:"customer_email"`
	CustomerPhone   string      `json:"customer_phone"`
	ShippingAddress string      `json:"shipping_address"`
	City            string      `json:"city"`
	PostalCode      string      `json:"postal_code"`
	Province        string      `json:"province,omitempty"`
	PaymentMethod   string      `json:"payment_method"`
	Notes           string      `json:"notes,omitempty"`
	Subtotal        json.Number `json:"subtotal"`
	Shipping        json.Number `json:"shipping"`
	Total           json.Number `json:"total"`
	PaymentStatus   string      `json:"payment_status"`
	OrderStatus     string      `json:"order_status"`
}

func newOrderRow(order domain.Order) orderRow {
	return orderRow{
		OrderNumber:     order.OrderNumber,
		UserID:          order.UserID,
		CustomerName:    order.Buyer.Name,
		CustomerEmail:   order.Buyer.Email,
		CustomerPhone:   order.Buyer.Phone,
		ShippingAddress: order.Buyer.ShippingAddress,
		City:            order.Buyer.City,
		PostalCode:      order.Buyer.PostalCode,
		Province:        order.Buyer.Province,
		PaymentMethod:   string(order.Buyer.PaymentMethod),
		Notes:           order.Buyer.Notes,
		Subtotal:        domain.MajorNumber(order.Subtotal),
		Shipping:        domain.MajorNumber(order.Shipping),
		Total:           domain.MajorNumber(order.Total),
		PaymentStatus:   string(order.PaymentStatus),
		OrderStatus:     string(order.OrderStatus),
	}
}

type orderItemRow struct {
	OrderID     string        `json:"order_id"`
	ProductID   domain.ItemID `json:"product_id"`
	ProductName string        `json:"product_name"`
	Quantity    int           `json:"quantity"`
	Price       json.Number   `json:"price"`
}

func newOrderItemRow(item domain.OrderItem) orderItemRow {
	return orderItemRow{
		OrderID:     item.OrderID,
		ProductID:   item.ProductID,
		ProductName: item.ProductName,
		Quantity:    item.Quantity,
		Price:       domain.MajorNumber(item.Price),
	}
}
