package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/nn-hair/storefront/internal/domain"
	"github.com/nn-hair/storefront/internal/platform/httpx"
	"github.com/nn-hair/storefront/internal/platform/requestctx"
	"github.com/nn-hair/storefront/internal/services"
)

const maxCheckoutBodySize = 32 * 1024

// CheckoutHandlers turns the session cart into an order.
type CheckoutHandlers struct {
	checkout services.CheckoutService
}

// NewCheckoutHandlers constructs checkout handlers.
func NewCheckoutHandlers(checkout services.CheckoutService) *CheckoutHandlers {
	return &CheckoutHandlers{checkout: checkout}
}

// Routes wires the /checkout endpoints onto the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders", h.placeOrder)
}

type placeOrderRequest struct {
	UserID          string `json:"userId"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	Phone           string `json:"phone"`
	ShippingAddress string `json:"shippingAddress"`
	City            string `json:"city"`
	PostalCode      string `json:"postalCode"`
	Province        string `json:"province"`
	PaymentMethod   string `json:"paymentMethod"`
	Notes           string `json:"notes"`
}

type orderItemPayload struct {
	ProductID   domain.ItemID `json:"productId"`
	ProductName string        `json:"productName"`
	Quantity    int           `json:"quantity"`
	Price       json.Number   `json:"price"`
}

type orderPayload struct {
	ID            string             `json:"id"`
	OrderNumber   string             `json:"orderNumber"`
	Items         []orderItemPayload `json:"items"`
	Subtotal      json.Number        `json:"subtotal"`
	Tax           json.Number        `json:"tax"`
	Shipping      json.Number        `json:"shipping"`
	Total         json.Number        `json:"total"`
	Currency      string             `json:"currency"`
	PaymentMethod string             `json:"paymentMethod"`
	PaymentStatus string             `json:"paymentStatus"`
	OrderStatus   string             `json:"orderStatus"`
	CreatedAt     string             `json:"createdAt"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

func (h *CheckoutHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req placeOrderRequest
	if err := httpx.DecodeJSON(r, maxCheckoutBodySize, &req); err != nil {
		httpx.WriteBodyError(w, r, err)
		return
	}

	order, err := h.checkout.PlaceOrder(ctx, services.PlaceOrderCommand{
		SessionID: requestctx.SessionID(ctx),
		UserID:    req.UserID,
		Buyer: domain.BuyerDetails{
			Name:            req.Name,
			Email:           req.Email,
			Phone:           req.Phone,
			ShippingAddress: req.ShippingAddress,
			City:            req.City,
			PostalCode:      req.PostalCode,
			Province:        req.Province,
			PaymentMethod:   domain.PaymentMethod(req.PaymentMethod),
			Notes:           req.Notes,
		},
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart has no items", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart storage is unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrCheckoutFailed):
		httpx.WriteError(ctx, w, httpx.NewError("order_failed", "the order could not be placed; the cart was kept", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to place order", http.StatusInternalServerError))
	}
}

func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			Price:       domain.MajorNumber(item.Price),
		})
	}
	return orderPayload{
		ID:            order.ID,
		OrderNumber:   order.OrderNumber,
		Items:         items,
		Subtotal:      domain.MajorNumber(order.Subtotal),
		Tax:           domain.MajorNumber(order.Tax),
		Shipping:      domain.MajorNumber(order.Shipping),
		Total:         domain.MajorNumber(order.Total),
		Currency:      order.Currency,
		PaymentMethod: string(order.Buyer.PaymentMethod),
		PaymentStatus: string(order.PaymentStatus),
		OrderStatus:   string(order.OrderStatus),
		CreatedAt:     order.CreatedAt.UTC().Format(time.RFC3339),
	}
}
