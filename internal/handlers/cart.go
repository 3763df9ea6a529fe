package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nn-hair/storefront/internal/cart"
	domain "github.com/nn-hair/storefront/internal/domain"
	"github.com/nn-hair/storefront/internal/platform/httpx"
	"github.com/nn-hair/storefront/internal/platform/requestctx"
	"github.com/nn-hair/storefront/internal/services"
)

const maxCartBodySize = 16 * 1024

// CartHandlers exposes the session cart over HTTP.
type CartHandlers struct {
	carts  services.CartService
	stream streamConfig
}

// NewCartHandlers constructs cart handlers. Options tune the change stream.
func NewCartHandlers(carts services.CartService, opts ...StreamOption) *CartHandlers {
	h := &CartHandlers{carts: carts, stream: defaultStreamConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(&h.stream)
		}
	}
	return h
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getCart)
	r.Delete("/", h.clearCart)
	r.Get("/events", h.streamEvents)
	r.Post("/items", h.addItem)
	r.Patch("/items/{itemID}", h.updateItem)
	r.Delete("/items/{itemID}", h.removeItem)
	r.Post("/items/{itemID}/increment", h.incrementItem)
	r.Post("/items/{itemID}/decrement", h.decrementItem)
}

type addItemRequest struct {
	ID       domain.ItemID `json:"id"`
	Name     string        `json:"name"`
	Price    json.Number   `json:"price"`
	Quantity *int          `json:"quantity"`
	Image    string        `json:"image"`
	Variant  string        `json:"variant"`
	SKU      string        `json:"sku"`
	Texture  string        `json:"texture"`
	Category string        `json:"category"`
}

type updateItemRequest struct {
	Quantity *int    `json:"quantity"`
	Variant  *string `json:"variant"`
}

type cartItemPayload struct {
	ID        domain.ItemID `json:"id"`
	Name      string        `json:"name"`
	Price     json.Number   `json:"price"`
	Quantity  int           `json:"quantity"`
	LineTotal json.Number   `json:"lineTotal"`
	Image     string        `json:"image,omitempty"`
	Variant   string        `json:"variant,omitempty"`
	SKU       string        `json:"sku,omitempty"`
	Texture   string        `json:"texture,omitempty"`
	Category  string        `json:"category,omitempty"`
}

type cartDisplayPayload struct {
	Subtotal string `json:"subtotal"`
	Tax      string `json:"tax"`
	Shipping string `json:"shipping"`
	Total    string `json:"total"`
}

type cartPayload struct {
	SessionID    string             `json:"sessionId"`
	Items        []cartItemPayload  `json:"items"`
	ItemCount    int                `json:"itemCount"`
	Subtotal     json.Number        `json:"subtotal"`
	Tax          json.Number        `json:"tax"`
	Shipping     json.Number        `json:"shipping"`
	Total        json.Number        `json:"total"`
	FreeShipping bool               `json:"freeShipping"`
	Currency     string             `json:"currency"`
	Revision     uint64             `json:"revision"`
	Display      cartDisplayPayload `json:"display"`
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, err := h.carts.GetCart(ctx, requestctx.SessionID(ctx))
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	payload := cartResponse{Cart: buildCartPayload(view)}
	etag := cartETag(payload.Cart)
	w.Header().Set("ETag", etag)
	if match := strings.TrimSpace(r.Header.Get("If-None-Match")); match != "" && match == etag {
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusNotModified)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req addItemRequest
	if err := httpx.DecodeJSON(r, maxCartBodySize, &req); err != nil {
		httpx.WriteBodyError(w, r, err)
		return
	}
	price, ok := domain.ParseMajor(req.Price)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "price must be a decimal amount", http.StatusBadRequest))
		return
	}
	cmd := services.AddCartItemCommand{
		SessionID: requestctx.SessionID(ctx),
		Item: domain.LineItem{
			ID:       req.ID,
			Name:     req.Name,
			Price:    price,
			Image:    strings.TrimSpace(req.Image),
			SKU:      strings.TrimSpace(req.SKU),
			Texture:  strings.TrimSpace(req.Texture),
			Category: strings.TrimSpace(req.Category),
		},
		Variant: req.Variant,
	}
	if req.Quantity != nil {
		if *req.Quantity <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity must be positive", http.StatusBadRequest))
			return
		}
		cmd.Quantity = *req.Quantity
	}

	view, err := h.carts.AddItem(ctx, cmd)
	h.respond(ctx, w, view, err)
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	itemID, ok := itemIDParam(w, r)
	if !ok {
		return
	}
	var req updateItemRequest
	if err := httpx.DecodeJSON(r, maxCartBodySize, &req); err != nil {
		httpx.WriteBodyError(w, r, err)
		return
	}
	if req.Quantity == nil && req.Variant == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity or variant is required", http.StatusBadRequest))
		return
	}

	view, err := h.carts.UpdateLine(ctx, services.UpdateCartItemCommand{
		SessionID: requestctx.SessionID(ctx),
		ItemID:    itemID,
		Quantity:  req.Quantity,
		Variant:   req.Variant,
	})
	h.respond(ctx, w, view, err)
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	h.lineAction(w, r, h.carts.RemoveItem)
}

func (h *CartHandlers) incrementItem(w http.ResponseWriter, r *http.Request) {
	h.lineAction(w, r, h.carts.Increment)
}

func (h *CartHandlers) decrementItem(w http.ResponseWriter, r *http.Request) {
	h.lineAction(w, r, h.carts.Decrement)
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, err := h.carts.ClearCart(ctx, requestctx.SessionID(ctx))
	h.respond(ctx, w, view, err)
}

func (h *CartHandlers) lineAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string, domain.ItemID) (services.CartView, error)) {
	ctx := r.Context()
	itemID, ok := itemIDParam(w, r)
	if !ok {
		return
	}
	view, err := action(ctx, requestctx.SessionID(ctx), itemID)
	h.respond(ctx, w, view, err)
}

func (h *CartHandlers) respond(ctx context.Context, w http.ResponseWriter, view services.CartView, err error) {
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	payload := cartResponse{Cart: buildCartPayload(view)}
	w.Header().Set("ETag", cartETag(payload.Cart))
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func itemIDParam(w http.ResponseWriter, r *http.Request) (domain.ItemID, bool) {
	raw, err := url.PathUnescape(chi.URLParam(r, "itemID"))
	if err != nil || strings.TrimSpace(raw) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "item id is invalid", http.StatusBadRequest))
		return "", false
	}
	return domain.ItemID(strings.TrimSpace(raw)), true
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart storage is unavailable; the change was not applied", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "failed to process cart request", http.StatusInternalServerError))
	}
}

func buildCartPayload(view services.CartView) cartPayload {
	items := make([]cartItemPayload, 0, len(view.Items))
	for _, item := range view.Items {
		items = append(items, cartItemPayload{
			ID:        item.ID,
			Name:      item.Name,
			Price:     domain.MajorNumber(item.Price),
			Quantity:  item.Quantity,
			LineTotal: domain.MajorNumber(cart.LineTotal(item)),
			Image:     item.Image,
			Variant:   item.Variant,
			SKU:       item.SKU,
			Texture:   item.Texture,
			Category:  item.Category,
		})
	}
	summary := view.Summary
	return cartPayload{
		SessionID:    view.SessionID,
		Items:        items,
		ItemCount:    summary.ItemCount,
		Subtotal:     domain.MajorNumber(summary.Subtotal),
		Tax:          domain.MajorNumber(summary.Tax),
		Shipping:     domain.MajorNumber(summary.Shipping),
		Total:        domain.MajorNumber(summary.Total),
		FreeShipping: summary.FreeShipping,
		Currency:     view.Currency,
		Revision:     view.Revision,
		Display: cartDisplayPayload{
			Subtotal: cart.FormatPrice(summary.Subtotal),
			Tax:      cart.FormatPrice(summary.Tax),
			Shipping: cart.FormatPrice(summary.Shipping),
			Total:    cart.FormatPrice(summary.Total),
		},
	}
}

// cartETag hashes the item content only, so it survives process restarts that reset revisions.
func cartETag(payload cartPayload) string {
	hasher := sha256.New()
	_ = json.NewEncoder(hasher).Encode(payload.Items)
	return `"` + hex.EncodeToString(hasher.Sum(nil)[:12]) + `"`
}
