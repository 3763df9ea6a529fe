package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nn-hair/storefront/internal/platform/config"
	"github.com/nn-hair/storefront/internal/repositories/memory"
	"github.com/nn-hair/storefront/internal/services"
)

type cartBody struct {
	Cart struct {
		SessionID string `json:"sessionId"`
		Items     []struct {
			ID        json.RawMessage `json:"id"`
			Name      string          `json:"name"`
			Price     json.Number     `json:"price"`
			Quantity  int             `json:"quantity"`
			LineTotal json.Number     `json:"lineTotal"`
			Variant   string          `json:"variant"`
		} `json:"items"`
		ItemCount    int         `json:"itemCount"`
		Subtotal     json.Number `json:"subtotal"`
		Tax          json.Number `json:"tax"`
		Shipping     json.Number `json:"shipping"`
		Total        json.Number `json:"total"`
		FreeShipping bool        `json:"freeShipping"`
		Currency     string      `json:"currency"`
		Revision     uint64      `json:"revision"`
		Display      struct {
			Total string `json:"total"`
		} `json:"display"`
	} `json:"cart"`
}

func newCartTestRouter(t *testing.T, opts ...StreamOption) (http.Handler, *services.CartSessions) {
	t.Helper()
	sessions, err := services.NewCartSessions(services.CartSessionsDeps{Store: memory.NewSlotStore()})
	if err != nil {
		t.Fatalf("NewCartSessions: %v", err)
	}
	carts, err := services.NewCartService(services.CartServiceDeps{Sessions: sessions})
	if err != nil {
		t.Fatalf("NewCartService: %v", err)
	}
	minted := 0
	session := SessionMiddleware(config.SessionConfig{CookieName: "nn_cart_session", HeaderName: "X-Cart-Session"}, func() string {
		minted++
		return "minted-" + strings.Repeat("x", minted)
	})
	router := NewRouter(
		WithAPIMiddlewares(session),
		WithCartRoutes(NewCartHandlers(carts, opts...).Routes),
	)
	return router, sessions
}

func cartRequest(t *testing.T, router http.Handler, method, path, session, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if session != "" {
		req.Header.Set("X-Cart-Session", session)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeCart(t *testing.T, rr *httptest.ResponseRecorder) cartBody {
	t.Helper()
	var body cartBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse cart response %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestCartHandlers_AddAndGet(t *testing.T) {
	router, _ := newCartTestRouter(t)

	rr := cartRequest(t, router, http.MethodPost, "/api/cart/items", "shopper-1",
		`{"id":12,"name":"Kinky Curl","price":850,"image":"/kc.jpg","variant":"18 inch"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	added := decodeCart(t, rr)
	if len(added.Cart.Items) != 1 || added.Cart.Items[0].Quantity != 1 {
		t.Fatalf("expected one unit, got %+v", added.Cart.Items)
	}
	if string(added.Cart.Items[0].ID) != "12" {
		t.Fatalf("expected numeric id 12, got %s", added.Cart.Items[0].ID)
	}

	rr = cartRequest(t, router, http.MethodGet, "/api/cart/", "shopper-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := decodeCart(t, rr)
	if body.Cart.SessionID != "shopper-1" {
		t.Fatalf("expected session shopper-1, got %s", body.Cart.SessionID)
	}
	if body.Cart.Subtotal != "850" || body.Cart.Tax != "127.5" || body.Cart.Shipping != "150" || body.Cart.Total != "1127.5" {
		t.Fatalf("unexpected totals %+v", body.Cart)
	}
	if body.Cart.FreeShipping {
		t.Fatalf("expected paid shipping below threshold")
	}
	if body.Cart.Items[0].Variant != "18 inch" {
		t.Fatalf("expected variant, got %q", body.Cart.Items[0].Variant)
	}
	if body.Cart.Currency != "ZAR" {
		t.Fatalf("expected ZAR, got %s", body.Cart.Currency)
	}
	if !strings.HasSuffix(body.Cart.Display.Total, "1,127.50") {
		t.Fatalf("unexpected display total %q", body.Cart.Display.Total)
	}
	if rr.Header().Get("ETag") == "" {
		t.Fatalf("expected etag header")
	}
}

func TestCartHandlers_FreeShippingAtThreshold(t *testing.T) {
	router, _ := newCartTestRouter(t)

	rr := cartRequest(t, router, http.MethodPost, "/api/cart/items", "shopper-1",
		`{"id":"lace-front","name":"Lace Front","price":500,"quantity":2}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeCart(t, rr)
	if body.Cart.Subtotal != "1000" || body.Cart.Shipping != "0" || body.Cart.Total != "1150" || !body.Cart.FreeShipping {
		t.Fatalf("unexpected totals %+v", body.Cart)
	}
	if body.Cart.ItemCount != 2 {
		t.Fatalf("expected item count 2, got %d", body.Cart.ItemCount)
	}
}

func TestCartHandlers_ETagNotModified(t *testing.T) {
	router, _ := newCartTestRouter(t)
	cartRequest(t, router, http.MethodPost, "/api/cart/items", "shopper-1", `{"id":1,"name":"Bob","price":300}`)

	first := cartRequest(t, router, http.MethodGet, "/api/cart/", "shopper-1", "")
	etag := first.Header().Get("ETag")

	req := httptest.NewRequest(http.MethodGet, "/api/cart/", nil)
	req.Header.Set("X-Cart-Session", "shopper-1")
	req.Header.Set("If-None-Match", etag)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotModified {
		t.Fatalf("expected status 304, got %d", rr.Code)
	}

	cartRequest(t, router, http.MethodPost, "/api/cart/items/1/increment", "shopper-1", "")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 after change, got %d", rr.Code)
	}
}

func TestCartHandlers_AddValidation(t *testing.T) {
	router, _ := newCartTestRouter(t)

	cases := []struct {
		name   string
		body   string
		status int
	}{
		{name: "missing id", body: `{"name":"Bob","price":300}`, status: http.StatusBadRequest},
		{name: "zero quantity", body: `{"id":1,"name":"Bob","price":300,"quantity":0}`, status: http.StatusBadRequest},
		{name: "negative price", body: `{"id":1,"name":"Bob","price":-1}`, status: http.StatusBadRequest},
		{name: "unknown field", body: `{"id":1,"name":"Bob","price":300,"colour":"red"}`, status: http.StatusBadRequest},
		{name: "malformed", body: `{"id":`, status: http.StatusBadRequest},
		{name: "over line cap", body: `{"id":1,"name":"Bob","price":300,"quantity":1000}`, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := cartRequest(t, router, http.MethodPost, "/api/cart/items", "shopper-1", tc.body)
			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if body["error"] != "invalid_request" {
				t.Fatalf("expected invalid_request, got %v", body["error"])
			}
		})
	}
}

func TestCartHandlers_LineOperations(t *testing.T) {
	router, _ := newCartTestRouter(t)
	cartRequest(t, router, http.MethodPost, "/api/cart/items", "shopper-1", `{"id":1,"name":"Bob","price":300,"quantity":2}`)
	cartRequest(t, router, http.MethodPost, "/api/cart/items", "shopper-1", `{"id":2,"name":"Wave","price":200}`)

	rr := cartRequest(t, router, http.MethodPatch, "/api/cart/items/1", "shopper-1", `{"quantity":5,"variant":"Natural"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeCart(t, rr)
	if body.Cart.Items[0].Quantity != 5 || body.Cart.Items[0].Variant != "Natural" {
		t.Fatalf("unexpected line after update %+v", body.Cart.Items[0])
	}

	rr = cartRequest(t, router, http.MethodPost, "/api/cart/items/2/decrement", "shopper-1", "")
	body = decodeCart(t, rr)
	if len(body.Cart.Items) != 1 {
		t.Fatalf("expected decrement of last unit to remove line, got %+v", body.Cart.Items)
	}

	rr = cartRequest(t, router, http.MethodPost, "/api/cart/items/1/increment", "shopper-1", "")
	body = decodeCart(t, rr)
	if body.Cart.Items[0].Quantity != 6 || body.Cart.Items[0].LineTotal != "1800" {
		t.Fatalf("unexpected line after increment %+v", body.Cart.Items[0])
	}

	rr = cartRequest(t, router, http.MethodDelete, "/api/cart/items/1", "shopper-1", "")
	body = decodeCart(t, rr)
	if len(body.Cart.Items) != 0 || body.Cart.Shipping != "0" || body.Cart.Total != "0" {
		t.Fatalf("expected empty cart with no charges, got %+v", body.Cart)
	}
}

func TestCartHandlers_PatchAppliesFieldsTogether(t *testing.T) {
	router, _ := newCartTestRouter(t)
	rr := cartRequest(t, router, http.MethodPost, "/api/cart/items", "shopper-1", `{"id":1,"name":"Bob","price":300}`)
	before := decodeCart(t, rr).Cart.Revision

	rr = cartRequest(t, router, http.MethodPatch, "/api/cart/items/1", "shopper-1", `{"quantity":2,"variant":"Natural"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if after := decodeCart(t, rr).Cart.Revision; after != before+1 {
		t.Fatalf("expected a single write, revision %d -> %d", before, after)
	}

	rr = cartRequest(t, router, http.MethodPatch, "/api/cart/items/1", "shopper-1", `{"quantity":1000,"variant":"Dark"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 over the line cap, got %d", rr.Code)
	}
	body := decodeCart(t, cartRequest(t, router, http.MethodGet, "/api/cart/", "shopper-1", ""))
	if item := body.Cart.Items[0]; item.Quantity != 2 || item.Variant != "Natural" {
		t.Fatalf("expected rejected patch to leave the line untouched, got %+v", item)
	}
}

func TestCartHandlers_UpdateErrors(t *testing.T) {
	router, _ := newCartTestRouter(t)

	rr := cartRequest(t, router, http.MethodPatch, "/api/cart/items/1", "shopper-1", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for empty patch, got %d", rr.Code)
	}

	rr = cartRequest(t, router, http.MethodPatch, "/api/cart/items/1", "shopper-1", `{"variant":"Natural"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for absent line, got %d", rr.Code)
	}
}

func TestCartHandlers_AbsentLineIsNoop(t *testing.T) {
	router, _ := newCartTestRouter(t)
	cartRequest(t, router, http.MethodPost, "/api/cart/items", "shopper-1", `{"id":1,"name":"Bob","price":300}`)
	before := decodeCart(t, cartRequest(t, router, http.MethodGet, "/api/cart/", "shopper-1", ""))

	rr := cartRequest(t, router, http.MethodPost, "/api/cart/items/404/increment", "shopper-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	after := decodeCart(t, rr)
	if after.Cart.Revision != before.Cart.Revision {
		t.Fatalf("expected revision unchanged, got %d -> %d", before.Cart.Revision, after.Cart.Revision)
	}
}

func TestCartHandlers_ClearAndIsolation(t *testing.T) {
	router, sessions := newCartTestRouter(t)
	cartRequest(t, router, http.MethodPost, "/api/cart/items", "shopper-1", `{"id":1,"name":"Bob","price":300}`)
	cartRequest(t, router, http.MethodPost, "/api/cart/items", "shopper-2", `{"id":2,"name":"Wave","price":200}`)

	rr := cartRequest(t, router, http.MethodDelete, "/api/cart/", "shopper-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if body := decodeCart(t, rr); len(body.Cart.Items) != 0 {
		t.Fatalf("expected cleared cart, got %+v", body.Cart.Items)
	}

	other := decodeCart(t, cartRequest(t, router, http.MethodGet, "/api/cart/", "shopper-2", ""))
	if len(other.Cart.Items) != 1 || other.Cart.Items[0].Name != "Wave" {
		t.Fatalf("expected other session untouched, got %+v", other.Cart.Items)
	}
	if sessions.Len() != 2 {
		t.Fatalf("expected two open carts, got %d", sessions.Len())
	}
}

func TestCartHandlers_MintsSessionWhenMissing(t *testing.T) {
	router, _ := newCartTestRouter(t)

	rr := cartRequest(t, router, http.MethodGet, "/api/cart/", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	session := rr.Header().Get("X-Cart-Session")
	if session == "" {
		t.Fatalf("expected minted session header")
	}
	if body := decodeCart(t, rr); body.Cart.SessionID != session {
		t.Fatalf("expected cart for %s, got %s", session, body.Cart.SessionID)
	}
}

func TestCartHandlers_EventStream(t *testing.T) {
	router, _ := newCartTestRouter(t)
	server := httptest.NewServer(router)
	defer server.Close()

	header := http.Header{}
	header.Set("X-Cart-Session", "shopper-1")
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/cart/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.Header.Get("X-Cart-Session") != "shopper-1" {
		t.Fatalf("expected session header on upgrade response")
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var snapshot cartEventMessage
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.Type != "snapshot" || len(snapshot.Cart.Items) != 0 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/cart/items", strings.NewReader(`{"id":7,"name":"Body Wave","price":1200}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cart-Session", "shopper-1")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", res.StatusCode)
	}

	var update struct {
		Type   string `json:"type"`
		Origin string `json:"origin"`
		Cart   struct {
			Items []struct {
				Name string `json:"name"`
			} `json:"items"`
			Total json.Number `json:"total"`
		} `json:"cart"`
	}
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if update.Type != "cartUpdated" || update.Origin != "local" {
		t.Fatalf("unexpected update %+v", update)
	}
	if len(update.Cart.Items) != 1 || update.Cart.Items[0].Name != "Body Wave" || update.Cart.Total != "1380" {
		t.Fatalf("unexpected streamed cart %+v", update.Cart)
	}
}

func TestCartHandlers_RoutesOnNilRouter(t *testing.T) {
	var r chi.Router
	NewCartHandlers(nil).Routes(r)
}
