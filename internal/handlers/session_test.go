package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nn-hair/storefront/internal/platform/config"
	"github.com/nn-hair/storefront/internal/platform/requestctx"
)

func sessionEcho(captured *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = requestctx.SessionID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		CookieName: "nn_cart_session",
		HeaderName: "X-Cart-Session",
		MaxAge:     time.Hour,
	}
}

func TestSessionMiddlewareMintsSession(t *testing.T) {
	var got string
	handler := SessionMiddleware(testSessionConfig(), func() string { return "minted-1" })(sessionEcho(&got))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/cart", nil))

	if got != "minted-1" {
		t.Fatalf("expected minted session, got %q", got)
	}
	if header := rr.Header().Get("X-Cart-Session"); header != "minted-1" {
		t.Fatalf("expected session header, got %q", header)
	}
	cookies := rr.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one cookie, got %d", len(cookies))
	}
	cookie := cookies[0]
	if cookie.Name != "nn_cart_session" || cookie.Value != "minted-1" {
		t.Fatalf("unexpected cookie %+v", cookie)
	}
	if !cookie.HttpOnly || cookie.SameSite != http.SameSiteLaxMode || cookie.MaxAge != 3600 {
		t.Fatalf("unexpected cookie attributes %+v", cookie)
	}
}

func TestSessionMiddlewareHeaderWinsOverCookie(t *testing.T) {
	var got string
	handler := SessionMiddleware(testSessionConfig(), func() string { return "minted" })(sessionEcho(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/cart", nil)
	req.Header.Set("X-Cart-Session", "  from-header ")
	req.AddCookie(&http.Cookie{Name: "nn_cart_session", Value: "from-cookie"})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got != "from-header" {
		t.Fatalf("expected header session, got %q", got)
	}
}

func TestSessionMiddlewareFallsBackToCookie(t *testing.T) {
	var got string
	handler := SessionMiddleware(testSessionConfig(), func() string { return "minted" })(sessionEcho(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/cart", nil)
	req.Header.Set("X-Cart-Session", "bad session!")
	req.AddCookie(&http.Cookie{Name: "nn_cart_session", Value: "from-cookie"})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got != "from-cookie" {
		t.Fatalf("expected cookie session, got %q", got)
	}
}

func TestSessionMiddlewareReplacesMalformedCookie(t *testing.T) {
	var got string
	handler := SessionMiddleware(testSessionConfig(), func() string { return "minted" })(sessionEcho(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/cart", nil)
	req.AddCookie(&http.Cookie{Name: "nn_cart_session", Value: "../../etc"})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got != "minted" {
		t.Fatalf("expected minted session, got %q", got)
	}
}

func TestSessionMiddlewareDefaultIDIsULID(t *testing.T) {
	var got string
	handler := SessionMiddleware(config.SessionConfig{}, nil)(sessionEcho(&got))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if len(got) != 26 {
		t.Fatalf("expected 26 character ulid, got %q", got)
	}
	if rr.Header().Get("X-Cart-Session") != got {
		t.Fatalf("expected default header name to carry session")
	}
}
