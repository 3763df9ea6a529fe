package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nn-hair/storefront/internal/platform/config"
	"github.com/nn-hair/storefront/internal/platform/requestctx"
	"github.com/nn-hair/storefront/internal/services"
)

// SessionMiddleware resolves the cart session from the session header, then the cookie. A
// request carrying neither, or only malformed values, gets a fresh ULID session. The resolved id
// is echoed in the header and the cookie is refreshed on every response.
func SessionMiddleware(cfg config.SessionConfig, newID func() string) func(http.Handler) http.Handler {
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = "nn_cart_session"
	}
	headerName := strings.TrimSpace(cfg.HeaderName)
	if headerName == "" {
		headerName = "X-Cart-Session"
	}
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID, ok := "", false
			if header := r.Header.Get(headerName); header != "" {
				sessionID, ok = validSession(header)
			}
			if !ok {
				if cookie, err := r.Cookie(cookieName); err == nil {
					sessionID, ok = validSession(cookie.Value)
				}
			}
			if !ok {
				sessionID = newID()
			}

			http.SetCookie(w, &http.Cookie{
				Name:     cookieName,
				Value:    sessionID,
				Path:     "/",
				MaxAge:   int(cfg.MaxAge / time.Second),
				HttpOnly: true,
				Secure:   cfg.Secure,
				SameSite: http.SameSiteLaxMode,
			})
			w.Header().Set(headerName, sessionID)

			ctx := requestctx.WithSessionID(r.Context(), sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validSession(raw string) (string, bool) {
	id, err := services.NormalizeSessionID(raw)
	return id, err == nil
}
