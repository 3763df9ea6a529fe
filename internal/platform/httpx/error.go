package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/nn-hair/storefront/internal/platform/requestctx"
)

const (
	maxCodeLength    = 80
	maxMessageLength = 512
)

// Error is an API failure rendered as the JSON envelope
// {"error","message","status","request_id","trace_id", details...}.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

// NewError builds an Error; a zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    singleLine(code, maxCodeLength),
		Message: singleLine(message, maxMessageLength),
		Status:  status,
	}
}

func (e Error) Error() string {
	return e.Code + ": " + e.Message
}

// WithDetails returns a copy of e carrying extra top-level fields. Details never replace the
// envelope fields.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

// WriteError renders err, filling request and trace ids from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}
	payload := make(map[string]any, len(err.Details)+5)
	for k, v := range err.Details {
		payload[k] = v
	}
	payload["error"] = err.Code
	payload["message"] = err.Message
	payload["status"] = err.Status
	delete(payload, "request_id")
	delete(payload, "trace_id")
	if id := singleLine(middleware.GetReqID(ctx), maxCodeLength); id != "" {
		payload["request_id"] = id
	}
	if id := singleLine(requestctx.TraceID(ctx), 64); id != "" {
		payload["trace_id"] = id
	}
	WriteJSON(w, err.Status, payload)
}

// WriteJSON encodes payload with the given status. Responses are never cached.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// singleLine replaces control characters with spaces and cuts value to limit runes.
func singleLine(value string, limit int) string {
	value = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, value))
	if runes := []rune(value); len(runes) > limit {
		value = strings.TrimSpace(string(runes[:limit]))
	}
	return value
}
