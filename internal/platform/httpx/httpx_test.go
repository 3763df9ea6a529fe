package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nn-hair/storefront/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "trace-1"})
	rec := httptest.NewRecorder()
	WriteError(ctx, rec, NewError("invalid_request", "bad\nthing", http.StatusBadRequest).WithDetails(map[string]any{
		"field":  "quantity",
		"status": 999,
	}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "invalid_request" || body["message"] != "bad thing" {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["trace_id"] != "trace-1" || body["field"] != "quantity" {
		t.Fatalf("expected trace id and details, got %v", body)
	}
	if body["status"] != float64(http.StatusBadRequest) {
		t.Fatalf("expected details not to override status, got %v", body["status"])
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		ID       json.Number `json:"id"`
		Quantity int         `json:"quantity"`
	}

	var dst payload
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id": 12, "quantity": 2}`))
	if err := DecodeJSON(req, 1024, &dst); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if dst.ID.String() != "12" || dst.Quantity != 2 {
		t.Fatalf("unexpected payload: %+v", dst)
	}

	cases := map[string]struct {
		body string
		want error
	}{
		"empty":    {body: "  ", want: ErrEmptyBody},
		"too big":  {body: `{"id": "` + strings.Repeat("x", 64) + `"}`, want: ErrBodyTooLarge},
		"unknown":  {body: `{"price": 1}`},
		"trailing": {body: `{"id": 1}{"id": 2}`},
	}
	for name, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
		err := DecodeJSON(req, 32, &payload{})
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, err)
		}
	}
}
