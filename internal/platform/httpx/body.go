package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	// ErrEmptyBody is returned when a JSON body is required but absent.
	ErrEmptyBody = errors.New("request body is required")
	// ErrBodyTooLarge is returned when the body exceeds the caller's limit.
	ErrBodyTooLarge = errors.New("request body exceeds allowed size")
)

// DecodeJSON reads at most limit bytes and decodes a single JSON object into dst, rejecting
// unknown fields and trailing data.
func DecodeJSON(r *http.Request, limit int64, dst any) error {
	if r == nil || r.Body == nil {
		return ErrEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > limit {
		return ErrBodyTooLarge
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return ErrEmptyBody
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid JSON body: unexpected trailing data")
	}
	return nil
}

// WriteBodyError maps DecodeJSON failures onto the error envelope.
func WriteBodyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrBodyTooLarge):
		WriteError(r.Context(), w, NewError("payload_too_large", err.Error(), http.StatusRequestEntityTooLarge))
	default:
		WriteError(r.Context(), w, NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}
