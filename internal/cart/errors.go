package cart

import "errors"

var (
	// ErrPersistFailed wraps storage write failures. The cart keeps its last persisted state.
	ErrPersistFailed = errors.New("cart: persist failed")
	// ErrInvalidItem rejects descriptors without an id or with a negative price.
	ErrInvalidItem = errors.New("cart: invalid item")
	// ErrQuantityLimit rejects a change that would take a line past the engine's cap.
	ErrQuantityLimit = errors.New("cart: quantity limit exceeded")
	// ErrUnsupportedVersion is returned when a slot was written by a newer schema.
	ErrUnsupportedVersion = errors.New("cart: unsupported slot version")
	// ErrCorruptSlot marks slot contents that are not valid cart JSON.
	ErrCorruptSlot = errors.New("cart: corrupt slot")
)
