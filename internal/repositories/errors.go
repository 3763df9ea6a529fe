package repositories

import (
	"errors"
	"fmt"
)

// ErrorKind categorises a StoreError.
type ErrorKind string

const (
	ErrorKindUnknown     ErrorKind = "unknown"
	ErrorKindNotFound    ErrorKind = "not_found"
	ErrorKindConflict    ErrorKind = "conflict"
	ErrorKindUnavailable ErrorKind = "unavailable"
	// ErrorKindQuota marks writes rejected because the value exceeds the configured size limit.
	ErrorKindQuota ErrorKind = "quota_exceeded"
)

// StoreError is the RepositoryError returned by the slot store implementations.
type StoreError struct {
	Op   string
	Key  string
	Kind ErrorKind
	Err  error
}

var _ RepositoryError = (*StoreError)(nil)

// NewStoreError constructs a typed store error.
func NewStoreError(op, key string, kind ErrorKind, err error) *StoreError {
	if kind == "" {
		kind = ErrorKindUnknown
	}
	return &StoreError{Op: op, Key: key, Kind: kind, Err: err}
}

// NotFound is shorthand for a not-found StoreError.
func NotFound(op, key string) *StoreError {
	return NewStoreError(op, key, ErrorKindNotFound, nil)
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Key != "" {
		msg = fmt.Sprintf("%s %q", msg, e.Key)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying error, if any.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StoreError) IsNotFound() bool { return e != nil && e.Kind == ErrorKindNotFound }

func (e *StoreError) IsConflict() bool { return e != nil && e.Kind == ErrorKindConflict }

// IsUnavailable reports transient backend failures and quota rejections.
func (e *StoreError) IsUnavailable() bool {
	return e != nil && (e.Kind == ErrorKindUnavailable || e.Kind == ErrorKindQuota)
}

// IsNotFound reports whether err carries a RepositoryError in the not-found category.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsUnavailable reports whether err carries a RepositoryError in the unavailable category.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// CheckSize enforces a byte quota on a value about to be written. A non-positive limit disables it.
func CheckSize(op, key string, value []byte, limit int) error {
	if limit > 0 && len(value) > limit {
		return NewStoreError(op, key, ErrorKindQuota, fmt.Errorf("value of %d bytes exceeds limit of %d", len(value), limit))
	}
	return nil
}
