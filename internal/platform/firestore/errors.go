package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nn-hair/storefront/internal/repositories"
)

// WrapError classifies a Firestore error by its gRPC status. Context cancellations are passed
// through untouched so callers can tell them apart from backend failures.
func WrapError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var storeErr *repositories.StoreError
	if errors.As(err, &storeErr) {
		return err
	}
	return repositories.NewStoreError(op, key, kindOf(status.Code(err)), err)
}

func kindOf(code codes.Code) repositories.ErrorKind {
	switch code {
	case codes.NotFound:
		return repositories.ErrorKindNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return repositories.ErrorKindConflict
	case codes.ResourceExhausted, codes.OutOfRange:
		return repositories.ErrorKindQuota
	case codes.Unavailable, codes.Internal, codes.DeadlineExceeded, codes.Canceled:
		return repositories.ErrorKindUnavailable
	}
	return repositories.ErrorKindUnknown
}
