package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultTimeout bounds a single read-check-write unit against the durable store.
	DefaultTimeout = 3 * time.Second

	reasonStoreUnavailable = "store_unavailable"
)

// ErrUnavailable marks durable-store failures. Callers may retry with backoff.
var ErrUnavailable = errors.New("storage: unavailable")

// ServiceError carries a stable "<operation>.<reason>" code for a failed operation.
type ServiceError struct {
	code        string
	err         error
	unavailable bool
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Is reports ErrUnavailable for store failures regardless of the wrapped cause.
func (e *ServiceError) Is(target error) bool {
	return e.unavailable && target == ErrUnavailable
}

// Code returns the machine-readable error code.
func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError for a non-store failure such as a missing dependency.
func NewServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Unavailable wraps a durable-store failure observed by the operation.
func Unavailable(operation string, cause error) error {
	return &ServiceError{
		code:        fmt.Sprintf("%s.%s", operation, reasonStoreUnavailable),
		err:         cause,
		unavailable: true,
	}
}

// IsUnavailable reports whether err is a durable-store failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// ErrorCode extracts the ServiceError code from err, or returns "".
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}

// WithTimeout derives a context bounded by timeout. Non-positive values fall back to DefaultTimeout.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
