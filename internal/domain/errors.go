package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Category sentinels — wrap with NewDomainError to add operation context.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDisabled     = fmt.Errorf("disabled")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrCancelled    = fmt.Errorf("cancelled")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Sentinel errors for the engine.
var (
	ErrScheduleNotFound   = fmt.Errorf("schedule %w", ErrNotFound)
	ErrRunNotFound        = fmt.Errorf("task run %w", ErrNotFound)
	ErrSessionNotFound    = fmt.Errorf("session %w", ErrNotFound)
	ErrFetcherNotFound    = fmt.Errorf("context fetcher %w", ErrNotFound)
	ErrHandlerNotFound    = fmt.Errorf("delivery handler %w", ErrNotFound)
	ErrScheduleDisabled   = fmt.Errorf("schedule %w", ErrDisabled)
	ErrRunTerminal        = fmt.Errorf("task run already terminal")
	ErrBadExpression      = fmt.Errorf("invalid calendar expression")
	ErrBackendUnavailable = fmt.Errorf("execution backend unavailable")
	ErrDeliveryFailed     = fmt.Errorf("delivery failed")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "Queue.Cancel")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsConnectivityError reports whether err is a connectivity-class failure
// against a remote collaborator: connection refused, connection reset, or
// name resolution. These get extra diagnostic logging for operational
// triage but follow the same retry contract as any other failure.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsCancellation reports whether err stems from context cancellation rather
// than a real failure. Deadline expiry is not cancellation; it follows the
// retry contract and terminates as timeout.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled)
}
