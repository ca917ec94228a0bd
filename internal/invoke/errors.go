package invoke

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrCircuitOpen matches any [*CircuitOpenError] via errors.Is.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitOpenError is returned without invoking the operation while the
// breaker is open and its cooldown has not elapsed.
type CircuitOpenError struct {
	Operation string
	Failures  int
	RetryAt   time.Time
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: circuit breaker open after %d consecutive failures, retry after %s",
		e.Operation, e.Failures, e.RetryAt.Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrCircuitOpen) match.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// BackendError is returned when an operation fails for good: either the
// retries ran out on a transient error, or the error was classified as
// non-recoverable and never retried.
type BackendError struct {
	Operation string
	Err       error
	Transient bool
	Attempts  int
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Transient {
		return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Operation, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failed with non-recoverable error: %v", e.Operation, e.Err)
}

// Unwrap returns the last error from the operation.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// classified overrides the keyword heuristics for one error.
type classified struct {
	err       error
	transient bool
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Permanent marks err as non-recoverable so it is never retried, whatever
// its message says.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, transient: false}
}

// Transient marks err as recoverable, whatever its message says.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, transient: true}
}

// recoverableKeywords are matched case-insensitively against the error
// text. Backends surface their conditions as strings, so this is the
// only portable signal we have.
var recoverableKeywords = []string{
	"network",
	"timeout",
	"connection",
	"temporary",
	"unavailable",
	"busy",
	"overloaded",
	"rate limit",
	"throttled",
}

// IsTransient reports whether err is worth retrying. Explicit marks win,
// caller cancellation never retries, network timeouts always do, and
// everything else falls back to keyword matching.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var c *classified
	if errors.As(err, &c) {
		return c.transient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range recoverableKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
