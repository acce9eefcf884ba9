package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors surfaced by the client.
var (
	// ErrBreakerOpen is returned without any network activity while the
	// circuit breaker is open.
	ErrBreakerOpen = errors.New("exchange: circuit breaker open")

	// ErrRetriesExhausted wraps the last attempt's error once the retry
	// budget is spent.
	ErrRetriesExhausted = errors.New("exchange: retries exhausted")
)

// APIError is a non-2xx response from the exchange info endpoint.
type APIError struct {
	Status int
	Op     string // the info request type, e.g. "openOrders"
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: %s: status %d: %s", e.Op, e.Status, e.Body)
}

// Retryable reports whether the error class is worth another attempt.
// Client errors (4xx) are the caller's fault and never retried; server
// errors, timeouts and network failures are transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Deadline overruns and raw network errors are transient.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// resty wraps transport errors; anything that is not an APIError and
	// not a cancellation is treated as a network-level failure.
	return true
}
