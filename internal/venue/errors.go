// errors.go defines the error taxonomy shared by every venue adapter.
//
// Adapters normalize all failures into *APIError so the rest of the engine
// can classify without knowing venue formats: the retry layer asks
// IsRetryable, the breakers ask IsAuth, the executor asks
// IsInsufficientBalance and IsNotFound. Venue-specific detail (HTTP status,
// venue error code, raw message) rides along for logging.
package venue

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel causes wrapped by APIError when the failure is classifiable.
var (
	// ErrReadOnly means the adapter has no credentials; trading calls
	// fail fast without touching the network.
	ErrReadOnly = errors.New("read-only venue: credentials not configured")

	// ErrOrderNotFound means the venue does not know the order id.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInsufficientBalance means the venue refused an order for lack
	// of funds.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidSymbol means the venue rejected the symbol rendering.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrOrderRejected is a business rejection that is not a balance or
	// symbol problem (price bounds, size steps, closed market).
	ErrOrderRejected = errors.New("order rejected")
)

// APIError is a failed venue call. Status is the HTTP status code, zero
// for transport-level failures. Code carries the venue's own error code
// string when the response had one.
type APIError struct {
	Venue   string
	Op      string // "fetch_orderbook", "place_order", ...
	Status  int
	Code    string
	Message string
	Err     error // sentinel cause or transport error
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Venue, e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": code %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.Err }

// newAPIError builds the common case: an HTTP response the venue rejected.
func newAPIError(venueName, op string, status int, code, message string) *APIError {
	err := &APIError{Venue: venueName, Op: op, Status: status, Code: code, Message: message}
	err.Err = classify(status, code, message)
	return err
}

// newTransportError wraps a failure below the HTTP layer.
func newTransportError(venueName, op string, cause error) *APIError {
	return &APIError{Venue: venueName, Op: op, Err: cause}
}

// classify maps a venue response onto a sentinel where the shape is
// recognizable. Venue error vocabularies differ, so this matches loosely
// on the code and message text.
func classify(status int, code, message string) error {
	if status == http.StatusNotFound {
		return ErrOrderNotFound
	}
	lowered := strings.ToLower(code + " " + message)
	switch {
	case strings.Contains(lowered, "insufficient") || strings.Contains(lowered, "overvalue") || strings.Contains(lowered, "balance"):
		return ErrInsufficientBalance
	case strings.Contains(lowered, "not found") || strings.Contains(lowered, "notfound"):
		return ErrOrderNotFound
	case strings.Contains(lowered, "invalid") && (strings.Contains(lowered, "symbol") || strings.Contains(lowered, "market")):
		return ErrInvalidSymbol
	}
	return nil
}

// IsRetryable reports whether the failure is transient: a transport error,
// a 5xx, or a 429. Business and auth failures are never retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if errors.Is(apiErr.Err, ErrReadOnly) {
		return false
	}
	if apiErr.Status == 0 {
		return apiErr.Err != nil // transport failure
	}
	return apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests
}

// IsAuth reports an authentication or authorization failure, including
// calls refused locally in read-only mode.
func IsAuth(err error) bool {
	if errors.Is(err, ErrReadOnly) {
		return true
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
}

// IsRateLimited reports a 429 response.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusTooManyRequests
}

// IsNotFound reports that the venue does not know the order.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}

// IsInsufficientBalance reports a funds rejection.
func IsInsufficientBalance(err error) bool {
	return errors.Is(err, ErrInsufficientBalance)
}
