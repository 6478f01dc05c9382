package venue

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Error taxonomy. Components branch on class, not on message text.
var (
	// ErrRetryable marks transient transport failures (timeout, 5xx,
	// rate limit). Bounded backoff applies.
	ErrRetryable = errors.New("transport retryable")

	// ErrFatal marks non-retryable transport failures (auth, 4xx writes).
	ErrFatal = errors.New("transport fatal")

	// ErrVenueMinimum marks amounts below lot size or unsupported symbols.
	ErrVenueMinimum = errors.New("below venue minimum")

	// ErrOrderNotFound is returned for cancel/query on a gone order.
	// Cancellation paths treat it as success.
	ErrOrderNotFound = errors.New("order not found")
)

// IsRetryable reports whether err belongs to the retryable transport class.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRetryable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// IsNotFound reports whether err is the venue's order-gone condition.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrOrderNotFound) {
		return true
	}
	// Venue error strings vary across endpoints.
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "not exist") {
		return true
	}
	return false
}

// classifyStatus maps an HTTP status to the taxonomy.
func classifyStatus(status int) error {
	switch {
	case status == 429 || status >= 500:
		return ErrRetryable
	case status >= 400:
		return ErrFatal
	default:
		return nil
	}
}
