package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorKind classifies a remote call failure.
type ErrorKind string

const (
	KindRateLimit ErrorKind = "RATE_LIMIT"
	KindNetwork   ErrorKind = "NETWORK"
	KindTimeout   ErrorKind = "TIMEOUT"
	KindAPIError  ErrorKind = "API_ERROR"
	KindNotFound  ErrorKind = "NOT_FOUND"
)

// GatewayError wraps a failed CRM call with its classification.
type GatewayError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	// RetryAfter carries the CRM's Retry-After hint on rate limiting.
	RetryAfter time.Duration
	Cause      error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, fmt.Sprintf("crm gateway error (%s)", strings.ToLower(string(e.Kind))))

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// KindOf extracts the classification of an error chain. Plain network
// and deadline errors classify without a GatewayError wrapper.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	return KindNetwork
}

// IsRateLimited reports whether the CRM signalled rate limiting; the
// worker halts dispatch for the session when it does.
func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimit
}

// IsNotFound reports whether the remote record does not exist.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// RetryAfterOf extracts the CRM's Retry-After hint, zero when absent.
func RetryAfterOf(err error) time.Duration {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.RetryAfter
	}
	return 0
}

// IsTransient reports whether the failure is recoverable through an
// explicit resume or retry.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindNetwork, KindTimeout:
		return true
	}
	return false
}
