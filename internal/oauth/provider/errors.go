package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"
)

// UpstreamError is a failed call to a provider endpoint. StatusCode is zero
// when no response was received.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
	Retryable  bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("provider %s unreachable: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is an UpstreamError worth retrying later.
func IsRetryable(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Retryable
}

// retryableStatus reports whether a provider response status is transient.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// transportError wraps an error returned before any response arrived.
// Timeouts, network errors and an open breaker are all retryable; a canceled
// caller context is passed through unchanged.
func transportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &UpstreamError{Provider: provider, Err: err, Retryable: true}
}

// breakerError reports whether err is the breaker refusing a call.
func breakerError(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
