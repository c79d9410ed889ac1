// Package httpclient builds the outbound HTTP clients used by the LLM
// and embedding providers.
package httpclient

import (
	"net/http"
	"time"

	apperrors "loom/internal/errors"
)

// New returns an http.Client configured for outbound provider calls.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// NewWithBreaker builds an HTTP client whose transport is guarded by a
// circuit breaker named after the provider.
func NewWithBreaker(timeout time.Duration, name string, opts apperrors.BreakerOptions) (*http.Client, *apperrors.Breaker) {
	breaker := apperrors.NewBreaker(name, opts)
	client := New(timeout)
	client.Transport = WrapTransportWithBreaker(client.Transport, breaker)
	return client, breaker
}
