package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	apperrors "loom/internal/errors"
)

// breakerTransport reports every round trip outcome to a circuit
// breaker. Responses with 5xx or 429 status count as failures even
// though the transport itself succeeded.
type breakerTransport struct {
	base    http.RoundTripper
	breaker *apperrors.Breaker
}

// WrapTransportWithBreaker guards base with the given breaker. A nil
// base falls back to http.DefaultTransport.
func WrapTransportWithBreaker(base http.RoundTripper, breaker *apperrors.Breaker) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &breakerTransport{base: base, breaker: breaker}
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}

	resp, err := t.base.RoundTrip(req)
	t.breaker.Mark(outcome(resp, err))
	return resp, err
}

// outcome maps a round trip result to the error the breaker should
// count. A cancelled request is the caller giving up, not a provider
// failure, so it counts as success.
func outcome(resp *http.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	return nil
}
