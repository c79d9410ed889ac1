package httpclient

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "loom/internal/errors"
)

func TestReadBodyWithinLimit(t *testing.T) {
	payload := []byte("hello")

	got, err := ReadBody(bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadBodyTooLarge(t *testing.T) {
	_, err := ReadBody(bytes.NewReader([]byte("hello")), 2)
	require.Error(t, err)

	var tooLarge ResponseTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, int64(2), tooLarge.Limit)
}

func TestReadBodyUnlimited(t *testing.T) {
	payload := []byte("hello")

	got, err := ReadBody(bytes.NewReader(payload), 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestBreakerTransportOpensOnServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, breaker := NewWithBreaker(time.Second, "test-provider", apperrors.BreakerOptions{
		FailureThreshold: 2,
	})

	for i := 0; i < 2; i++ {
		resp, err := client.Get(server.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}
	require.Equal(t, apperrors.BreakerOpen, breaker.State())

	_, err := client.Get(server.URL)
	require.Error(t, err)
	assert.True(t, apperrors.IsDegraded(err))
}
