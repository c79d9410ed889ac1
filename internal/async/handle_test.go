package async

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/logging"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(Options{Logger: logging.Nop(), SweepInterval: time.Hour})
	t.Cleanup(m.Close)
	return m
}

func TestLaunchAwait(t *testing.T) {
	m := newTestManager(t)

	h := Launch(m, t.Context(), "embed_batch", func(ctx context.Context) (int, error) {
		return 42, nil
	})

	value, err := h.Await(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Equal(t, StatusDone, h.Poll())
	assert.Equal(t, "embed_batch", h.Kind())
}

func TestLaunchFailure(t *testing.T) {
	m := newTestManager(t)
	boom := errors.New("provider down")

	h := Launch(m, t.Context(), "embed_batch", func(ctx context.Context) ([]float32, error) {
		return nil, boom
	})

	_, err := h.Await(t.Context())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StatusFailed, h.Poll())
}

func TestCancelDoesNotWaitForWork(t *testing.T) {
	m := newTestManager(t)
	release := make(chan struct{})

	h := Launch(m, t.Context(), "precompute", func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})

	h.Cancel()
	start := time.Now()
	_, err := h.Await(t.Context())
	close(release)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, h.Poll())
	assert.Less(t, time.Since(start), time.Second)
}

func TestLaunchPanicSettlesAsFailed(t *testing.T) {
	m := newTestManager(t)

	h := Launch(m, t.Context(), "embed_single", func(ctx context.Context) (int, error) {
		panic("bad vector math")
	})

	_, err := h.Await(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, StatusFailed, h.Poll())
}

func TestAwaitHonorsCallerContext(t *testing.T) {
	m := newTestManager(t)
	release := make(chan struct{})
	defer close(release)

	h := Launch(m, t.Context(), "precompute", func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := h.Await(ctx)
	require.ErrorIs(t, err, context.Canceled)
	// The task itself is still running.
	assert.Equal(t, StatusRunning, h.Poll())
}

func TestAwaitSharedAcrossCallers(t *testing.T) {
	m := newTestManager(t)

	h := Launch(m, t.Context(), "embed_batch", func(ctx context.Context) (string, error) {
		return "vec", nil
	})

	first, err := h.Await(t.Context())
	require.NoError(t, err)
	second, err := h.Await(t.Context())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
