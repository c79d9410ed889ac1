package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/async"
	"loom/internal/cache"
	apperrors "loom/internal/errors"
)

func newTestService(t *testing.T, client Client, cfg ServiceConfig) *Service {
	t.Helper()
	kv, err := cache.New(cache.Options{MaxEntries: 128})
	require.NoError(t, err)
	embCache := cache.NewEmbeddingCache(kv)
	t.Cleanup(func() { _ = embCache.Close() })

	manager := async.NewManager(async.Options{SweepInterval: time.Hour})
	t.Cleanup(manager.Close)

	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	return NewService(client, embCache, manager, cfg, nil)
}

func TestGetEmbeddingsHitsCacheOnSecondCall(t *testing.T) {
	mock := NewMockClient("m", 8)
	svc := newTestService(t, mock, ServiceConfig{BatchSize: 10})
	texts := []string{"alpha", "beta", "gamma"}

	first, err := svc.GetEmbeddings(t.Context(), texts)
	require.NoError(t, err)
	require.Len(t, first, 3)
	require.Equal(t, 1, mock.CallCount())

	second, err := svc.GetEmbeddings(t.Context(), texts)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, mock.CallCount(), "all hits, no provider call")
}

func TestGetEmbeddingsDropsEmptySlots(t *testing.T) {
	mock := NewMockClient("m", 8)
	svc := newTestService(t, mock, ServiceConfig{BatchSize: 10})

	vectors, err := svc.GetEmbeddings(t.Context(), []string{"alpha", "   ", "beta", ""})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, mock.vectorFor("alpha"), vectors[0])
	assert.Equal(t, mock.vectorFor("beta"), vectors[1])

	require.Equal(t, 1, mock.CallCount())
	assert.Equal(t, []string{"alpha", "beta"}, mock.Calls()[0], "empty slots never reach the provider")
}

func TestGetEmbeddingsAllEmpty(t *testing.T) {
	mock := NewMockClient("m", 8)
	svc := newTestService(t, mock, ServiceConfig{})

	vectors, err := svc.GetEmbeddings(t.Context(), []string{"", "  "})
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Zero(t, mock.CallCount())

	vectors, err = svc.GetEmbeddings(t.Context(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestGetEmbeddingsDeduplicatesWithinBatch(t *testing.T) {
	mock := NewMockClient("m", 8)
	svc := newTestService(t, mock, ServiceConfig{BatchSize: 10})

	vectors, err := svc.GetEmbeddings(t.Context(), []string{"a", "b", "a"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, vectors[0], vectors[2])

	require.Equal(t, 1, mock.CallCount())
	assert.Equal(t, []string{"a", "b"}, mock.Calls()[0], "duplicates share one provider slot")

	_, err = svc.GetEmbeddings(t.Context(), []string{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, mock.CallCount(), "second call is fully cached")
}

func TestGetEmbeddingsOnlyComputesMisses(t *testing.T) {
	mock := NewMockClient("m", 8)
	svc := newTestService(t, mock, ServiceConfig{BatchSize: 10})

	warm, err := svc.GetEmbedding(t.Context(), "beta")
	require.NoError(t, err)
	require.Equal(t, 1, mock.CallCount())

	vectors, err := svc.GetEmbeddings(t.Context(), []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, warm, vectors[1])

	require.Equal(t, 2, mock.CallCount())
	assert.Equal(t, []string{"alpha", "gamma"}, mock.Calls()[1])
}

func TestGetEmbeddingsSplitsIntoSubBatches(t *testing.T) {
	mock := NewMockClient("m", 4)
	svc := newTestService(t, mock, ServiceConfig{BatchSize: 2, Concurrency: 2})
	texts := []string{"a", "b", "c", "d", "e"}

	vectors, err := svc.GetEmbeddings(t.Context(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 5)

	assert.Equal(t, 3, mock.CallCount())
	for _, call := range mock.Calls() {
		assert.LessOrEqual(t, len(call), 2)
	}
	for i, text := range texts {
		assert.Equal(t, mock.vectorFor(text), vectors[i], "order preserved across sub-batches")
	}
}

func TestGetEmbeddingEmptyText(t *testing.T) {
	svc := newTestService(t, NewMockClient("m", 8), ServiceConfig{})

	_, err := svc.GetEmbedding(t.Context(), "   ")
	require.Error(t, err)
	appErr, ok := apperrors.AsApp(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeInvalidArgument, appErr.Code)
}

// flakyClient fails the first n attempts with a transient error, then
// delegates to the mock.
type flakyClient struct {
	*MockClient
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.attempts++
	shouldFail := f.failures > 0
	if shouldFail {
		f.failures--
	}
	f.mu.Unlock()
	if shouldFail {
		return nil, apperrors.NewTransientError(errors.New("connection reset"), "Provider hiccup. Retrying.")
	}
	return f.MockClient.Embed(ctx, texts)
}

func TestGetEmbeddingsRetriesTransientFailures(t *testing.T) {
	flaky := &flakyClient{MockClient: NewMockClient("m", 8), failures: 1}
	svc := newTestService(t, flaky, ServiceConfig{BatchSize: 10, MaxRetries: 2})

	vectors, err := svc.GetEmbeddings(t.Context(), []string{"alpha"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, 2, flaky.attempts)
}

func TestGetEmbeddingsSurfacesExhaustedRetries(t *testing.T) {
	flaky := &flakyClient{MockClient: NewMockClient("m", 8), failures: 10}
	svc := newTestService(t, flaky, ServiceConfig{BatchSize: 10, MaxRetries: 2})

	_, err := svc.GetEmbeddings(t.Context(), []string{"alpha"})
	require.Error(t, err)
	assert.Equal(t, 3, flaky.attempts, "first attempt plus two retries")
}

func TestGetEmbeddingsPermanentErrorStopsRetrying(t *testing.T) {
	mock := NewMockClient("m", 8)
	mock.Fail = apperrors.NewPermanentError(errors.New("bad key"), "Authentication failed.")
	svc := newTestService(t, mock, ServiceConfig{BatchSize: 10, MaxRetries: 3})

	_, err := svc.GetEmbeddings(t.Context(), []string{"alpha"})
	require.Error(t, err)
	assert.Equal(t, 1, mock.CallCount())
}

// narrowClient reports one dimension but returns another.
type narrowClient struct{ *MockClient }

func (n *narrowClient) Dimension() int { return n.Dim + 1 }

func TestGetEmbeddingsRejectsDimensionMismatch(t *testing.T) {
	narrow := &narrowClient{MockClient: NewMockClient("m", 8)}
	svc := newTestService(t, narrow, ServiceConfig{BatchSize: 10, MaxRetries: 3})

	_, err := svc.GetEmbeddings(t.Context(), []string{"alpha"})
	require.Error(t, err)
	assert.True(t, apperrors.IsPermanent(err))
	assert.Equal(t, 1, narrow.CallCount(), "dimension mismatch is not retried")
}

func TestGetEmbeddingsAsyncAwait(t *testing.T) {
	mock := NewMockClient("m", 8)
	svc := newTestService(t, mock, ServiceConfig{BatchSize: 10})

	handle := svc.GetEmbeddingsAsync(t.Context(), []string{"alpha", "beta"})
	assert.Equal(t, KindEmbedBatch, handle.Kind())

	vectors, err := handle.Await(t.Context())
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	assert.Equal(t, uint64(1), svc.Manager().Stats().Launched[KindEmbedBatch])
}

func TestGetSingleEmbeddingAsync(t *testing.T) {
	svc := newTestService(t, NewMockClient("m", 8), ServiceConfig{})

	handle := svc.GetSingleEmbeddingAsync(t.Context(), "alpha")
	vector, err := handle.Await(t.Context())
	require.NoError(t, err)
	assert.Len(t, vector, 8)
}

func TestPrecomputeAsyncReportsProgress(t *testing.T) {
	mock := NewMockClient("m", 8)
	svc := newTestService(t, mock, ServiceConfig{BatchSize: 2})

	var progress [][2]int
	handle := svc.PrecomputeAsync(t.Context(), []string{"a", "b", "c", "d", "e"}, func(done, total int) {
		progress = append(progress, [2]int{done, total})
	})

	embedded, err := handle.Await(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 5, embedded)
	assert.Equal(t, [][2]int{{2, 5}, {4, 5}, {5, 5}}, progress)
}

func TestPrecomputeAsyncSkipsEmptyTexts(t *testing.T) {
	mock := NewMockClient("m", 8)
	svc := newTestService(t, mock, ServiceConfig{BatchSize: 10})

	handle := svc.PrecomputeAsync(t.Context(), []string{"a", "", "b"}, nil)
	embedded, err := handle.Await(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, embedded, "empty slots are processed but not embedded")
}
