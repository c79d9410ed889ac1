package retrieval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/async"
	"loom/internal/cache"
	"loom/internal/embedding"
	"loom/internal/store"
	"loom/internal/task"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *store.Store, *embedding.Service) {
	t.Helper()
	st, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	kv, err := cache.New(cache.Options{MaxEntries: 256})
	require.NoError(t, err)
	embCache := cache.NewEmbeddingCache(kv)
	t.Cleanup(func() { _ = embCache.Close() })

	manager := async.NewManager(async.Options{SweepInterval: time.Hour})
	t.Cleanup(manager.Close)

	svc := embedding.NewService(embedding.NewMockClient("m", 8), embCache, manager,
		embedding.ServiceConfig{BatchSize: 16, RetryDelay: time.Millisecond}, nil)
	return NewEngine(st, svc, cfg), st, svc
}

// seedTask creates a task under parent and stores vec as its embedding.
func seedTask(t *testing.T, st *store.Store, parent *int64, name string, vec []float32) *task.Task {
	t.Helper()
	created, err := st.CreateTask(t.Context(), store.CreateTaskParams{ParentID: parent, Name: name})
	require.NoError(t, err)
	if vec != nil {
		require.NoError(t, st.StoreTaskEmbedding(t.Context(), created.ID, vec, "m"))
	}
	return created
}

// embedText routes a text through the service so the stored vector
// matches what a query for the same text resolves to.
func embedText(t *testing.T, svc *embedding.Service, text string) []float32 {
	t.Helper()
	vec, err := svc.GetEmbedding(context.Background(), text)
	require.NoError(t, err)
	return vec
}

func floor(v float64) *float64 { return &v }

func TestSearchRanksByCosine(t *testing.T) {
	engine, st, _ := newTestEngine(t, Config{K: 2})
	root := seedTask(t, st, nil, "root", []float32{1, 0.1, 0, 0, 0, 0, 0, 0})
	near := seedTask(t, st, &root.ID, "near", []float32{1, 0, 0, 0, 0, 0, 0, 0})
	mid := seedTask(t, st, &root.ID, "mid", []float32{1, 1, 0, 0, 0, 0, 0, 0})
	seedTask(t, st, &root.ID, "far", []float32{-1, 0, 0, 0, 0, 0, 0, 0})

	matches, err := engine.Search(t.Context(), Query{
		WorkflowID:    root.WorkflowID,
		TaskID:        root.ID,
		K:             2,
		MinSimilarity: floor(0.1),
	})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, near.ID, matches[0].TaskID)
	assert.Equal(t, mid.ID, matches[1].TaskID)
	assert.Equal(t, "near", matches[0].Name)
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
	assert.NotContains(t, []int64{matches[0].TaskID, matches[1].TaskID}, root.ID,
		"query task excluded from its own results")
}

func TestSearchMinSimilarityFloor(t *testing.T) {
	engine, st, _ := newTestEngine(t, Config{K: 5})
	root := seedTask(t, st, nil, "root", []float32{1, 0, 0, 0, 0, 0, 0, 0})
	seedTask(t, st, &root.ID, "orthogonal", []float32{0, 1, 0, 0, 0, 0, 0, 0})
	seedTask(t, st, &root.ID, "opposite", []float32{-1, 0, 0, 0, 0, 0, 0, 0})

	matches, err := engine.Search(t.Context(), Query{
		WorkflowID:    root.WorkflowID,
		TaskID:        root.ID,
		MinSimilarity: floor(0.5),
	})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSearchByTextQuery(t *testing.T) {
	engine, st, svc := newTestEngine(t, Config{K: 3, MinSimilarity: 0.99})
	root := seedTask(t, st, nil, "root", nil)
	hit := seedTask(t, st, &root.ID, "hit", embedText(t, svc, "shared topic"))
	seedTask(t, st, &root.ID, "miss", embedText(t, svc, "something else entirely"))

	matches, err := engine.Search(t.Context(), Query{
		WorkflowID:    root.WorkflowID,
		Text:          "shared topic",
		MinSimilarity: floor(0.99),
	})
	require.NoError(t, err)
	require.Len(t, matches, 1, "only the identical text clears a 0.99 floor")
	assert.Equal(t, hit.ID, matches[0].TaskID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
}

func TestSearchWorkflowIsolation(t *testing.T) {
	engine, st, svc := newTestEngine(t, Config{K: 5})
	rootA := seedTask(t, st, nil, "workflow a", nil)
	seedTask(t, st, &rootA.ID, "a child", embedText(t, svc, "common text"))
	rootB := seedTask(t, st, nil, "workflow b", nil)
	inB := seedTask(t, st, &rootB.ID, "b child", embedText(t, svc, "common text"))

	matches, err := engine.Search(t.Context(), Query{
		WorkflowID:    rootB.WorkflowID,
		Text:          "common text",
		MinSimilarity: floor(0.5),
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, inB.ID, matches[0].TaskID)
}

func TestSearchSkipsMismatchedDimensions(t *testing.T) {
	engine, st, _ := newTestEngine(t, Config{K: 5})
	root := seedTask(t, st, nil, "root", []float32{1, 0, 0, 0, 0, 0, 0, 0})
	good := seedTask(t, st, &root.ID, "good", []float32{1, 0, 0, 0, 0, 0, 0, 0})
	seedTask(t, st, &root.ID, "ragged", []float32{1, 0})

	matches, err := engine.Search(t.Context(), Query{
		WorkflowID:    root.WorkflowID,
		TaskID:        root.ID,
		MinSimilarity: floor(0.1),
	})
	require.NoError(t, err, "a bad candidate vector never fails the query")
	require.Len(t, matches, 1)
	assert.Equal(t, good.ID, matches[0].TaskID)
}

func TestSearchExcludesGivenIDs(t *testing.T) {
	engine, st, _ := newTestEngine(t, Config{K: 5})
	root := seedTask(t, st, nil, "root", []float32{1, 0, 0, 0, 0, 0, 0, 0})
	a := seedTask(t, st, &root.ID, "a", []float32{1, 0, 0, 0, 0, 0, 0, 0})
	b := seedTask(t, st, &root.ID, "b", []float32{1, 0, 0, 0, 0, 0, 0, 0})

	matches, err := engine.Search(t.Context(), Query{
		WorkflowID:    root.WorkflowID,
		TaskID:        root.ID,
		MinSimilarity: floor(0.1),
		ExcludeIDs:    []int64{a.ID},
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, b.ID, matches[0].TaskID)
}

func TestSearchTieBreaksByID(t *testing.T) {
	engine, st, _ := newTestEngine(t, Config{K: 3})
	root := seedTask(t, st, nil, "root", []float32{1, 0, 0, 0, 0, 0, 0, 0})
	first := seedTask(t, st, &root.ID, "first", []float32{2, 0, 0, 0, 0, 0, 0, 0})
	second := seedTask(t, st, &root.ID, "second", []float32{3, 0, 0, 0, 0, 0, 0, 0})

	matches, err := engine.Search(t.Context(), Query{
		WorkflowID:    root.WorkflowID,
		TaskID:        root.ID,
		MinSimilarity: floor(0.5),
	})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	// Both candidates are exactly parallel to the query.
	assert.Equal(t, matches[0].Similarity, matches[1].Similarity)
	assert.Equal(t, first.ID, matches[0].TaskID)
	assert.Equal(t, second.ID, matches[1].TaskID)
}

func TestSearchEmptyUniverse(t *testing.T) {
	engine, st, _ := newTestEngine(t, Config{})
	root := seedTask(t, st, nil, "root", []float32{1, 0, 0, 0, 0, 0, 0, 0})

	matches, err := engine.Search(t.Context(), Query{WorkflowID: root.WorkflowID, TaskID: root.ID})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSearchRequiresTextOrTask(t *testing.T) {
	engine, _, _ := newTestEngine(t, Config{})

	_, err := engine.Search(t.Context(), Query{WorkflowID: "wf-1-deadbeef"})
	require.Error(t, err)
}

func TestSearchQueryTaskFallsBackToOutputText(t *testing.T) {
	engine, st, svc := newTestEngine(t, Config{K: 3})
	root := seedTask(t, st, nil, "root", nil)
	query := seedTask(t, st, &root.ID, "query", nil)
	require.NoError(t, st.UpsertTaskOutput(t.Context(), query.ID, "the query output text"))
	hit := seedTask(t, st, &root.ID, "hit", embedText(t, svc, "the query output text"))

	matches, err := engine.Search(t.Context(), Query{
		WorkflowID:    root.WorkflowID,
		TaskID:        query.ID,
		MinSimilarity: floor(0.99),
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, hit.ID, matches[0].TaskID)
}
