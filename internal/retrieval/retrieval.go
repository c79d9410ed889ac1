// Package retrieval ranks workflow tasks against a query by cosine
// similarity over stored embeddings, optionally blended with a
// graph-structural prior and an attention-style rerank.
package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"

	"loom/internal/embedding"
	apperrors "loom/internal/errors"
	"loom/internal/logging"
	"loom/internal/store"
	"loom/internal/task"
)

// Config carries the engine defaults. Query fields override per call.
type Config struct {
	K              int
	MinSimilarity  float64
	Alpha          float64 // structural blend: final = (1-α)·cos + α·structural
	AttentionBlend float64 // rerank mix with the previous score
}

func (c Config) withDefaults() Config {
	if c.K <= 0 {
		c.K = 5
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = 0.3
	}
	if c.AttentionBlend <= 0 || c.AttentionBlend > 1 {
		c.AttentionBlend = 0.5
	}
	return c
}

// Query describes one retrieval request. Exactly one of Text or TaskID
// identifies the query; a task query enables the graph-aware stages.
type Query struct {
	WorkflowID string
	Text       string
	TaskID     int64
	K          int
	// MinSimilarity overrides the configured floor when set. A literal
	// 0 is honored, so absence is a nil pointer rather than a zero.
	MinSimilarity *float64
	UseStructural bool
	UseAttention  bool
	// ExcludeIDs drops candidates the caller already holds.
	ExcludeIDs []int64
}

// Match is one ranked candidate.
type Match struct {
	TaskID           int64   `json:"task_id"`
	Name             string  `json:"name"`
	Similarity       float64 `json:"similarity"`
	StructuralWeight float64 `json:"structural_weight,omitempty"`
	AttentionScore   float64 `json:"attention_score,omitempty"`
	CombinedScore    float64 `json:"combined_score"`
}

// Engine runs retrieval over the repository and embedding service.
type Engine struct {
	store    *store.Store
	embedder *embedding.Service
	cfg      Config
	logger   logging.Logger
}

// NewEngine builds a retrieval engine.
func NewEngine(st *store.Store, embedder *embedding.Service, cfg Config) *Engine {
	return &Engine{
		store:    st,
		embedder: embedder,
		cfg:      cfg.withDefaults(),
		logger:   logging.NewComponentLogger("retrieval"),
	}
}

// Search returns the top K candidates for the query, best first. Ties
// break by ascending task id. An empty candidate universe yields an
// empty result, not an error.
func (e *Engine) Search(ctx context.Context, q Query) ([]Match, error) {
	k := q.K
	if k <= 0 {
		k = e.cfg.K
	}
	minSim := e.cfg.MinSimilarity
	if q.MinSimilarity != nil {
		minSim = *q.MinSimilarity
	}

	queryVec, queryTask, err := e.queryVector(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(queryVec) == 0 {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "Retrieval needs a query text or task id.")
	}

	workflowID := q.WorkflowID
	if workflowID == "" && queryTask != nil {
		workflowID = queryTask.WorkflowID
	}

	candidates, err := e.store.TasksWithEmbeddings(ctx, workflowID, e.embedder.Model())
	if err != nil {
		return nil, err
	}

	exclude := make(map[int64]bool, len(q.ExcludeIDs)+1)
	for _, id := range q.ExcludeIDs {
		exclude[id] = true
	}
	if queryTask != nil {
		exclude[queryTask.ID] = true
	}

	matches := make([]Match, 0, len(candidates))
	for _, cand := range candidates {
		if exclude[cand.TaskID] {
			continue
		}
		if len(cand.Vector) != len(queryVec) {
			e.logger.Warn("task %d embedding has dimension %d, query has %d, skipping",
				cand.TaskID, len(cand.Vector), len(queryVec))
			continue
		}
		sim := clip(Cosine(queryVec, cand.Vector))
		if sim < minSim {
			continue
		}
		matches = append(matches, Match{TaskID: cand.TaskID, Similarity: sim, CombinedScore: sim})
	}
	if len(matches) == 0 {
		return nil, nil
	}

	// Shortlist 2k for the graph stages.
	sortMatches(matches)
	if len(matches) > 2*k {
		matches = matches[:2*k]
	}

	graphStages := queryTask != nil && (q.UseStructural || q.UseAttention)
	var graph *subgraph
	if graphStages {
		graph, err = e.buildSubgraph(ctx, queryTask, queryVec, matches, candidates)
		if err != nil {
			return nil, err
		}
	}
	if graph != nil && q.UseStructural {
		for i := range matches {
			w := graph.structuralWeight(queryTask.ID, matches[i].TaskID)
			matches[i].StructuralWeight = w
			matches[i].CombinedScore = (1-e.cfg.Alpha)*matches[i].Similarity + e.cfg.Alpha*w
		}
		sortMatches(matches)
	}
	if graph != nil && q.UseAttention {
		scores := graph.attentionScores(queryTask.ID, matches)
		for i := range matches {
			matches[i].AttentionScore = scores[matches[i].TaskID]
			matches[i].CombinedScore = (1-e.cfg.AttentionBlend)*matches[i].CombinedScore +
				e.cfg.AttentionBlend*matches[i].AttentionScore
		}
		sortMatches(matches)
	}

	if len(matches) > k {
		matches = matches[:k]
	}
	e.fillNames(ctx, matches)
	return matches, nil
}

// queryVector resolves the query embedding: the stored vector for a
// task query when present, otherwise the embedded query text.
func (e *Engine) queryVector(ctx context.Context, q Query) ([]float32, *task.Task, error) {
	if q.TaskID == 0 {
		if strings.TrimSpace(q.Text) == "" {
			return nil, nil, nil
		}
		vec, err := e.embedder.GetEmbedding(ctx, q.Text)
		return vec, nil, err
	}

	queryTask, err := e.store.GetTask(ctx, q.TaskID)
	if err != nil {
		return nil, nil, err
	}
	if vec, ok, err := e.store.GetTaskEmbedding(ctx, q.TaskID, e.embedder.Model()); err != nil {
		return nil, nil, err
	} else if ok {
		return vec, queryTask, nil
	}

	text, err := e.taskText(ctx, queryTask)
	if err != nil {
		return nil, nil, err
	}
	vec, err := e.embedder.GetEmbedding(ctx, text)
	return vec, queryTask, err
}

// taskText picks the most informative text for a task: output, then
// prompt, then name.
func (e *Engine) taskText(ctx context.Context, t *task.Task) (string, error) {
	if out, err := e.store.GetTaskOutput(ctx, t.ID); err != nil {
		return "", err
	} else if strings.TrimSpace(out) != "" {
		return out, nil
	}
	if in, err := e.store.GetTaskInput(ctx, t.ID); err != nil {
		return "", err
	} else if strings.TrimSpace(in) != "" {
		return in, nil
	}
	return t.Name, nil
}

func (e *Engine) fillNames(ctx context.Context, matches []Match) {
	ids := make([]int64, len(matches))
	for i, m := range matches {
		ids[i] = m.TaskID
	}
	tasks, err := e.store.GetTasks(ctx, ids)
	if err != nil {
		e.logger.Warn("resolve match names: %v", err)
		return
	}
	names := make(map[int64]string, len(tasks))
	for _, t := range tasks {
		names[t.ID] = t.Name
	}
	for i := range matches {
		matches[i].Name = names[matches[i].TaskID]
	}
}

// sortMatches orders by descending combined score, ascending id on ties.
func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].CombinedScore != matches[j].CombinedScore {
			return matches[i].CombinedScore > matches[j].CombinedScore
		}
		return matches[i].TaskID < matches[j].TaskID
	})
}

// Cosine returns the cosine similarity of two equal-length vectors.
// Zero-norm inputs score 0.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clip(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
