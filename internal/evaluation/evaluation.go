// Package evaluation scores task outputs and drives the
// execute/evaluate/re-execute loop that gates task completion.
package evaluation

import (
	"context"
	"sort"
	"strings"

	"loom/internal/task"
)

// Dimension names scored by every evaluator.
const (
	DimCompleteness = "completeness"
	DimAccuracy     = "accuracy"
	DimClarity      = "clarity"
	DimRelevance    = "relevance"
	DimCoherence    = "coherence"
)

// DimensionWeights blend per-dimension scores into the overall score.
var DimensionWeights = map[string]float64{
	DimCompleteness: 0.25,
	DimAccuracy:     0.25,
	DimClarity:      0.20,
	DimRelevance:    0.15,
	DimCoherence:    0.15,
}

// Input is the unit of work an evaluator judges.
type Input struct {
	TaskName string
	Prompt   string
	Output   string
}

// Verdict is one evaluator judgment.
type Verdict struct {
	// Score is the weighted overall quality in [0, 1].
	Score float64 `json:"score"`
	// Dimensions holds per-dimension scores in [0, 1].
	Dimensions task.ScoreMap `json:"dimensions"`
	// NeedsRevision is the evaluator's own revise recommendation; the
	// loop routes on the configured threshold, not on this flag.
	NeedsRevision bool `json:"needs_revision"`
	// Suggestions are concrete improvements fed back into the prompt
	// on the next iteration.
	Suggestions []string `json:"suggestions,omitempty"`
	// ExpertScores carries per-expert overall scores when a panel
	// produced the verdict. Single-model evaluators leave it nil.
	ExpertScores task.ScoreMap `json:"expert_scores,omitempty"`
}

// Feedback renders the suggestions as a block suitable for appending
// to the executor prompt.
func (v *Verdict) Feedback() string {
	if v == nil || len(v.Suggestions) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range v.Suggestions {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		b.WriteString("- ")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Evaluator scores one output. Implementations must be safe for
// concurrent use.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (*Verdict, error)
}

// WeightedScore folds per-dimension scores into one overall score
// using DimensionWeights. Unknown dimensions are ignored; when none of
// the known dimensions are present it returns 0.
func WeightedScore(dims map[string]float64) float64 {
	var sum, weight float64
	for name, w := range DimensionWeights {
		score, ok := dims[name]
		if !ok {
			continue
		}
		sum += clampScore(score) * w
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

// DimensionNames returns the known dimensions in a stable order.
func DimensionNames() []string {
	names := make([]string, 0, len(DimensionWeights))
	for name := range DimensionWeights {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
