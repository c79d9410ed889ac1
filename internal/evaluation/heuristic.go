package evaluation

import (
	"context"
	"strings"
	"unicode"
)

// HeuristicEvaluator scores outputs from surface features alone:
// length, structure, and prompt-keyword coverage. It never calls out,
// so mock-mode runs and tests get deterministic verdicts.
type HeuristicEvaluator struct {
	// Threshold controls the NeedsRevision flag only.
	Threshold float64
}

// NewHeuristicEvaluator builds the offline evaluator.
func NewHeuristicEvaluator(threshold float64) *HeuristicEvaluator {
	if threshold <= 0 {
		threshold = 0.8
	}
	return &HeuristicEvaluator{Threshold: threshold}
}

func (e *HeuristicEvaluator) Evaluate(ctx context.Context, in Input) (*Verdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	output := strings.TrimSpace(in.Output)
	if output == "" {
		return &Verdict{
			Score:         0,
			Dimensions:    map[string]float64{},
			NeedsRevision: true,
			Suggestions:   []string{"Produce a non-empty output for the task."},
		}, nil
	}

	coverage := keywordCoverage(in.TaskName+" "+in.Prompt, output)
	paragraphs := strings.Count(output, "\n\n") + 1
	hasHeading := strings.Contains(output, "#")
	hasList := strings.Contains(output, "\n- ") || strings.HasPrefix(output, "- ") ||
		strings.Contains(output, "\n1.")

	dims := map[string]float64{
		DimCompleteness: clampScore(float64(len(output)) / 600),
		DimAccuracy:     0.5 + 0.5*coverage,
		DimClarity:      clarityScore(hasHeading, hasList, paragraphs),
		DimRelevance:    0.3 + 0.7*coverage,
		DimCoherence:    coherenceScore(output, paragraphs),
	}

	verdict := &Verdict{Score: WeightedScore(dims), Dimensions: dims}
	verdict.NeedsRevision = verdict.Score < e.Threshold
	if verdict.NeedsRevision {
		verdict.Suggestions = e.suggest(dims)
	}
	return verdict, nil
}

func clarityScore(hasHeading, hasList bool, paragraphs int) float64 {
	score := 0.4
	if hasHeading {
		score += 0.2
	}
	if hasList {
		score += 0.2
	}
	if paragraphs > 1 {
		score += 0.2
	}
	return clampScore(score)
}

func coherenceScore(output string, paragraphs int) float64 {
	score := 0.5
	if paragraphs > 1 {
		score += 0.25
	}
	if strings.ContainsAny(string(output[len(output)-1]), ".!?。！？`") {
		score += 0.25
	}
	return clampScore(score)
}

func (e *HeuristicEvaluator) suggest(dims map[string]float64) []string {
	var out []string
	if dims[DimCompleteness] < 0.7 {
		out = append(out, "Expand the output; it is too short to cover the task.")
	}
	if dims[DimRelevance] < 0.7 {
		out = append(out, "Address the task's subject directly; little of the prompt vocabulary appears in the output.")
	}
	if dims[DimClarity] < 0.7 {
		out = append(out, "Structure the output with headings or lists.")
	}
	if len(out) == 0 {
		out = append(out, "Tighten the output; the weakest dimensions are close to the threshold.")
	}
	return out
}

// keywordCoverage reports the fraction of significant query words that
// appear in the output. Words shorter than 4 runes are skipped.
func keywordCoverage(query, output string) float64 {
	lower := strings.ToLower(output)
	seen := map[string]bool{}
	var total, hit int
	for _, word := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(word)) < 4 || seen[word] {
			continue
		}
		seen[word] = true
		total++
		if strings.Contains(lower, word) {
			hit++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(hit) / float64(total)
}
