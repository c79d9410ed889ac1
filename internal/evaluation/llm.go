package evaluation

import (
	"context"
	"fmt"
	"strings"

	apperrors "loom/internal/errors"
	"loom/internal/llm"
	"loom/internal/logging"
)

const evaluatorSystemPrompt = `You are a strict quality evaluator for task outputs.
Score the output on each dimension from 0.0 to 1.0:
- completeness: does the output cover everything the prompt asked for?
- accuracy: is the content factually and technically correct?
- clarity: is it well structured and easy to follow?
- relevance: does it stay on the task without padding?
- coherence: do the parts fit together without contradiction?

Reply with JSON only, no prose:
{
  "dimension_scores": {"completeness": 0.0, "accuracy": 0.0, "clarity": 0.0, "relevance": 0.0, "coherence": 0.0},
  "overall_score": 0.0,
  "needs_revision": false,
  "suggestions": ["specific, actionable improvement"]
}`

const maxEvaluatedOutput = 12000

// LLMEvaluator asks a chat model to judge outputs and parses its JSON
// verdict.
type LLMEvaluator struct {
	client llm.Client
	logger logging.Logger
}

// NewLLMEvaluator wraps a chat client as an Evaluator.
func NewLLMEvaluator(client llm.Client, logger logging.Logger) *LLMEvaluator {
	return &LLMEvaluator{client: client, logger: logging.OrNop(logger)}
}

func (e *LLMEvaluator) Evaluate(ctx context.Context, in Input) (*Verdict, error) {
	if strings.TrimSpace(in.Output) == "" {
		return &Verdict{
			Score:         0,
			Dimensions:    map[string]float64{},
			NeedsRevision: true,
			Suggestions:   []string{"Produce a non-empty output for the task."},
		}, nil
	}

	resp, err := e.client.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			llm.SystemMessage(evaluatorSystemPrompt),
			llm.UserMessage(e.renderInput(in)),
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeLLMProvider, "evaluator completion")
	}

	var raw struct {
		DimensionScores map[string]float64 `json:"dimension_scores"`
		OverallScore    float64            `json:"overall_score"`
		NeedsRevision   bool               `json:"needs_revision"`
		Suggestions     []string           `json:"suggestions"`
	}
	if err := llm.DecodeJSON(resp.Content, &raw); err != nil {
		e.logger.Warn("unparseable verdict from %s: %v", e.client.Model(), err)
		return nil, apperrors.Wrap(err, apperrors.CodeLLMProvider, "parse evaluator verdict")
	}

	verdict := &Verdict{
		Dimensions:    map[string]float64{},
		NeedsRevision: raw.NeedsRevision,
		Suggestions:   raw.Suggestions,
	}
	for name := range DimensionWeights {
		if score, ok := raw.DimensionScores[name]; ok {
			verdict.Dimensions[name] = clampScore(score)
		}
	}
	verdict.Score = clampScore(raw.OverallScore)
	if verdict.Score == 0 && len(verdict.Dimensions) > 0 {
		verdict.Score = WeightedScore(verdict.Dimensions)
	}
	return verdict, nil
}

func (e *LLMEvaluator) renderInput(in Input) string {
	output := in.Output
	if len(output) > maxEvaluatedOutput {
		output = output[:maxEvaluatedOutput] + "\n[output truncated for evaluation]"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", in.TaskName)
	if strings.TrimSpace(in.Prompt) != "" {
		fmt.Fprintf(&b, "Prompt:\n%s\n\n", strings.TrimSpace(in.Prompt))
	}
	fmt.Fprintf(&b, "Output to evaluate:\n%s", output)
	return b.String()
}
