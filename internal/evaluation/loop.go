package evaluation

import (
	"context"
	"time"

	apperrors "loom/internal/errors"
	"loom/internal/logging"
	"loom/internal/observability"
	"loom/internal/store"
	"loom/internal/task"
)

// ExecuteFunc produces the task's output for one loop iteration.
// feedback is empty on the first pass and carries the previous
// verdict's suggestions afterwards. Implementations persist the output
// themselves so the embedding path fires per attempt.
type ExecuteFunc func(ctx context.Context, feedback string) (string, error)

// LoopConfig bounds the execute/evaluate loop.
type LoopConfig struct {
	QualityThreshold float64
	MaxIterations    int
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = 0.8
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 3
	}
	return c
}

// Outcome summarizes one finished loop.
type Outcome struct {
	TaskID int64 `json:"task_id"`
	// Iterations counts successfully scored attempts only.
	Iterations int     `json:"iterations"`
	FinalScore float64 `json:"final_score"`
	Passed     bool    `json:"passed"`
	// NeedsReview is set when iterations ran out below the threshold
	// or the evaluator itself failed.
	NeedsReview bool   `json:"needs_review"`
	Reason      string `json:"reason,omitempty"`
	Output      string `json:"output,omitempty"`
	History     []task.EvaluationIteration `json:"history,omitempty"`
}

// Status is the terminal task status the outcome calls for.
func (o *Outcome) Status() task.Status {
	if o.Passed {
		return task.StatusDone
	}
	return task.StatusNeedsReview
}

// Loop drives execute → evaluate → feedback until the threshold is met
// or iterations run out, persisting every scored attempt.
type Loop struct {
	store     *store.Store
	evaluator Evaluator
	cfg       LoopConfig
	logger    logging.Logger
	metrics   *observability.MetricsCollector
}

// NewLoop wires the loop. metrics may be nil.
func NewLoop(st *store.Store, ev Evaluator, cfg LoopConfig, logger logging.Logger, metrics *observability.MetricsCollector) *Loop {
	return &Loop{
		store:     st,
		evaluator: ev,
		cfg:       cfg.withDefaults(),
		logger:    logging.OrNop(logger),
		metrics:   metrics,
	}
}

// Config returns the effective loop bounds.
func (l *Loop) Config() LoopConfig { return l.cfg }

// Run executes tsk until its output clears the threshold. The caller
// owns status transitions; Run only appends evaluation records. An
// error is returned only when execution itself fails; evaluator
// failures end the loop with NeedsReview set instead.
func (l *Loop) Run(ctx context.Context, tsk *task.Task, execute ExecuteFunc) (*Outcome, error) {
	if tsk == nil {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "Task must not be nil.")
	}
	prompt, err := l.store.GetTaskInput(ctx, tsk.ID)
	if err != nil && !store.IsNotFound(err) {
		return nil, err
	}

	outcome := &Outcome{TaskID: tsk.ID}
	feedback := ""
	for attempt := 1; attempt <= l.cfg.MaxIterations; attempt++ {
		output, err := execute(ctx, feedback)
		if err != nil {
			return nil, err
		}
		outcome.Output = output

		verdict, err := l.evaluator.Evaluate(ctx, Input{
			TaskName: tsk.Name,
			Prompt:   prompt,
			Output:   output,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// The last valid score stands; the task goes to review
			// rather than failing over a judging problem.
			l.logger.Warn("evaluator failed on task %d attempt %d: %v", tsk.ID, attempt, err)
			l.recordIteration(ctx, "error")
			outcome.NeedsReview = true
			outcome.Reason = "evaluator unavailable"
			return outcome, nil
		}

		rec := task.EvaluationIteration{
			TaskID:     tsk.ID,
			Score:      verdict.Score,
			Passed:     verdict.Score >= l.cfg.QualityThreshold,
			Feedback:   verdict.Feedback(),
			Dimensions: verdict.Dimensions,
			Source:     task.EvalSourceModel,
			CreatedAt:  time.Now().UTC(),
		}
		if err := l.store.AppendEvaluation(ctx, &rec); err != nil {
			return nil, err
		}
		outcome.Iterations++
		outcome.FinalScore = verdict.Score
		outcome.History = append(outcome.History, rec)

		if rec.Passed {
			l.recordIteration(ctx, "passed")
			outcome.Passed = true
			l.logger.Info("task %d passed evaluation: score=%.2f after %d iteration(s)",
				tsk.ID, rec.Score, outcome.Iterations)
			return outcome, nil
		}
		l.recordIteration(ctx, "failed")
		l.logger.Info("task %d below threshold: score=%.2f < %.2f (attempt %d/%d)",
			tsk.ID, rec.Score, l.cfg.QualityThreshold, attempt, l.cfg.MaxIterations)
		feedback = verdict.Feedback()
	}

	outcome.NeedsReview = true
	outcome.Reason = "max iterations exhausted"
	return outcome, nil
}

// EvaluateOnce scores an existing output without re-execution and
// appends the record. Used by batch evaluation.
func (l *Loop) EvaluateOnce(ctx context.Context, taskID int64) (*task.EvaluationIteration, error) {
	tsk, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	output, err := l.store.GetTaskOutput(ctx, taskID)
	if err != nil && !store.IsNotFound(err) {
		return nil, err
	}
	prompt, err := l.store.GetTaskInput(ctx, taskID)
	if err != nil && !store.IsNotFound(err) {
		return nil, err
	}

	verdict, err := l.evaluator.Evaluate(ctx, Input{TaskName: tsk.Name, Prompt: prompt, Output: output})
	if err != nil {
		l.recordIteration(ctx, "error")
		return nil, err
	}
	rec := &task.EvaluationIteration{
		TaskID:     taskID,
		Score:      verdict.Score,
		Passed:     verdict.Score >= l.cfg.QualityThreshold,
		Feedback:   verdict.Feedback(),
		Dimensions: verdict.Dimensions,
		Source:     task.EvalSourceModel,
		CreatedAt:  time.Now().UTC(),
	}
	if err := l.store.AppendEvaluation(ctx, rec); err != nil {
		return nil, err
	}
	if rec.Passed {
		l.recordIteration(ctx, "passed")
	} else {
		l.recordIteration(ctx, "failed")
	}
	return rec, nil
}

// BatchResult is the per-task outcome of a batch evaluation.
type BatchResult struct {
	TaskID int64                     `json:"task_id"`
	Record *task.EvaluationIteration `json:"record,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

// EvaluateBatch scores the stored outputs of several tasks. Failures
// are reported per task and do not stop the batch.
func (l *Loop) EvaluateBatch(ctx context.Context, taskIDs []int64) []BatchResult {
	results := make([]BatchResult, 0, len(taskIDs))
	for _, id := range taskIDs {
		res := BatchResult{TaskID: id}
		rec, err := l.EvaluateOnce(ctx, id)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Record = rec
		}
		results = append(results, res)
	}
	return results
}

// Override records a human verdict. It supersedes model scores for
// routing: a passing override moves a needs_review task to done.
func (l *Loop) Override(ctx context.Context, taskID int64, score float64, reason string) (*task.EvaluationIteration, error) {
	if score < 0 || score > 1 {
		return nil, apperrors.New(apperrors.CodeOutOfRange, "Override score must be between 0 and 1.").
			WithContext("score", score)
	}
	rec := &task.EvaluationIteration{
		TaskID:    taskID,
		Score:     score,
		Passed:    score >= l.cfg.QualityThreshold,
		Feedback:  reason,
		Source:    task.EvalSourceHuman,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.AppendEvaluation(ctx, rec); err != nil {
		return nil, err
	}

	if rec.Passed {
		tsk, err := l.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if tsk.Status == task.StatusNeedsReview {
			if _, err := l.store.UpdateTaskStatus(ctx, taskID, task.StatusRunning,
				task.WithReason("human override")); err != nil {
				return nil, err
			}
			if _, err := l.store.UpdateTaskStatus(ctx, taskID, task.StatusDone,
				task.WithReason("human override")); err != nil {
				return nil, err
			}
			l.logger.Info("task %d approved by override: score=%.2f", taskID, score)
		}
	}
	return rec, nil
}

// ClearOverrides removes human records so model verdicts take effect
// again.
func (l *Loop) ClearOverrides(ctx context.Context, taskID int64) (int64, error) {
	return l.store.DeleteHumanEvaluations(ctx, taskID)
}

func (l *Loop) recordIteration(ctx context.Context, verdict string) {
	if l.metrics != nil {
		l.metrics.RecordEvaluationIteration(ctx, verdict)
	}
}
