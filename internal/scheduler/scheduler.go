// Package scheduler drives approved plans and task subtrees to
// completion. Tasks are leveled into waves by a strategy, each wave
// drains through a bounded worker pool, and every task moves through
// the status machine as it is claimed, executed, and resolved.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"loom/internal/assembler"
	apperrors "loom/internal/errors"
	"loom/internal/evaluation"
	"loom/internal/logging"
	"loom/internal/observability"
	"loom/internal/store"
	"loom/internal/task"
)

// Config bounds parallel execution.
type Config struct {
	// Parallelism is the worker count per wave.
	Parallelism int
	// DefaultStrategy applies when a run names none.
	DefaultStrategy string
	// QueueBuffer is how many tasks may sit enqueued past the workers.
	QueueBuffer int
	// TaskTimeout bounds one executor attempt.
	TaskTimeout time.Duration
}

// Options select strategy and behavior for one run.
type Options struct {
	Strategy    string        `json:"strategy,omitempty"`
	Parallelism int           `json:"parallelism,omitempty"`
	QueueBuffer int           `json:"-"`
	TaskTimeout time.Duration `json:"-"`

	// WithContext routes each prompt through the context assembler.
	WithContext bool `json:"with_context,omitempty"`
	// ContextOptions override the assembly defaults when set.
	ContextOptions *assembler.Options `json:"context_options,omitempty"`
	// WithEvaluation gates outputs through the evaluation loop.
	WithEvaluation bool `json:"with_evaluation,omitempty"`
	// Rerun lets done and failed tasks re-enter running.
	Rerun bool `json:"rerun,omitempty"`
}

func (o Options) withDefaults(cfg Config) Options {
	if o.Strategy == "" {
		o.Strategy = cfg.DefaultStrategy
	}
	if o.Strategy == "" {
		o.Strategy = StrategyBFS
	}
	if o.Parallelism <= 0 {
		o.Parallelism = cfg.Parallelism
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.QueueBuffer <= 0 {
		o.QueueBuffer = cfg.QueueBuffer
	}
	if o.QueueBuffer <= 0 {
		o.QueueBuffer = 8
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = cfg.TaskTimeout
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 5 * time.Minute
	}
	return o
}

// TaskResult records one task's fate within a run.
type TaskResult struct {
	TaskID int64       `json:"task_id"`
	Name   string      `json:"name"`
	Status task.Status `json:"status"`
	// Executed is true when the task reached the executor or, for a
	// composite, aggregation. Upstream failures never execute.
	Executed bool `json:"executed"`
	// Skipped is true when the run left the task untouched.
	Skipped    bool          `json:"skipped,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Score      *float64      `json:"score,omitempty"`
	Iterations int           `json:"iterations,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// RunSummary aggregates one scheduler run. Results are ordered by
// task id.
type RunSummary struct {
	Strategy    string        `json:"strategy"`
	Total       int           `json:"total"`
	Executed    int           `json:"executed"`
	Done        int           `json:"done"`
	Failed      int           `json:"failed"`
	NeedsReview int           `json:"needs_review"`
	Skipped     int           `json:"skipped"`
	Cancelled   bool          `json:"cancelled,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
	Results     []TaskResult  `json:"results"`
}

// Scheduler levels tasks into waves and runs them.
type Scheduler struct {
	store     *store.Store
	executor  Executor
	assembler *assembler.Assembler
	loop      *evaluation.Loop
	cfg       Config
	logger    logging.Logger
	metrics   *observability.MetricsCollector
	tracer    *observability.TracerProvider
}

// New wires a scheduler. assembler, loop, metrics, and tracer may be
// nil; runs that ask for a missing collaborator are rejected.
func New(st *store.Store, exec Executor, asm *assembler.Assembler, loop *evaluation.Loop,
	cfg Config, logger logging.Logger, metrics *observability.MetricsCollector,
	tracer *observability.TracerProvider) *Scheduler {
	return &Scheduler{
		store:     st,
		executor:  exec,
		assembler: asm,
		loop:      loop,
		cfg:       cfg,
		logger:    logging.OrNop(logger),
		metrics:   metrics,
		tracer:    tracer,
	}
}

// RunPlan executes every step task of an approved plan.
func (s *Scheduler) RunPlan(ctx context.Context, title string, opts Options) (*RunSummary, error) {
	tasks, err := s.store.ListPlanTasks(ctx, title)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, apperrors.Newf(apperrors.CodePlanNotFound, "No tasks found for plan %q.", title).
			WithContext("title", title).
			WithSuggestions("Approve the plan before running it.")
	}
	return s.run(ctx, tasks, opts)
}

// RunSubtree executes a task and everything beneath it.
func (s *Scheduler) RunSubtree(ctx context.Context, rootID int64, opts Options) (*RunSummary, error) {
	tasks, err := s.store.GetSubtree(ctx, rootID, 0)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, tasks, opts)
}

// RerunTask forces a single task through the executor again.
func (s *Scheduler) RerunTask(ctx context.Context, id int64, opts Options) (*RunSummary, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	opts.Rerun = true
	return s.run(ctx, []task.Task{*t}, opts)
}

// ExecuteWithEvaluation runs a single task gated by the evaluation
// loop regardless of the run default.
func (s *Scheduler) ExecuteWithEvaluation(ctx context.Context, id int64, opts Options) (*RunSummary, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	opts.WithEvaluation = true
	return s.run(ctx, []task.Task{*t}, opts)
}

func (s *Scheduler) run(ctx context.Context, tasks []task.Task, opts Options) (*RunSummary, error) {
	opts = opts.withDefaults(s.cfg)
	if !ValidStrategy(opts.Strategy) {
		return nil, apperrors.Newf(apperrors.CodeInvalidArgument, "Unknown scheduling strategy %q.", opts.Strategy).
			WithContext("strategy", opts.Strategy).
			WithSuggestions("Use bfs, dag, or postorder.")
	}
	if opts.WithEvaluation && s.loop == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "Evaluation was requested but no evaluation loop is wired.")
	}
	if opts.WithContext && s.assembler == nil {
		return nil, apperrors.New(apperrors.CodeConfiguration, "Context assembly was requested but no assembler is wired.")
	}

	waves, err := s.wavesFor(ctx, opts.Strategy, tasks)
	if err != nil {
		return nil, err
	}

	if len(tasks) > 0 {
		ctx = observability.ContextWithWorkflowID(ctx, tasks[0].WorkflowID)
	}
	ctx, span := s.startSpan(ctx, observability.SpanSchedulerRun, observability.StrategyAttrs(opts.Strategy)...)
	defer span.End()

	started := time.Now()
	col := &collector{results: make([]TaskResult, 0, len(tasks))}
	for _, w := range waves {
		if ctx.Err() != nil {
			break
		}
		s.runWave(ctx, w, opts, col)
	}

	sum := col.summarize(opts.Strategy, len(tasks))
	sum.Cancelled = ctx.Err() != nil
	sum.Elapsed = time.Since(started)
	s.logger.Info("run finished: strategy=%s total=%d executed=%d done=%d failed=%d needs_review=%d skipped=%d elapsed=%s",
		sum.Strategy, sum.Total, sum.Executed, sum.Done, sum.Failed, sum.NeedsReview, sum.Skipped, sum.Elapsed)
	return sum, nil
}

func (s *Scheduler) wavesFor(ctx context.Context, strategy string, tasks []task.Task) ([]wave, error) {
	switch strategy {
	case StrategyDAG:
		links, err := s.requiresLinks(ctx, tasks)
		if err != nil {
			return nil, err
		}
		return dagWaves(tasks, links)
	case StrategyPostorder:
		return postorderWaves(tasks), nil
	default:
		return bfsWaves(tasks), nil
	}
}

// requiresLinks loads the requires edges of every workflow the run
// touches.
func (s *Scheduler) requiresLinks(ctx context.Context, tasks []task.Task) ([]task.Link, error) {
	seen := make(map[string]bool)
	var links []task.Link
	for _, t := range tasks {
		if t.WorkflowID == "" || seen[t.WorkflowID] {
			continue
		}
		seen[t.WorkflowID] = true
		wl, err := s.store.ListWorkflowLinks(ctx, t.WorkflowID, task.LinkRequires)
		if err != nil {
			return nil, err
		}
		links = append(links, wl...)
	}
	return links, nil
}

// runWave drains one wave through a bounded worker pool. Workers never
// return errors; per-task failures live in the results so one bad task
// cannot abort its siblings.
func (s *Scheduler) runWave(ctx context.Context, w wave, opts Options, col *collector) {
	queue := make(chan task.Task, opts.QueueBuffer)
	workers := opts.Parallelism
	if workers > len(w) {
		workers = len(w)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for t := range queue {
				col.add(s.runTask(gctx, t, opts))
			}
			return nil
		})
	}
	for _, t := range w {
		queue <- t
	}
	close(queue)
	_ = g.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, t task.Task, opts Options) TaskResult {
	res := TaskResult{TaskID: t.ID, Name: t.Name, Status: t.Status}

	if ctx.Err() != nil {
		res.Skipped = true
		res.Reason = "run cancelled before start"
		return res
	}

	switch t.Type {
	case task.TypeRoot:
		res.Skipped = true
		res.Reason = "root tasks are containers"
		return res
	case task.TypeComposite:
		if opts.Strategy != StrategyPostorder {
			res.Skipped = true
			res.Reason = "composites aggregate only under postorder"
			return res
		}
	}

	if !eligible(&t, opts) {
		res.Skipped = true
		res.Reason = "already " + string(t.Status)
		return res
	}

	ctx, span := s.startSpan(ctx, observability.SpanTaskExecute, observability.TaskAttrs(t.ID)...)
	defer span.End()
	started := time.Now()

	// Only the direct hop is checked: a transitive failure surfaces
	// as each intermediate dependent fails here in its own wave.
	upstream, err := s.failedPrerequisite(ctx, t.ID)
	if err != nil {
		res.Skipped = true
		res.Reason = "dependency check failed"
		res.Error = err.Error()
		return res
	}
	if upstream != 0 {
		res = s.recordUpstreamFailure(ctx, &t, res, upstream)
		res.Duration = time.Since(started)
		return res
	}

	if _, err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusRunning, claimOpts(&t, "scheduled")...); err != nil {
		res.Skipped = true
		res.Reason = "claim rejected"
		res.Error = err.Error()
		return res
	}

	if s.metrics != nil {
		s.metrics.TaskStarted(ctx)
		defer s.metrics.TaskFinished(ctx)
	}

	res.Executed = true
	if t.Type == task.TypeComposite {
		res = s.aggregateComposite(ctx, &t, res)
	} else {
		res = s.executeAtomic(ctx, &t, opts, res)
	}
	res.Duration = time.Since(started)

	span.SetAttributes(observability.StatusAttrs(string(res.Status))...)
	if s.metrics != nil {
		s.metrics.RecordTaskExecution(ctx, string(res.Status), opts.Strategy, res.Duration)
	}
	if res.Status == task.StatusFailed {
		s.logger.Warn("task %d %q failed: %s", t.ID, t.Name, res.Error)
	} else {
		s.logger.Info("task %d %q -> %s", t.ID, t.Name, res.Status)
	}
	return res
}

// eligible reports whether the task may run now. done and failed
// re-enter only on explicit rerun; a running task belongs to another
// worker.
func eligible(t *task.Task, opts Options) bool {
	switch t.Status {
	case task.StatusPending, task.StatusNeedsReview:
		return true
	case task.StatusDone, task.StatusFailed:
		return opts.Rerun
	default:
		return false
	}
}

// claimOpts builds the transition options that move t into running.
func claimOpts(t *task.Task, reason string) []task.TransitionOption {
	claim := []task.TransitionOption{task.WithReason(reason)}
	if t.Status == task.StatusDone || t.Status == task.StatusFailed {
		claim = append(claim, task.WithRerun())
	}
	return claim
}

// failedPrerequisite returns the id of a direct requires prerequisite
// that is currently failed, or zero.
func (s *Scheduler) failedPrerequisite(ctx context.Context, id int64) (int64, error) {
	links, err := s.store.ListDependencies(ctx, id)
	if err != nil {
		return 0, err
	}
	for _, l := range links {
		if l.Kind != task.LinkRequires {
			continue
		}
		prereq, err := s.store.GetTask(ctx, l.ToID)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return 0, err
		}
		if prereq.Status == task.StatusFailed {
			return prereq.ID, nil
		}
	}
	return 0, nil
}

// recordUpstreamFailure marks t failed without executing it. The
// status machine only reaches failed through running, so the claim
// happens first.
func (s *Scheduler) recordUpstreamFailure(ctx context.Context, t *task.Task, res TaskResult, upstream int64) TaskResult {
	cause := fmt.Sprintf("upstream:%d", upstream)
	if _, err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusRunning, claimOpts(t, "prerequisite failed")...); err != nil {
		res.Skipped = true
		res.Reason = "claim rejected"
		res.Error = err.Error()
		return res
	}
	if _, err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusFailed,
		task.WithFailureCause(cause), task.WithReason("prerequisite failed")); err != nil {
		res.Status = task.StatusRunning
		res.Error = err.Error()
		return res
	}
	res.Status = task.StatusFailed
	res.Reason = cause
	s.logger.Warn("task %d %q failed: prerequisite %d failed", t.ID, t.Name, upstream)
	return res
}

func (s *Scheduler) executeAtomic(ctx context.Context, t *task.Task, opts Options, res TaskResult) TaskResult {
	prompt, err := s.composePrompt(ctx, t, opts)
	if err != nil {
		return s.finishFailed(ctx, t, res, err, "compose prompt")
	}

	tctx, cancel := context.WithTimeout(ctx, opts.TaskTimeout)
	defer cancel()

	if opts.WithEvaluation {
		outcome, err := s.loop.Run(tctx, t, func(ictx context.Context, feedback string) (string, error) {
			p := prompt
			if feedback != "" {
				p = prompt + "\n\n## Revision feedback\n\n" + feedback
			}
			output, err := s.executor.Execute(ictx, t, p)
			if err != nil {
				return "", err
			}
			if err := s.store.UpsertTaskOutput(ictx, t.ID, output); err != nil {
				return "", err
			}
			return output, nil
		})
		if err != nil {
			return s.resolveExecError(ctx, tctx, t, res, err)
		}
		next := outcome.Status()
		if _, err := s.store.UpdateTaskStatus(ctx, t.ID, next, task.WithReason(outcome.Reason)); err != nil {
			res.Status = task.StatusRunning
			res.Error = err.Error()
			return res
		}
		res.Status = next
		res.Reason = outcome.Reason
		res.Iterations = outcome.Iterations
		score := outcome.FinalScore
		res.Score = &score
		return res
	}

	output, err := s.executor.Execute(tctx, t, prompt)
	if err != nil {
		return s.resolveExecError(ctx, tctx, t, res, err)
	}
	if _, err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusDone, task.WithOutput(output)); err != nil {
		res.Status = task.StatusRunning
		res.Error = err.Error()
		return res
	}
	res.Status = task.StatusDone
	return res
}

// composePrompt returns the executor prompt: the stored input, or the
// task name when none, plus the assembled context when requested.
func (s *Scheduler) composePrompt(ctx context.Context, t *task.Task, opts Options) (string, error) {
	input, err := s.store.GetTaskInput(ctx, t.ID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) == "" {
		input = t.Name
	}
	if !opts.WithContext {
		return input, nil
	}

	aopts := assembler.Options{IncludeDeps: true, IncludeHierarchy: true}
	if opts.ContextOptions != nil {
		aopts = *opts.ContextOptions
	}
	bundle, err := s.assembler.Assemble(ctx, t.ID, aopts)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(bundle.Combined) == "" {
		return input, nil
	}
	return input + "\n\n# Context\n\n" + bundle.Combined, nil
}

// resolveExecError settles a claimed task after a failed attempt.
// External cancellation releases the claim back to pending so the task
// can be rescheduled; a per-task timeout or executor error fails it.
func (s *Scheduler) resolveExecError(ctx, tctx context.Context, t *task.Task, res TaskResult, err error) TaskResult {
	if ctx.Err() != nil {
		reset := context.WithoutCancel(ctx)
		if _, rerr := s.store.UpdateTaskStatus(reset, t.ID, task.StatusPending, task.WithReason("run cancelled")); rerr != nil {
			s.logger.Error("reset cancelled task %d: %v", t.ID, rerr)
		}
		res.Status = task.StatusPending
		res.Reason = "cancelled"
		res.Error = err.Error()
		return res
	}
	cause := "executor error"
	if tctx.Err() == context.DeadlineExceeded {
		cause = "timeout"
		err = apperrors.Wrapf(err, apperrors.CodeTimeout, "Task %d timed out.", t.ID)
	}
	return s.finishFailed(ctx, t, res, err, cause)
}

func (s *Scheduler) finishFailed(ctx context.Context, t *task.Task, res TaskResult, err error, cause string) TaskResult {
	if _, uerr := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusFailed,
		task.WithFailureCause(cause), task.WithReason(err.Error())); uerr != nil {
		s.logger.Error("mark task %d failed: %v", t.ID, uerr)
	}
	res.Status = task.StatusFailed
	res.Reason = cause
	res.Error = err.Error()
	return res
}

// aggregateComposite folds the outputs of successfully finished
// children into the composite's own output. Failed or empty children
// are left out; a composite with nothing to fold fails.
func (s *Scheduler) aggregateComposite(ctx context.Context, t *task.Task, res TaskResult) TaskResult {
	children, err := s.store.GetChildren(ctx, t.ID)
	if err != nil {
		return s.finishFailed(ctx, t, res, err, "list children")
	}

	var done []task.Task
	var ids []int64
	for _, c := range children {
		if c.Status == task.StatusDone {
			done = append(done, c)
			ids = append(ids, c.ID)
		}
	}
	outputs, err := s.store.GetOutputs(ctx, ids)
	if err != nil {
		return s.finishFailed(ctx, t, res, err, "collect child outputs")
	}

	var parts []string
	for _, c := range done {
		body := strings.TrimSpace(outputs[c.ID])
		if body == "" {
			continue
		}
		name := c.Name
		if _, short, ok := task.SplitPlanName(c.Name); ok {
			name = short
		}
		parts = append(parts, "## "+name+"\n\n"+body)
	}
	if len(parts) == 0 {
		return s.finishFailed(ctx, t, res,
			fmt.Errorf("no successful child outputs to aggregate"), "no child output")
	}

	combined := strings.Join(parts, "\n\n")
	if _, err := s.store.UpdateTaskStatus(ctx, t.ID, task.StatusDone,
		task.WithOutput(combined),
		task.WithReason(fmt.Sprintf("aggregated %d child outputs", len(parts)))); err != nil {
		res.Status = task.StatusRunning
		res.Error = err.Error()
		return res
	}
	res.Status = task.StatusDone
	res.Reason = fmt.Sprintf("aggregated %d child outputs", len(parts))
	return res
}

// startSpan is nil-safe: without a tracer it hands back the ambient
// span, whose End is a no-op.
func (s *Scheduler) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.StartSpan(ctx, name, attrs...)
}

type collector struct {
	mu      sync.Mutex
	results []TaskResult
}

func (c *collector) add(r TaskResult) {
	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()
}

func (c *collector) summarize(strategy string, total int) *RunSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	sort.Slice(c.results, func(i, j int) bool { return c.results[i].TaskID < c.results[j].TaskID })
	sum := &RunSummary{Strategy: strategy, Total: total, Results: c.results}
	for _, r := range c.results {
		if r.Skipped {
			sum.Skipped++
			continue
		}
		if r.Executed {
			sum.Executed++
		}
		switch r.Status {
		case task.StatusDone:
			sum.Done++
		case task.StatusFailed:
			sum.Failed++
		case task.StatusNeedsReview:
			sum.NeedsReview++
		}
	}
	return sum
}
