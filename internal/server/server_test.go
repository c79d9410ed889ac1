package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/assembler"
	apperrors "loom/internal/errors"
	"loom/internal/evaluation"
	"loom/internal/jobs"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/planner"
	"loom/internal/scheduler"
	"loom/internal/store"
	"loom/internal/task"
)

type stubExecutor struct {
	mu    sync.Mutex
	calls int
}

func (e *stubExecutor) Execute(_ context.Context, t *task.Task, _ string) (string, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return "output for " + t.Name, nil
}

func (e *stubExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fixture struct {
	srv   *Server
	store *store.Store
	llm   *llm.MockClient
	exec  *stubExecutor
	jobs  *jobs.Registry
}

func newTestServer(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	client := llm.NewMockClient("mock")
	registry := jobs.NewRegistry(jobs.Config{HeartbeatInterval: time.Hour}, logging.Nop(), nil)
	pl := planner.New(st, client, registry, logging.Nop())
	asm := assembler.New(st, nil, nil, nil, assembler.Config{})
	loop := evaluation.NewLoop(st, evaluation.NewHeuristicEvaluator(0.8),
		evaluation.LoopConfig{QualityThreshold: 0.8, MaxIterations: 3}, logging.Nop(), nil)
	exec := &stubExecutor{}
	sched := scheduler.New(st, exec, asm, loop,
		scheduler.Config{Parallelism: 2, TaskTimeout: 10 * time.Second}, logging.Nop(), nil, nil)

	srv := New(Config{}, Deps{
		Store:     st,
		Planner:   pl,
		Scheduler: sched,
		Assembler: asm,
		Loop:      loop,
		Jobs:      registry,
		Index:     store.NewIndexFile(filepath.Join(t.TempDir(), "index.md")),
		Logger:    logging.Nop(),
	})
	return &fixture{srv: srv, store: st, llm: client, exec: exec, jobs: registry}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

type testEnvelope struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *apperrors.AppError `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) testEnvelope {
	t.Helper()
	var env testEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return env
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	env := decode(t, rec)
	require.True(t, env.Success, "body: %s", rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

// scriptPlan makes the mock model answer every proposal with the same
// two-step plan.
func scriptPlan(f *fixture, title string) {
	f.llm.Handler = func(_ context.Context, _ llm.Request) (*llm.Response, error) {
		doc := fmt.Sprintf(`{"title": %q, "tasks": [
			{"name": "Draft outline", "prompt": "Draft the outline.", "priority": 1},
			{"name": "Write copy", "prompt": "Write the copy.", "priority": 2}
		]}`, title)
		return &llm.Response{Content: doc, StopReason: "stop"}, nil
	}
}

func (f *fixture) approvePlan(t *testing.T, title string) planner.Approved {
	t.Helper()
	scriptPlan(f, title)

	rec := f.do(t, http.MethodPost, "/plans/propose", gin.H{"goal": "Relaunch the marketing site"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var plan planner.Plan
	decodeData(t, rec, &plan)

	rec = f.do(t, http.MethodPost, "/plans/approve", plan)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var approved planner.Approved
	decodeData(t, rec, &approved)
	return approved
}

func planPath(title, suffix string) string {
	return "/plans/" + url.PathEscape(title) + suffix
}

func TestHealth(t *testing.T) {
	f := newTestServer(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var data map[string]any
	decodeData(t, rec, &data)
	assert.Equal(t, "ok", data["status"])
}

func TestProposeApproveRunFlow(t *testing.T) {
	f := newTestServer(t)
	approved := f.approvePlan(t, "Site Relaunch")
	assert.Equal(t, "Site Relaunch", approved.Title)
	assert.Len(t, approved.TaskIDs, 2)

	rec := f.do(t, http.MethodGet, planPath("Site Relaunch", "/tasks"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Title string      `json:"title"`
		Tasks []task.Task `json:"tasks"`
	}
	decodeData(t, rec, &listing)
	assert.Len(t, listing.Tasks, 2)

	rec = f.do(t, http.MethodPost, "/run", gin.H{"title": "Site Relaunch", "strategy": "bfs"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary scheduler.RunSummary
	decodeData(t, rec, &summary)
	assert.Equal(t, 2, summary.Done)
	assert.Equal(t, 2, summary.Executed)
	assert.Equal(t, 2, f.exec.count())

	rec = f.do(t, http.MethodGet, planPath("Site Relaunch", "/assembled"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var assembled struct {
		Combined      string `json:"combined"`
		IncludedTasks int    `json:"included_tasks"`
	}
	decodeData(t, rec, &assembled)
	assert.Equal(t, 2, assembled.IncludedTasks)
	assert.Contains(t, assembled.Combined, "## Draft outline")
	assert.Contains(t, assembled.Combined, "output for")
}

func TestPlanTasksUnknownTitle(t *testing.T) {
	f := newTestServer(t)
	rec := f.do(t, http.MethodGet, "/plans/nope/tasks", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	env := decode(t, rec)
	require.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, apperrors.CodePlanNotFound, env.Error.Code)
	assert.NotEmpty(t, env.Error.ID)
}

func TestRunRequiresExactlyOneScope(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPost, "/run", gin.H{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/run", gin.H{"title": "x", "task_id": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, apperrors.CodeInvalidArgument, env.Error.Code)
}

func TestTaskCRUD(t *testing.T) {
	f := newTestServer(t)
	created, err := f.store.CreateTask(t.Context(), store.CreateTaskParams{Name: "standalone"})
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertTaskInput(t.Context(), created.ID, "Do the thing."))

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Task   task.Task `json:"task"`
		Input  string    `json:"input"`
		Output string    `json:"output"`
	}
	decodeData(t, rec, &got)
	assert.Equal(t, "standalone", got.Task.Name)
	assert.Equal(t, "Do the thing.", got.Input)
	assert.Empty(t, got.Output)

	rec = f.do(t, http.MethodPut, fmt.Sprintf("/tasks/%d", created.ID), gin.H{
		"name":     "renamed",
		"priority": 7,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated task.Task
	decodeData(t, rec, &updated)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, 7, updated.Priority)

	rec = f.do(t, http.MethodPut, fmt.Sprintf("/tasks/%d", created.ID), gin.H{
		"status": "running",
		"reason": "manual start",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeData(t, rec, &updated)
	assert.Equal(t, task.StatusRunning, updated.Status)

	rec = f.do(t, http.MethodPut, fmt.Sprintf("/tasks/%d", created.ID), gin.H{
		"status": "done",
		"output": "finished work",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeData(t, rec, &updated)
	assert.Equal(t, task.StatusDone, updated.Status)

	output, err := f.store.GetTaskOutput(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "finished work", output)

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/tasks/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d", created.ID), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, apperrors.CodeTaskNotFound, env.Error.Code)
}

func TestInvalidStatusTransitionConflicts(t *testing.T) {
	f := newTestServer(t)
	created, err := f.store.CreateTask(t.Context(), store.CreateTaskParams{Name: "pending task"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPut, fmt.Sprintf("/tasks/%d", created.ID), gin.H{"status": "failed"})
	require.Equal(t, http.StatusConflict, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, apperrors.CodeInvalidTransition, env.Error.Code)
}

func TestPathIDValidation(t *testing.T) {
	f := newTestServer(t)
	rec := f.do(t, http.MethodGet, "/tasks/abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, apperrors.CodeInvalidArgument, env.Error.Code)
}

func TestInvalidJSONBody(t *testing.T) {
	f := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/plans/propose", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, apperrors.CodeInvalidJSON, env.Error.Code)
}

func TestLinkRoutes(t *testing.T) {
	f := newTestServer(t)
	ctx := t.Context()
	root, err := f.store.CreateTask(ctx, store.CreateTaskParams{Name: "root"})
	require.NoError(t, err)
	a, err := f.store.CreateTask(ctx, store.CreateTaskParams{Name: "a", ParentID: &root.ID})
	require.NoError(t, err)
	b, err := f.store.CreateTask(ctx, store.CreateTaskParams{Name: "b", ParentID: &root.ID})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/context/links", gin.H{"from_id": a.ID, "to_id": b.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var link task.Link
	decodeData(t, rec, &link)
	assert.Equal(t, task.LinkRequires, link.Kind)

	// The reverse requires edge would close a cycle.
	rec = f.do(t, http.MethodPost, "/context/links", gin.H{"from_id": b.ID, "to_id": a.ID})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, apperrors.CodeDependencyCycle, env.Error.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/context/links/%d", a.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Outbound []task.Link `json:"outbound"`
		Inbound  []task.Link `json:"inbound"`
	}
	decodeData(t, rec, &listing)
	assert.Len(t, listing.Outbound, 1)
	assert.Empty(t, listing.Inbound)

	rec = f.do(t, http.MethodDelete, "/context/links", gin.H{"from_id": a.ID, "to_id": b.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/context/links/%d", a.ID), nil)
	decodeData(t, rec, &listing)
	assert.Empty(t, listing.Outbound)
}

func TestLinkKindValidation(t *testing.T) {
	f := newTestServer(t)
	rec := f.do(t, http.MethodPost, "/context/links", gin.H{"from_id": 1, "to_id": 2, "kind": "blocks"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, apperrors.CodeInvalidArgument, env.Error.Code)
}

func TestContextPreviewDoesNotPersist(t *testing.T) {
	f := newTestServer(t)
	ctx := t.Context()
	root, err := f.store.CreateTask(ctx, store.CreateTaskParams{Name: "root"})
	require.NoError(t, err)
	child, err := f.store.CreateTask(ctx, store.CreateTaskParams{Name: "child", ParentID: &root.ID})
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertTaskInput(ctx, child.ID, "Write the summary."))

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/context/preview", child.ID), gin.H{
		"include_hierarchy": true,
		"persist":           true,
		"label":             "sneaky",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var bundle assembler.Bundle
	decodeData(t, rec, &bundle)
	assert.Equal(t, child.ID, bundle.TaskID)

	snaps, err := f.store.ListSnapshots(ctx, child.ID)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestSnapshotRoutes(t *testing.T) {
	f := newTestServer(t)
	ctx := t.Context()
	created, err := f.store.CreateTask(ctx, store.CreateTaskParams{Name: "snapshotted"})
	require.NoError(t, err)
	_, err = f.store.UpsertTaskContext(ctx, created.ID, "baseline", "combined text", nil, nil)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d/context/snapshots", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Snapshots []task.Snapshot `json:"snapshots"`
	}
	decodeData(t, rec, &listing)
	require.Len(t, listing.Snapshots, 1)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d/context/snapshots/baseline", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap task.Snapshot
	decodeData(t, rec, &snap)
	assert.Equal(t, "combined text", snap.Combined)

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/tasks/%d/context/snapshots/baseline", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d/context/snapshots/baseline", created.ID), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, apperrors.CodeSnapshotNotFound, env.Error.Code)
}

func TestEvaluationOverrideFlow(t *testing.T) {
	f := newTestServer(t)
	ctx := t.Context()
	created, err := f.store.CreateTask(ctx, store.CreateTaskParams{Name: "reviewed"})
	require.NoError(t, err)
	_, err = f.store.UpdateTaskStatus(ctx, created.ID, task.StatusRunning)
	require.NoError(t, err)
	_, err = f.store.UpdateTaskStatus(ctx, created.ID, task.StatusNeedsReview,
		task.WithOutput("draft result"))
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/evaluation/override", created.ID), gin.H{
		"score":  0.95,
		"reason": "verified by hand",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rec1 task.EvaluationIteration
	decodeData(t, rec, &rec1)
	assert.Equal(t, task.EvalSourceHuman, rec1.Source)
	assert.True(t, rec1.Passed)

	got, err := f.store.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, got.Status)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d/evaluation/latest", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var latest task.EvaluationIteration
	decodeData(t, rec, &latest)
	assert.Equal(t, task.EvalSourceHuman, latest.Source)

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/tasks/%d/evaluation/override", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cleared struct {
		Removed int64 `json:"removed"`
	}
	decodeData(t, rec, &cleared)
	assert.Equal(t, int64(1), cleared.Removed)
}

func TestEvaluationLatestMissing(t *testing.T) {
	f := newTestServer(t)
	created, err := f.store.CreateTask(t.Context(), store.CreateTaskParams{Name: "unevaluated"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d/evaluation/latest", created.ID), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, apperrors.CodeEvaluationNotFound, env.Error.Code)
}

func TestEvaluationConfigRoute(t *testing.T) {
	f := newTestServer(t)
	created, err := f.store.CreateTask(t.Context(), store.CreateTaskParams{Name: "any"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d/evaluation/config", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg struct {
		QualityThreshold float64            `json:"quality_threshold"`
		MaxIterations    int                `json:"max_iterations"`
		DimensionWeights map[string]float64 `json:"dimension_weights"`
	}
	decodeData(t, rec, &cfg)
	assert.InDelta(t, 0.8, cfg.QualityThreshold, 1e-9)
	assert.Equal(t, 3, cfg.MaxIterations)
	assert.NotEmpty(t, cfg.DimensionWeights)
}

func TestEvaluationBatch(t *testing.T) {
	f := newTestServer(t)
	ctx := t.Context()
	one, err := f.store.CreateTask(ctx, store.CreateTaskParams{Name: "scored"})
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertTaskInput(ctx, one.ID, "Summarize the findings in detail."))
	require.NoError(t, f.store.UpsertTaskOutput(ctx, one.ID,
		"The findings show steady growth across all three quarters, driven by organic signups."))

	rec := f.do(t, http.MethodPost, "/evaluation/batch", gin.H{"task_ids": []int64{one.ID, 999999}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var batch struct {
		Results []evaluation.BatchResult `json:"results"`
	}
	decodeData(t, rec, &batch)
	require.Len(t, batch.Results, 2)
	assert.NotNil(t, batch.Results[0].Record)
	assert.NotEmpty(t, batch.Results[1].Error)

	rec = f.do(t, http.MethodPost, "/evaluation/batch", gin.H{"task_ids": []int64{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSupervisionRoute(t *testing.T) {
	f := newTestServer(t)
	rec := f.do(t, http.MethodGet, "/evaluation/supervision", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sup store.EvaluationSupervision
	decodeData(t, rec, &sup)
	assert.Zero(t, sup.TasksEvaluated)
}

func TestAsyncRunBecomesJob(t *testing.T) {
	f := newTestServer(t)
	f.approvePlan(t, "Async Plan")

	rec := f.do(t, http.MethodPost, "/run", gin.H{"title": "Async Plan", "async": true})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var job jobs.Job
	decodeData(t, rec, &job)
	require.NotEmpty(t, job.ID)

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := f.jobs.Get(job.ID, false)
		require.NoError(t, err)
		if snap.Status.Terminal() {
			require.Equal(t, jobs.StatusSucceeded, snap.Status, "error: %s", snap.Error)
			break
		}
		require.True(t, time.Now().Before(deadline), "job did not finish")
		time.Sleep(10 * time.Millisecond)
	}

	rec = f.do(t, http.MethodGet, "/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap jobs.Job
	decodeData(t, rec, &snap)
	assert.Equal(t, jobs.StatusSucceeded, snap.Status)
	assert.NotNil(t, snap.Result)
}

func TestJobStreamReplaysTerminalResult(t *testing.T) {
	f := newTestServer(t)
	job := f.jobs.Launch(t.Context(), "noop", nil, func(context.Context, string) (any, error) {
		return "done", nil
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := f.jobs.Get(job.ID, false)
		require.NoError(t, err)
		if snap.Status.Terminal() {
			break
		}
		require.True(t, time.Now().Before(deadline), "job did not finish")
		time.Sleep(5 * time.Millisecond)
	}

	rec := f.do(t, http.MethodGet, "/jobs/"+job.ID+"/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: result")
	assert.Contains(t, body, job.ID)
}

func TestJobStreamReplaysActionsFromCursor(t *testing.T) {
	f := newTestServer(t)
	job := f.jobs.Create("decompose", nil, nil)
	require.NoError(t, f.jobs.Start(job.ID))
	for _, action := range []string{"propose", "validate", "persist"} {
		_, err := f.jobs.AppendAction(job.ID, action, nil)
		require.NoError(t, err)
	}
	require.NoError(t, f.jobs.Complete(job.ID, "ok"))

	rec := f.do(t, http.MethodGet, "/jobs/"+job.ID+"/stream?cursor=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, `"action":"propose"`)
	assert.Contains(t, body, `"action":"validate"`)
	assert.Contains(t, body, `"action":"persist"`)
	assert.Contains(t, body, "event: result")
}

func TestJobNotFound(t *testing.T) {
	f := newTestServer(t)
	rec := f.do(t, http.MethodGet, "/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, apperrors.CodeJobNotFound, env.Error.Code)
}

func TestIndexRoutes(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(t, http.MethodPut, "/index", gin.H{"content": "# Projects\n\n- loom\n"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/index", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var idx struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	decodeData(t, rec, &idx)
	assert.NotEmpty(t, idx.Path)
	assert.Contains(t, idx.Content, "# Projects")
}

func TestStatsRoute(t *testing.T) {
	f := newTestServer(t)
	_, err := f.store.CreateTask(t.Context(), store.CreateTaskParams{Name: "counted"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var data map[string]json.RawMessage
	decodeData(t, rec, &data)
	require.Contains(t, data, "store")
	require.Contains(t, data, "jobs")

	var st store.Stats
	require.NoError(t, json.Unmarshal(data["store"], &st))
	assert.Equal(t, 1, st.Tasks)
}

func TestKnowledgeUnconfigured(t *testing.T) {
	f := newTestServer(t)
	rec := f.do(t, http.MethodPost, "/knowledge/notes", gin.H{"content": "remember this"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, apperrors.CodeConfiguration, env.Error.Code)

	rec = f.do(t, http.MethodGet, "/knowledge/search?q=anything", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWorkflowRoutes(t *testing.T) {
	f := newTestServer(t)
	approved := f.approvePlan(t, "Workflow Plan")

	rec := f.do(t, http.MethodGet, "/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Workflows []task.Workflow `json:"workflows"`
	}
	decodeData(t, rec, &listing)
	require.Len(t, listing.Workflows, 1)

	rec = f.do(t, http.MethodGet, "/workflows/"+approved.WorkflowID+"/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var wf struct {
		Tasks []task.Task `json:"tasks"`
	}
	decodeData(t, rec, &wf)
	// Root plus the two steps.
	assert.Len(t, wf.Tasks, 3)
}

func TestRerunRouteReexecutesDoneTask(t *testing.T) {
	f := newTestServer(t)
	f.approvePlan(t, "Rerun Plan")

	rec := f.do(t, http.MethodPost, "/run", gin.H{"title": "Rerun Plan"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary scheduler.RunSummary
	decodeData(t, rec, &summary)
	require.Equal(t, 2, summary.Done)
	first := summary.Results[0].TaskID

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/rerun", first), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeData(t, rec, &summary)
	assert.Equal(t, 1, summary.Executed)
	assert.Equal(t, 1, summary.Done)
}
