package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "loom/internal/errors"
	"loom/internal/jobs"
	"loom/internal/logging"
	"loom/internal/planner"
	"loom/internal/scheduler"
	"loom/internal/store"
	"loom/internal/task"
)

// JobKindRun names the background job wrapping an async /run call.
const JobKindRun = "plan_run"

type planHandler struct {
	planner *planner.Planner
	sched   *scheduler.Scheduler
	store   *store.Store
	jobs    *jobs.Registry
	logger  logging.Logger
}

type proposeRequest struct {
	Goal string `json:"goal"`
	// Async runs propose+approve as a background job instead.
	Async bool `json:"async,omitempty"`
}

func (h *planHandler) propose(c *gin.Context) {
	var req proposeRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()

	if req.Async {
		job, err := h.planner.Decompose(ctx, req.Goal)
		if err != nil {
			respondErr(c, err)
			return
		}
		respond(c, http.StatusAccepted, job)
		return
	}

	plan, err := h.planner.Propose(ctx, req.Goal)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, plan)
}

func (h *planHandler) approve(c *gin.Context) {
	var plan planner.Plan
	if !bindJSON(c, &plan) {
		return
	}
	approved, err := h.planner.Approve(c.Request.Context(), &plan)
	if err != nil {
		respondErr(c, err)
		return
	}
	h.logger.Info("plan %q approved: %d tasks", approved.Title, len(approved.TaskIDs))
	respond(c, http.StatusCreated, approved)
}

func (h *planHandler) tasks(c *gin.Context) {
	title := c.Param("title")
	tasks, err := h.store.ListPlanTasks(c.Request.Context(), title)
	if err != nil {
		respondErr(c, err)
		return
	}
	if len(tasks) == 0 {
		respondErr(c, apperrors.Newf(apperrors.CodePlanNotFound, "No tasks found for plan %q.", title))
		return
	}
	respond(c, http.StatusOK, gin.H{"title": title, "tasks": tasks})
}

// assembled joins the outputs of a plan's finished steps into one
// document, one "## step" section per task.
func (h *planHandler) assembled(c *gin.Context) {
	title := c.Param("title")
	ctx := c.Request.Context()

	tasks, err := h.store.ListPlanTasks(ctx, title)
	if err != nil {
		respondErr(c, err)
		return
	}
	if len(tasks) == 0 {
		respondErr(c, apperrors.Newf(apperrors.CodePlanNotFound, "No tasks found for plan %q.", title))
		return
	}

	var done []task.Task
	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == task.StatusDone {
			done = append(done, t)
			ids = append(ids, t.ID)
		}
	}
	outputs, err := h.store.GetOutputs(ctx, ids)
	if err != nil {
		respondErr(c, err)
		return
	}

	parts := make([]string, 0, len(done))
	for _, t := range done {
		body := strings.TrimSpace(outputs[t.ID])
		if body == "" {
			continue
		}
		name := t.Name
		if _, short, ok := task.SplitPlanName(name); ok {
			name = short
		}
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", name, body))
	}

	respond(c, http.StatusOK, gin.H{
		"title":          title,
		"combined":       strings.Join(parts, "\n\n"),
		"included_tasks": len(parts),
		"total_tasks":    len(tasks),
	})
}

type runRequest struct {
	scheduler.Options
	// Exactly one of Title and TaskID picks the run scope.
	Title  string `json:"title,omitempty"`
	TaskID int64  `json:"task_id,omitempty"`
	// Async detaches the run into a background job.
	Async bool `json:"async,omitempty"`
}

func (h *planHandler) run(c *gin.Context) {
	var req runRequest
	if !bindJSON(c, &req) {
		return
	}
	if (req.Title == "") == (req.TaskID == 0) {
		respondErr(c, apperrors.New(apperrors.CodeInvalidArgument,
			"Provide exactly one of title or task_id.").
			WithSuggestions("Pass title to run a plan, or task_id to run a subtree."))
		return
	}
	ctx := c.Request.Context()

	execute := func(ctx context.Context, _ string) (any, error) {
		if req.Title != "" {
			return h.sched.RunPlan(ctx, req.Title, req.Options)
		}
		return h.sched.RunSubtree(ctx, req.TaskID, req.Options)
	}

	if req.Async {
		params := map[string]any{"strategy": req.Strategy}
		if req.Title != "" {
			params["title"] = req.Title
		} else {
			params["task_id"] = req.TaskID
		}
		job := h.jobs.Launch(ctx, JobKindRun, params, execute)
		h.logger.Info("run launched as job %s", job.ID)
		respond(c, http.StatusAccepted, job)
		return
	}

	summary, err := execute(ctx, "")
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, summary)
}
