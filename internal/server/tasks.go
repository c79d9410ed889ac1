package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"loom/internal/assembler"
	"loom/internal/scheduler"
	"loom/internal/store"
	"loom/internal/task"
)

type taskHandler struct {
	store *store.Store
	sched *scheduler.Scheduler
	asm   *assembler.Assembler
}

func (h *taskHandler) get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	t, err := h.store.GetTask(ctx, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	input, err := h.store.GetTaskInput(ctx, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	output, err := h.store.GetTaskOutput(ctx, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"task": t, "input": input, "output": output})
}

type updateTaskRequest struct {
	Name     *string       `json:"name,omitempty"`
	Priority *int          `json:"priority,omitempty"`
	Type     *task.Type    `json:"type,omitempty"`
	Metadata task.Metadata `json:"metadata,omitempty"`
	Input    *string       `json:"input,omitempty"`
	Output   *string       `json:"output,omitempty"`
	// Status requests a transition; Reason and Rerun qualify it.
	Status *task.Status `json:"status,omitempty"`
	Reason string       `json:"reason,omitempty"`
	Rerun  bool         `json:"rerun,omitempty"`
}

func (h *taskHandler) update(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req updateTaskRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()

	t, err := h.store.UpdateTask(ctx, id, store.UpdateTaskParams{
		Name:     req.Name,
		Priority: req.Priority,
		Type:     req.Type,
		Metadata: req.Metadata,
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	if req.Input != nil {
		if err := h.store.UpsertTaskInput(ctx, id, *req.Input); err != nil {
			respondErr(c, err)
			return
		}
	}

	if req.Status != nil {
		opts := []task.TransitionOption{}
		if req.Reason != "" {
			opts = append(opts, task.WithReason(req.Reason))
		}
		if req.Rerun {
			opts = append(opts, task.WithRerun())
		}
		if req.Output != nil {
			opts = append(opts, task.WithOutput(*req.Output))
		}
		t, err = h.store.UpdateTaskStatus(ctx, id, *req.Status, opts...)
		if err != nil {
			respondErr(c, err)
			return
		}
	} else if req.Output != nil {
		if err := h.store.UpsertTaskOutput(ctx, id, *req.Output); err != nil {
			respondErr(c, err)
			return
		}
	}

	respond(c, http.StatusOK, t)
}

func (h *taskHandler) remove(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	deleted, err := h.store.DeleteTask(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"task_id": id, "deleted": deleted})
}

// contextPreview assembles a bundle without persisting a snapshot,
// whatever the request says about persistence.
func (h *taskHandler) contextPreview(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var opts assembler.Options
	if !bindOptionalJSON(c, &opts) {
		return
	}
	opts.Persist = false

	bundle, err := h.asm.Assemble(c.Request.Context(), id, opts)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, bundle)
}

func (h *taskHandler) listSnapshots(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	snaps, err := h.store.ListSnapshots(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"task_id": id, "snapshots": snaps})
}

func (h *taskHandler) getSnapshot(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	snap, err := h.store.GetSnapshot(c.Request.Context(), id, c.Param("label"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, snap)
}

func (h *taskHandler) deleteSnapshot(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	label := c.Param("label")
	if err := h.store.DeleteSnapshot(c.Request.Context(), id, label); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"task_id": id, "label": label, "deleted": true})
}

type taskRunRequest struct {
	scheduler.Options
}

func (h *taskHandler) rerun(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req taskRunRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	summary, err := h.sched.RerunTask(c.Request.Context(), id, req.Options)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, summary)
}

func (h *taskHandler) rerunSubtree(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req taskRunRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	req.Options.Rerun = true
	summary, err := h.sched.RunSubtree(c.Request.Context(), id, req.Options)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, summary)
}

func (h *taskHandler) executeWithEvaluation(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req taskRunRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	summary, err := h.sched.ExecuteWithEvaluation(c.Request.Context(), id, req.Options)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, summary)
}
