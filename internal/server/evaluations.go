package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "loom/internal/errors"
	"loom/internal/evaluation"
	"loom/internal/store"
)

type evalHandler struct {
	store *store.Store
	loop  *evaluation.Loop
}

func (h *evalHandler) history(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	recs, err := h.store.ListEvaluations(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"task_id": id, "iterations": recs})
}

func (h *evalHandler) latest(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	rec, err := h.store.LatestEvaluation(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	if rec == nil {
		respondErr(c, apperrors.Newf(apperrors.CodeEvaluationNotFound, "Task %d was never evaluated.", id).
			WithContext("task_id", id))
		return
	}
	respond(c, http.StatusOK, rec)
}

type overrideRequest struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason,omitempty"`
}

func (h *evalHandler) override(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req overrideRequest
	if !bindJSON(c, &req) {
		return
	}
	rec, err := h.loop.Override(c.Request.Context(), id, req.Score, req.Reason)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusCreated, rec)
}

func (h *evalHandler) clearOverride(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	removed, err := h.loop.ClearOverrides(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"task_id": id, "removed": removed})
}

func (h *evalHandler) config(c *gin.Context) {
	cfg := h.loop.Config()
	respond(c, http.StatusOK, gin.H{
		"quality_threshold": cfg.QualityThreshold,
		"max_iterations":    cfg.MaxIterations,
		"dimension_weights": evaluation.DimensionWeights,
	})
}

type batchRequest struct {
	TaskIDs []int64 `json:"task_ids"`
}

func (h *evalHandler) batch(c *gin.Context) {
	var req batchRequest
	if !bindJSON(c, &req) {
		return
	}
	if len(req.TaskIDs) == 0 {
		respondErr(c, apperrors.New(apperrors.CodeInvalidArgument, "task_ids must not be empty."))
		return
	}
	results := h.loop.EvaluateBatch(c.Request.Context(), req.TaskIDs)
	respond(c, http.StatusOK, gin.H{"results": results})
}

func (h *evalHandler) supervision(c *gin.Context) {
	sup, err := h.store.GetEvaluationSupervision(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, sup)
}
