package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "loom/internal/errors"
	"loom/internal/store"
	"loom/internal/task"
)

type linkHandler struct {
	store *store.Store
}

type linkRequest struct {
	FromID int64 `json:"from_id"`
	ToID   int64 `json:"to_id"`
	// Kind defaults to requires.
	Kind task.LinkKind `json:"kind,omitempty"`
}

func (r *linkRequest) normalize() error {
	if r.FromID <= 0 || r.ToID <= 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "from_id and to_id must be positive task ids.")
	}
	if r.Kind == "" {
		r.Kind = task.LinkRequires
	}
	if !r.Kind.Valid() {
		return apperrors.Newf(apperrors.CodeInvalidArgument, "Unknown link kind %q.", r.Kind).
			WithSuggestions("Use requires or refers.")
	}
	return nil
}

func (h *linkHandler) create(c *gin.Context) {
	var req linkRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := req.normalize(); err != nil {
		respondErr(c, err)
		return
	}
	link, err := h.store.CreateLink(c.Request.Context(), req.FromID, req.ToID, req.Kind)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusCreated, link)
}

func (h *linkHandler) remove(c *gin.Context) {
	var req linkRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := req.normalize(); err != nil {
		respondErr(c, err)
		return
	}
	if err := h.store.DeleteLink(c.Request.Context(), req.FromID, req.ToID, req.Kind); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": true})
}

// list answers both directions: outbound links the task depends on,
// inbound links of tasks depending on it.
func (h *linkHandler) list(c *gin.Context) {
	id, ok := pathID(c, "task_id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	outbound, err := h.store.ListDependencies(ctx, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	inbound, err := h.store.ListDependents(ctx, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"task_id": id, "outbound": outbound, "inbound": inbound})
}
