package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"loom/internal/async"
	"loom/internal/cache"
	apperrors "loom/internal/errors"
	"loom/internal/jobs"
	"loom/internal/knowledge"
	"loom/internal/store"
)

type systemHandler struct {
	store     *store.Store
	index     *store.IndexFile
	knowledge *knowledge.Store
	embCache  *cache.EmbeddingCache
	async     *async.Manager
	jobs      *jobs.Registry
	version   string
	started   time.Time
}

func (h *systemHandler) health(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{
		"status":  "ok",
		"version": h.version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *systemHandler) stats(c *gin.Context) {
	st, err := h.store.GetStats(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	data := gin.H{"store": st}
	if h.embCache != nil {
		data["embedding_cache"] = h.embCache.Stats()
	}
	if h.async != nil {
		data["async"] = h.async.Stats()
	}
	if h.jobs != nil {
		data["jobs"] = gin.H{"tracked": len(h.jobs.List())}
	}
	if h.knowledge != nil {
		data["knowledge"] = gin.H{"notes": h.knowledge.Count()}
	}
	respond(c, http.StatusOK, data)
}

func (h *systemHandler) indexGet(c *gin.Context) {
	content, err := h.index.Get()
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"path": h.index.Path(), "content": content})
}

type indexPutRequest struct {
	Content string `json:"content"`
}

func (h *systemHandler) indexPut(c *gin.Context) {
	var req indexPutRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.index.Put(req.Content); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"path": h.index.Path(), "bytes": len(req.Content)})
}

type noteRequest struct {
	Content string            `json:"content"`
	Tags    map[string]string `json:"tags,omitempty"`
}

func (h *systemHandler) addNote(c *gin.Context) {
	if h.knowledge == nil {
		respondErr(c, apperrors.New(apperrors.CodeConfiguration, "Knowledge store is not configured.").
			WithSuggestions("Set knowledge.enabled in the server configuration."))
		return
	}
	var req noteRequest
	if !bindJSON(c, &req) {
		return
	}
	note, err := h.knowledge.AddNote(c.Request.Context(), req.Content, req.Tags)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusCreated, note)
}

func (h *systemHandler) searchNotes(c *gin.Context) {
	if h.knowledge == nil {
		respondErr(c, apperrors.New(apperrors.CodeConfiguration, "Knowledge store is not configured.").
			WithSuggestions("Set knowledge.enabled in the server configuration."))
		return
	}
	query := c.Query("q")
	if query == "" {
		respondErr(c, apperrors.New(apperrors.CodeInvalidArgument, "Query parameter q is required."))
		return
	}
	k := 5
	if raw := c.Query("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondErr(c, apperrors.New(apperrors.CodeInvalidArgument, "Query parameter k must be a positive integer.").
				WithContext("k", raw))
			return
		}
		k = parsed
	}

	results, err := h.knowledge.Search(c.Request.Context(), query, k)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"query": query, "results": results, "count": len(results)})
}

func (h *systemHandler) listWorkflows(c *gin.Context) {
	workflows, err := h.store.ListWorkflows(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"workflows": workflows})
}

func (h *systemHandler) workflowTasks(c *gin.Context) {
	id := c.Param("id")
	tasks, err := h.store.ListWorkflowTasks(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"workflow_id": id, "tasks": tasks})
}
