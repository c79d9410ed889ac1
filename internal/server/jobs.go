package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "loom/internal/errors"
	"loom/internal/jobs"
	"loom/internal/logging"
)

type jobHandler struct {
	registry *jobs.Registry
	logger   logging.Logger
}

func (h *jobHandler) list(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{"jobs": h.registry.List()})
}

func (h *jobHandler) get(c *gin.Context) {
	includeLogs := c.Query("include_logs") == "true" || c.Query("include_logs") == "1"
	job, err := h.registry.Get(c.Param("id"), includeLogs)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, job)
}

func (h *jobHandler) cancel(c *gin.Context) {
	id := c.Param("id")
	if err := h.registry.Cancel(id); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"job_id": id, "cancelled": true})
}

// stream delivers job events as server-sent events until the job
// finishes or the client goes away. A ?cursor=N query replays retained
// action logs past N before the live feed, so a reconnecting client
// resumes where it dropped off. Heartbeats become SSE comments so idle
// proxies keep the connection open without waking clients.
func (h *jobHandler) stream(c *gin.Context) {
	id := c.Param("id")
	ch, err := h.registry.Subscribe(id)
	if err != nil {
		respondErr(c, err)
		return
	}
	defer h.registry.Unsubscribe(id, ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	// Subscribe happens before the replay snapshot, so an action
	// appended between them shows up in both; replayed counts as the
	// floor for the live feed below.
	replayed := int64(0)
	if raw := c.Query("cursor"); raw != "" {
		since, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || since < 0 {
			respondErr(c, apperrors.Newf(apperrors.CodeInvalidArgument, "Invalid cursor %q.", raw))
			return
		}
		replayed = h.replayActions(c.Writer, id, since)
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("stream for job %s closed by client", id)
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type == jobs.EventAction && ev.Cursor <= replayed {
				continue
			}
			writeEvent(c.Writer, ev)
		}
	}
}

// replayActions writes retained action logs with a cursor past since
// and returns the highest cursor written (or since when none were).
func (h *jobHandler) replayActions(w gin.ResponseWriter, id string, since int64) int64 {
	job, err := h.registry.Get(id, true)
	if err != nil {
		return since
	}
	last := since
	for _, a := range job.ActionLogs {
		if a.Cursor <= since {
			continue
		}
		writeEvent(w, jobs.Event{
			Type: jobs.EventAction, JobID: id, Action: a.Action, Data: a.Data, Cursor: a.Cursor, At: a.At,
		})
		last = a.Cursor
	}
	return last
}

func writeEvent(w gin.ResponseWriter, ev jobs.Event) {
	if ev.Type == jobs.EventHeartbeat {
		fmt.Fprint(w, ": heartbeat\n\n")
		w.Flush()
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	w.Flush()
}
