package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeOK(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    data,
	}))
}

func writeFail(t *testing.T, w http.ResponseWriter, status int, apiErr map[string]any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   apiErr,
	}))
}

// runCLI executes one command against the given server and returns
// captured stdout and stderr.
func runCLI(t *testing.T, serverURL string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cli := &client{
		out:    &out,
		errOut: &errOut,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
	cmd := newRootCommand(cli)
	cmd.SetArgs(append(args, "--server", serverURL))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestHealthCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		writeOK(t, w, map[string]any{"status": "ok", "version": "1.2.3", "uptime": "42s"})
	}))
	defer srv.Close()

	out, _, err := runCLI(t, srv.URL, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "1.2.3")
	assert.Contains(t, out, "up 42s")
}

func TestErrorRendering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFail(t, w, http.StatusNotFound, map[string]any{
			"error_id":    "err_abc123",
			"error_code":  2001,
			"category":    "business",
			"message":     "Task 42 not found.",
			"suggestions": []string{"Check the task id."},
		})
	}))
	defer srv.Close()

	out, errOut, err := runCLI(t, srv.URL, "task", "show", "42")
	require.Error(t, err)
	assert.Empty(t, out)
	assert.Contains(t, errOut, "Task 42 not found.")
	assert.Contains(t, errOut, "hint: Check the task id.")
	assert.Contains(t, errOut, "id: err_abc123")

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 2001, apiErr.Code)
}

func TestProposeRendersPlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/plans/propose", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ship the docs site", req["goal"])
		assert.Equal(t, false, req["async"])

		writeOK(t, w, map[string]any{
			"title": "Docs Site",
			"goal":  "ship the docs site",
			"tasks": []map[string]any{
				{"name": "Draft outline", "prompt": "p1", "priority": 5},
				{"name": "Write pages", "prompt": "p2", "priority": 4},
			},
		})
	}))
	defer srv.Close()

	out, _, err := runCLI(t, srv.URL, "propose", "ship", "the", "docs", "site")
	require.NoError(t, err)
	assert.Contains(t, out, "Docs Site")
	assert.Contains(t, out, "1. Draft outline")
	assert.Contains(t, out, "2. Write pages")
}

func TestProposeJSONIsRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeOK(t, w, map[string]any{"title": "Docs Site", "goal": "g", "tasks": []any{}})
	}))
	defer srv.Close()

	out, _, err := runCLI(t, srv.URL, "propose", "anything", "--json")
	require.NoError(t, err)

	var plan planDoc
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, "Docs Site", plan.Title)
}

func TestApproveFromFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/plans/approve", r.URL.Path)
		var plan planDoc
		require.NoError(t, json.NewDecoder(r.Body).Decode(&plan))
		assert.Equal(t, "Docs Site", plan.Title)
		writeOK(t, w, map[string]any{
			"title":       "Docs Site",
			"root_id":     7,
			"workflow_id": "wf_1",
			"task_ids":    []int64{8, 9},
		})
	}))
	defer srv.Close()

	planPath := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(planPath, []byte(`{"title":"Docs Site","goal":"g","tasks":[]}`), 0o644))

	out, _, err := runCLI(t, srv.URL, "approve", "--file", planPath)
	require.NoError(t, err)
	assert.Contains(t, out, `plan "Docs Site" approved`)
	assert.Contains(t, out, "2 tasks under root 7")
}

func TestApproveRejectsBadJSON(t *testing.T) {
	planPath := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(planPath, []byte("{"), 0o644))

	_, _, err := runCLI(t, "http://127.0.0.1:1", "approve", "--file", planPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestRunPrintsSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/run", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Docs Site", req["title"])
		assert.Equal(t, "bfs", req["strategy"])

		score := 0.91
		writeOK(t, w, map[string]any{
			"strategy": "bfs",
			"total":    2, "executed": 2, "done": 2, "failed": 0,
			"needs_review": 0, "skipped": 0,
			"elapsed": int64(1500 * time.Millisecond),
			"results": []map[string]any{
				{"task_id": 8, "name": "Draft outline", "status": "done", "executed": true, "score": score},
				{"task_id": 9, "name": "Write pages", "status": "done", "executed": true},
			},
		})
	}))
	defer srv.Close()

	out, _, err := runCLI(t, srv.URL, "run", "--plan", "Docs Site", "--strategy", "bfs")
	require.NoError(t, err)
	assert.Contains(t, out, "strategy=bfs")
	assert.Contains(t, out, "elapsed=1.5s")
	assert.Contains(t, out, "Draft outline")
	assert.Contains(t, out, "score=0.91")
}

func TestRunAsyncPrintsJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeOK(t, w, map[string]any{"job_id": "job_42", "kind": "plan_run", "status": "running"})
	}))
	defer srv.Close()

	out, _, err := runCLI(t, srv.URL, "run", "--plan", "Docs Site", "--async")
	require.NoError(t, err)
	assert.Contains(t, out, "job_42")
	assert.Contains(t, out, "loom jobs watch job_42")
}

func TestTasksTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/plans/Docs%20Site/tasks", r.URL.EscapedPath())
		writeOK(t, w, map[string]any{
			"title": "Docs Site",
			"tasks": []map[string]any{
				{"id": 8, "name": "[Docs Site] Draft outline", "status": "done", "priority": 5},
				{"id": 9, "name": "[Docs Site] Write pages", "status": "pending", "priority": 4},
			},
		})
	}))
	defer srv.Close()

	out, _, err := runCLI(t, srv.URL, "tasks", "Docs Site")
	require.NoError(t, err)
	assert.Contains(t, out, "Draft outline")
	assert.Contains(t, out, "pending")
}

func TestTaskShow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/8", r.URL.Path)
		writeOK(t, w, map[string]any{
			"task": map[string]any{
				"id": 8, "name": "Draft outline", "status": "done",
				"priority": 5, "task_type": "atomic",
				"workflow_id": "wf_1", "path": "/7/8",
			},
			"input":  "Write a draft outline.",
			"output": "1. Intro\n2. Body",
		})
	}))
	defer srv.Close()

	out, _, err := runCLI(t, srv.URL, "task", "show", "8")
	require.NoError(t, err)
	assert.Contains(t, out, "task 8")
	assert.Contains(t, out, "status: done")
	assert.Contains(t, out, "Write a draft outline.")
	assert.Contains(t, out, "1. Intro")
}

func TestTaskIDValidation(t *testing.T) {
	_, _, err := runCLI(t, "http://127.0.0.1:1", "task", "show", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "positive integer")
}

func TestLinksAddAndList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, float64(9), req["from_id"])
			assert.Equal(t, float64(8), req["to_id"])
			assert.Equal(t, "requires", req["kind"])
			writeOK(t, w, map[string]any{"id": 1, "from_id": 9, "to_id": 8, "kind": "requires"})
		default:
			assert.Equal(t, "/context/links/9", r.URL.Path)
			writeOK(t, w, map[string]any{
				"task_id":  9,
				"outbound": []map[string]any{{"id": 1, "from_id": 9, "to_id": 8, "kind": "requires"}},
				"inbound":  []map[string]any{},
			})
		}
	}))
	defer srv.Close()

	out, _, err := runCLI(t, srv.URL, "links", "add", "9", "8")
	require.NoError(t, err)
	assert.Contains(t, out, "task 9 now requires task 8")

	out, _, err = runCLI(t, srv.URL, "links", "ls", "9")
	require.NoError(t, err)
	assert.Contains(t, out, "9 requires 8")
}

func TestContextPreviewSections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/8/context/preview", r.URL.Path)
		writeOK(t, w, map[string]any{
			"task_id":  8,
			"combined": "# Context\neverything",
			"sections": []map[string]any{
				{"kind": "root_brief", "short_name": "Docs Site", "content": "goal text", "pinned": true},
				{"kind": "dep:requires", "short_name": "Draft outline", "content": "outline", "retrieval_score": 0.0},
			},
			"token_estimate": 12,
		})
	}))
	defer srv.Close()

	out, _, err := runCLI(t, srv.URL, "context", "preview", "8")
	require.NoError(t, err)
	assert.Contains(t, out, "2 sections")
	assert.Contains(t, out, "root_brief")
	assert.Contains(t, out, "dep:requires")

	out, _, err = runCLI(t, srv.URL, "context", "preview", "8", "--full")
	require.NoError(t, err)
	assert.Contains(t, out, "# Context\neverything")
}

func TestEvalHistoryAndOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "/tasks/8/evaluation/history", r.URL.Path)
			writeOK(t, w, map[string]any{
				"task_id": 8,
				"iterations": []map[string]any{
					{"iteration": 1, "score": 0.6, "passed": false, "feedback": "needs detail", "source": "model"},
					{"iteration": 2, "score": 0.9, "passed": true, "source": "model"},
				},
			})
		case http.MethodPost:
			assert.Equal(t, "/tasks/8/evaluation/override", r.URL.Path)
			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, 0.95, req["score"])
			w.WriteHeader(http.StatusCreated)
			writeOK(t, w, map[string]any{"iteration": 3, "score": 0.95, "passed": true, "source": "human"})
		}
	}))
	defer srv.Close()

	out, _, err := runCLI(t, srv.URL, "eval", "history", "8")
	require.NoError(t, err)
	assert.Contains(t, out, "needs detail")
	assert.Contains(t, out, "0.90")

	out, _, err = runCLI(t, srv.URL, "eval", "override", "8", "--score", "0.95", "--reason", "looks fine")
	require.NoError(t, err)
	assert.Contains(t, out, "recorded human score 0.95")
}

func TestJobsWatchStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/job_42/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		frames := []string{
			"event: status\ndata: {\"type\":\"status\",\"job_id\":\"job_42\",\"status\":\"running\"}\n\n",
			": heartbeat\n\n",
			"event: event\ndata: {\"type\":\"event\",\"job_id\":\"job_42\",\"level\":\"info\",\"message\":\"task 8 done\"}\n\n",
			"event: result\ndata: {\"type\":\"result\",\"job_id\":\"job_42\",\"job\":{\"job_id\":\"job_42\",\"status\":\"succeeded\"}}\n\n",
		}
		for _, frame := range frames {
			_, err := w.Write([]byte(frame))
			require.NoError(t, err)
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	out, _, err := runCLI(t, srv.URL, "jobs", "watch", "job_42")
	require.NoError(t, err)
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "task 8 done")
	assert.Contains(t, out, "finished")
}

func TestJobsWatchTruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("event: status\ndata: {\"type\":\"status\",\"status\":\"running\"}\n\n"))
	}))
	defer srv.Close()

	_, _, err := runCLI(t, srv.URL, "jobs", "watch", "job_42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed before a result")
}

func TestJobsWatchErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFail(t, w, http.StatusNotFound, map[string]any{
			"error_id": "err_x", "error_code": 2009,
			"message": "Job job_42 not found.",
		})
	}))
	defer srv.Close()

	_, errOut, err := runCLI(t, srv.URL, "jobs", "watch", "job_42")
	require.Error(t, err)
	assert.Contains(t, errOut, "Job job_42 not found.")
}

func TestIndexRoundTrip(t *testing.T) {
	var stored string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/index", r.URL.Path)
		switch r.Method {
		case http.MethodPut:
			var req struct {
				Content string `json:"content"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			stored = req.Content
			writeOK(t, w, map[string]any{"path": "index.md", "bytes": len(req.Content)})
		default:
			writeOK(t, w, map[string]any{"path": "index.md", "content": stored})
		}
	}))
	defer srv.Close()

	indexPath := filepath.Join(t.TempDir(), "index.md")
	require.NoError(t, os.WriteFile(indexPath, []byte("# Conventions\nuse tabs\n"), 0o644))

	out, _, err := runCLI(t, srv.URL, "index", "put", "--file", indexPath)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 23 bytes")

	out, _, err = runCLI(t, srv.URL, "index", "get")
	require.NoError(t, err)
	assert.Contains(t, out, "# Conventions")
}

func TestStatsRendering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeOK(t, w, map[string]any{
			"store": map[string]any{"tasks": 3, "links": 1, "snapshots": 2, "workflows": 1},
			"jobs":  map[string]any{"tracked": 4},
		})
	}))
	defer srv.Close()

	out, _, err := runCLI(t, srv.URL, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "tasks=3")
	assert.Contains(t, out, "tracked=4")
}

func TestNotesSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/knowledge/search", r.URL.Path)
		assert.Equal(t, "deploy checklist", r.URL.Query().Get("q"))
		assert.Equal(t, "3", r.URL.Query().Get("k"))
		writeOK(t, w, map[string]any{
			"query": "deploy checklist",
			"results": []map[string]any{
				{"note": map[string]any{"id": "n1", "content": "always run migrations first"}, "similarity": 0.82},
			},
			"count": 1,
		})
	}))
	defer srv.Close()

	out, _, err := runCLI(t, srv.URL, "notes", "search", "deploy", "checklist", "-k", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "0.82")
	assert.Contains(t, out, "always run migrations first")
}

func TestServerUnreachable(t *testing.T) {
	_, _, err := runCLI(t, "http://127.0.0.1:1", "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reach")
}
