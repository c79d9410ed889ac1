package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type jobDetailDoc struct {
	ID         string          `json:"job_id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Params     map[string]any  `json:"params"`
	Result     json.RawMessage `json:"result"`
	Error      string          `json:"error"`
	CreatedAt  string          `json:"created_at"`
	FinishedAt *string         `json:"finished_at"`
	Logs       []struct {
		Level   string `json:"level"`
		Message string `json:"message"`
		At      string `json:"at"`
	} `json:"logs"`
}

func newJobsCommand(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and follow background jobs",
	}
	cmd.AddCommand(
		newJobsLsCommand(c),
		newJobsShowCommand(c),
		newJobsWatchCommand(c),
		newJobsCancelCommand(c),
	)
	return cmd
}

func newJobsLsCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List tracked jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := c.get(cmd.Context(), "/jobs")
			if err != nil {
				return err
			}
			var resp struct {
				Jobs []jobDetailDoc `json:"jobs"`
			}
			ok, err := c.show(data, &resp)
			if !ok || err != nil {
				return err
			}
			if len(resp.Jobs) == 0 {
				fmt.Fprintf(c.out, "%s\n", gray("no jobs"))
				return nil
			}
			w := tabwriter.NewWriter(c.out, 2, 4, 2, ' ', 0)
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", gray("ID"), gray("KIND"), gray("STATUS"), gray("CREATED"))
			for _, j := range resp.Jobs {
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", j.ID, j.Kind, statusColor(j.Status), gray(j.CreatedAt))
			}
			return w.Flush()
		},
	}
}

func newJobsShowCommand(c *client) *cobra.Command {
	var logs bool
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Print one job with its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/jobs/" + args[0]
			if logs {
				path += "?include_logs=true"
			}
			data, err := c.get(cmd.Context(), path)
			if err != nil {
				return err
			}
			var job jobDetailDoc
			ok, err := c.show(data, &job)
			if !ok || err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s %s  kind=%s  status=%s\n", bold("job"), job.ID, job.Kind, statusColor(job.Status))
			if job.Error != "" {
				fmt.Fprintf(c.out, "  %s %s\n", red("error:"), job.Error)
			}
			if len(job.Result) > 0 && string(job.Result) != "null" {
				fmt.Fprintf(c.out, "  %s\n", gray("result:"))
				var buf bytes.Buffer
				if json.Indent(&buf, job.Result, "  ", "  ") != nil {
					buf.Reset()
					buf.Write(job.Result)
				}
				fmt.Fprintf(c.out, "  %s\n", buf.String())
			}
			for _, l := range job.Logs {
				fmt.Fprintf(c.out, "  %s %s\n", gray("["+l.Level+"]"), l.Message)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&logs, "logs", false, "include retained log lines")
	return cmd
}

func newJobsCancelCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := c.post(cmd.Context(), "/jobs/"+args[0]+"/cancel", nil)
			if err != nil {
				return err
			}
			var resp struct {
				JobID     string `json:"job_id"`
				Cancelled bool   `json:"cancelled"`
			}
			ok, err := c.show(data, &resp)
			if !ok || err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s job %s cancelled\n", green("ok:"), resp.JobID)
			return nil
		},
	}
}

type streamEvent struct {
	Type    string         `json:"type"`
	JobID   string         `json:"job_id"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Action  string         `json:"action"`
	Status  string         `json:"status"`
	Data    map[string]any `json:"data"`
	Job     *jobDetailDoc  `json:"job"`
}

func newJobsWatchCommand(c *client) *cobra.Command {
	var cursor int64
	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job's event stream until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.watchJob(cmd, args[0], cursor)
		},
	}
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "replay recorded actions after this cursor before live events")
	return cmd
}

// watchJob consumes the job's SSE stream. The server closes the stream
// after the result event, so the read loop ending without one means the
// connection dropped early.
func (c *client) watchJob(cmd *cobra.Command, jobID string, cursor int64) error {
	url := c.base + "/jobs/" + jobID + "/stream"
	if cursor > 0 {
		url += "?cursor=" + strconv.FormatInt(cursor, 10)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: the stream stays open for the job's lifetime.
	streaming := &http.Client{}
	resp, err := streaming.Do(req)
	if err != nil {
		return fmt.Errorf("reach %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		// Error responses come back as the JSON envelope.
		var env envelope
		if json.NewDecoder(resp.Body).Decode(&env) == nil && env.Error != nil {
			env.Error.render(c.errOut)
			return env.Error
		}
		return fmt.Errorf("unexpected response %s", resp.Status)
	}

	var sawResult bool
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		payload, found := strings.CutPrefix(line, "data: ")
		if !found {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		if c.raw {
			fmt.Fprintln(c.out, payload)
		} else {
			c.renderEvent(ev)
		}
		if ev.Type == "result" {
			sawResult = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream ended: %w", err)
	}
	if !sawResult {
		return fmt.Errorf("stream for job %s closed before a result arrived", jobID)
	}
	return nil
}

func (c *client) renderEvent(ev streamEvent) {
	stamp := gray(time.Now().Format("15:04:05"))
	switch ev.Type {
	case "event":
		fmt.Fprintf(c.out, "%s %s %s\n", stamp, levelColor(ev.Level), ev.Message)
	case "action":
		fmt.Fprintf(c.out, "%s %s %s\n", stamp, cyan("action"), ev.Action)
	case "status":
		fmt.Fprintf(c.out, "%s %s -> %s\n", stamp, gray("status"), statusColor(ev.Status))
	case "overflow":
		fmt.Fprintf(c.out, "%s %s\n", stamp, yellow("falling behind; the server dropped this subscription"))
	case "result":
		job := ev.Job
		if job == nil {
			fmt.Fprintf(c.out, "%s %s\n", stamp, bold("finished"))
			return
		}
		if job.Error != "" {
			fmt.Fprintf(c.out, "%s %s %s\n", stamp, red("failed:"), job.Error)
			return
		}
		fmt.Fprintf(c.out, "%s %s status=%s\n", stamp, bold("finished"), statusColor(job.Status))
	}
}

func levelColor(level string) string {
	switch level {
	case "error":
		return red(level)
	case "warn":
		return yellow(level)
	default:
		return gray(level)
	}
}
