package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

const defaultServer = "http://127.0.0.1:8080"

// NewRootCommand builds the full command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&client{
		out:    os.Stdout,
		errOut: os.Stderr,
		http:   &http.Client{Timeout: 5 * time.Minute},
	})
}

func newRootCommand(cli *client) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Task engine client",
		Long: `loom drives the task engine over HTTP: propose and approve plans,
run them, inspect tasks and their assembled context, and follow
background jobs as they stream progress.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cli.base == "" {
				cli.base = defaultServer
			}
			cli.base = strings.TrimRight(cli.base, "/")
		},
	}

	rootCmd.PersistentFlags().StringVar(&cli.base, "server", envOr("LOOM_SERVER", defaultServer), "engine base URL")
	rootCmd.PersistentFlags().BoolVar(&cli.raw, "json", false, "print raw response JSON")

	rootCmd.AddCommand(
		newProposeCommand(cli),
		newApproveCommand(cli),
		newTasksCommand(cli),
		newRunCommand(cli),
		newTaskCommand(cli),
		newLinksCommand(cli),
		newContextCommand(cli),
		newEvalCommand(cli),
		newJobsCommand(cli),
		newIndexCommand(cli),
		newNotesCommand(cli),
		newHealthCommand(cli),
		newStatsCommand(cli),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// client wraps the HTTP round trip: it unwraps the {success, data|error}
// envelope, renders API errors, and honors --json by printing data raw.
type client struct {
	base   string
	raw    bool
	http   *http.Client
	out    io.Writer
	errOut io.Writer
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

// apiError is the error half of the response envelope.
type apiError struct {
	ID          string   `json:"error_id"`
	Code        int      `json:"error_code"`
	Category    string   `json:"category"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions"`
}

func (e *apiError) Error() string { return e.Message }

// render prints the error the way every command reports failure: the
// message on one line, suggestions indented under it, then the id for
// correlating with server logs.
func (e *apiError) render(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", red("error:"), e.Message)
	for _, s := range e.Suggestions {
		fmt.Fprintf(w, "  %s %s\n", yellow("hint:"), s)
	}
	if e.ID != "" {
		fmt.Fprintf(w, "  %s\n", gray("id: "+e.ID))
	}
}

func renderLocalError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %v\n", red("error:"), err)
}

func (c *client) get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *client) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *client) put(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, path, body)
}

func (c *client) delete(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodDelete, path, body)
}

func (c *client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unexpected response (%s): %s", resp.Status, firstLine(raw))
	}
	if !env.Success {
		if env.Error == nil {
			return nil, fmt.Errorf("request failed with %s", resp.Status)
		}
		env.Error.render(c.errOut)
		return nil, env.Error
	}
	return env.Data, nil
}

func firstLine(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// printJSON writes data indented. Used directly by --json and for
// payloads without a friendlier rendering.
func (c *client) printJSON(data json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		buf.Reset()
		buf.Write(data)
	}
	buf.WriteByte('\n')
	_, err := c.out.Write(buf.Bytes())
	return err
}

// show decodes data into v for human rendering, or prints it raw when
// --json is set. The returned bool is false when rendering is done.
func (c *client) show(data json.RawMessage, v any) (bool, error) {
	if c.raw {
		return false, c.printJSON(data)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return true, nil
}

func statusColor(status string) string {
	switch status {
	case "done", "succeeded":
		return green(status)
	case "failed", "cancelled":
		return red(status)
	case "running":
		return cyan(status)
	case "needs_review":
		return yellow(status)
	default:
		return status
	}
}
