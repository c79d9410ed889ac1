package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type planDoc struct {
	Title string `json:"title"`
	Goal  string `json:"goal"`
	Tasks []struct {
		Name     string `json:"name"`
		Prompt   string `json:"prompt"`
		Priority int    `json:"priority"`
	} `json:"tasks"`
}

type taskDoc struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Type     string `json:"task_type"`
	Priority int    `json:"priority"`
}

type jobDoc struct {
	ID     string `json:"job_id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

type runSummaryDoc struct {
	Strategy    string `json:"strategy"`
	Total       int    `json:"total"`
	Executed    int    `json:"executed"`
	Done        int    `json:"done"`
	Failed      int    `json:"failed"`
	NeedsReview int    `json:"needs_review"`
	Skipped     int    `json:"skipped"`
	Cancelled   bool   `json:"cancelled"`
	Elapsed     int64  `json:"elapsed"`
	Results     []struct {
		TaskID   int64    `json:"task_id"`
		Name     string   `json:"name"`
		Status   string   `json:"status"`
		Executed bool     `json:"executed"`
		Skipped  bool     `json:"skipped"`
		Reason   string   `json:"reason"`
		Score    *float64 `json:"score"`
	} `json:"results"`
}

func newProposeCommand(c *client) *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "propose <goal>",
		Short: "Ask the planner to decompose a goal into a plan",
		Long: `Propose sends the goal to the planner and prints the proposed plan.
Nothing is persisted until the plan is approved:

  loom propose "relaunch the marketing site" --json | loom approve`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal := strings.Join(args, " ")
			data, err := c.post(cmd.Context(), "/plans/propose", map[string]any{
				"goal":  goal,
				"async": async,
			})
			if err != nil {
				return err
			}
			if async {
				return printJob(c, data, "decomposition")
			}

			var plan planDoc
			ok, err := c.show(data, &plan)
			if !ok || err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s %s\n", bold("plan:"), plan.Title)
			for i, t := range plan.Tasks {
				fmt.Fprintf(c.out, "  %2d. %s %s\n", i+1, t.Name, gray(fmt.Sprintf("(priority %d)", t.Priority)))
			}
			fmt.Fprintf(c.out, "%s\n", gray("approve with: loom propose ... --json | loom approve"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "decompose in the background and print the job id")
	return cmd
}

func newApproveCommand(c *client) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Persist a proposed plan as a task tree",
		Long:  "Approve reads a plan JSON document from --file or stdin and persists it.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(file)
			if err != nil {
				return err
			}
			var plan json.RawMessage
			if err := json.Unmarshal(raw, &plan); err != nil {
				return fmt.Errorf("plan document is not valid JSON: %w", err)
			}
			data, err := c.post(cmd.Context(), "/plans/approve", plan)
			if err != nil {
				return err
			}

			var approved struct {
				Title      string  `json:"title"`
				RootID     int64   `json:"root_id"`
				WorkflowID string  `json:"workflow_id"`
				TaskIDs    []int64 `json:"task_ids"`
			}
			ok, err := c.show(data, &approved)
			if !ok || err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s plan %q approved: %d tasks under root %d\n",
				green("ok:"), approved.Title, len(approved.TaskIDs), approved.RootID)
			fmt.Fprintf(c.out, "%s\n", gray("run with: loom run --plan "+shellQuote(approved.Title)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "plan JSON file (default stdin)")
	return cmd
}

func newTasksCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <plan-title>",
		Short: "List the step tasks of an approved plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := c.get(cmd.Context(), "/plans/"+url.PathEscape(args[0])+"/tasks")
			if err != nil {
				return err
			}
			var resp struct {
				Title string    `json:"title"`
				Tasks []taskDoc `json:"tasks"`
			}
			ok, err := c.show(data, &resp)
			if !ok || err != nil {
				return err
			}
			printTaskTable(c.out, resp.Tasks)
			return nil
		},
	}
}

func newRunCommand(c *client) *cobra.Command {
	var (
		planTitle      string
		taskID         int64
		strategy       string
		parallelism    int
		withContext    bool
		withEvaluation bool
		rerun          bool
		async          bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a plan or a task subtree",
		Long: `Run schedules execution over one scope: a whole plan (--plan) or a
task subtree (--task). Strategies: bfs, dag, postorder.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"strategy":        strategy,
				"parallelism":     parallelism,
				"with_context":    withContext,
				"with_evaluation": withEvaluation,
				"rerun":           rerun,
				"async":           async,
			}
			if planTitle != "" {
				body["title"] = planTitle
			}
			if taskID != 0 {
				body["task_id"] = taskID
			}
			data, err := c.post(cmd.Context(), "/run", body)
			if err != nil {
				return err
			}
			if async {
				return printJob(c, data, "run")
			}
			return printRunSummary(c, data)
		},
	}
	cmd.Flags().StringVar(&planTitle, "plan", "", "plan title to run")
	cmd.Flags().Int64Var(&taskID, "task", 0, "root task id to run")
	cmd.Flags().StringVar(&strategy, "strategy", "", "traversal strategy: bfs, dag, postorder")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "worker count per wave (0 uses the server default)")
	cmd.Flags().BoolVar(&withContext, "with-context", false, "assemble context for every prompt")
	cmd.Flags().BoolVar(&withEvaluation, "with-evaluation", false, "gate outputs through the evaluation loop")
	cmd.Flags().BoolVar(&rerun, "rerun", false, "let done and failed tasks run again")
	cmd.Flags().BoolVar(&async, "async", false, "run in the background and print the job id")
	return cmd
}

func printJob(c *client, data json.RawMessage, what string) error {
	var job jobDoc
	ok, err := c.show(data, &job)
	if !ok || err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %s launched as job %s\n", green("ok:"), what, bold(job.ID))
	fmt.Fprintf(c.out, "%s\n", gray("follow with: loom jobs watch "+job.ID))
	return nil
}

func printRunSummary(c *client, data json.RawMessage) error {
	var sum runSummaryDoc
	ok, err := c.show(data, &sum)
	if !ok || err != nil {
		return err
	}
	elapsed := time.Duration(sum.Elapsed).Round(time.Millisecond)
	fmt.Fprintf(c.out, "%s strategy=%s elapsed=%s\n", bold("run finished:"), sum.Strategy, elapsed)
	fmt.Fprintf(c.out, "  %s %d  %s %d  %s %d  %s %d  (%d total, %d executed)\n",
		green("done"), sum.Done, red("failed"), sum.Failed,
		yellow("needs_review"), sum.NeedsReview, gray("skipped"), sum.Skipped,
		sum.Total, sum.Executed)
	if sum.Cancelled {
		fmt.Fprintf(c.out, "  %s\n", red("run was cancelled before completion"))
	}

	w := tabwriter.NewWriter(c.out, 2, 4, 2, ' ', 0)
	for _, r := range sum.Results {
		extra := r.Reason
		if r.Score != nil {
			extra = strings.TrimSpace(fmt.Sprintf("%s score=%.2f", extra, *r.Score))
		}
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\n", r.TaskID, statusColor(r.Status), r.Name, gray(extra))
	}
	return w.Flush()
}

func printTaskTable(out io.Writer, tasks []taskDoc) {
	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", gray("ID"), gray("STATUS"), gray("PRI"), gray("NAME"))
	for _, t := range tasks {
		fmt.Fprintf(w, "  %d\t%s\t%d\t%s\n", t.ID, statusColor(t.Status), t.Priority, t.Name)
	}
	_ = w.Flush()
}

func readInput(file string) ([]byte, error) {
	if file == "" || file == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
}

func shellQuote(s string) string {
	if strings.ContainsAny(s, " \t\"'") {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return s
}
