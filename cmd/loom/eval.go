package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type iterationDoc struct {
	Iteration int     `json:"iteration"`
	Score     float64 `json:"score"`
	Passed    bool    `json:"passed"`
	Feedback  string  `json:"feedback"`
	Source    string  `json:"source"`
	CreatedAt string  `json:"created_at"`
}

func newEvalCommand(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Inspect and override task evaluations",
	}
	cmd.AddCommand(
		newEvalHistoryCommand(c),
		newEvalLatestCommand(c),
		newEvalOverrideCommand(c),
		newEvalClearCommand(c),
	)
	return cmd
}

func newEvalHistoryCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "history <task-id>",
		Short: "List every evaluation pass recorded for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			data, err := c.get(cmd.Context(), fmt.Sprintf("/tasks/%d/evaluation/history", id))
			if err != nil {
				return err
			}
			var resp struct {
				TaskID     int64          `json:"task_id"`
				Iterations []iterationDoc `json:"iterations"`
			}
			ok, err := c.show(data, &resp)
			if !ok || err != nil {
				return err
			}
			if len(resp.Iterations) == 0 {
				fmt.Fprintf(c.out, "%s\n", gray("no evaluations"))
				return nil
			}
			w := tabwriter.NewWriter(c.out, 2, 4, 2, ' ', 0)
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", gray("ITER"), gray("SCORE"), gray("PASSED"), gray("SOURCE"), gray("FEEDBACK"))
			for _, it := range resp.Iterations {
				fmt.Fprintf(w, "  %d\t%.2f\t%s\t%s\t%s\n", it.Iteration, it.Score, passedLabel(it.Passed), it.Source, it.Feedback)
			}
			return w.Flush()
		},
	}
}

func newEvalLatestCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "latest <task-id>",
		Short: "Print the most recent evaluation of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			data, err := c.get(cmd.Context(), fmt.Sprintf("/tasks/%d/evaluation/latest", id))
			if err != nil {
				return err
			}
			var it iterationDoc
			ok, err := c.show(data, &it)
			if !ok || err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s score=%.2f passed=%s source=%s\n",
				bold(fmt.Sprintf("iteration %d:", it.Iteration)), it.Score, passedLabel(it.Passed), it.Source)
			if it.Feedback != "" {
				fmt.Fprintf(c.out, "  %s\n", it.Feedback)
			}
			return nil
		},
	}
}

func newEvalOverrideCommand(c *client) *cobra.Command {
	var (
		score  float64
		reason string
	)
	cmd := &cobra.Command{
		Use:   "override <task-id>",
		Short: "Record a human verdict over the model's evaluation",
		Long: `Override replaces the model's verdict with a human score. A passing
score moves a needs_review task to done.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			data, err := c.post(cmd.Context(), fmt.Sprintf("/tasks/%d/evaluation/override", id), map[string]any{
				"score":  score,
				"reason": reason,
			})
			if err != nil {
				return err
			}
			var it iterationDoc
			ok, err := c.show(data, &it)
			if !ok || err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s recorded human score %.2f (passed=%s)\n", green("ok:"), it.Score, passedLabel(it.Passed))
			return nil
		},
	}
	cmd.Flags().Float64Var(&score, "score", 0, "human score in [0, 1]")
	cmd.Flags().StringVar(&reason, "reason", "", "why the verdict was overridden")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func newEvalClearCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <task-id>",
		Short: "Remove recorded human overrides from a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			data, err := c.delete(cmd.Context(), fmt.Sprintf("/tasks/%d/evaluation/override", id), nil)
			if err != nil {
				return err
			}
			var resp struct {
				Removed int64 `json:"removed"`
			}
			ok, err := c.show(data, &resp)
			if !ok || err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s removed %d override(s)\n", green("ok:"), resp.Removed)
			return nil
		},
	}
}

func passedLabel(passed bool) string {
	if passed {
		return green("yes")
	}
	return red("no")
}
