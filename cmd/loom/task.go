package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

type taskDetailDoc struct {
	Task struct {
		taskDoc
		WorkflowID string `json:"workflow_id"`
		ParentID   *int64 `json:"parent_id"`
		Path       string `json:"path"`
		CreatedAt  string `json:"created_at"`
		UpdatedAt  string `json:"updated_at"`
	} `json:"task"`
	Input  string `json:"input"`
	Output string `json:"output"`
}

func newTaskCommand(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and re-execute single tasks",
	}
	cmd.AddCommand(
		newTaskShowCommand(c),
		newTaskRerunCommand(c),
		newTaskRerunSubtreeCommand(c),
	)
	return cmd
}

func newTaskShowCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Print a task with its input and output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			data, err := c.get(cmd.Context(), fmt.Sprintf("/tasks/%d", id))
			if err != nil {
				return err
			}
			var detail taskDetailDoc
			ok, err := c.show(data, &detail)
			if !ok || err != nil {
				return err
			}
			t := detail.Task
			fmt.Fprintf(c.out, "%s %d  %s\n", bold("task"), t.ID, t.Name)
			fmt.Fprintf(c.out, "  status: %s  priority: %d  type: %s\n", statusColor(t.Status), t.Priority, t.Type)
			fmt.Fprintf(c.out, "  workflow: %s  path: %s\n", t.WorkflowID, t.Path)
			if detail.Input != "" {
				fmt.Fprintf(c.out, "\n%s\n%s\n", gray("input:"), detail.Input)
			}
			if detail.Output != "" {
				fmt.Fprintf(c.out, "\n%s\n%s\n", gray("output:"), detail.Output)
			}
			return nil
		},
	}
}

func newTaskRerunCommand(c *client) *cobra.Command {
	var withContext, withEvaluation bool
	cmd := &cobra.Command{
		Use:   "rerun <task-id>",
		Short: "Re-execute one task, whatever its current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			data, err := c.post(cmd.Context(), fmt.Sprintf("/tasks/%d/rerun", id), map[string]any{
				"with_context":    withContext,
				"with_evaluation": withEvaluation,
			})
			if err != nil {
				return err
			}
			return printRunSummary(c, data)
		},
	}
	cmd.Flags().BoolVar(&withContext, "with-context", false, "assemble context for the prompt")
	cmd.Flags().BoolVar(&withEvaluation, "with-evaluation", false, "gate the output through the evaluation loop")
	return cmd
}

func newTaskRerunSubtreeCommand(c *client) *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "rerun-subtree <task-id>",
		Short: "Re-execute a task and everything under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			data, err := c.post(cmd.Context(), fmt.Sprintf("/tasks/%d/rerun-subtree", id), map[string]any{
				"strategy": strategy,
			})
			if err != nil {
				return err
			}
			return printRunSummary(c, data)
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "traversal strategy: bfs, dag, postorder")
	return cmd
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("task id must be a positive integer, got %q", raw)
	}
	return id, nil
}
