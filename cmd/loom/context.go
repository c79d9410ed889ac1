package main

import (
	"fmt"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type bundleDoc struct {
	TaskID   int64  `json:"task_id"`
	Combined string `json:"combined"`
	Sections []struct {
		Kind           string  `json:"kind"`
		TaskID         int64   `json:"task_id"`
		ShortName      string  `json:"short_name"`
		Content        string  `json:"content"`
		Pinned         bool    `json:"pinned"`
		RetrievalScore float64 `json:"retrieval_score"`
	} `json:"sections"`
	TokenEstimate int `json:"token_estimate"`
}

func newContextCommand(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Preview and manage assembled task context",
	}
	cmd.AddCommand(
		newContextPreviewCommand(c),
		newContextSnapshotsCommand(c),
	)
	return cmd
}

func newContextPreviewCommand(c *client) *cobra.Command {
	var (
		deps      bool
		plan      bool
		hierarchy bool
		semanticK int
		maxChars  int
		full      bool
	)
	cmd := &cobra.Command{
		Use:   "preview <task-id>",
		Short: "Assemble a task's context without persisting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			data, err := c.post(cmd.Context(), fmt.Sprintf("/tasks/%d/context/preview", id), map[string]any{
				"include_deps":      deps,
				"include_plan":      plan,
				"include_hierarchy": hierarchy,
				"semantic_k":        semanticK,
				"max_chars":         maxChars,
			})
			if err != nil {
				return err
			}
			var bundle bundleDoc
			ok, err := c.show(data, &bundle)
			if !ok || err != nil {
				return err
			}
			if full {
				fmt.Fprintln(c.out, bundle.Combined)
				return nil
			}
			fmt.Fprintf(c.out, "%s %d sections, ~%d tokens\n", bold("context:"), len(bundle.Sections), bundle.TokenEstimate)
			w := tabwriter.NewWriter(c.out, 2, 4, 2, ' ', 0)
			for _, s := range bundle.Sections {
				marker := " "
				if s.Pinned {
					marker = yellow("*")
				}
				score := ""
				if s.RetrievalScore > 0 {
					score = fmt.Sprintf("%.2f", s.RetrievalScore)
				}
				fmt.Fprintf(w, "  %s %s\t%s\t%s\t%s\n",
					marker, s.Kind, s.ShortName, gray(fmt.Sprintf("%d chars", len(s.Content))), gray(score))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s\n", gray("print the assembled text with --full"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&deps, "deps", true, "include dependency outputs")
	cmd.Flags().BoolVar(&plan, "plan", true, "include plan siblings")
	cmd.Flags().BoolVar(&hierarchy, "hierarchy", true, "include the root brief and ancestor outputs")
	cmd.Flags().IntVar(&semanticK, "semantic-k", 0, "retrieved section count (0 uses the server default, negative disables)")
	cmd.Flags().IntVar(&maxChars, "max-chars", 0, "total content budget (0 uses the server default)")
	cmd.Flags().BoolVar(&full, "full", false, "print the combined context text instead of the section table")
	return cmd
}

func newContextSnapshotsCommand(c *client) *cobra.Command {
	var show, remove string
	cmd := &cobra.Command{
		Use:   "snapshots <task-id>",
		Short: "List, print, or delete persisted context snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			base := fmt.Sprintf("/tasks/%d/context/snapshots", id)

			if remove != "" {
				if _, err := c.delete(cmd.Context(), base+"/"+url.PathEscape(remove), nil); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%s snapshot %q deleted\n", green("ok:"), remove)
				return nil
			}
			if show != "" {
				data, err := c.get(cmd.Context(), base+"/"+url.PathEscape(show))
				if err != nil {
					return err
				}
				var snap struct {
					Label    string `json:"label"`
					Combined string `json:"combined"`
				}
				ok, err := c.show(data, &snap)
				if !ok || err != nil {
					return err
				}
				fmt.Fprintln(c.out, snap.Combined)
				return nil
			}

			data, err := c.get(cmd.Context(), base)
			if err != nil {
				return err
			}
			var resp struct {
				Snapshots []struct {
					Label     string `json:"label"`
					Combined  string `json:"combined"`
					CreatedAt string `json:"created_at"`
				} `json:"snapshots"`
			}
			ok, err := c.show(data, &resp)
			if !ok || err != nil {
				return err
			}
			if len(resp.Snapshots) == 0 {
				fmt.Fprintf(c.out, "%s\n", gray("no snapshots"))
				return nil
			}
			w := tabwriter.NewWriter(c.out, 2, 4, 2, ' ', 0)
			for _, s := range resp.Snapshots {
				fmt.Fprintf(w, "  %s\t%s\t%s\n", s.Label, gray(fmt.Sprintf("%d chars", len(s.Combined))), gray(s.CreatedAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&show, "show", "", "print the snapshot with this label")
	cmd.Flags().StringVar(&remove, "rm", "", "delete the snapshot with this label")
	return cmd
}
