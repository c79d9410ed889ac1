package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type linkDoc struct {
	ID     int64  `json:"id"`
	FromID int64  `json:"from_id"`
	ToID   int64  `json:"to_id"`
	Kind   string `json:"kind"`
}

func newLinksCommand(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "links",
		Short: "Manage dependency links between tasks",
	}
	cmd.AddCommand(
		newLinksAddCommand(c),
		newLinksRmCommand(c),
		newLinksLsCommand(c),
	)
	return cmd
}

func newLinksAddCommand(c *client) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "add <from-id> <to-id>",
		Short: "Link a task to one it depends on",
		Long: `Add records that <from-id> depends on <to-id>. A requires link blocks
scheduling until the dependency is done; a refers link only feeds
context assembly.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, err := parseIDPair(args)
			if err != nil {
				return err
			}
			data, err := c.post(cmd.Context(), "/context/links", map[string]any{
				"from_id": from,
				"to_id":   to,
				"kind":    kind,
			})
			if err != nil {
				return err
			}
			var link linkDoc
			ok, err := c.show(data, &link)
			if !ok || err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s task %d now %s task %d\n", green("ok:"), link.FromID, link.Kind, link.ToID)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "requires", "link kind: requires or refers")
	return cmd
}

func newLinksRmCommand(c *client) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "rm <from-id> <to-id>",
		Short: "Remove a dependency link",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, err := parseIDPair(args)
			if err != nil {
				return err
			}
			data, err := c.delete(cmd.Context(), "/context/links", map[string]any{
				"from_id": from,
				"to_id":   to,
				"kind":    kind,
			})
			if err != nil {
				return err
			}
			var resp struct {
				Deleted bool `json:"deleted"`
			}
			ok, err := c.show(data, &resp)
			if !ok || err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s link removed\n", green("ok:"))
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "requires", "link kind: requires or refers")
	return cmd
}

func newLinksLsCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "ls <task-id>",
		Short: "List a task's dependency links in both directions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			data, err := c.get(cmd.Context(), fmt.Sprintf("/context/links/%d", id))
			if err != nil {
				return err
			}
			var resp struct {
				TaskID   int64     `json:"task_id"`
				Outbound []linkDoc `json:"outbound"`
				Inbound  []linkDoc `json:"inbound"`
			}
			ok, err := c.show(data, &resp)
			if !ok || err != nil {
				return err
			}
			w := tabwriter.NewWriter(c.out, 2, 4, 2, ' ', 0)
			for _, l := range resp.Outbound {
				fmt.Fprintf(w, "  %s\t%d %s %d\n", gray("out"), l.FromID, l.Kind, l.ToID)
			}
			for _, l := range resp.Inbound {
				fmt.Fprintf(w, "  %s\t%d %s %d\n", gray("in"), l.FromID, l.Kind, l.ToID)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if len(resp.Outbound)+len(resp.Inbound) == 0 {
				fmt.Fprintf(c.out, "%s\n", gray("no links"))
			}
			return nil
		},
	}
}

func parseIDPair(args []string) (int64, int64, error) {
	from, err := parseID(args[0])
	if err != nil {
		return 0, 0, err
	}
	to, err := parseID(args[1])
	if err != nil {
		return 0, 0, err
	}
	return from, to, nil
}
