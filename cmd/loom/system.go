package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newIndexCommand(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Read or replace the pinned workspace index",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the index document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := c.get(cmd.Context(), "/index")
			if err != nil {
				return err
			}
			var resp struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			ok, err := c.show(data, &resp)
			if !ok || err != nil {
				return err
			}
			fmt.Fprint(c.out, resp.Content)
			if !strings.HasSuffix(resp.Content, "\n") {
				fmt.Fprintln(c.out)
			}
			return nil
		},
	})

	var file string
	put := &cobra.Command{
		Use:   "put",
		Short: "Replace the index document from --file or stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(file)
			if err != nil {
				return err
			}
			data, err := c.put(cmd.Context(), "/index", map[string]any{"content": string(content)})
			if err != nil {
				return err
			}
			var resp struct {
				Path  string `json:"path"`
				Bytes int    `json:"bytes"`
			}
			ok, err := c.show(data, &resp)
			if !ok || err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s wrote %d bytes to %s\n", green("ok:"), resp.Bytes, resp.Path)
			return nil
		},
	}
	put.Flags().StringVarP(&file, "file", "f", "", "index content file (default stdin)")
	cmd.AddCommand(put)
	return cmd
}

func newNotesCommand(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notes",
		Short: "Store and search operator knowledge notes",
	}

	var tags []string
	add := &cobra.Command{
		Use:   "add <text>",
		Short: "Store one note",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"content": strings.Join(args, " ")}
			if len(tags) > 0 {
				parsed := make(map[string]string, len(tags))
				for _, raw := range tags {
					key, value, found := strings.Cut(raw, "=")
					if !found {
						return fmt.Errorf("tag %q must look like key=value", raw)
					}
					parsed[key] = value
				}
				body["tags"] = parsed
			}
			data, err := c.post(cmd.Context(), "/knowledge/notes", body)
			if err != nil {
				return err
			}
			var note struct {
				ID string `json:"id"`
			}
			ok, err := c.show(data, &note)
			if !ok || err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s note %s stored\n", green("ok:"), note.ID)
			return nil
		},
	}
	add.Flags().StringSliceVar(&tags, "tag", nil, "key=value tag, repeatable")
	cmd.AddCommand(add)

	var k int
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search notes semantically",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			path := "/knowledge/search?q=" + url.QueryEscape(query) + "&k=" + strconv.Itoa(k)
			data, err := c.get(cmd.Context(), path)
			if err != nil {
				return err
			}
			var resp struct {
				Results []struct {
					Note struct {
						Content string `json:"content"`
					} `json:"note"`
					Similarity float64 `json:"similarity"`
				} `json:"results"`
				Count int `json:"count"`
			}
			ok, err := c.show(data, &resp)
			if !ok || err != nil {
				return err
			}
			if resp.Count == 0 {
				fmt.Fprintf(c.out, "%s\n", gray("no matching notes"))
				return nil
			}
			for _, r := range resp.Results {
				fmt.Fprintf(c.out, "%s %s\n", gray(fmt.Sprintf("%.2f", r.Similarity)), r.Note.Content)
			}
			return nil
		},
	}
	search.Flags().IntVarP(&k, "top", "k", 5, "result count")
	cmd.AddCommand(search)
	return cmd
}

func newHealthCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the engine answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := c.get(cmd.Context(), "/health")
			if err != nil {
				return err
			}
			var resp struct {
				Status  string `json:"status"`
				Version string `json:"version"`
				Uptime  string `json:"uptime"`
			}
			ok, err := c.show(data, &resp)
			if !ok || err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s %s %s\n", green(resp.Status), resp.Version, gray("up "+resp.Uptime))
			return nil
		},
	}
}

func newStatsCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print engine counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := c.get(cmd.Context(), "/stats")
			if err != nil {
				return err
			}
			var resp struct {
				Store struct {
					Tasks     int `json:"tasks"`
					Links     int `json:"links"`
					Snapshots int `json:"snapshots"`
					Workflows int `json:"workflows"`
				} `json:"store"`
				EmbeddingCache *struct {
					Hits      int64 `json:"hits"`
					Misses    int64 `json:"misses"`
					Entries   int   `json:"memory_entries"`
					Evictions int64 `json:"evictions"`
				} `json:"embedding_cache"`
				Jobs *struct {
					Tracked int `json:"tracked"`
				} `json:"jobs"`
				Knowledge *struct {
					Notes int `json:"notes"`
				} `json:"knowledge"`
			}
			ok, err := c.show(data, &resp)
			if !ok || err != nil {
				return err
			}
			w := tabwriter.NewWriter(c.out, 2, 4, 2, ' ', 0)
			fmt.Fprintf(w, "  %s\ttasks=%d links=%d snapshots=%d workflows=%d\n",
				bold("store"), resp.Store.Tasks, resp.Store.Links, resp.Store.Snapshots, resp.Store.Workflows)
			if ec := resp.EmbeddingCache; ec != nil {
				fmt.Fprintf(w, "  %s\thits=%d misses=%d entries=%d evictions=%d\n",
					bold("cache"), ec.Hits, ec.Misses, ec.Entries, ec.Evictions)
			}
			if resp.Jobs != nil {
				fmt.Fprintf(w, "  %s\ttracked=%d\n", bold("jobs"), resp.Jobs.Tracked)
			}
			if resp.Knowledge != nil {
				fmt.Fprintf(w, "  %s\tnotes=%d\n", bold("knowledge"), resp.Knowledge.Notes)
			}
			return w.Flush()
		},
	}
}
