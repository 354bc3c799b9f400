package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/autodev/internal/api"
	"github.com/mpataki/autodev/internal/feed"
	"github.com/mpataki/autodev/internal/logging"
	"github.com/mpataki/autodev/internal/models"
)

const pageFetchLimit = 4

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <project-id>",
		Short: "Print a project's execution history, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig(cmd.Context())
			logger := logging.FromContext(cmd.Context())
			page, _ := cmd.Flags().GetInt("page")
			all, _ := cmd.Flags().GetBool("all")
			asJSON, _ := cmd.Flags().GetBool("json")

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			resolver := newResolver(cfg, store, logger)
			token, tokenSource, err := resolveToken(resolver)
			if err != nil {
				return err
			}
			client := newAPIClient(cfg, token, logger)

			state, err := fetchHistory(cmd.Context(), client, args[0], page, cfg.Feed.PageSize, all)
			if err != nil {
				forgetOnUnauthorized(err, resolver, tokenSource, cmd.ErrOrStderr())
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(state.Display())
			}
			renderHistory(cmd.OutOrStdout(), state)
			return nil
		},
	}

	cmd.Flags().Int("page", 0, "page to print (0 is the newest)")
	cmd.Flags().Bool("all", false, "fetch every page")
	cmd.Flags().Bool("json", false, "print executions as JSON")
	return cmd
}

// fetchHistory loads one page, or with all every page, merging them the way
// the feed does.
func fetchHistory(ctx context.Context, client *api.Client, projectID string, page, size int, all bool) (*feed.State, error) {
	state := feed.New()
	t := state.Open(projectID)

	if !all {
		p, err := client.LoadPage(ctx, projectID, page, size)
		if err != nil {
			return nil, err
		}
		// A single page is shown on its own, whatever its number.
		return state, state.ApplyPage(t, p)
	}

	first, err := client.LoadPage(ctx, projectID, 0, size)
	if err != nil {
		return nil, err
	}
	if err := state.ApplyPage(t, first); err != nil {
		return nil, err
	}
	if first.TotalPages <= 1 {
		return state, nil
	}

	pages := make([]*models.ExecutionPage, first.TotalPages)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pageFetchLimit)
	for i := 1; i < first.TotalPages; i++ {
		g.Go(func() error {
			p, err := client.LoadPage(gctx, projectID, i, size)
			if err != nil {
				return err
			}
			pages[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := 1; i < len(pages); i++ {
		next, ok := state.NextPageTicket()
		if !ok {
			break
		}
		if err := state.ApplyPage(next, pages[i]); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func renderHistory(w io.Writer, state *feed.State) {
	display := state.Display()
	if len(display) == 0 {
		fmt.Fprintln(w, "No executions yet.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Status", "Created", "Prompt", "Result"})

	for _, e := range display {
		result := e.Summary()
		if e.Status == models.StatusFailed && e.ErrorText() != "" {
			result = e.ErrorText()
		}
		t.AppendRow(table.Row{
			e.ID,
			e.Status.Label(),
			humanize.Time(e.CreatedAt),
			truncate(e.Prompt, 50),
			truncate(result, 50),
		})
	}

	t.Render()
	fmt.Fprintf(w, "(%d of %d executions, page %d of %d)\n",
		len(display), state.TotalElements, state.CurrentPage+1, max(state.TotalPages, 1))
}
