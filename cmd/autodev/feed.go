package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/autodev/internal/auth"
	"github.com/mpataki/autodev/internal/live"
	"github.com/mpataki/autodev/internal/logging"
	"github.com/mpataki/autodev/internal/tui"
)

func newFeedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "feed [project-id]",
		Short: "Open the interactive execution feed (default command)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runFeed,
	}
}

func runFeed(cmd *cobra.Command, args []string) error {
	cfg := getConfig(cmd.Context())

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	logFile, err := os.OpenFile(cfg.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	logger, err := logging.New(logFile, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	ctx := logging.WithLogger(cmd.Context(), logger)

	resolver := newResolver(cfg, store, logger)
	token, tokenSource, err := resolveToken(resolver)
	if err != nil {
		return err
	}
	if id, err := auth.Inspect(token); err == nil {
		logger.Info("starting feed", "user", id.Username, "engine", cfg.API.BaseURL, "strategy", cfg.Live.Strategy)
	}

	client := newAPIClient(cfg, token, logger)
	streamer, release, err := newStreamClient(cfg, token, logger)
	if err != nil {
		return err
	}
	defer release()

	src, err := live.New(live.Options{
		Strategy:     cfg.Live.Strategy,
		Streamer:     streamer,
		Loader:       client,
		PageSize:     cfg.Feed.PageSize,
		PollInterval: cfg.Live.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer src.Stop()

	projectID := ""
	if len(args) > 0 {
		projectID = args[0]
	}

	app := tui.NewApp(ctx, tui.Deps{
		API:      client,
		Live:     src,
		Store:    store,
		BaseURL:  cfg.API.BaseURL,
		PageSize: cfg.Feed.PageSize,
		Logger:   logger,
		OnUnauthorized: func() {
			if tokenSource == auth.SourceRemembered {
				if err := resolver.Forget(); err != nil {
					logger.Warn("failed to forget rejected token", "error", err)
				}
			}
		},
	}, projectID)

	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	_, err = p.Run()
	return err
}
