package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mpataki/autodev/internal/api"
	"github.com/mpataki/autodev/internal/auth"
	"github.com/mpataki/autodev/internal/config"
	"github.com/mpataki/autodev/internal/logging"
	"github.com/mpataki/autodev/internal/storage"
	"github.com/mpataki/autodev/internal/stream"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

var cfgFile string

type configKey struct{}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autodev [project-id]",
		Short: "Terminal client for the AutoDev Engine",
		Long: `autodev shows a project's execution history as a conversation, starts new
executions from prompts and follows running ones live.`,
		Args:    cobra.MaximumNArgs(1),
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}
			loadDotEnv()

			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}

			ctx := context.WithValue(cmd.Context(), configKey{}, cfg)
			// The feed owns the terminal, so it sets up its own file logger.
			if cmd.Name() != "feed" && cmd != cmd.Root() {
				logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
				if err != nil {
					return err
				}
				if cfg.FileUsed != "" {
					logger.Debug("using config file", "path", cfg.FileUsed)
				}
				ctx = logging.WithLogger(ctx, logger)
			}
			cmd.SetContext(ctx)
			return nil
		},
		RunE:          runFeed,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetVersionTemplate(fmt.Sprintf("{{.Name}} {{.Version}} (%s)\n", GitCommit))

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./autodev.yaml, then <data-dir>/autodev.yaml)")
	flags.String("data-dir", "", "directory for the local database and logs (default: ~/.autodev)")
	flags.String("base-url", "", "AutoDev Engine base URL")
	flags.String("token", "", "bearer token (overrides a remembered login)")
	flags.Duration("timeout", 0, "timeout for REST requests")
	flags.Int("page-size", 0, "executions per history page")
	flags.String("strategy", "", "live update strategy (stream|poll)")
	flags.Duration("poll-interval", 0, "refresh interval for the poll strategy")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("log-format", "", "log format (text|json)")

	_ = rootCmd.RegisterFlagCompletionFunc("strategy", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{config.StrategyStream, config.StrategyPoll}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(newFeedCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newExecCommand())
	rootCmd.AddCommand(newStreamCommand())
	rootCmd.AddCommand(newLoginCommand())
	rootCmd.AddCommand(newLogoutCommand())
	rootCmd.AddCommand(newMockServerCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "autodev %s (%s)\n", Version, GitCommit)
			return nil
		},
	}
}

// loadDotEnv reads ./.env when present. Variables already set win.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	if err := godotenv.Load(".env"); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}
}

func getConfig(ctx context.Context) *config.Config {
	if c, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return c
	}
	cfg, err := config.Default()
	if err != nil {
		panic(err)
	}
	return cfg
}

func openStore(cfg *config.Config) (*storage.Storage, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.New(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

func newResolver(cfg *config.Config, store *storage.Storage, logger *slog.Logger) *auth.Resolver {
	r := &auth.Resolver{BaseURL: cfg.API.BaseURL, Explicit: cfg.API.Token, Logger: logger}
	if store != nil {
		r.Store = store
	}
	return r
}

// resolveToken returns the token to use, explaining how to get one when
// there is none.
func resolveToken(r *auth.Resolver) (string, auth.Source, error) {
	tok, src, err := r.Resolve()
	switch {
	case errors.Is(err, auth.ErrNoToken):
		return "", "", fmt.Errorf("%w: run `autodev login` or set AUTODEV_API_TOKEN", err)
	case errors.Is(err, auth.ErrTokenExpired):
		return "", "", fmt.Errorf("%w: run `autodev login` again", err)
	}
	return tok, src, err
}

func newAPIClient(cfg *config.Config, token string, logger *slog.Logger) *api.Client {
	endpoint := api.CreateViaProject
	if cfg.API.CreateEndpoint == config.CreateEndpointAutodev {
		endpoint = api.CreateViaAutodev
	}
	return api.New(cfg.API.BaseURL,
		api.WithTimeout(cfg.API.Timeout),
		api.WithToken(func() string { return token }),
		api.WithCreateEndpoint(endpoint),
		api.WithLogger(logger),
	)
}

// newStreamClient builds the stream client with the configured classifier.
// The returned func releases the classifier.
func newStreamClient(cfg *config.Config, token string, logger *slog.Logger) (*stream.Client, func(), error) {
	keywords := &stream.KeywordClassifier{
		CompleteKeywords: cfg.Stream.CompleteKeywords,
		FailureKeywords:  cfg.Stream.FailureKeywords,
	}
	var classifier stream.Classifier = keywords
	release := func() {}

	if cfg.Stream.ClassifierScript != "" {
		lc, err := stream.LoadLuaClassifier(cfg.Stream.ClassifierScript, keywords, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load classifier script: %w", err)
		}
		classifier = lc
		release = lc.Close
	}

	client := stream.New(cfg.API.BaseURL,
		stream.WithToken(func() string { return token }),
		stream.WithClassifier(classifier),
		stream.WithLogger(logger),
	)
	return client, release, nil
}

// forgetOnUnauthorized drops a remembered token the engine rejected.
func forgetOnUnauthorized(err error, r *auth.Resolver, src auth.Source, w io.Writer) {
	if src != auth.SourceRemembered || !errors.Is(err, api.ErrUnauthorized) {
		return
	}
	if ferr := r.Forget(); ferr == nil {
		fmt.Fprintln(w, "The remembered login was rejected and has been forgotten. Run `autodev login`.")
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
