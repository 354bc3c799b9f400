package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpataki/autodev/internal/logging"
	"github.com/mpataki/autodev/internal/mockserver"
)

const shutdownTimeout = 5 * time.Second

func newMockServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run a local stand-in for the AutoDev Engine",
		Long: `Serve the engine's REST and event-stream endpoints from memory. Executions
created against it walk through the statuses of a scenario (built in, or a
YAML file given with --scenario). Log in with demo/demo.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := getConfig(cmd.Context())
			logger := logging.FromContext(cmd.Context())
			seedProject, _ := cmd.Flags().GetInt64("seed-project")
			seedCount, _ := cmd.Flags().GetInt("seed-count")

			opts := []mockserver.Option{mockserver.WithLogger(logger)}
			if cfg.Mock.Scenario != "" {
				sc, err := mockserver.LoadScenario(cfg.Mock.Scenario)
				if err != nil {
					return err
				}
				opts = append(opts, mockserver.WithScenario(sc))
			}

			srv := mockserver.New(opts...)
			defer srv.Close()

			if seedCount > 0 {
				prompts := make([]string, seedCount)
				for i := range prompts {
					prompts[i] = fmt.Sprintf("Seeded change request %d", i+1)
				}
				srv.Seed(seedProject, prompts...)
			}

			token, err := srv.Token(mockserver.DefaultUsername)
			if err != nil {
				return err
			}

			httpServer := &http.Server{
				Addr:              cfg.Mock.Addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- httpServer.ListenAndServe()
			}()

			logger.Info("mock engine listening", "addr", cfg.Mock.Addr, "user", mockserver.DefaultUsername)
			fmt.Fprintf(cmd.OutOrStdout(), "export AUTODEV_API_TOKEN=%s\n", token)

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-cmd.Context().Done():
			}

			logger.Info("shutting down mock engine")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			// Open event streams only end once their executions finish, so
			// stop the simulations before draining connections.
			srv.Close()
			return httpServer.Shutdown(ctx)
		},
	}

	cmd.Flags().String("addr", "", "listen address (default :8080)")
	cmd.Flags().String("scenario", "", "YAML scenario file driving simulated executions")
	cmd.Flags().Int64("seed-project", 1, "project to seed with completed executions")
	cmd.Flags().Int("seed-count", 0, "number of completed executions to seed")
	return cmd
}
