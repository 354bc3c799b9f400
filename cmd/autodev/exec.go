package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpataki/autodev/internal/logging"
	"github.com/mpataki/autodev/internal/stream"
)

var errExecutionFailed = errors.New("execution failed")

func newExecCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <project-id> <prompt>",
		Short: "Start an execution from a prompt",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig(cmd.Context())
			logger := logging.FromContext(cmd.Context())
			followFlag, _ := cmd.Flags().GetBool("follow")
			prompt := strings.Join(args[1:], " ")

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

			exec, err := client.CreateExecution(cmd.Context(), args[0], prompt)
			if err != nil {
				forgetOnUnauthorized(err, resolver, tokenSource, cmd.ErrOrStderr())
				return fmt.Errorf("failed to create execution: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created execution #%d [%s]\n", exec.ID, exec.Status.Label())
			if exec.ExecutionBranch != "" {
				fmt.Fprintf(out, "Branch: %s\n", exec.ExecutionBranch)
			}
			if !followFlag {
				return nil
			}

			streamer, release, err := newStreamClient(cfg, token, logger)
			if err != nil {
				return err
			}
			defer release()
			return follow(cmd.Context(), streamer, exec.ID, out)
		},
	}

	cmd.Flags().BoolP("follow", "f", false, "follow the execution's live stream until it finishes")
	return cmd
}

func newStreamCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stream <execution-id>",
		Short: "Follow a running execution's live stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			executionID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid execution ID: %w", err)
			}

			cfg := getConfig(cmd.Context())
			logger := logging.FromContext(cmd.Context())

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			token, _, err := resolveToken(newResolver(cfg, store, logger))
			if err != nil {
				return err
			}

			streamer, release, err := newStreamClient(cfg, token, logger)
			if err != nil {
				return err
			}
			defer release()
			return follow(cmd.Context(), streamer, executionID, cmd.OutOrStdout())
		},
	}
}

type streamResult struct {
	failed bool
	reason string
}

// follow prints an execution's stream until it completes, fails or ctx ends.
func follow(ctx context.Context, client *stream.Client, executionID int64, w io.Writer) error {
	done := make(chan streamResult, 1)
	client.Connect(executionID, stream.Callbacks{
		OnOpen: func() {
			fmt.Fprintf(w, "Following execution #%d...\n", executionID)
		},
		OnMessage: func(text string) {
			fmt.Fprintf(w, "%s  %s\n", time.Now().Format("15:04:05"), text)
		},
		OnComplete: func() {
			done <- streamResult{}
		},
		OnError: func(reason string) {
			done <- streamResult{failed: true, reason: reason}
		},
	})
	defer client.Disconnect()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		if res.failed {
			return fmt.Errorf("%w: %s", errExecutionFailed, res.reason)
		}
		fmt.Fprintln(w, "Execution completed.")
		return nil
	}
}
