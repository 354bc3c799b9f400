package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mpataki/autodev/internal/auth"
	"github.com/mpataki/autodev/internal/logging"
)

func newLoginCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the AutoDev Engine",
		Long: `Log in with a username and password. With --remember the token is stored in
the local database and used by later commands; otherwise it is printed for
export as AUTODEV_API_TOKEN.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := getConfig(cmd.Context())
			logger := logging.FromContext(cmd.Context())
			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			remember, _ := cmd.Flags().GetBool("remember")

			in := bufio.NewReader(cmd.InOrStdin())
			out := cmd.OutOrStdout()
			var err error
			if username == "" {
				if username, err = ask(in, out, "Username: "); err != nil {
					return err
				}
			}
			if password == "" {
				if password, err = ask(in, out, "Password: "); err != nil {
					return err
				}
			}

			client := newAPIClient(cfg, "", logger)
			token, err := client.Login(cmd.Context(), username, password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			if id, err := auth.Inspect(token); err == nil {
				fmt.Fprintf(out, "Logged in as %s", id.Username)
				if !id.ExpiresAt.IsZero() {
					fmt.Fprintf(out, " until %s", id.ExpiresAt.Local().Format("2006-01-02 15:04"))
				}
				fmt.Fprintln(out)
			}

			if !remember {
				fmt.Fprintf(out, "\nexport AUTODEV_API_TOKEN=%s\n", token)
				return nil
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if _, err := newResolver(cfg, store, logger).Remember(token); err != nil {
				return err
			}
			fmt.Fprintf(out, "Token remembered for %s\n", cfg.API.BaseURL)
			return nil
		},
	}

	cmd.Flags().StringP("username", "u", "", "username")
	cmd.Flags().StringP("password", "p", "", "password")
	cmd.Flags().Bool("remember", false, "store the token in the local database")
	return cmd
}

func ask(in *bufio.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func newLogoutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget the remembered token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := getConfig(cmd.Context())
			all, _ := cmd.Flags().GetBool("all")

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if all {
				err = store.Forget(cfg.API.BaseURL)
			} else {
				err = newResolver(cfg, store, logging.FromContext(cmd.Context())).Forget()
			}
			if err != nil {
				return fmt.Errorf("failed to forget login: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged out of %s\n", cfg.API.BaseURL)
			return nil
		},
	}

	cmd.Flags().Bool("all", false, "also forget recent projects")
	return cmd
}
