package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bradax/broker/internal/app"
	"github.com/bradax/broker/internal/config"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "broker",
		Short:   "bradax broker: governance gateway in front of LLM providers",
		Version: version,
	}

	root.AddCommand(
		newServeCmd(),
		newReloadRulesCmd(),
		newIssueAdminTokenCmd(),
		newCreateOperatorCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the broker HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return app.RunServer(ctx, cfg)
		},
	}
}

func newReloadRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload-rules",
		Short: "Validate and compile the guardrail rule file (a running server's rules are not changed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := app.ReloadRules(cfg); err != nil {
				return err
			}
			fmt.Println("guardrail rules reloaded")
			return nil
		},
	}
}

func newIssueAdminTokenCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "issue-admin-token",
		Short: "Authenticate an operator account and print a fresh admin session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := app.IssueAdminToken(cfg, username, password)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "operator username")
	cmd.Flags().StringVar(&password, "password", "", "operator password")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("password")
	return cmd
}

func newCreateOperatorCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "create-operator",
		Short: "Create or replace an operator account for the admin surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := app.CreateOperator(cfg, username, password); err != nil {
				return err
			}
			fmt.Printf("operator %q created\n", username)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "operator username")
	cmd.Flags().StringVar(&password, "password", "", "operator password")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("password")
	return cmd
}
