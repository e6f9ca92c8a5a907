package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/averden/switchboard/internal/models"
	"github.com/averden/switchboard/internal/registry"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage messaging accounts",
	}
	cmd.AddCommand(newAccountAddCmd())
	cmd.AddCommand(newAccountListCmd())
	cmd.AddCommand(newAccountStartCmd())
	cmd.AddCommand(newAccountStopCmd())
	cmd.AddCommand(newAccountRestartCmd())
	cmd.AddCommand(newAccountDeactivateCmd())
	return cmd
}

func newAccountAddCmd() *cobra.Command {
	var (
		configPath string
		name       string
		transport  string
		credential string
		ingest     string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new account",
		Long:  "Registers a messaging account. Session accounts take a session token credential; callback accounts take \"<apiToken>:<webhookSecret>\".",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ingest != models.IngestWebhook && ingest != models.IngestPolling {
				return fmt.Errorf("unknown ingest mode %q", ingest)
			}
			_, gormDB, err := openDatabase(configPath)
			if err != nil {
				return err
			}
			acc, err := registry.Create(gormDB, name, transport, credential)
			if err != nil {
				return err
			}
			if ingest != models.IngestWebhook {
				if err := registry.SetIngestMode(gormDB, acc.ID, ingest); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %d (%s, %s) registered\n", acc.ID, acc.Name, acc.Transport)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&transport, "transport", "", "transport kind: session or callback")
	cmd.Flags().StringVar(&credential, "credential", "", "credential blob")
	cmd.Flags().StringVar(&ingest, "ingest", models.IngestWebhook, "callback ingestion mode: webhook or polling")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("transport")
	cmd.MarkFlagRequired("credential")
	return cmd
}

func newAccountListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := openDatabase(configPath)
			if err != nil {
				return err
			}
			accounts, err := registry.List(gormDB)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-4s %-20s %-10s %-16s %-6s %s\n", "ID", "NAME", "TRANSPORT", "STATUS", "ERRORS", "REMOTE")
			for _, a := range accounts {
				fmt.Fprintf(out, "%-4d %-20s %-10s %-16s %-6d %s\n", a.ID, a.Name, a.Transport, a.Status, a.ErrorCount, a.RemoteName)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func newAccountStartCmd() *cobra.Command {
	return newAccountActionCmd("start", "Start an account's connection")
}

func newAccountStopCmd() *cobra.Command {
	return newAccountActionCmd("stop", "Stop an account's connection")
}

func newAccountRestartCmd() *cobra.Command {
	return newAccountActionCmd("restart", "Restart an account's connection")
}

// newAccountActionCmd builds lifecycle commands that go through the
// running service's API, since connections live in the serve process.
func newAccountActionCmd(action, short string) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   action + " <account-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid account id %q", args[0])
			}
			cfg, _, err := openDatabase(configPath)
			if err != nil {
				return err
			}
			resp, err := apiClient(cfg.Server.Port).R().
				Post(fmt.Sprintf("/api/accounts/%d/%s", id, action))
			if err != nil {
				return fmt.Errorf("is the service running? %w", err)
			}
			if resp.IsError() {
				return fmt.Errorf("%s account %d: %s", action, id, resp.String())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %d: %s requested\n", id, action)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func newAccountDeactivateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "deactivate <account-id>",
		Short: "Soft-deactivate an account",
		Long:  "Marks the account inactive. Its conversations and messages are kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid account id %q", args[0])
			}
			_, gormDB, err := openDatabase(configPath)
			if err != nil {
				return err
			}
			if err := registry.Deactivate(gormDB, uint(id)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %d deactivated\n", id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func apiClient(port int) *resty.Client {
	return resty.New().
		SetBaseURL(fmt.Sprintf("http://127.0.0.1:%d", port)).
		SetTimeout(10 * time.Second)
}
