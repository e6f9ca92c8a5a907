package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/averden/switchboard/internal/models"
	"github.com/averden/switchboard/internal/registry"
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Summarizes accounts, conversations, unread messages, and the background task queue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string) error {
	_, gormDB, err := openDatabase(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	accounts, err := registry.List(gormDB)
	if err != nil {
		return err
	}
	byStatus := map[string]int{}
	for _, a := range accounts {
		byStatus[a.Status]++
	}
	fmt.Fprintf(out, "Accounts: %d total", len(accounts))
	for _, status := range []string{models.AccountStatusActive, models.AccountStatusAuthenticating, models.AccountStatusError, models.AccountStatusInactive} {
		if n := byStatus[status]; n > 0 {
			fmt.Fprintf(out, ", %d %s", n, status)
		}
	}
	fmt.Fprintln(out)

	var conversations, unassigned int64
	gormDB.Model(&models.Conversation{}).Count(&conversations)
	gormDB.Model(&models.Conversation{}).
		Where("id NOT IN (?)", gormDB.Model(&models.Assignment{}).Select("conversation_id").Where("closed_at IS NULL")).
		Count(&unassigned)
	fmt.Fprintf(out, "Conversations: %d total, %d unassigned\n", conversations, unassigned)

	var unread int64
	gormDB.Model(&models.Conversation{}).Select("COALESCE(SUM(unread_count), 0)").Scan(&unread)
	fmt.Fprintf(out, "Unread messages: %d\n", unread)

	var pendingTasks, failedTasks int64
	gormDB.Model(&models.Task{}).Where("status = ?", models.TaskStatusPending).Count(&pendingTasks)
	gormDB.Model(&models.Task{}).Where("status = ?", models.TaskStatusFailed).Count(&failedTasks)
	fmt.Fprintf(out, "Tasks: %d pending, %d failed\n", pendingTasks, failedTasks)
	return nil
}
