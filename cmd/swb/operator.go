package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/averden/switchboard/internal/models"
)

func newOperatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Manage inbox operators",
	}
	cmd.AddCommand(newOperatorAddCmd())
	cmd.AddCommand(newOperatorListCmd())
	return cmd
}

func newOperatorAddCmd() *cobra.Command {
	var (
		configPath string
		name       string
		maxOpen    int
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := openDatabase(configPath)
			if err != nil {
				return err
			}
			op := models.Operator{Name: name, Active: true, MaxOpen: maxOpen}
			if err := gormDB.Create(&op).Error; err != nil {
				return fmt.Errorf("create operator %q: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Operator %d (%s) registered, capacity %d\n", op.ID, op.Name, op.MaxOpen)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().StringVar(&name, "name", "", "operator name")
	cmd.Flags().IntVar(&maxOpen, "max-open", 50, "maximum simultaneously assigned conversations")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newOperatorListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all operators",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := openDatabase(configPath)
			if err != nil {
				return err
			}
			var ops []models.Operator
			if err := gormDB.Order("name ASC").Find(&ops).Error; err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-4s %-20s %-7s %s\n", "ID", "NAME", "ACTIVE", "LOAD")
			for _, op := range ops {
				fmt.Fprintf(out, "%-4d %-20s %-7t %d/%d\n", op.ID, op.Name, op.Active, op.OpenCount, op.MaxOpen)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}
