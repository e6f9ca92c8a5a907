package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/averden/switchboard/internal/ledger"
)

func newAssignCmd() *cobra.Command {
	var (
		configPath string
		takeover   bool
		release    bool
	)

	cmd := &cobra.Command{
		Use:   "assign <conversation-id> [operator-id]",
		Short: "Assign, reassign, or release a conversation",
		Long:  "Binds a conversation to an operator. With --takeover an existing assignment is replaced; with --release the conversation is freed and no operator id is needed.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			convID, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid conversation id %q", args[0])
			}
			_, gormDB, err := openDatabase(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if release {
				if err := ledger.Unassign(gormDB, uint(convID)); err != nil {
					return err
				}
				fmt.Fprintf(out, "Conversation %d released\n", convID)
				return nil
			}

			if len(args) < 2 {
				return fmt.Errorf("operator id is required unless --release is set")
			}
			opID, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid operator id %q", args[1])
			}

			if takeover {
				err = ledger.Reassign(gormDB, uint(convID), uint(opID))
			} else {
				err = ledger.Assign(gormDB, uint(convID), uint(opID))
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Conversation %d assigned to operator %d\n", convID, opID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().BoolVar(&takeover, "takeover", false, "replace an existing assignment")
	cmd.Flags().BoolVar(&release, "release", false, "release the conversation instead of assigning")
	return cmd
}

func newReleaseCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "release <conversation-id>",
		Short: "Release a conversation back to the unassigned pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			convID, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid conversation id %q", args[0])
			}
			_, gormDB, err := openDatabase(configPath)
			if err != nil {
				return err
			}
			if err := ledger.Unassign(gormDB, uint(convID)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Conversation %d released\n", convID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}
