package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	var (
		configPath string
		operatorID uint
		text       string
		kind       string
	)

	cmd := &cobra.Command{
		Use:   "send <conversation-id>",
		Short: "Send a reply into a conversation",
		Long:  "Delivers an operator reply through the running service. The operator must own the conversation.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			convID, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid conversation id %q", args[0])
			}
			cfg, _, err := openDatabase(configPath)
			if err != nil {
				return err
			}

			resp, err := apiClient(cfg.Server.Port).R().
				SetBody(map[string]interface{}{
					"operator_id": operatorID,
					"kind":        kind,
					"text":        text,
				}).
				Post(fmt.Sprintf("/api/conversations/%d/messages", convID))
			if err != nil {
				return fmt.Errorf("is the service running? %w", err)
			}
			if resp.IsError() {
				return fmt.Errorf("send failed: %s", resp.String())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent to conversation %d\n", convID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().UintVar(&operatorID, "operator", 0, "sending operator id")
	cmd.Flags().StringVar(&text, "text", "", "message text")
	cmd.Flags().StringVar(&kind, "kind", "text", "message kind")
	cmd.MarkFlagRequired("operator")
	cmd.MarkFlagRequired("text")
	return cmd
}
