package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/relayinbox/internal/cliutil"
	"github.com/agentworkforce/relayinbox/internal/inboxsync"
)

func newSendCommand(root *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send BODY",
		Short: "Append one message to a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, _ := cmd.Flags().GetString("key")
			direction, _ := cmd.Flags().GetString("direction")
			operatorID := strings.TrimSpace(root.GetString("operator"))
			if operatorID == "" {
				return fmt.Errorf("operator is required (--operator or RELAYINBOX_OPERATOR)")
			}
			if strings.TrimSpace(key) == "" {
				return fmt.Errorf("key is required")
			}
			logger := cliutil.NewLogger(root.GetString("log-level"), root.GetString("log-format"), cmd.ErrOrStderr())

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			client := inboxsync.NewHTTPClient(root.GetString("base-url"), &http.Client{Timeout: 15 * time.Second})
			msg, err := client.Append(ctx, operatorID, key, inboxsync.Direction(strings.ToLower(direction)), args[0])
			if err != nil {
				return err
			}
			logger.Info().
				Str("id", msg.ID).
				Str("conversation", msg.ConversationKey).
				Str("direction", string(msg.Direction)).
				Time("created_at", msg.CreatedAt).
				Msg("message appended")
			return nil
		},
	}
	cmd.Flags().String("key", "", "conversation key")
	cmd.Flags().String("direction", string(inboxsync.DirectionOutbound), "inbound or outbound")
	return cmd
}
