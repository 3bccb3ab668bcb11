package commands

import (
	"fmt"
	"strings"
	"time"

	"secumsg/services/messages/pkg/msgclient"

	"github.com/spf13/cobra"
)

// send <recipient-user-id> <message>
func sendCmd() *cobra.Command {
	var listingID, conversationKey string
	cmd := &cobra.Command{
		Use:   "send <recipient> <message...>",
		Short: "Encrypt and send a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := login(ctx, cmd.ErrOrStderr()); err != nil {
				return err
			}
			if err := client.Connect(ctx); err != nil {
				return err
			}
			msg, err := client.SendMessage(ctx, strings.Join(args[1:], " "), msgclient.Target{
				ConversationKey: conversationKey,
				RecipientID:     args[0],
				ListingID:       listingID,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s at %s\n", msg.ID, msg.ConversationKey, msg.SentAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&listingID, "listing", "", "listing the conversation is about")
	cmd.Flags().StringVar(&conversationKey, "conversation", "", "expected conversation key")
	return cmd
}
