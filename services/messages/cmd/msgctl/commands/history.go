package commands

import (
	"fmt"
	"io"
	"time"

	"secumsg/services/messages/pkg/msgcache"

	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	var older int
	var markRead bool
	cmd := &cobra.Command{
		Use:   "history <conversation-key>",
		Short: "Show the messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			key := args[0]
			if err := online(ctx, cmd.ErrOrStderr()); err != nil {
				return err
			}
			for i := 0; i < older; i++ {
				page, err := client.LoadOlderMessages(ctx, key)
				if err != nil {
					return err
				}
				if len(page) == 0 {
					break
				}
			}
			msgs := client.GetMessages(key)
			printMessages(cmd.OutOrStdout(), msgs)
			if markRead && len(msgs) > 0 {
				return client.MarkRead(ctx, []string{msgs[0].ID})
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&older, "older", 0, "extra pages of older history to load")
	cmd.Flags().BoolVar(&markRead, "mark-read", false, "mark the conversation as read")
	return cmd
}

func conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := online(cmd.Context(), cmd.ErrOrStderr()); err != nil {
				return err
			}
			printSummaries(cmd.OutOrStdout(), client.GetConversationList())
			return nil
		},
	}
}

// printMessages writes msgs oldest first.
func printMessages(w io.Writer, msgs []msgcache.Message) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		arrow := "<"
		if m.Direction == msgcache.Outgoing {
			arrow = ">"
		}
		status := ""
		switch {
		case m.Failed:
			status = " (undecryptable)"
		case m.ReadAt != nil:
			status = " (read)"
		}
		fmt.Fprintf(w, "%s %s %s %s%s\n", m.SentAt.Local().Format(time.DateTime), arrow, m.SenderID, m.Text, status)
	}
}

func printSummaries(w io.Writer, list []msgcache.Summary) {
	for _, s := range list {
		latest := "-"
		if s.Latest != nil {
			latest = s.Latest.Text
		}
		title := s.Meta.Title
		if title == "" {
			title = "(unknown)"
		}
		fmt.Fprintf(w, "%s  %-36s  unread=%d  %s\n", s.Meta.ConversationKey, title, s.Unread, latest)
	}
}
