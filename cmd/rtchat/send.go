package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/taskbridge/realtime"
)

var (
	sendAttachURL  string
	sendAttachType string
	sendJSON       bool
)

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
	sendCmd.Flags().StringVar(&sendAttachURL, "attach", "", "URL of an already uploaded file to attach")
	sendCmd.Flags().StringVar(&sendAttachType, "attach-type", "file", "Attachment type, e.g. image or file")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Print the confirmed message as JSON")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [message]",
	Short: "Send a message to a conversation",
	Long:  "Send a text message, an attachment, or both. The message is delivered over the REST API.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := args[0]
		var content *string
		if len(args) == 2 {
			content = &args[1]
		}
		var attachment *realtime.Attachment
		if sendAttachURL != "" {
			attachment = &realtime.Attachment{URL: sendAttachURL, Type: sendAttachType}
		}
		if content == nil && attachment == nil {
			return fmt.Errorf("nothing to send: give a message or --attach")
		}

		c := mustClient()
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s := c.core.NewSession()
		defer s.Dispose()
		m, err := s.Send(ctx, conv, content, attachment)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if sendJSON {
			return printJSON(m)
		}
		fmt.Printf("Sent %s to %s at %s\n", m.ID, conv, m.CreatedAt.Local().Format(time.RFC3339))
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := mustClient()
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := c.core.NewSession().MarkAsRead(ctx, args[0]); err != nil {
			return fmt.Errorf("mark as read failed: %w", err)
		}
		fmt.Printf("Marked %s as read\n", args[0])
		return nil
	},
}
