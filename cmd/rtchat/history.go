package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	historyPages  int
	historyCursor string
	historyJSON   bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "Number of history pages to fetch")
	historyCmd.Flags().StringVar(&historyCursor, "cursor", "", "Start from this cursor instead of the latest page")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output as JSON")
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := args[0]
		c := mustClient()
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s := c.core.NewSession()
		defer s.Dispose()

		cursor := historyCursor
		for i := 0; i < historyPages; i++ {
			page, err := s.LoadHistory(ctx, conv, cursor)
			if err != nil {
				return fmt.Errorf("history failed: %w", err)
			}
			cursor = page.NextCursor
			if cursor == "" {
				break
			}
		}

		view := s.View(conv)
		if historyJSON {
			return printJSON(map[string]any{"messages": view.Messages, "nextCursor": cursor})
		}
		if len(view.Messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range view.Messages {
			fmt.Println(formatMessage(m))
		}
		if cursor != "" {
			fmt.Printf("\nMore: rtchat history %s --cursor %s\n", conv, cursor)
		}
		return nil
	},
}
