package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/taskbridge/realtime"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, check if the token is expired, and try a live connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  WebSocket URL: %s\n", valueOrDefault(cfg.Server.WSURL, "(not set)"))
		fmt.Printf("  API URL:       %s\n", valueOrDefault(cfg.Server.APIURL, "(not set)"))
		fmt.Printf("  Log level:     %s\n", valueOrDefault(cfg.Client.LogLevel, "warn"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:       %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			tokenStatus = maskKey(cfg.Auth.Token)
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				switch {
				case err != nil:
					tokenStatus += fmt.Sprintf(" (unparseable expiry: %s)", cfg.Auth.TokenExpires)
				case time.Now().Before(expires):
					tokenStatus += fmt.Sprintf(" (expires %s)", expires.Format(time.RFC3339))
				default:
					tokenStatus += fmt.Sprintf(" EXPIRED (expired %s)", expires.Format(time.RFC3339))
				}
			}
		}
		fmt.Printf("  Token:         %s\n", tokenStatus)

		if cfg.Auth.Token == "" || cfg.Server.WSURL == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		c, err := newClient()
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		err = c.core.Connect(ctx, c.cfg.Auth.Token)
		if err != nil {
			fmt.Printf("  Connection:    failed (%v)\n", err)
			var ce *realtime.ConnectError
			if errors.As(err, &ce) && !ce.Retryable() {
				fmt.Println("  Hint:          refresh the token with 'rtchat init <token>'")
			}
			return nil
		}
		fmt.Printf("  Connection:    %s in %s\n", c.core.Transport().State(), time.Since(start).Round(time.Millisecond))
		return nil
	},
}
