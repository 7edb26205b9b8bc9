package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initWSURL   string
	initAPIURL  string
	initUserID  string
	initExpires string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initWSURL, "ws-url", "", "WebSocket endpoint, e.g. wss://chat.example.com/ws")
	initCmd.Flags().StringVar(&initAPIURL, "api-url", "", "REST base URL, e.g. https://chat.example.com")
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Your user ID, used to mark your own messages")
	initCmd.Flags().StringVar(&initExpires, "expires", "", "Token expiry (RFC3339)")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the bearer token in ~/.rtchat/config.toml",
	Long:  "Initialize rtchat by storing your bearer token and server endpoints in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initExpires != "" {
			cfg.Auth.TokenExpires = initExpires
		}
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initWSURL != "" {
			cfg.Server.WSURL = initWSURL
		}
		if initAPIURL != "" {
			cfg.Server.APIURL = initAPIURL
		}
		if cfg.Client.LogLevel == "" {
			cfg.Client.LogLevel = "warn"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Server.WSURL == "" {
			fmt.Println("Set the server with 'rtchat config set server.ws_url <url>'.")
		}
		return nil
	},
}
