package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.rtchat/config.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
	Auth   ConfigAuth   `toml:"auth"`
	Client ConfigClient `toml:"client"`
}

// ConfigServer holds the endpoints of the chat backend.
type ConfigServer struct {
	WSURL  string `toml:"ws_url"`
	APIURL string `toml:"api_url"`
}

// ConfigAuth holds the bearer token shared by the socket and REST API.
type ConfigAuth struct {
	Token        string `toml:"token"`
	UserID       string `toml:"user_id"`
	TokenExpires string `toml:"token_expires"`
}

// ConfigClient holds tuning for the realtime core.
type ConfigClient struct {
	LogLevel          string `toml:"log_level"`
	ConnectTimeout    string `toml:"connect_timeout"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	AutoReconnect     *bool  `toml:"auto_reconnect,omitempty"`
}

// envOverrides maps environment variables onto config keys.
var envOverrides = map[string]string{
	"RTCHAT_WS_URL":    "server.ws_url",
	"RTCHAT_API_URL":   "server.api_url",
	"RTCHAT_TOKEN":     "auth.token",
	"RTCHAT_USER_ID":   "auth.user_id",
	"RTCHAT_LOG_LEVEL": "client.log_level",
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.rtchat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".rtchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if p := os.Getenv("RTCHAT_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadFileConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadFileConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig returns the file config with RTCHAT_* environment variables
// applied on top. The result must not be saved back, use loadFileConfig
// for read-modify-write.
func loadConfig() (*Config, error) {
	cfg, err := loadFileConfig()
	if err != nil {
		return nil, err
	}
	for env, key := range envOverrides {
		if v := os.Getenv(env); v != "" {
			if err := setConfigValue(cfg, key, v); err != nil {
				return nil, fmt.Errorf("%s: %w", env, err)
			}
		}
	}
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.ws_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "ws_url":
			cfg.Server.WSURL = value
		case "api_url":
			cfg.Server.APIURL = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "token_expires":
			cfg.Auth.TokenExpires = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "client":
		switch field {
		case "log_level":
			cfg.Client.LogLevel = value
		case "connect_timeout":
			cfg.Client.ConnectTimeout = value
		case "heartbeat_interval":
			cfg.Client.HeartbeatInterval = value
		case "auto_reconnect":
			b := value == "true" || value == "1" || value == "yes"
			cfg.Client.AutoReconnect = &b
		default:
			return fmt.Errorf("unknown field %q in section [client]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, client)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "rtchat",
	Short: "Realtime chat client CLI",
	Long:  "Command-line client for the realtime conversation service.\nTail conversations, send messages, watch presence and check connectivity.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A local .env is optional.
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cannot load .env: %w", err)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default from config or warn)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
