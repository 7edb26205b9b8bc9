package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/taskbridge/realtime"
	"go.uber.org/zap"
)

// client bundles what a command needs to talk to the chat backend.
type client struct {
	cfg      *Config
	log      *zap.Logger
	registry *prometheus.Registry
	core     *realtime.Core
}

// newLogger builds a console logger at the --log-level flag, falling back
// to client.log_level and then warn.
func newLogger(cfg *Config) (*zap.Logger, error) {
	level := logLevel
	if level == "" {
		level = valueOrDefault(cfg.Client.LogLevel, "warn")
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = lvl
	zc.DisableStacktrace = true
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// coreConfig maps the [client] section onto the realtime config.
func coreConfig(cfg *Config, log *zap.Logger, reg prometheus.Registerer) (*realtime.Config, error) {
	rc := realtime.DefaultConfig()
	rc.Logger = log
	rc.Registerer = reg
	if cfg.Client.AutoReconnect != nil {
		rc.AutoReconnect = *cfg.Client.AutoReconnect
	}
	if s := cfg.Client.ConnectTimeout; s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("client.connect_timeout: %w", err)
		}
		rc.ConnectTimeout = d
	}
	if s := cfg.Client.HeartbeatInterval; s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("client.heartbeat_interval: %w", err)
		}
		rc.HeartbeatInterval = d
	}
	return rc, nil
}

// newClient loads config and wires transport, REST client and core. The
// caller owns the returned client and must Close it.
func newClient() (*client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token, run 'rtchat init <token>' first")
	}
	if cfg.Server.WSURL == "" {
		return nil, fmt.Errorf("server.ws_url is not set")
	}

	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	rc, err := coreConfig(cfg, log, reg)
	if err != nil {
		return nil, err
	}

	tr := realtime.NewTransport(cfg.Server.WSURL, rc)
	var api realtime.MessageAPI
	if cfg.Server.APIURL != "" {
		api = realtime.NewAPIClient(cfg.Server.APIURL, cfg.Auth.Token, realtime.WithLogger(log))
	}
	core := realtime.NewCore(tr, api, realtime.WithSelfID(cfg.Auth.UserID))
	return &client{cfg: cfg, log: log, registry: reg, core: core}, nil
}

// mustClient is newClient for commands that cannot do anything without one.
func mustClient() *client {
	c, err := newClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return c
}

func (c *client) Close() {
	c.core.Close()
	_ = c.log.Sync()
}

// ============================================================================
// Output
// ============================================================================

func printJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func formatMessage(m realtime.Message) string {
	var b strings.Builder
	b.WriteString(m.CreatedAt.Local().Format("15:04:05"))
	b.WriteString("  ")
	b.WriteString(valueOrDefault(m.SenderID, "?"))
	b.WriteString(": ")
	b.WriteString(m.Text())
	if m.Attachment != nil {
		fmt.Fprintf(&b, " [%s %s]", m.Attachment.Type, m.Attachment.URL)
	}
	switch m.Status {
	case realtime.StatusLocalOptimistic:
		b.WriteString(" (sending)")
	case realtime.StatusFailed:
		fmt.Fprintf(&b, " (failed: %s)", m.Error)
	}
	return b.String()
}

func formatPresence(p realtime.PresenceState) string {
	s := fmt.Sprintf("%s is %s", p.UserID, p.Status)
	if p.LastSeen != nil {
		s += fmt.Sprintf(" (last seen %s)", p.LastSeen.Local().Format(time.RFC3339))
	}
	return s
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 10 {
		return strings.Repeat("*", len(key))
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
