package realtime

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultConnectTimeout     = 10 * time.Second
	DefaultReconnectBaseDelay = 500 * time.Millisecond
	DefaultReconnectMaxDelay  = 30 * time.Second
)

// Config configures the transport and the messaging core built on it.
type Config struct {
	// AutoReconnect keeps retrying retryable failures until Disconnect.
	AutoReconnect      bool
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	ConnectTimeout     time.Duration
	WriteTimeout       time.Duration
	// HeartbeatInterval of zero uses the default; a negative value
	// disables pings.
	HeartbeatInterval time.Duration
	SendQueueSize     int

	HTTPClient *http.Client
	Dialer     Dialer
	Logger     *zap.Logger
	// Registerer receives the transport collectors. Nil leaves them
	// unregistered.
	Registerer prometheus.Registerer
}

// DefaultConfig returns a config with auto-reconnect on.
func DefaultConfig() *Config {
	c := &Config{AutoReconnect: true}
	c.defaults()
	return c
}

func (c *Config) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		c.ReconnectMaxDelay = c.ReconnectBaseDelay
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Dialer == nil {
		c.Dialer = &WSDialer{HTTPClient: c.HTTPClient}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
