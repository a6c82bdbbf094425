// pkg/polymarket/config.go
package polymarket

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds WebSocket settings for a feed session.
type Config struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	BufferSize       int           `mapstructure:"buffer_size"`
}

// ApplyDefaults applies fallback defaults if values are unset.
func (c *Config) ApplyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
}

// Validate checks the endpoint URL.
func (c *Config) Validate() error {
	return ValidateURL(c.URL)
}

// ValidateURL requires a parseable ws:// or wss:// URL with a host.
func ValidateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: websocket URL is required", ErrConfig)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: parse websocket URL: %w", ErrConfig, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("%w: websocket URL scheme must be ws or wss, got %q", ErrConfig, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: websocket URL has no host", ErrConfig)
	}
	return nil
}
