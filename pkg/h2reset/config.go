// Package h2reset provides an HTTP/2 server whose streams terminate with the
// reset signal the host platform can express.
package h2reset

import (
	"fmt"
	"os"
	"strings"

	"github.com/albertbausili/h2reset/internal/capability"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// Config holds the server configuration options.
type Config struct {
	Addr                 string `toml:"addr"`                   // Server address to bind to
	Multicore            bool   `toml:"multicore"`              // Enable multicore mode for better performance
	NumEventLoop         int    `toml:"num_event_loop"`         // Number of event loops (0 for auto-detect)
	ReusePort            bool   `toml:"reuse_port"`             // Enable SO_REUSEPORT for load balancing
	MaxConcurrentStreams uint32 `toml:"max_concurrent_streams"` // Maximum concurrent HTTP/2 streams per connection
	HandlerPoolSize      int    `toml:"handler_pool_size"`      // Maximum handlers running at once across connections

	// PlatformVersion is the host version the capability tier is resolved
	// from. Empty or unparseable versions resolve to no reset support.
	PlatformVersion       string `toml:"platform_version"`
	GenericCancelVersion  string `toml:"generic_cancel_version"`
	FullReasonVersion     string `toml:"full_reason_version"`
	EmptyDataQuirkVersion string `toml:"empty_data_quirk_version"` // "-" disables the quirk

	LogLevel string         `toml:"log_level"`
	Logger   zerolog.Logger `toml:"-"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:                  ":8080",
		Multicore:             true,
		NumEventLoop:          0, // Auto-detect
		ReusePort:             true,
		MaxConcurrentStreams:  100,
		HandlerPoolSize:       10000,
		GenericCancelVersion:  capability.DefaultGenericCancelVersion,
		FullReasonVersion:     capability.DefaultFullReasonVersion,
		EmptyDataQuirkVersion: capability.DefaultEmptyDataQuirkVersion,
		Logger:                zerolog.Nop(),
	}
}

// LoadConfig reads a TOML file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":8080"
	}
	if c.NumEventLoop < 0 {
		return fmt.Errorf("num_event_loop must not be negative: %d", c.NumEventLoop)
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.HandlerPoolSize <= 0 {
		c.HandlerPoolSize = 10000
	}
	if _, err := capability.NewResolver(c.thresholds()); err != nil {
		return err
	}
	if c.LogLevel != "" {
		lvl, err := zerolog.ParseLevel(c.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
		}
		c.Logger = c.Logger.Level(lvl)
	}
	return nil
}

func (c *Config) thresholds() capability.Thresholds {
	return capability.Thresholds{
		GenericCancel:  c.GenericCancelVersion,
		FullReason:     c.FullReasonVersion,
		EmptyDataQuirk: c.EmptyDataQuirkVersion,
	}
}
