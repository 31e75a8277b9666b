package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.tripchat/config.toml.
type Config struct {
	DefaultSession string   `toml:"default_session"`
	API            API      `toml:"api"`
	Socket         Socket   `toml:"socket"`
	Timeouts       Timeouts `toml:"timeouts"`
}

// API configures the REST backend client.
type API struct {
	BaseURL string `toml:"base_url"`
}

// Socket configures the real-time transport.
type Socket struct {
	URL string `toml:"url"`
}

// Timeouts holds the fixed protocol thresholds. All values are in seconds;
// zero means the default applies.
type Timeouts struct {
	AckSeconds         int `toml:"ack_seconds"`
	HeartbeatSeconds   int `toml:"heartbeat_seconds"`
	StalenessSeconds   int `toml:"staleness_seconds"`
	TypingClearSeconds int `toml:"typing_clear_seconds"`
}

const (
	defaultAck         = 10 * time.Second
	defaultHeartbeat   = 25 * time.Second
	defaultStaleness   = 60 * time.Second
	defaultTypingClear = 6 * time.Second
)

// Ack returns the send-acknowledgement timeout.
func (t Timeouts) Ack() time.Duration { return orDefault(t.AckSeconds, defaultAck) }

// Heartbeat returns the liveness ping interval.
func (t Timeouts) Heartbeat() time.Duration { return orDefault(t.HeartbeatSeconds, defaultHeartbeat) }

// Staleness returns the pong staleness window after which the connection is
// force-cycled.
func (t Timeouts) Staleness() time.Duration { return orDefault(t.StalenessSeconds, defaultStaleness) }

// TypingClear returns how long a typing indicator stays lit without updates.
func (t Timeouts) TypingClear() time.Duration {
	return orDefault(t.TypingClearSeconds, defaultTypingClear)
}

func orDefault(seconds int, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}

// Load reads config from the given path. Returns zero config and error if
// the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
