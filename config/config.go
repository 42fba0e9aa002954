// Package config holds the configuration surface for the transport stack.
// Everything tunable (broker address, retry budgets, dedup bounds) is
// supplied here at construction time, never hardcoded at call sites.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config configures a Messenger and everything beneath it.
type Config struct {
	// BrokerAddr is the broker host:port for the realtime transport.
	BrokerAddr string

	// ConnectTimeout bounds a single connect/handshake attempt.
	ConnectTimeout time.Duration

	// AckTimeout bounds the wait for a send acknowledgment.
	AckTimeout time.Duration

	// ConnectAttempts is the realtime retry budget at connect time.
	ConnectAttempts int

	// BackoffMin and BackoffMax bound the exponential reconnect backoff.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// ProbeInterval is how often a degraded connection re-probes the broker.
	ProbeInterval time.Duration

	// DedupSize bounds the dispatcher's seen-ID cache.
	DedupSize int

	// DedupTTL expires seen IDs after this duration.
	DedupTTL time.Duration

	// Workers bounds concurrent callback execution in the dispatcher.
	Workers int

	// BufferSize sizes receive channels.
	BufferSize int

	// StorePath is the directory for the fallback durable store.
	StorePath string

	// PollInterval drives the degraded-mode polling loop.
	PollInterval time.Duration
}

// tomlConfig is the TOML representation.
type tomlConfig struct {
	BrokerAddr      string `toml:"broker_addr"`
	ConnectTimeout  string `toml:"connect_timeout"`
	AckTimeout      string `toml:"ack_timeout"`
	ConnectAttempts int    `toml:"connect_attempts"`
	BackoffMin      string `toml:"backoff_min"`
	BackoffMax      string `toml:"backoff_max"`
	ProbeInterval   string `toml:"probe_interval"`
	DedupSize       int    `toml:"dedup_size"`
	DedupTTL        string `toml:"dedup_ttl"`
	Workers         int    `toml:"workers"`
	BufferSize      int    `toml:"buffer_size"`
	StorePath       string `toml:"store_path"`
	PollInterval    string `toml:"poll_interval"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		BrokerAddr:      "localhost:9090",
		ConnectTimeout:  5 * time.Second,
		AckTimeout:      3 * time.Second,
		ConnectAttempts: 3,
		BackoffMin:      250 * time.Millisecond,
		BackoffMax:      5 * time.Second,
		ProbeInterval:   10 * time.Second,
		DedupSize:       4096,
		DedupTTL:        5 * time.Minute,
		Workers:         8,
		BufferSize:      256,
		StorePath:       "agentcomm-store",
		PollInterval:    time.Second,
	}
}

// Load reads a TOML config file, filling unset fields with defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var tc tomlConfig
	if err := toml.Unmarshal(data, &tc); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if tc.BrokerAddr != "" {
		cfg.BrokerAddr = tc.BrokerAddr
	}
	if tc.ConnectAttempts > 0 {
		cfg.ConnectAttempts = tc.ConnectAttempts
	}
	if tc.DedupSize > 0 {
		cfg.DedupSize = tc.DedupSize
	}
	if tc.Workers > 0 {
		cfg.Workers = tc.Workers
	}
	if tc.BufferSize > 0 {
		cfg.BufferSize = tc.BufferSize
	}
	if tc.StorePath != "" {
		cfg.StorePath = tc.StorePath
	}

	durations := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{tc.ConnectTimeout, &cfg.ConnectTimeout, "connect_timeout"},
		{tc.AckTimeout, &cfg.AckTimeout, "ack_timeout"},
		{tc.BackoffMin, &cfg.BackoffMin, "backoff_min"},
		{tc.BackoffMax, &cfg.BackoffMax, "backoff_max"},
		{tc.ProbeInterval, &cfg.ProbeInterval, "probe_interval"},
		{tc.DedupTTL, &cfg.DedupTTL, "dedup_ttl"},
		{tc.PollInterval, &cfg.PollInterval, "poll_interval"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, fmt.Errorf("parse config: %s: %w", d.name, err)
		}
		*d.dst = v
	}

	return cfg, cfg.Validate()
}

// Validate checks bounds and relationships between settings.
func (c Config) Validate() error {
	if c.BrokerAddr == "" {
		return fmt.Errorf("broker_addr is required")
	}
	if c.ConnectAttempts < 1 {
		return fmt.Errorf("connect_attempts must be at least 1")
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("backoff bounds invalid: min=%v max=%v", c.BackoffMin, c.BackoffMax)
	}
	if c.ConnectTimeout <= 0 || c.AckTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.ProbeInterval <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	if c.DedupSize < 1 || c.DedupTTL <= 0 {
		return fmt.Errorf("dedup bounds invalid: size=%d ttl=%v", c.DedupSize, c.DedupTTL)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	return nil
}
