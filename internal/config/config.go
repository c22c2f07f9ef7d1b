// Package config loads the emulator's TOML configuration.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	BackendBTree  = "btree"
	BackendPebble = "pebble"
)

type Config struct {
	Device  DeviceConfig  `toml:"device"`
	Latency LatencyConfig `toml:"latency"`
	Log     LogConfig     `toml:"log"`
}

type DeviceConfig struct {
	// Capacity in bytes; 0 means unconstrained.
	Capacity uint64 `toml:"capacity"`
	// MaxIterators bounds simultaneously open iterators.
	MaxIterators int `toml:"max_iterators"`
	// Backend is "btree" or "pebble".
	Backend string `toml:"backend"`
}

type LatencyConfig struct {
	Enabled bool `toml:"enabled"`
	// Coefficients of the latency polynomial in the operation byte size,
	// in nanoseconds: ns = c0 + c1*size + c2*size^2 ...
	Coefficients []float64 `toml:"coefficients"`
	// QueueOffsetNS is the shared queue-latency adjustment in nanoseconds.
	QueueOffsetNS int64 `toml:"queue_offset_ns"`
}

type LogConfig struct {
	Level string `toml:"level"`
	// Format is "console" or "json".
	Format string `toml:"format"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Device: DeviceConfig{
			Capacity:     0,
			MaxIterators: 16,
			Backend:      BackendBTree,
		},
		Latency: LatencyConfig{
			Enabled: false,
			// Roughly a 100k IOPS device with a small per-byte cost.
			Coefficients: []float64{10000, 2},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a TOML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Device.MaxIterators <= 0 {
		return fmt.Errorf("device.max_iterators must be positive, got %d", c.Device.MaxIterators)
	}
	if c.Device.Backend != BackendBTree && c.Device.Backend != BackendPebble {
		return fmt.Errorf("device.backend must be %q or %q, got %q", BackendBTree, BackendPebble, c.Device.Backend)
	}
	if c.Latency.Enabled && len(c.Latency.Coefficients) == 0 {
		return fmt.Errorf("latency.coefficients must not be empty when the latency model is enabled")
	}
	if c.Latency.QueueOffsetNS < 0 {
		return fmt.Errorf("latency.queue_offset_ns must not be negative, got %d", c.Latency.QueueOffsetNS)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be \"console\" or \"json\", got %q", c.Log.Format)
	}
	return nil
}
