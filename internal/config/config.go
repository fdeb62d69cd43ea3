// Package config loads the YAML configuration surface for the demo
// binary: the timeouts, codec preference, and trace-buffer size that
// internal/registry.Timeouts and internal/taskhandle.Options need.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML shape.
type Config struct {
	Worker struct {
		BaseURI string `yaml:"base_uri"`
	} `yaml:"worker"`

	Timeouts struct {
		StatusRefreshMaxWait   time.Duration `yaml:"status_refresh_max_wait"`
		InfoUpdateInterval     time.Duration `yaml:"info_update_interval"`
		TaskInfoRefreshMaxWait time.Duration `yaml:"task_info_refresh_max_wait"`
		MaxErrorDuration       time.Duration `yaml:"max_error_duration"`
	} `yaml:"timeouts"`

	Codec struct {
		// Preferred is "json" or "cbor"; the binary framing is preferred
		// on the wire by default.
		Preferred string `yaml:"preferred"`
	} `yaml:"codec"`

	Trace struct {
		Enabled  bool `yaml:"enabled"`
		Capacity int  `yaml:"capacity"`
	} `yaml:"trace"`
}

// Default returns the configuration the demo binary runs with when no
// file is given: CBOR preferred, short long-poll waits and a modest
// error budget so the demo scenarios settle in a few seconds, and
// tracing off.
func Default() Config {
	var cfg Config
	cfg.Worker.BaseURI = "http://127.0.0.1:0"
	cfg.Timeouts.StatusRefreshMaxWait = 500 * time.Millisecond
	cfg.Timeouts.InfoUpdateInterval = 750 * time.Millisecond
	cfg.Timeouts.TaskInfoRefreshMaxWait = 500 * time.Millisecond
	cfg.Timeouts.MaxErrorDuration = 5 * time.Second
	cfg.Codec.Preferred = "cbor"
	cfg.Trace.Enabled = false
	cfg.Trace.Capacity = 256
	return cfg
}

// Load reads and parses a YAML config file at path, starting from
// Default so a file only needs to override the fields it cares about.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports whether cfg is usable: non-empty worker base URI and
// a valid codec preference.
func (c Config) Validate() error {
	if c.Worker.BaseURI == "" {
		return fmt.Errorf("config: worker.base_uri is required")
	}
	switch c.Codec.Preferred {
	case "json", "cbor":
	default:
		return fmt.Errorf("config: codec.preferred must be %q or %q, got %q", "json", "cbor", c.Codec.Preferred)
	}
	return nil
}
