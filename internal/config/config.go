// Package config loads engine configuration from an optional YAML file
// with environment variable overrides. Defaults are usable out of the
// box; a deployment typically only sets the data directory.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from "3m"-style strings
// in both YAML and environment variables.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler, which is how env
// overrides are parsed.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds every tunable of the snapshot engine.
type Config struct {
	// DataDir holds the live store, the recovery marker, and the run
	// journal.
	DataDir string `yaml:"data_dir" env:"IL9_DATA_DIR"`

	// SourcePath is the authoritative CSV export.
	SourcePath string `yaml:"source_path" env:"IL9_SOURCE_PATH"`

	// Interval is the live sampling cadence; the synthetic bridge uses
	// the same step.
	Interval Duration `yaml:"interval" env:"IL9_INTERVAL"`

	// LockTimeout bounds waiting on the store guard.
	LockTimeout Duration `yaml:"lock_timeout" env:"IL9_LOCK_TIMEOUT"`

	// LockStaleAfter is the age past which an abandoned lock file is
	// broken.
	LockStaleAfter Duration `yaml:"lock_stale_after" env:"IL9_LOCK_STALE_AFTER"`

	// WatchSource re-runs the recovery decision when the export file
	// changes on disk.
	WatchSource bool `yaml:"watch_source" env:"IL9_WATCH_SOURCE"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:        "data",
		SourcePath:     "data/export.csv",
		Interval:       Duration(3 * time.Minute),
		LockTimeout:    Duration(30 * time.Second),
		LockStaleAfter: Duration(10 * time.Minute),
		WatchSource:    true,
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// at path (skipped when path is empty or the file is absent), then
// environment overrides. Environment always wins.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Missing file falls through to defaults + env.
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.SourcePath == "" {
		return fmt.Errorf("source_path must not be empty")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock_timeout must be positive, got %s", c.LockTimeout)
	}
	if c.LockStaleAfter < c.LockTimeout {
		return fmt.Errorf("lock_stale_after (%s) must not be below lock_timeout (%s)",
			c.LockStaleAfter, c.LockTimeout)
	}
	return nil
}

// StorePath is the live JSONL store location inside DataDir.
func (c Config) StorePath() string {
	return c.DataDir + "/snapshots.jsonl"
}

// MarkerPath is the recovery marker location inside DataDir.
func (c Config) MarkerPath() string {
	return c.StorePath() + ".recovered"
}

// JournalPath is the recovery run journal location inside DataDir.
func (c Config) JournalPath() string {
	return c.DataDir + "/journal.db"
}
