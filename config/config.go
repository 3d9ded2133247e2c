// Package config loads and validates the process configuration: database
// paths, per-dispatcher transport URIs, per-dataset cache TTLs and
// retention windows, the sensor logging cadence and the archiver
// schedule. JSON file over defaults; a missing file yields the defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/canopyhq/canopy/errors"
)

// DispatcherConfig selects the transport for one dispatcher instance.
type DispatcherConfig struct {
	URI       string `json:"uri"`
	Namespace string `json:"namespace"`
	QueueSize int    `json:"queue_size,omitempty"`
}

// DatasetConfig holds the per-dataset cache and retention policy.
// TTLSeconds of zero means entries never expire; RetentionDays of zero
// disables archiving for the dataset.
type DatasetConfig struct {
	TTLSeconds    int `json:"ttl_seconds"`
	GraceSeconds  int `json:"grace_seconds,omitempty"`
	RetentionDays int `json:"retention_days,omitempty"`
}

// ArchiverConfig is the sweep schedule.
type ArchiverConfig struct {
	// Spec is a standard 5-field cron expression.
	Spec       string `json:"spec"`
	GraceHours int    `json:"grace_hours"`
}

// Config is the complete application configuration.
type Config struct {
	LogLevel        string `json:"log_level"`
	DatabasePath    string `json:"database_path"`
	ArchivePath     string `json:"archive_path,omitempty"`
	MetricsEnabled  bool   `json:"metrics_enabled"`
	MetricsAddress  string `json:"metrics_address,omitempty"`
	CacheBackendURI string `json:"cache_backend_uri"`

	Gaia     DispatcherConfig `json:"gaia"`
	Internal DispatcherConfig `json:"internal"`
	Stream   DispatcherConfig `json:"stream"`

	Datasets map[string]DatasetConfig `json:"datasets"`

	SensorLogPeriodMinutes int            `json:"sensor_log_period_minutes"`
	Archiver               ArchiverConfig `json:"archiver"`
}

// Default returns the configuration used when no file overrides it: an
// in-process transport everywhere, short cache TTLs for fast-moving
// datasets and no expiry for sun times.
func Default() *Config {
	return &Config{
		LogLevel:        "info",
		DatabasePath:    "canopy.db",
		CacheBackendURI: "memory://",
		Gaia:            DispatcherConfig{URI: "memory://", Namespace: "gaia"},
		Internal:        DispatcherConfig{URI: "memory://", Namespace: "application"},
		Stream:          DispatcherConfig{URI: "memory://", Namespace: "stream"},
		Datasets: map[string]DatasetConfig{
			"sensors_data":   {TTLSeconds: 900, GraceSeconds: 60, RetentionDays: 365},
			"system_data":    {TTLSeconds: 90, GraceSeconds: 15},
			"weather_data":   {TTLSeconds: 1800},
			"sun_times_data": {},
		},
		SensorLogPeriodMinutes: 10,
		Archiver: ArchiverConfig{
			Spec:       "0 1 * * 0",
			GraceHours: 24,
		},
	}
}

// Load reads the file at path over the defaults. An empty path or a
// missing file returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", path)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "parse file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency. Transport URIs are only checked
// for presence here; scheme validation happens at dispatcher
// construction.
func (c *Config) Validate() error {
	fail := func(msg string) error {
		return errors.WrapInvalid(errors.New(msg), "config", "Validate", "check fields")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fail(fmt.Sprintf("unknown log level %q", c.LogLevel))
	}
	if c.DatabasePath == "" {
		return fail("database_path is required")
	}
	for name, d := range map[string]DispatcherConfig{
		"gaia": c.Gaia, "internal": c.Internal, "stream": c.Stream,
	} {
		if d.URI == "" {
			return fail(fmt.Sprintf("%s dispatcher needs a uri", name))
		}
	}
	for dataset, d := range c.Datasets {
		if d.TTLSeconds < 0 || d.GraceSeconds < 0 || d.RetentionDays < 0 {
			return fail(fmt.Sprintf("dataset %q has a negative policy value", dataset))
		}
		if d.GraceSeconds > 0 && d.TTLSeconds == 0 {
			return fail(fmt.Sprintf("dataset %q sets a grace without a ttl", dataset))
		}
	}
	if c.SensorLogPeriodMinutes < 0 || c.SensorLogPeriodMinutes > 60 {
		return fail("sensor_log_period_minutes must be within [0, 60]")
	}
	if c.Archiver.Spec == "" {
		return fail("archiver spec is required")
	}
	if c.Archiver.GraceHours < 0 {
		return fail("archiver grace_hours must not be negative")
	}
	return nil
}

// TTL returns the dataset's cache TTL.
func (c *Config) TTL(dataset string) time.Duration {
	return time.Duration(c.Datasets[dataset].TTLSeconds) * time.Second
}

// Grace returns the dataset's overlay grace window.
func (c *Config) Grace(dataset string) time.Duration {
	return time.Duration(c.Datasets[dataset].GraceSeconds) * time.Second
}
