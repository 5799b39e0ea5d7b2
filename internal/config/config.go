// Package config loads and validates scanbrokerd's runtime configuration.
//
// Layering follows three steps, applied in order: DefaultConfig populates
// sane defaults, LoadFromFile unmarshals a YAML file on top of them, and
// LoadFromEnv applies SCANBROKER_* environment overrides last so a
// container deployment can tweak config without touching the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ProbeConfig describes one configured Greenbone/OpenVAS engine.
type ProbeConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ScanConfig controls scan dispatch, polling, and engine defaults.
type ScanConfig struct {
	PollInterval            time.Duration `yaml:"poll_interval"`
	MaxDuration             time.Duration `yaml:"max_duration"`
	CleanupAfterReport      bool          `yaml:"cleanup_after_report"`
	MaxConsecutiveSameProbe int           `yaml:"max_consecutive_same_probe"`
	GVMScanConfig           string        `yaml:"gvm_scan_config"`
	GVMScanner              string        `yaml:"gvm_scanner"`
	DefaultPortList         string        `yaml:"default_port_list"`
	DBPath                  string        `yaml:"db_path"`
}

// SourceConfig controls target inventory reconciliation and the optional
// report-ready callback.
type SourceConfig struct {
	URL               string        `yaml:"url"`
	AuthToken         string        `yaml:"auth_token"`
	SyncInterval      time.Duration `yaml:"sync_interval"`
	CallbackURL       string        `yaml:"callback_url"`
	Timeout           time.Duration `yaml:"timeout"`
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`
}

// APIConfig controls the HTTP JSON API surface.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig controls the operational logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

// MetricsConfig controls the Prometheus registry and /metrics endpoint.
type MetricsConfig struct {
	Enabled   bool      `yaml:"enabled"`
	Namespace string    `yaml:"namespace"`
	Buckets   []float64 `yaml:"buckets"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// ObservabilityConfig groups the tracing and metrics knobs.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// Config is the top-level scanbrokerd configuration.
type Config struct {
	Probes        []ProbeConfig       `yaml:"probes"`
	Scan          ScanConfig          `yaml:"scan"`
	Source        SourceConfig        `yaml:"source"`
	API           APIConfig           `yaml:"api"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DefaultConfig returns a Config populated with conservative defaults.
// Probes is left empty; at least one must come from the file
// (LoadFromEnv has no probe override).
func DefaultConfig() *Config {
	return &Config{
		Probes: nil,
		Scan: ScanConfig{
			PollInterval:            15 * time.Second,
			MaxDuration:             4 * time.Hour,
			CleanupAfterReport:      false,
			MaxConsecutiveSameProbe: 3,
			GVMScanConfig:           "daba56c8-73ec-11df-a475-002264764cea",
			GVMScanner:              "08b69003-5fc2-4037-a479-93b440211c73",
			DefaultPortList:         "33d0cd82-57c6-11e1-8ed1-406186ea4fc5",
			DBPath:                  "scanbroker.db",
		},
		Source: SourceConfig{
			SyncInterval:      10 * time.Minute,
			Timeout:           30 * time.Second,
			SchedulerInterval: 1 * time.Minute,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "scanbrokerd",
				SampleRate:  0.1,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "scanbroker",
				Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900},
			},
		},
	}
}

// LoadFromFile reads a YAML file and unmarshals it onto a fresh
// DefaultConfig. Missing keys keep their default values.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv applies SCANBROKER_* environment variable overrides on top
// of an already-loaded Config, in place.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SCANBROKER_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("SCANBROKER_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = n
		}
	}
	if v := os.Getenv("SCANBROKER_SCAN_DB_PATH"); v != "" {
		cfg.Scan.DBPath = v
	}
	if v := os.Getenv("SCANBROKER_SCAN_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scan.PollInterval = d
		}
	}
	if v := os.Getenv("SCANBROKER_SCAN_MAX_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scan.MaxDuration = d
		}
	}
	if v := os.Getenv("SCANBROKER_SCAN_CLEANUP_AFTER_REPORT"); v != "" {
		cfg.Scan.CleanupAfterReport = parseBool(v)
	}
	if v := os.Getenv("SCANBROKER_SCAN_MAX_CONSECUTIVE_SAME_PROBE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scan.MaxConsecutiveSameProbe = n
		}
	}
	if v := os.Getenv("SCANBROKER_SOURCE_URL"); v != "" {
		cfg.Source.URL = v
	}
	if v := os.Getenv("SCANBROKER_SOURCE_AUTH_TOKEN"); v != "" {
		cfg.Source.AuthToken = v
	}
	if v := os.Getenv("SCANBROKER_SOURCE_CALLBACK_URL"); v != "" {
		cfg.Source.CallbackURL = v
	}
	if v := os.Getenv("SCANBROKER_SOURCE_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Source.SyncInterval = d
		}
	}
	if v := os.Getenv("SCANBROKER_SOURCE_SCHEDULER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Source.SchedulerInterval = d
		}
	}
	if v := os.Getenv("SCANBROKER_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SCANBROKER_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SCANBROKER_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("SCANBROKER_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("SCANBROKER_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
}

// Validate checks that the config is sufficient to start the daemon.
func (c *Config) Validate() error {
	if len(c.Probes) == 0 {
		return fmt.Errorf("at least one probe must be configured")
	}
	seen := make(map[string]bool, len(c.Probes))
	for _, p := range c.Probes {
		if p.Name == "" {
			return fmt.Errorf("probe entry missing name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate probe name %q", p.Name)
		}
		seen[p.Name] = true
		if p.Host == "" {
			return fmt.Errorf("probe %q missing host", p.Name)
		}
		if p.Port == 0 {
			return fmt.Errorf("probe %q missing port", p.Name)
		}
	}
	if c.Scan.DBPath == "" {
		return fmt.Errorf("scan.db_path must not be empty")
	}
	if c.Scan.MaxConsecutiveSameProbe < 1 {
		return fmt.Errorf("scan.max_consecutive_same_probe must be >= 1")
	}
	return nil
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return b
}
