package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the inspection agent.
type Config struct {
	Bundle    BundleConfig    `yaml:"bundle"`
	Control   ControlConfig   `yaml:"control"`
	Eventstream EventstreamConfig `yaml:"eventstream"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`
	Reload    ReloadConfig    `yaml:"reload"`
}

// BundleConfig points at the signature bundle and practice files the
// loader reads at startup (and re-reads on reload).
type BundleConfig struct {
	Path           string `yaml:"path"`             // path to the IPS signature bundle JSON
	PracticePath   string `yaml:"practice_path"`     // not read by the binary: rules are loaded from the bundle at Path
	MaxFieldSize   int    `yaml:"max_field_size"`    // cap in bytes for captured_buffers
	WatchForChanges bool  `yaml:"watch_for_changes"` // not read by the binary: nothing polls Path for changes
}

// ControlConfig holds control API configuration.
type ControlConfig struct {
	Listen  string            `yaml:"listen"`
	Enabled bool              `yaml:"enabled"`
	Auth    ControlAuthConfig `yaml:"auth"`
}

// ControlAuthConfig holds control API authentication settings.
type ControlAuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// EventstreamConfig holds the live verdict/log stream configuration.
type EventstreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ReloadConfig holds cross-instance reload broadcast configuration.
type ReloadConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// StorageConfig holds persistent storage configuration.
type StorageConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Load reads and parses the configuration file, falling back to
// defaults when the file does not exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return defaults(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Bundle: BundleConfig{
			Path:         "bundle.json",
			MaxFieldSize: 10000,
		},
		Control: ControlConfig{
			Listen:  ":9090",
			Enabled: true,
		},
		Eventstream: EventstreamConfig{
			Enabled: false,
			Listen:  ":9091",
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "ipsagent",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		Storage: StorageConfig{
			Enabled:       false,
			Path:          "data/ipsagent.db",
			RetentionDays: 30,
		},
		Reload: ReloadConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			KeyPrefix: "ipsagent:",
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("IPSAGENT_BUNDLE_PATH"); v != "" {
		c.Bundle.Path = v
	}
	if v := os.Getenv("IPSAGENT_BUNDLE_PRACTICE_PATH"); v != "" {
		c.Bundle.PracticePath = v
	}
	if v := os.Getenv("IPSAGENT_BUNDLE_MAX_FIELD_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil && size > 0 {
			c.Bundle.MaxFieldSize = size
		}
	}
	if v := os.Getenv("IPSAGENT_CONTROL_LISTEN"); v != "" {
		c.Control.Listen = v
	}
	if v := os.Getenv("IPSAGENT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if os.Getenv("IPSAGENT_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("IPSAGENT_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("IPSAGENT_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("IPSAGENT_TELEMETRY_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}

	if os.Getenv("IPSAGENT_STORAGE_ENABLED") == "true" {
		c.Storage.Enabled = true
	}
	if v := os.Getenv("IPSAGENT_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	if os.Getenv("IPSAGENT_RELOAD_ENABLED") == "true" {
		c.Reload.Enabled = true
	}
	if v := os.Getenv("IPSAGENT_REDIS_ADDR"); v != "" {
		c.Reload.Addr = v
	}
	if v := os.Getenv("IPSAGENT_REDIS_PASSWORD"); v != "" {
		c.Reload.Password = v
	}

	if os.Getenv("IPSAGENT_CONTROL_AUTH_ENABLED") == "true" {
		c.Control.Auth.Enabled = true
	}
	if v := os.Getenv("IPSAGENT_CONTROL_API_KEY"); v != "" {
		c.Control.Auth.APIKey = v
		c.Control.Auth.Enabled = true
	}
}

func (c *Config) validate() error {
	if c.Bundle.Path == "" {
		return fmt.Errorf("bundle path is required")
	}
	if c.Bundle.MaxFieldSize <= 0 {
		return fmt.Errorf("bundle max_field_size must be positive")
	}
	if c.Control.Enabled && c.Control.Listen == "" {
		return fmt.Errorf("control listen address is required when control is enabled")
	}
	return nil
}
