// Package config loads and validates the datekeeper YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tdnguyen/datekeeper/internal/model"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// APIURL is the base URL of the remote authority (e.g. "https://api.example.com").
	APIURL string `yaml:"api_url"`

	// APIToken is the bearer token used to authenticate with the authority.
	APIToken string `yaml:"api_token"`

	// DBPath is the SQLite database file. Defaults to
	// ~/.local/share/datekeeper/events.db.
	DBPath string `yaml:"db_path"`

	// SyncInterval controls the auto-sync cadence.
	// Minimum 30s, maximum 24h. Defaults to 15m if unset.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// RescheduleInterval controls how often platform reminders are reswept.
	// Minimum 1h, maximum 7d. Defaults to 12h if unset.
	RescheduleInterval time.Duration `yaml:"reschedule_interval"`

	// TimezoneOffset is the UTC offset, in hours, used for lunisolar
	// calendar conversion. Defaults to 7 (Indochina Time) if unset.
	TimezoneOffset *float64 `yaml:"timezone_offset,omitempty"`

	// DefaultRemindDays are the days-before offsets applied to events
	// created without their own. Defaults to [1, 7].
	DefaultRemindDays []int `yaml:"default_remind_days"`

	// DefaultReminderTime is the delivery time applied to events without
	// their own, as "HH:MM". Defaults to "09:00".
	DefaultReminderTime string `yaml:"default_reminder_time"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "datekeeper".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/datekeeper/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "datekeeper", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Timezone returns the effective UTC offset for lunisolar conversion.
func (c *Config) Timezone() float64 {
	if c.TimezoneOffset != nil {
		return *c.TimezoneOffset
	}
	return 7
}

// ReminderTime parses the default delivery time.
func (c *Config) ReminderTime() (model.TimeOfDay, error) {
	var tod model.TimeOfDay
	if _, err := fmt.Sscanf(c.DefaultReminderTime, "%d:%d", &tod.Hour, &tod.Minute); err != nil {
		return model.TimeOfDay{}, fmt.Errorf("default_reminder_time %q is not HH:MM", c.DefaultReminderTime)
	}
	return tod, nil
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	u, err := url.ParseRequestURI(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("api_url %q must be a valid http or https URL", c.APIURL)
	}

	if c.APIToken == "" {
		return fmt.Errorf("api_token is required")
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = 15 * time.Minute
	}
	if c.SyncInterval < 30*time.Second {
		return fmt.Errorf("sync_interval %v is too short (minimum 30s)", c.SyncInterval)
	}
	if c.SyncInterval > 24*time.Hour {
		return fmt.Errorf("sync_interval %v is too long (maximum 24h)", c.SyncInterval)
	}

	if c.RescheduleInterval == 0 {
		c.RescheduleInterval = 12 * time.Hour
	}
	if c.RescheduleInterval < time.Hour {
		return fmt.Errorf("reschedule_interval %v is too short (minimum 1h)", c.RescheduleInterval)
	}
	if c.RescheduleInterval > 7*24*time.Hour {
		return fmt.Errorf("reschedule_interval %v is too long (maximum 7d)", c.RescheduleInterval)
	}

	if tz := c.Timezone(); tz < -12 || tz > 14 {
		return fmt.Errorf("timezone_offset %v is out of range [-12, 14]", tz)
	}

	if len(c.DefaultRemindDays) == 0 {
		c.DefaultRemindDays = []int{1, 7}
	}
	for _, d := range c.DefaultRemindDays {
		if d < 0 || d > 365 {
			return fmt.Errorf("default_remind_days entry %d is out of range [0, 365]", d)
		}
	}

	if c.DefaultReminderTime == "" {
		c.DefaultReminderTime = "09:00"
	}
	tod, err := c.ReminderTime()
	if err != nil {
		return err
	}
	if tod.Hour < 0 || tod.Hour > 23 || tod.Minute < 0 || tod.Minute > 59 {
		return fmt.Errorf("default_reminder_time %q is out of range", c.DefaultReminderTime)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
