// Package config provides configuration loading and validation for the CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/go-playground/validator/v10"
)

// Duration is a time.Duration that reads "1s"-style strings from JSON and env.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the configuration that can be loaded from a JSON file and
// overridden by environment variables. Missing values fall back to Defaults.
type Config struct {
	// Storage
	DatabaseURL string `json:"database_url,omitempty" env:"DATABASE_URL"`

	// Remote endpoints
	CatalogBaseURL string `json:"catalog_base_url,omitempty" env:"CATALOG_BASE_URL" validate:"omitempty,url"`
	SearchAPIURL   string `json:"search_api_url,omitempty" env:"SEARCH_API_URL" validate:"omitempty,url"`

	// Fan-out
	Mode           string   `json:"mode,omitempty" env:"PRICE_TRACKER_MODE" validate:"omitempty,oneof=sequential parallel"`
	MaxParallel    int      `json:"max_parallel,omitempty" env:"PRICE_TRACKER_MAX_PARALLEL" validate:"gte=0"`
	OKWait         Duration `json:"ok_wait,omitempty" env:"PRICE_TRACKER_OK_WAIT" validate:"gte=0"`
	NGWait         Duration `json:"ng_wait,omitempty" env:"PRICE_TRACKER_NG_WAIT" validate:"gte=0"`
	AdapterTimeout Duration `json:"adapter_timeout,omitempty" env:"PRICE_TRACKER_ADAPTER_TIMEOUT" validate:"gte=0"`
	InferStock     *bool    `json:"infer_stock,omitempty" env:"PRICE_TRACKER_INFER_STOCK"`

	// Sync
	DefaultRange string `json:"default_range,omitempty" env:"PRICE_TRACKER_DEFAULT_RANGE" validate:"omitempty,oneof=all today"`
	Timezone     string `json:"timezone,omitempty" env:"PRICE_TRACKER_TIMEZONE"`

	// Scheduling, see robfig/cron for the syntax
	ScrapeSchedule string `json:"scrape_schedule,omitempty" env:"PRICE_TRACKER_SCRAPE_SCHEDULE"`
	NotifySchedule string `json:"notify_schedule,omitempty" env:"PRICE_TRACKER_NOTIFY_SCHEDULE"`

	// Serving
	Port     int    `json:"port,omitempty" env:"PORT" validate:"gte=0,lte=65535"`
	LogLevel string `json:"log_level,omitempty" env:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`

	// Adapter options applied to every request
	RequestOptions map[string]any `json:"request_options,omitempty"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	inferStock := true
	return Config{
		Mode:           "sequential",
		MaxParallel:    4,
		OKWait:         Duration(time.Second),
		NGWait:         Duration(3 * time.Second),
		AdapterTimeout: Duration(60 * time.Second),
		InferStock:     &inferStock,
		DefaultRange:   "all",
		Timezone:       "UTC",
		Port:           8080,
		LogLevel:       "info",
	}
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// Load reads the optional file at path, applies environment overrides, fills
// the gaps from Defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	merged := cfg.MergeWithDefaults(Defaults())
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}

// Validate checks that the configuration has valid values.
// Note: This doesn't check for required fields since each command checks
// the ones it needs.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("config error: unknown timezone %q", c.Timezone)
		}
	}
	return nil
}

// Location returns the configured timezone, UTC when unset.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	if result.DatabaseURL == "" {
		result.DatabaseURL = defaults.DatabaseURL
	}
	if result.CatalogBaseURL == "" {
		result.CatalogBaseURL = defaults.CatalogBaseURL
	}
	if result.SearchAPIURL == "" {
		result.SearchAPIURL = defaults.SearchAPIURL
	}
	if result.Mode == "" {
		result.Mode = defaults.Mode
	}
	if result.DefaultRange == "" {
		result.DefaultRange = defaults.DefaultRange
	}
	if result.Timezone == "" {
		result.Timezone = defaults.Timezone
	}
	if result.ScrapeSchedule == "" {
		result.ScrapeSchedule = defaults.ScrapeSchedule
	}
	if result.NotifySchedule == "" {
		result.NotifySchedule = defaults.NotifySchedule
	}
	if result.LogLevel == "" {
		result.LogLevel = defaults.LogLevel
	}

	// Numeric fields: use default if zero
	if result.MaxParallel == 0 {
		result.MaxParallel = defaults.MaxParallel
	}
	if result.OKWait == 0 {
		result.OKWait = defaults.OKWait
	}
	if result.NGWait == 0 {
		result.NGWait = defaults.NGWait
	}
	if result.AdapterTimeout == 0 {
		result.AdapterTimeout = defaults.AdapterTimeout
	}
	if result.Port == 0 {
		result.Port = defaults.Port
	}

	// InferStock is a pointer so that an explicit false survives the merge
	if result.InferStock == nil {
		result.InferStock = defaults.InferStock
	}
	if result.RequestOptions == nil && defaults.RequestOptions != nil {
		result.RequestOptions = defaults.RequestOptions
	}

	return result
}

// InferStockEnabled reports the effective infer_stock setting.
func (c *Config) InferStockEnabled() bool {
	return c.InferStock == nil || *c.InferStock
}
