package upshield

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized option. Values come from (in order of
// precedence, lowest first): defaults, a YAML config file, environment
// variables, and command-line flags applied by the caller.
type Config struct {
	// Origin is the upstream base URL the shield fronts.
	Origin string
	Port   int
	// Provider selects the cache storage: "memory" or "sqlite".
	Provider   string
	SQLitePath string
	// FreshTTL is how long a stored entry is servable as a cache hit.
	FreshTTL time.Duration
	// StaleTTL is how long a stored entry is servable as a degraded
	// fallback on upstream failure. Must not be below FreshTTL.
	StaleTTL time.Duration
	// MaxRetries is the number of upstream retry attempts after the
	// first one, for retryable failures.
	MaxRetries int
	// Referer is sent on upstream requests; some upstreams require a
	// plausible browser referer.
	Referer string
}

// UnmarshalYAML decodes a config document, leaving omitted options at
// their previous values. Durations use the Go syntax ("90s", "15m").
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Origin     *string `yaml:"origin"`
		Port       *int    `yaml:"port"`
		Provider   *string `yaml:"provider"`
		SQLitePath *string `yaml:"sqlitePath"`
		FreshTTL   *string `yaml:"freshTTL"`
		StaleTTL   *string `yaml:"staleTTL"`
		MaxRetries *int    `yaml:"maxRetries"`
		Referer    *string `yaml:"referer"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Origin != nil {
		c.Origin = *raw.Origin
	}
	if raw.Port != nil {
		c.Port = *raw.Port
	}
	if raw.Provider != nil {
		c.Provider = *raw.Provider
	}
	if raw.SQLitePath != nil {
		c.SQLitePath = *raw.SQLitePath
	}
	if raw.FreshTTL != nil {
		d, err := time.ParseDuration(*raw.FreshTTL)
		if err != nil {
			return fmt.Errorf("freshTTL: %w", err)
		}
		c.FreshTTL = d
	}
	if raw.StaleTTL != nil {
		d, err := time.ParseDuration(*raw.StaleTTL)
		if err != nil {
			return fmt.Errorf("staleTTL: %w", err)
		}
		c.StaleTTL = d
	}
	if raw.MaxRetries != nil {
		c.MaxRetries = *raw.MaxRetries
	}
	if raw.Referer != nil {
		c.Referer = *raw.Referer
	}
	return nil
}

func DefaultConfig() Config {
	return Config{
		Port:       8080,
		Provider:   "memory",
		SQLitePath: "./upshield.db",
		FreshTTL:   60 * time.Second,
		StaleTTL:   15 * time.Minute,
		MaxRetries: 2,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(filename string) (Config, error) {
	config := DefaultConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// ApplyEnv overrides config values from UPSHIELD_* environment
// variables.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv("UPSHIELD_ORIGIN"); ok {
		c.Origin = v
	}
	if v, ok := os.LookupEnv("UPSHIELD_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UPSHIELD_PORT: %w", err)
		}
		c.Port = port
	}
	if v, ok := os.LookupEnv("UPSHIELD_PROVIDER"); ok {
		c.Provider = v
	}
	if v, ok := os.LookupEnv("UPSHIELD_SQLITE_PATH"); ok {
		c.SQLitePath = v
	}
	if v, ok := os.LookupEnv("UPSHIELD_FRESH_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("UPSHIELD_FRESH_TTL: %w", err)
		}
		c.FreshTTL = d
	}
	if v, ok := os.LookupEnv("UPSHIELD_STALE_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("UPSHIELD_STALE_TTL: %w", err)
		}
		c.StaleTTL = d
	}
	if v, ok := os.LookupEnv("UPSHIELD_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UPSHIELD_MAX_RETRIES: %w", err)
		}
		c.MaxRetries = n
	}
	if v, ok := os.LookupEnv("UPSHIELD_REFERER"); ok {
		c.Referer = v
	}
	return nil
}

func (c Config) Validate() error {
	if c.Origin == "" {
		return fmt.Errorf("origin is required")
	}
	u, err := url.Parse(c.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("origin %q is not an absolute URL", c.Origin)
	}
	if c.Provider != "memory" && c.Provider != "sqlite" {
		return fmt.Errorf("unsupported cache provider: %s", c.Provider)
	}
	if c.FreshTTL <= 0 {
		return fmt.Errorf("freshTTL must be positive, got %s", c.FreshTTL)
	}
	if c.StaleTTL < c.FreshTTL {
		return fmt.Errorf("staleTTL (%s) must not be below freshTTL (%s)", c.StaleTTL, c.FreshTTL)
	}
	if c.MaxRetries < 0 || c.MaxRetries > 5 {
		return fmt.Errorf("maxRetries must be between 0 and 5, got %d", c.MaxRetries)
	}
	return nil
}
