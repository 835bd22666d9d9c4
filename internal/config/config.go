// Package config handles configuration loading from YAML files and
// environment variables. Precedence: environment variables > config file >
// defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration is a wrapper around time.Duration that supports YAML
// unmarshaling from human-readable strings like "15s", "30s", "1m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds all agent configuration.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	API        APIConfig        `yaml:"api"`
	Collection CollectionConfig `yaml:"collection"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AgentConfig holds agent identity settings.
type AgentConfig struct {
	Hostname string `yaml:"hostname"`
}

// APIConfig holds the platform API connection settings. APIKey and OAuth
// are both optional; when neither is set the agent runs unauthenticated.
type APIConfig struct {
	Endpoint string       `yaml:"endpoint" validate:"required,url"`
	Timeout  Duration     `yaml:"timeout"`
	APIKey   string       `yaml:"api_key"`
	OAuth    *OAuthConfig `yaml:"oauth"`
}

// OAuthConfig holds client-credentials settings for the token endpoint.
type OAuthConfig struct {
	ClientID      string `yaml:"client_id" validate:"required"`
	ClientSecret  string `yaml:"client_secret" validate:"required"`
	TokenEndpoint string `yaml:"token_endpoint" validate:"required,url"`
	Scope         string `yaml:"scope"`
}

// CollectionConfig holds metric collection and flush settings.
type CollectionConfig struct {
	Interval      Duration   `yaml:"interval"`
	FlushInterval Duration   `yaml:"flush_interval"`
	BufferSize    int        `yaml:"buffer_size" validate:"gt=0"`
	Disk          DiskConfig `yaml:"disk"`
}

// DiskConfig holds disk sampling filters. Include patterns are checked
// first, then exclude patterns; both match on substrings.
type DiskConfig struct {
	Enabled            bool     `yaml:"enabled"`
	IncludeMountPoints []string `yaml:"include_mount_points"`
	ExcludeMountPoints []string `yaml:"exclude_mount_points"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Endpoint: "http://localhost:3000",
			Timeout:  Duration{30 * time.Second},
		},
		Collection: CollectionConfig{
			Interval:      Duration{60 * time.Second},
			FlushInterval: Duration{10 * time.Second},
			BufferSize:    100,
			Disk: DiskConfig{
				Enabled: true,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromBytes parses YAML configuration from a byte slice and merges it
// over the defaults. Environment variables take highest precedence.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config data: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Load reads configuration from a YAML file and merges it over the
// defaults. An empty path or a missing file means defaults plus environment
// overrides only.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromBytes(nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		return LoadFromBytes(nil)
	}
	return LoadFromBytes(data)
}

// Locate searches the standard config file paths and returns the first one
// that exists, or empty string when none does.
func Locate() string {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// configSearchPaths lists candidate config locations in priority order:
// the user's XDG config directory, the platform config directory, the
// system-wide directory, then the working directory.
func configSearchPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "operion", "agent.yaml"))
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "operion", "agent.yaml"))
	}
	paths = append(paths,
		filepath.Join("/etc/operion", "agent.yaml"),
		"agent.yaml",
	)
	return paths
}

// applyEnvOverrides applies environment variable overrides. Environment
// variables have the highest precedence.
func applyEnvOverrides(cfg *Config) {
	if endpoint := os.Getenv("SENTINEL_API_ENDPOINT"); endpoint != "" {
		cfg.API.Endpoint = endpoint
	}
	if key := os.Getenv("SENTINEL_API_KEY"); key != "" {
		cfg.API.APIKey = key
	}
	if level := os.Getenv("SENTINEL_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// Hostname returns the configured hostname override, falling back to the
// OS hostname.
func (c *Config) Hostname() string {
	if c.Agent.Hostname != "" {
		return c.Agent.Hostname
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// CredentialsConfigured reports whether the agent is integrated with the
// platform control plane: either a static API key or an OAuth client is
// configured. Without credentials the agent ships metrics unauthenticated
// under the sentinel resource id and skips registration.
func (c *Config) CredentialsConfigured() bool {
	return strings.TrimSpace(c.API.APIKey) != "" || c.API.OAuth != nil
}

// Validate checks that the configuration is usable. Struct tags cover
// field-level rules; interval and key checks that tags cannot express are
// done by hand.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Collection.Interval.Duration <= 0 {
		return fmt.Errorf("collection interval must be greater than 0")
	}
	if c.Collection.FlushInterval.Duration <= 0 {
		return fmt.Errorf("flush interval must be greater than 0")
	}
	if c.API.APIKey != "" && strings.TrimSpace(c.API.APIKey) == "" {
		return fmt.Errorf("api key cannot be blank")
	}
	return nil
}
