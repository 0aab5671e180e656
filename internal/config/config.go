package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables that override config
// values. A double underscore descends into a nested key, so
// BUNDLEVAULT_LIMITS__MAX_FILES sets limits.max_files.
const EnvPrefix = "BUNDLEVAULT_"

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides (BUNDLEVAULT_*).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Start from defaults.
	cfg := DefaultConfig()

	// Load YAML file if it exists.
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("accessing config %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return cfg, nil
}

// envKey maps BUNDLEVAULT_LIMITS__MAX_FILES to limits.max_files.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Save writes the configuration to the given YAML file path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration contains valid values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	if c.EntryExtension == "" {
		return fmt.Errorf("entry_extension is required")
	}
	if !strings.HasPrefix(c.EntryExtension, ".") {
		return fmt.Errorf("invalid entry_extension %q: must start with a dot", c.EntryExtension)
	}

	for _, ext := range c.PackagedExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("invalid packaged extension %q: must start with a dot", ext)
		}
	}

	if c.HandleBaseURL != "" {
		u, err := url.Parse(c.HandleBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid handle_base_url %q: must be an absolute http(s) URL", c.HandleBaseURL)
		}
	}

	if c.UsageCapacity <= 0 {
		return fmt.Errorf("usage_capacity must be positive")
	}

	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must be non-negative")
	}

	if c.FetchTimeout < 0 {
		return fmt.Errorf("fetch_timeout must be non-negative")
	}

	// A load request spans the whole download, so it may not be cut off
	// before the fetch deadline.
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must be non-negative")
	}
	if c.RequestTimeout > 0 && c.FetchTimeout > 0 && c.RequestTimeout < c.FetchTimeout {
		return fmt.Errorf("request_timeout (%s) must not be shorter than fetch_timeout (%s)", c.RequestTimeout, c.FetchTimeout)
	}

	if c.Limits.MaxFiles < 0 || c.Limits.MaxSize < 0 || c.Limits.MaxFileSize < 0 || c.Limits.MaxArchiveSize < 0 {
		return fmt.Errorf("limits must be non-negative")
	}

	return nil
}

// Supports reports whether version may be loaded. An empty allowlist
// accepts every version.
func (c *Config) Supports(version string) bool {
	if len(c.SupportedVersions) == 0 {
		return true
	}
	return slices.Contains(c.SupportedVersions, version)
}
