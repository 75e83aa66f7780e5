// Package config loads the YAML bootstrap configuration the facade
// and CLI consume: where the databases live, how deep the undo history
// goes, and which built-in plugins to register.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the facade bootstrap configuration.
type Config struct {
	// DataDir holds core.db and ephemeral.db.
	DataDir string `yaml:"dataDir"`

	// RingBufferSize bounds the undo/redo history in command groups.
	RingBufferSize int `yaml:"ringBufferSize"`

	// ChildrenCacheSize bounds how many parents' child orderings the
	// query service caches.
	ChildrenCacheSize int `yaml:"childrenCacheSize"`

	// Plugins names the built-in node-type plugins to register at
	// initialization ("folder", "document").
	Plugins []string `yaml:"plugins"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig mirrors pkg/log's Setup options.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig configures the optional Prometheus/health listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		DataDir:           "./data",
		RingBufferSize:    100,
		ChildrenCacheSize: 256,
		Plugins:           []string{"folder", "document"},
		Log:               LogConfig{Level: "info"},
		Metrics:           MetricsConfig{Addr: ":9090"},
	}
}

// Load reads path and merges it over Default. An empty path returns
// Default unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the facade cannot start with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("dataDir must not be empty")
	}
	if c.RingBufferSize < 0 {
		return fmt.Errorf("ringBufferSize must not be negative")
	}
	if c.ChildrenCacheSize < 0 {
		return fmt.Errorf("childrenCacheSize must not be negative")
	}
	for _, p := range c.Plugins {
		if p == "" {
			return fmt.Errorf("plugins must not contain empty names")
		}
	}
	return nil
}
