// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"rewind/internal/diff"
	"rewind/internal/scrub"
)

// Config holds all engine configuration. Zero values are filled with
// defaults on load.
type Config struct {
	// DataDir holds the version store (sqlite + content pool).
	DataDir string `yaml:"data_dir"`
	// ListenAddr is the HTTP/websocket listen address.
	ListenAddr string `yaml:"listen_addr"`
	// LogLevel is a zerolog level name (hot-reloadable).
	LogLevel string `yaml:"log_level"`
	// CompressionLevel is the zstd level for the content pool.
	CompressionLevel int `yaml:"compression_level"`
	// CacheSize is the number of materialized states kept in the LRU.
	CacheSize int `yaml:"cache_size"`
	// Thresholds classify change magnitude; see diff.Thresholds.
	Thresholds diff.Thresholds `yaml:"thresholds"`
	// Scrub tunes prefetch hints (hot-reloadable).
	Scrub scrub.Tuning `yaml:"scrub"`
	// StorageTimeout bounds durable I/O; reconstruction itself is
	// CPU-bound and never times out.
	StorageTimeout time.Duration `yaml:"storage_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataDir:          filepath.Join(home, ".rewind"),
		ListenAddr:       "127.0.0.1:7430",
		LogLevel:         "info",
		CompressionLevel: 3,
		CacheSize:        128,
		Thresholds:       diff.DefaultThresholds(),
		Scrub:            scrub.DefaultTuning(),
		StorageTimeout:   10 * time.Second,
	}
}

// Load reads a YAML config file, layering it over defaults. A missing file
// is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.CompressionLevel == 0 {
		c.CompressionLevel = d.CompressionLevel
	}
	if c.CacheSize == 0 {
		c.CacheSize = d.CacheSize
	}
	if c.Thresholds.Moderate == 0 {
		c.Thresholds.Moderate = d.Thresholds.Moderate
	}
	if c.Thresholds.Major == 0 {
		c.Thresholds.Major = d.Thresholds.Major
	}
	if c.Scrub.PrefetchSpan == 0 {
		c.Scrub.PrefetchSpan = d.Scrub.PrefetchSpan
	}
	if c.Scrub.PrefetchCount == 0 {
		c.Scrub.PrefetchCount = d.Scrub.PrefetchCount
	}
	if c.StorageTimeout == 0 {
		c.StorageTimeout = d.StorageTimeout
	}
}

func (c *Config) validate() error {
	if c.Thresholds.Moderate < 0 || c.Thresholds.Major <= c.Thresholds.Moderate {
		return fmt.Errorf("thresholds: need 0 <= moderate < major, got %v < %v",
			c.Thresholds.Moderate, c.Thresholds.Major)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cache_size must not be negative")
	}
	return nil
}

// EnsureDirs creates the data directory tree.
func (c *Config) EnsureDirs() error {
	return os.MkdirAll(c.DataDir, 0755)
}
