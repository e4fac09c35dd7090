// Package config holds the engine configuration and its YAML loader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the storage engine.
const (
	DefaultMemTableBytes = 64 * 1024 * 1024 // 64MB
	DefaultSyncInterval  = 5 * time.Second
)

// DefaultLevelMaxTables returns the default per-level table bounds.
// Each level holds roughly 10x the tables of the previous one.
func DefaultLevelMaxTables() []int {
	return []int{4, 10, 100, 1000}
}

// Config configures the hybrid storage engine
type Config struct {
	// DataDir is the directory holding SSTable files (required)
	DataDir string `yaml:"data_dir"`

	// MemTableBytes is the per-memtable byte budget before a flush is forced
	MemTableBytes int `yaml:"memtable_bytes"`

	// LevelMaxTables bounds the number of SSTables per level
	LevelMaxTables []int `yaml:"level_max_tables"`

	// SyncIntervalMS is the interval between index sync passes in milliseconds
	SyncIntervalMS int `yaml:"sync_interval_ms"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level"`
}

// Default returns a Config with default values for the given data directory
func Default(dataDir string) *Config {
	return &Config{
		DataDir:        dataDir,
		MemTableBytes:  DefaultMemTableBytes,
		LevelMaxTables: DefaultLevelMaxTables(),
		SyncIntervalMS: int(DefaultSyncInterval / time.Millisecond),
		LogLevel:       "info",
	}
}

// Load reads a YAML config file and fills unset fields with defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MemTableBytes == 0 {
		c.MemTableBytes = DefaultMemTableBytes
	}
	if len(c.LevelMaxTables) == 0 {
		c.LevelMaxTables = DefaultLevelMaxTables()
	}
	if c.SyncIntervalMS == 0 {
		c.SyncIntervalMS = int(DefaultSyncInterval / time.Millisecond)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.MemTableBytes <= 0 {
		return fmt.Errorf("memtable_bytes must be positive, got %d", c.MemTableBytes)
	}
	if c.SyncIntervalMS <= 0 {
		return fmt.Errorf("sync_interval_ms must be positive, got %d", c.SyncIntervalMS)
	}
	for i, max := range c.LevelMaxTables {
		if max <= 0 {
			return fmt.Errorf("level_max_tables[%d] must be positive, got %d", i, max)
		}
	}
	return nil
}

// SyncInterval returns the sync interval as a duration
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMS) * time.Millisecond
}
