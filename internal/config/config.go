// Package config loads the engine's tunables from an optional YAML file,
// falling back to the constants original_source/src/config.rs hard-codes.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds every knob the storage engine exposes. Zero values are
// replaced by Defaults() so a partially-specified YAML file is legal.
type Config struct {
	// DataDir is the root directory holding wal.log, sys/ and tables/.
	DataDir string `yaml:"data_dir"`
	// PageSize is the fixed page size in bytes. Changing it invalidates
	// existing table files; it exists as a knob for tests, not runtime
	// tuning of a live database.
	PageSize int `yaml:"page_size"`
	// CachePages is the LRU buffer pool capacity, in pages, per open
	// StorageManager.
	CachePages int `yaml:"cache_pages"`
	// MaxWALSizeBytes is the threshold above which NeedCheckpoint
	// reports true.
	MaxWALSizeBytes int64 `yaml:"max_wal_size_bytes"`
	// LockTimeoutMillis bounds how long acquire_read_locks /
	// acquire_write_locks wait on the lock condition variable before
	// failing with ErrLockTimeout.
	LockTimeoutMillis int64 `yaml:"lock_timeout_millis"`
}

// Defaults mirrors the constants in original_source/src/config.rs.
func Defaults() Config {
	return Config{
		DataDir:           "./data",
		PageSize:          4096,
		CachePages:        1024,
		MaxWALSizeBytes:   64 * 1024 * 1024,
		LockTimeoutMillis: 5000,
	}
}

// Load reads a YAML config file at path, overlaying it on Defaults().
// A missing file is not an error: Defaults() alone is returned.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.fillZeros()
	return cfg, nil
}

// fillZeros restores defaults for any field the YAML file left at its
// zero value, so a config with only e.g. lock_timeout_millis set doesn't
// zero out the page size.
func (c *Config) fillZeros() {
	d := Defaults()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.PageSize == 0 {
		c.PageSize = d.PageSize
	}
	if c.CachePages == 0 {
		c.CachePages = d.CachePages
	}
	if c.MaxWALSizeBytes == 0 {
		c.MaxWALSizeBytes = d.MaxWALSizeBytes
	}
	if c.LockTimeoutMillis == 0 {
		c.LockTimeoutMillis = d.LockTimeoutMillis
	}
}
