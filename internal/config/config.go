// Package config holds the loader settings, the bootstrap document and the
// filesystem layout derived from them.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	ManifestFileList = "filelist"
	ManifestWalk     = "walk"

	DefaultAPIAttempts      = 20
	DefaultFallbackAttempts = 5
	DefaultWarmup           = 5 * time.Second
	DefaultWorkers          = 4
)

var (
	ErrNoDataDir        = errors.New("config: data dir missing")
	ErrBadManifestMode  = errors.New("config: unknown manifest source")
	ErrBadIgnorePattern = errors.New("config: invalid ignore pattern")
)

type Config struct {
	DataDir          string        `mapstructure:"data_dir"`
	Server           bool          `mapstructure:"server"`
	Quiet            bool          `mapstructure:"quiet"`
	SkipStartup      bool          `mapstructure:"skip_startup"`
	SkipUpdate       bool          `mapstructure:"skip_update"`
	Workers          int           `mapstructure:"workers"`
	VerifyDownloads  bool          `mapstructure:"verify_downloads"`
	ManifestSource   string        `mapstructure:"manifest_source"`
	Ignore           []string      `mapstructure:"ignore"`
	APIAttempts      int           `mapstructure:"api_attempts"`
	FallbackAttempts int           `mapstructure:"fallback_attempts"`
	Warmup           time.Duration `mapstructure:"warmup"`

	// ExtraArgs are handed to the application on launch.
	ExtraArgs []string `mapstructure:"-"`
	// Path is the settings file in use, if any.
	Path string `mapstructure:"-"`
}

// Flavor is the application variant selected by the server flag.
func (c *Config) Flavor() string {
	if c.Server {
		return "server"
	}
	return "desktop"
}

// Validate fills zero values with defaults and rejects unusable settings.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return ErrNoDataDir
	}
	if c.Server {
		// the dedicated server has no display
		c.Quiet = true
	}
	if c.ManifestSource == "" {
		c.ManifestSource = ManifestFileList
	}
	if c.ManifestSource != ManifestFileList && c.ManifestSource != ManifestWalk {
		return fmt.Errorf("%w: %q", ErrBadManifestMode, c.ManifestSource)
	}
	for _, pattern := range c.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("%w: %q", ErrBadIgnorePattern, pattern)
		}
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.APIAttempts <= 0 {
		c.APIAttempts = DefaultAPIAttempts
	}
	if c.FallbackAttempts <= 0 {
		c.FallbackAttempts = DefaultFallbackAttempts
	}
	if c.Warmup < 0 {
		c.Warmup = DefaultWarmup
	}
	return nil
}
