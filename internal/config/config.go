// Package config loads engine configuration from the user's config file,
// falling back to documented defaults for every knob. The retry, backoff,
// segmentation, and connection-ceiling parameters here are the main tuning
// surface of the engine.
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"time"

	"gopkg.in/yaml.v3"
)

const appName = "hdm"

// Config holds every configuration option of the host.
type Config struct {
	DownloadDir string `yaml:"downloadDir,omitempty"`
	TempDir     string `yaml:"tempDir,omitempty"`
	ConfigDir   string `yaml:"configDir,omitempty"`

	Engine   *EngineConfig   `yaml:"engine,omitempty"`
	Bridge   *BridgeConfig   `yaml:"bridge,omitempty"`
	Resolver *ResolverConfig `yaml:"resolver,omitempty"`
}

// EngineConfig holds the download engine tuning knobs.
type EngineConfig struct {
	MaxConcurrentJobs    int           `yaml:"maxConcurrentJobs,omitempty"`
	MaxTotalConnections  int           `yaml:"maxTotalConnections,omitempty"`
	MaxConnectionsPerJob int           `yaml:"maxConnectionsPerJob,omitempty"`
	MinSegmentSize       int64         `yaml:"minSegmentSize,omitempty"`
	MaxRetries           int           `yaml:"maxRetries,omitempty"`
	RetryBaseDelay       time.Duration `yaml:"retryBaseDelay,omitempty"`
	RequestTimeout       time.Duration `yaml:"requestTimeout,omitempty"`
	CheckpointInterval   time.Duration `yaml:"checkpointInterval,omitempty"`
	CheckpointBytes      int64         `yaml:"checkpointBytes,omitempty"`
	UserAgent            string        `yaml:"userAgent,omitempty"`
}

// BridgeConfig holds native messaging options.
type BridgeConfig struct {
	MaxFrameSize int `yaml:"maxFrameSize,omitempty"`
}

// ResolverConfig holds options for the external media-resolution service.
type ResolverConfig struct {
	BinaryPath string        `yaml:"binaryPath,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	Patterns   []string      `yaml:"patterns,omitempty"`
}

// Load reads the configuration file and merges it over the defaults.
// A missing or empty file yields the default configuration.
func Load() (*Config, error) {
	defaults := Default()

	b, err := os.ReadFile(filepath.Join(configDir, appName+".yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	engineCfg := zeroOr(cfg.Engine, defaults.Engine)
	bridgeCfg := zeroOr(cfg.Bridge, defaults.Bridge)
	resolverCfg := zeroOr(cfg.Resolver, defaults.Resolver)

	return &Config{
		DownloadDir: zeroOr(cfg.DownloadDir, defaults.DownloadDir),
		TempDir:     zeroOr(cfg.TempDir, defaults.TempDir),
		ConfigDir:   zeroOr(cfg.ConfigDir, defaults.ConfigDir),
		Engine: &EngineConfig{
			MaxConcurrentJobs:    zeroOr(engineCfg.MaxConcurrentJobs, defaults.Engine.MaxConcurrentJobs),
			MaxTotalConnections:  zeroOr(engineCfg.MaxTotalConnections, defaults.Engine.MaxTotalConnections),
			MaxConnectionsPerJob: zeroOr(engineCfg.MaxConnectionsPerJob, defaults.Engine.MaxConnectionsPerJob),
			MinSegmentSize:       zeroOr(engineCfg.MinSegmentSize, defaults.Engine.MinSegmentSize),
			MaxRetries:           zeroOr(engineCfg.MaxRetries, defaults.Engine.MaxRetries),
			RetryBaseDelay:       zeroOr(engineCfg.RetryBaseDelay, defaults.Engine.RetryBaseDelay),
			RequestTimeout:       zeroOr(engineCfg.RequestTimeout, defaults.Engine.RequestTimeout),
			CheckpointInterval:   zeroOr(engineCfg.CheckpointInterval, defaults.Engine.CheckpointInterval),
			CheckpointBytes:      zeroOr(engineCfg.CheckpointBytes, defaults.Engine.CheckpointBytes),
			UserAgent:            zeroOr(engineCfg.UserAgent, defaults.Engine.UserAgent),
		},
		Bridge: &BridgeConfig{
			MaxFrameSize: zeroOr(bridgeCfg.MaxFrameSize, defaults.Bridge.MaxFrameSize),
		},
		Resolver: &ResolverConfig{
			BinaryPath: zeroOr(resolverCfg.BinaryPath, defaults.Resolver.BinaryPath),
			Timeout:    zeroOr(resolverCfg.Timeout, defaults.Resolver.Timeout),
			Patterns:   zeroOr(resolverCfg.Patterns, defaults.Resolver.Patterns),
		},
	}, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DownloadDir: downloadDir,
		TempDir:     tempDir,
		ConfigDir:   configDir,
		Engine: &EngineConfig{
			MaxConcurrentJobs:    maxConcurrentJobs,
			MaxTotalConnections:  maxTotalConnections,
			MaxConnectionsPerJob: maxConnectionsPerJob,
			MinSegmentSize:       minSegmentSize,
			MaxRetries:           maxRetries,
			RetryBaseDelay:       retryBaseDelay,
			RequestTimeout:       requestTimeout,
			CheckpointInterval:   checkpointInterval,
			CheckpointBytes:      checkpointBytes,
			UserAgent:            userAgent,
		},
		Bridge: &BridgeConfig{
			MaxFrameSize: maxFrameSize,
		},
		Resolver: &ResolverConfig{
			BinaryPath: "yt-dlp",
			Timeout:    resolverTimeout,
			Patterns:   resolverPatterns,
		},
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
