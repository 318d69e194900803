// Package config loads the YAML configuration of the buffer pool tools.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/sushant-115/gojodb-bufferpool/pkg/logger"
	"github.com/sushant-115/gojodb-bufferpool/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	BufferPool BufferPoolConfig `yaml:"buffer_pool"`
	Storage    StorageConfig    `yaml:"storage"`
	WAL        WALConfig        `yaml:"wal"`
	Logger     logger.Config    `yaml:"logger"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
}

type BufferPoolConfig struct {
	// PoolSize is the number of frames per instance.
	PoolSize int `yaml:"pool_size"`
	// NumInstances is the number of shards. 1 builds a single BufferPoolManager.
	NumInstances int `yaml:"num_instances"`
}

type StorageConfig struct {
	// Backend is "file" or "memory".
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	PageSize int    `yaml:"page_size"`
	// Compression applies to the memory backend: "none", "lz4" or "snappy".
	Compression string `yaml:"compression"`
	// CacheBytes enables a read cache of page images in front of the backend when positive.
	CacheBytes int64 `yaml:"cache_bytes"`
}

type WALConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`
	BufferSize  int    `yaml:"buffer_size"`
	Compression bool   `yaml:"compression"`
}

const (
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		BufferPool: BufferPoolConfig{
			PoolSize:     64,
			NumInstances: 4,
		},
		Storage: StorageConfig{
			Backend:     BackendFile,
			Path:        "data/gojodb.db",
			PageSize:    4096,
			Compression: "none",
		},
		WAL: WALConfig{
			Enabled:    true,
			Dir:        "data/wal",
			BufferSize: 64 * 1024,
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
			Sampling:   logger.SamplingConfig{Initial: 100, Thereafter: 100},
		},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "gojodb-bufferpool",
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads path over the defaults, applies GOJODB_* environment overrides
// and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if val := os.Getenv("GOJODB_POOL_SIZE"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("GOJODB_POOL_SIZE: %w", err)
		}
		c.BufferPool.PoolSize = n
	}
	if val := os.Getenv("GOJODB_NUM_INSTANCES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("GOJODB_NUM_INSTANCES: %w", err)
		}
		c.BufferPool.NumInstances = n
	}
	if val := os.Getenv("GOJODB_STORAGE_PATH"); val != "" {
		c.Storage.Path = val
	}
	if val := os.Getenv("GOJODB_LOG_LEVEL"); val != "" {
		c.Logger.Level = val
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if c.BufferPool.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("buffer_pool.pool_size must be positive, got %d", c.BufferPool.PoolSize))
	}
	if c.BufferPool.NumInstances <= 0 {
		errs = append(errs, fmt.Errorf("buffer_pool.num_instances must be positive, got %d", c.BufferPool.NumInstances))
	}
	if c.Storage.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("storage.page_size must be positive, got %d", c.Storage.PageSize))
	}
	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the file backend"))
		}
		if c.Storage.Compression != "" && c.Storage.Compression != "none" {
			errs = append(errs, errors.New("storage.compression is only supported by the memory backend"))
		}
	case BackendMemory:
		switch c.Storage.Compression {
		case "", "none", "lz4", "snappy":
		default:
			errs = append(errs, fmt.Errorf("unknown storage.compression %q", c.Storage.Compression))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	if c.Storage.CacheBytes < 0 {
		errs = append(errs, fmt.Errorf("storage.cache_bytes must not be negative, got %d", c.Storage.CacheBytes))
	}
	if c.Logger.Sampling.Initial < 0 || c.Logger.Sampling.Thereafter < 0 {
		errs = append(errs, fmt.Errorf("logger.sampling must not be negative, got initial=%d thereafter=%d",
			c.Logger.Sampling.Initial, c.Logger.Sampling.Thereafter))
	}
	if c.WAL.Enabled && c.WAL.Dir == "" {
		errs = append(errs, errors.New("wal.dir is required when the WAL is enabled"))
	}
	if c.Telemetry.Enabled && (c.Telemetry.PrometheusPort < 0 || c.Telemetry.PrometheusPort > 65535) {
		errs = append(errs, fmt.Errorf("telemetry.prometheus_port out of range: %d", c.Telemetry.PrometheusPort))
	}
	return errors.Join(errs...)
}
