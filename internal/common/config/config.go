package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/voxelforge/engine/internal/common/yamlutil"
	"github.com/voxelforge/engine/pkg/types"
)

// Log levels
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Log formats
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
	LogFormatText    = "text"
)

// ServiceConfig is the root configuration for the render service.
type ServiceConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Viewer    ViewerConfig    `yaml:"viewer"`
	Pool      PoolConfig      `yaml:"pool"`
	Storage   StorageConfig   `yaml:"storage"`
	Batch     BatchConfig     `yaml:"batch"`
	Archive   ArchiveConfig   `yaml:"archive"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	ID     string `yaml:"id"`
	Listen string `yaml:"listen"`
}

// RedisConfig describes the metadata store backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ViewerConfig describes the external browser-hosted rendering engine.
type ViewerConfig struct {
	URL           string         `yaml:"url"`
	ReadyTimeout  types.Duration `yaml:"ready_timeout"`
	RenderTimeout types.Duration `yaml:"render_timeout"`
	PollInterval  types.Duration `yaml:"poll_interval"`
}

// PoolConfig describes the rendering session pool.
type PoolConfig struct {
	Size            string         `yaml:"size"` // "auto" or integer string
	AcquireTimeout  types.Duration `yaml:"acquire_timeout"`
	MaxSessionAge   types.Duration `yaml:"max_session_age"`
	ReapInterval    types.Duration `yaml:"reap_interval"`
	ShutdownTimeout types.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig describes content-addressed blob storage.
type StorageConfig struct {
	DataDir     string `yaml:"data_dir"`
	Compression string `yaml:"compression"` // none, snappy, lz4
}

// BatchConfig tunes the batch job engine.
type BatchConfig struct {
	MaxRetries    int            `yaml:"max_retries"`
	RetryCooldown types.Duration `yaml:"retry_cooldown"`
	ItemDelay     types.Duration `yaml:"item_delay"`
	RestEvery     int            `yaml:"rest_every"`
	RestDelay     types.Duration `yaml:"rest_delay"`
	ProgressEvery int            `yaml:"progress_every"`
	MaxResultSize int64          `yaml:"max_result_size"`
}

// ArchiveConfig bounds untrusted archive extraction.
type ArchiveConfig struct {
	MaxFileCount        int      `yaml:"max_file_count"`
	MaxSingleFileSize   int64    `yaml:"max_single_file_size"`
	MaxTotalSize        int64    `yaml:"max_total_size"`
	MaxCompressionRatio float64  `yaml:"max_compression_ratio"`
	Extensions          []string `yaml:"extensions"`
}

// RateLimitConfig bounds per-requester request rates.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
}

// LogConfig configures the zap logger outputs.
type LogConfig struct {
	Level   string           `yaml:"level"`
	Console ConsoleLogConfig `yaml:"console"`
	File    FileLogConfig    `yaml:"file"`
}

// ConsoleLogConfig configures stdout logging.
type ConsoleLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
}

// FileLogConfig configures file logging with rotation.
type FileLogConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Level    string         `yaml:"level"`
	Format   string         `yaml:"format"`
	Path     string         `yaml:"path"`
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig maps to lumberjack settings.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"` // megabytes
	MaxAge     int  `yaml:"max_age"`  // days
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

// MetricsConfig configures the optional Prometheus listener.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Load reads, parses and validates the configuration file at path,
// applying defaults for unset fields.
func Load(path string) (*ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yamlutil.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// GetConfigPath resolves a config path to absolute form.
func GetConfigPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid config path %q: %w", path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("config file not found: %s", abs)
	}
	return abs, nil
}

// Default returns a configuration with production defaults applied.
func Default() *ServiceConfig {
	return &ServiceConfig{
		Server: ServerConfig{
			ID:     "render-1",
			Listen: ":8080",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Viewer: ViewerConfig{
			ReadyTimeout:  types.Duration(12 * time.Second),
			RenderTimeout: types.Duration(120 * time.Second),
			PollInterval:  types.Duration(250 * time.Millisecond),
		},
		Pool: PoolConfig{
			Size:            "auto",
			AcquireTimeout:  types.Duration(60 * time.Second),
			MaxSessionAge:   types.Duration(5 * time.Minute),
			ReapInterval:    types.Duration(time.Minute),
			ShutdownTimeout: types.Duration(30 * time.Second),
		},
		Storage: StorageConfig{
			DataDir:     "data",
			Compression: types.CompressionSnappy,
		},
		Batch: BatchConfig{
			MaxRetries:    2,
			RetryCooldown: types.Duration(5 * time.Second),
			ItemDelay:     types.Duration(2 * time.Second),
			RestEvery:     5,
			RestDelay:     types.Duration(5 * time.Second),
			ProgressEvery: 3,
			MaxResultSize: 25 * 1024 * 1024,
		},
		Archive: ArchiveConfig{
			MaxFileCount:        100,
			MaxSingleFileSize:   25 * 1024 * 1024,
			MaxTotalSize:        100 * 1024 * 1024,
			MaxCompressionRatio: 100,
			Extensions:          []string{".schem", ".schematic", ".nbt", ".litematic"},
		},
		RateLimit: RateLimitConfig{
			PerMinute: 30,
		},
		Log: LogConfig{
			Level: LogLevelInfo,
			Console: ConsoleLogConfig{
				Enabled: true,
				Format:  LogFormatConsole,
			},
		},
		Metrics: MetricsConfig{
			Path:      "/metrics",
			Namespace: "voxelforge",
		},
	}
}

// applyDefaults backfills zero values the YAML may have cleared.
func (c *ServiceConfig) applyDefaults() {
	def := Default()
	if c.Viewer.ReadyTimeout == 0 {
		c.Viewer.ReadyTimeout = def.Viewer.ReadyTimeout
	}
	if c.Viewer.RenderTimeout == 0 {
		c.Viewer.RenderTimeout = def.Viewer.RenderTimeout
	}
	if c.Viewer.PollInterval == 0 {
		c.Viewer.PollInterval = def.Viewer.PollInterval
	}
	if c.Pool.Size == "" {
		c.Pool.Size = def.Pool.Size
	}
	if c.Pool.AcquireTimeout == 0 {
		c.Pool.AcquireTimeout = def.Pool.AcquireTimeout
	}
	if c.Pool.MaxSessionAge == 0 {
		c.Pool.MaxSessionAge = def.Pool.MaxSessionAge
	}
	if c.Pool.ReapInterval == 0 {
		c.Pool.ReapInterval = def.Pool.ReapInterval
	}
	if c.Pool.ShutdownTimeout == 0 {
		c.Pool.ShutdownTimeout = def.Pool.ShutdownTimeout
	}
	if c.Batch.MaxRetries == 0 {
		c.Batch.MaxRetries = def.Batch.MaxRetries
	}
	if c.Batch.RestEvery == 0 {
		c.Batch.RestEvery = def.Batch.RestEvery
	}
	if c.Batch.ProgressEvery == 0 {
		c.Batch.ProgressEvery = def.Batch.ProgressEvery
	}
	if c.Batch.MaxResultSize == 0 {
		c.Batch.MaxResultSize = def.Batch.MaxResultSize
	}
	if c.Archive.MaxFileCount == 0 {
		c.Archive.MaxFileCount = def.Archive.MaxFileCount
	}
	if c.Archive.MaxSingleFileSize == 0 {
		c.Archive.MaxSingleFileSize = def.Archive.MaxSingleFileSize
	}
	if c.Archive.MaxTotalSize == 0 {
		c.Archive.MaxTotalSize = def.Archive.MaxTotalSize
	}
	if c.Archive.MaxCompressionRatio == 0 {
		c.Archive.MaxCompressionRatio = def.Archive.MaxCompressionRatio
	}
	if len(c.Archive.Extensions) == 0 {
		c.Archive.Extensions = def.Archive.Extensions
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = def.Metrics.Path
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = def.Metrics.Namespace
	}
}

// Validate checks the configuration for invalid combinations.
func (c *ServiceConfig) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Viewer.URL == "" {
		return fmt.Errorf("viewer.url is required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	switch c.Storage.Compression {
	case types.CompressionNone, types.CompressionSnappy, types.CompressionLZ4:
	default:
		return fmt.Errorf("storage.compression must be none, snappy or lz4, got %q", c.Storage.Compression)
	}
	if c.Batch.MaxRetries < 0 {
		return fmt.Errorf("batch.max_retries must not be negative")
	}
	if c.Archive.MaxFileCount <= 0 {
		return fmt.Errorf("archive.max_file_count must be positive")
	}
	if c.Archive.MaxCompressionRatio <= 1 {
		return fmt.Errorf("archive.max_compression_ratio must be greater than 1")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == c.Server.Listen {
		return fmt.Errorf("metrics.listen must differ from server.listen")
	}
	return nil
}
