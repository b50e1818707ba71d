// Package config provides configuration for the detector service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageSQLite = "sqlite"
	StorageMySQL  = "mysql"
	StorageS3     = "s3"
)

// Config holds the configuration of the detector service.
type Config struct {
	// DataDir is the base directory for local data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	HTTP     HTTPConfig     `json:"http" yaml:"http"`
	GRPC     GRPCConfig     `json:"grpc" yaml:"grpc"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Detect   DetectConfig   `json:"detect" yaml:"detect"`
	Stats    StatsConfig    `json:"stats" yaml:"stats"`
	Ingest   IngestConfig   `json:"ingest" yaml:"ingest"`
	Log      LogConfig      `json:"log" yaml:"log"`
	Shutdown ShutdownConfig `json:"shutdown" yaml:"shutdown"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// StorageConfig holds key-value store configuration.
type StorageConfig struct {
	// Type is the backend: memory, local, sqlite, mysql, s3
	Type string `json:"type" yaml:"type"`

	// Path is the data directory for local and sqlite
	Path string `json:"path" yaml:"path"`

	// DSN is the MySQL data source name
	DSN string `json:"dsn" yaml:"dsn"`

	// Compress enables snappy compression of large values
	Compress bool `json:"compress" yaml:"compress"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	Prefix       string `json:"prefix" yaml:"prefix"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// AuthConfig holds process-wide secrets.
type AuthConfig struct {
	// AdminKey guards tenant configuration. Empty disables admin access.
	AdminKey string `json:"admin_key" yaml:"admin_key"`

	// MigrationDashboardKey is accepted for every tenant's dashboard.
	MigrationDashboardKey string `json:"migration_dashboard_key" yaml:"migration_dashboard_key"`

	// MigrationIngestKey is accepted for every tenant's ingestion.
	MigrationIngestKey string `json:"migration_ingest_key" yaml:"migration_ingest_key"`
}

// DetectConfig holds classifier configuration.
type DetectConfig struct {
	// RulesFile is an optional YAML or JSON file of extra rules
	RulesFile string `json:"rules_file" yaml:"rules_file"`

	// UnmatchedWindow is how long unmatched user agents are remembered
	UnmatchedWindow time.Duration `json:"unmatched_window" yaml:"unmatched_window"`

	// UnmatchedMax bounds the number of tracked unmatched user agents
	UnmatchedMax int `json:"unmatched_max" yaml:"unmatched_max"`
}

// StatsConfig holds aggregation configuration.
type StatsConfig struct {
	MaxEvents       int `json:"max_events" yaml:"max_events"`
	TopPaths        int `json:"top_paths" yaml:"top_paths"`
	ReadConcurrency int `json:"read_concurrency" yaml:"read_concurrency"`
}

// IngestConfig holds ingestion endpoint configuration.
type IngestConfig struct {
	// RateLimit is the number of ingest requests allowed per client IP per RateWindow. 0 disables limiting.
	RateLimit int `json:"rate_limit" yaml:"rate_limit"`

	RateWindow time.Duration `json:"rate_window" yaml:"rate_window"`

	// MaxBodyBytes caps the size of an ingest request body
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`
}

// ShutdownConfig holds graceful shutdown configuration.
type ShutdownConfig struct {
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	DrainTimeout time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/aidetector",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Storage: StorageConfig{
			Type: StorageLocal,
		},
		Detect: DetectConfig{
			UnmatchedWindow: 24 * time.Hour,
			UnmatchedMax:    1000,
		},
		Stats: StatsConfig{
			MaxEvents:       200,
			TopPaths:        10,
			ReadConcurrency: 8,
		},
		Ingest: IngestConfig{
			RateLimit:    600,
			RateWindow:   time.Minute,
			MaxBodyBytes: 64 * 1024,
		},
		Log: LogConfig{
			Level: "info",
		},
		Shutdown: ShutdownConfig{
			Timeout:      30 * time.Second,
			DrainTimeout: 15 * time.Second,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/aidetector"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "kv")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case StorageMemory, StorageLocal, StorageSQLite, StorageMySQL, StorageS3:
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, local, sqlite, mysql or s3)", c.Storage.Type)
	}

	if (c.Storage.Type == StorageLocal || c.Storage.Type == StorageSQLite) && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required when storage type is %s", c.Storage.Type)
	}
	if c.Storage.Type == StorageMySQL && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required when storage type is mysql")
	}
	if c.Storage.Type == StorageS3 && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("grpc.addr is required when grpc is enabled")
	}

	if c.Stats.MaxEvents < 1 {
		return fmt.Errorf("stats.max_events must be positive, got %d", c.Stats.MaxEvents)
	}
	if c.Stats.TopPaths < 1 {
		return fmt.Errorf("stats.top_paths must be positive, got %d", c.Stats.TopPaths)
	}
	if c.Ingest.RateLimit < 0 {
		return fmt.Errorf("ingest.rate_limit must not be negative, got %d", c.Ingest.RateLimit)
	}
	if c.Ingest.RateLimit > 0 && c.Ingest.RateWindow <= 0 {
		return fmt.Errorf("ingest.rate_window must be positive when rate limiting is enabled")
	}
	if c.Ingest.MaxBodyBytes <= 0 {
		return fmt.Errorf("ingest.max_body_bytes must be positive, got %d", c.Ingest.MaxBodyBytes)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn or error)", c.Log.Level)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := sonic.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the AIDETECTOR_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("AIDETECTOR_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// HTTP configuration
	if v := os.Getenv("AIDETECTOR_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// gRPC configuration
	if v := os.Getenv("AIDETECTOR_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("AIDETECTOR_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// Storage configuration
	if v := os.Getenv("AIDETECTOR_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("AIDETECTOR_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("AIDETECTOR_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("AIDETECTOR_STORAGE_COMPRESS"); v != "" {
		cfg.Storage.Compress = v == "true" || v == "1"
	}
	if v := os.Getenv("AIDETECTOR_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("AIDETECTOR_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("AIDETECTOR_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("AIDETECTOR_S3_PREFIX"); v != "" {
		cfg.Storage.S3.Prefix = v
	}

	// Secrets
	if v := os.Getenv("AIDETECTOR_ADMIN_KEY"); v != "" {
		cfg.Auth.AdminKey = v
	}
	if v := os.Getenv("AIDETECTOR_MIGRATION_DASHBOARD_KEY"); v != "" {
		cfg.Auth.MigrationDashboardKey = v
	}
	if v := os.Getenv("AIDETECTOR_MIGRATION_INGEST_KEY"); v != "" {
		cfg.Auth.MigrationIngestKey = v
	}

	// Detection and aggregation
	if v := os.Getenv("AIDETECTOR_RULES_FILE"); v != "" {
		cfg.Detect.RulesFile = v
	}
	if v := os.Getenv("AIDETECTOR_STATS_MAX_EVENTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Stats.MaxEvents)
	}

	// Ingest configuration
	if v := os.Getenv("AIDETECTOR_INGEST_RATE_LIMIT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Ingest.RateLimit)
	}
	if v := os.Getenv("AIDETECTOR_INGEST_RATE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ingest.RateWindow = d
		}
	}

	if v := os.Getenv("AIDETECTOR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("AIDETECTOR_SHUTDOWN_DRAIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Shutdown.DrainTimeout = d
		}
	}
}

// EnsureDirectories creates the directories used by file-backed storage.
func (c *Config) EnsureDirectories() error {
	if c.Storage.Type != StorageLocal && c.Storage.Type != StorageSQLite {
		return nil
	}
	for _, dir := range []string{c.DataDir, c.Storage.Path} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
