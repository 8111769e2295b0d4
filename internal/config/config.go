// Package config handles loading and parsing of chunkrelay configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for chunkrelay.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Staging       StagingConfig       `yaml:"staging"`
	Publish       PublishConfig       `yaml:"publish"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is how long in-flight requests get to finish on SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxChunkSize caps the payload of a single chunk in bytes.
	MaxChunkSize int64 `yaml:"max_chunk_size"`
	// MaxUploadSize caps the body of a single-shot upload in bytes.
	MaxUploadSize int64 `yaml:"max_upload_size"`
	// AllowedOrigin is echoed in Access-Control-Allow-Origin. Empty disables CORS.
	AllowedOrigin string `yaml:"allowed_origin"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// StagingConfig holds chunk staging settings.
type StagingConfig struct {
	// Backend is the chunk store backend ("local", "sqlite", "memory").
	Backend string       `yaml:"backend"`
	Local   LocalConfig  `yaml:"local"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	Memory  MemoryConfig `yaml:"memory"`
	// ArtifactDir is where reassembled artifacts wait for publish.
	ArtifactDir string `yaml:"artifact_dir"`
	// MaxAge is the age after which staged chunks of an idle upload are reaped.
	MaxAge time.Duration `yaml:"max_age"`
	// ReapInterval is how often the reaper runs. Zero runs it only at startup.
	ReapInterval time.Duration `yaml:"reap_interval"`
	// TombstoneTTL is how long a closed upload id keeps rejecting late chunks.
	TombstoneTTL time.Duration `yaml:"tombstone_ttl"`
}

// LocalConfig holds local filesystem staging settings.
type LocalConfig struct {
	RootDir string `yaml:"root_dir"`
}

// SQLiteConfig holds SQLite staging settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// MemoryConfig holds in-memory staging settings. Staged chunks do not
// survive a restart with this backend.
type MemoryConfig struct {
	// MaxSizeBytes caps the total staged payload. Zero means unlimited.
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
}

// PublishConfig holds settings for the remote blob store that receives
// finished artifacts.
type PublishConfig struct {
	// Backend is the blob store type ("aws", "gcp", "azure", "local").
	Backend string `yaml:"backend"`
	// Bucket is the default destination bucket (container for Azure).
	Bucket string `yaml:"bucket"`
	// KeyPrefix is prepended to the file name to form the destination key.
	KeyPrefix string `yaml:"key_prefix"`
	// Timeout bounds a single publish attempt.
	Timeout time.Duration `yaml:"timeout"`
	// Routes select a bucket by content type for single-shot uploads.
	Routes []RouteConfig      `yaml:"routes"`
	AWS    AWSConfig          `yaml:"aws"`
	GCP    GCPConfig          `yaml:"gcp"`
	Azure  AzureConfig        `yaml:"azure"`
	Local  LocalPublishConfig `yaml:"local"`
}

// RouteConfig maps a content-type prefix (e.g. "image/") to a bucket.
type RouteConfig struct {
	ContentTypePrefix string `yaml:"content_type_prefix"`
	Bucket            string `yaml:"bucket"`
}

// AWSConfig holds S3 publisher settings.
type AWSConfig struct {
	Region          string `yaml:"region"`
	EndpointURL     string `yaml:"endpoint_url"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GCPConfig holds Cloud Storage publisher settings.
type GCPConfig struct {
	Project         string `yaml:"project"`
	CredentialsFile string `yaml:"credentials_file"`
	Endpoint        string `yaml:"endpoint"`
}

// AzureConfig holds Azure Blob publisher settings.
type AzureConfig struct {
	Account string `yaml:"account"`
	// AccountURL defaults to https://{account}.blob.core.windows.net.
	AccountURL         string `yaml:"account_url"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// LocalPublishConfig holds settings for the filesystem publisher used in
// development.
type LocalPublishConfig struct {
	RootDir string `yaml:"root_dir"`
}

// ObservabilityConfig toggles the metrics endpoint and middleware.
type ObservabilityConfig struct {
	Metrics bool `yaml:"metrics"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. A missing file is not an error: defaults apply, then
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Try the example file next to the requested path.
		fallback := filepath.Join(filepath.Dir(path), "chunkrelay.example.yaml")
		data, err = os.ReadFile(fallback)
		if err != nil {
			data = nil
		}
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyDefaults(cfg)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ShutdownTimeout: 30 * time.Second,
			MaxChunkSize:    64 << 20,
			MaxUploadSize:   5 << 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Staging: StagingConfig{
			Backend:      "local",
			Local:        LocalConfig{RootDir: "./data/chunks"},
			SQLite:       SQLiteConfig{Path: "./data/chunks.db"},
			ArtifactDir:  "./data/artifacts",
			MaxAge:       24 * time.Hour,
			ReapInterval: time.Hour,
			TombstoneTTL: time.Hour,
		},
		Publish: PublishConfig{
			Backend:   "local",
			Bucket:    "uploads",
			KeyPrefix: "uploads/",
			Timeout:   5 * time.Minute,
			Local:     LocalPublishConfig{RootDir: "./data/published"},
		},
		Observability: ObservabilityConfig{
			Metrics: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.MaxChunkSize == 0 {
		cfg.Server.MaxChunkSize = 64 << 20
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = 5 << 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Staging.Backend == "" {
		cfg.Staging.Backend = "local"
	}
	if cfg.Staging.Local.RootDir == "" {
		cfg.Staging.Local.RootDir = "./data/chunks"
	}
	if cfg.Staging.SQLite.Path == "" {
		cfg.Staging.SQLite.Path = "./data/chunks.db"
	}
	if cfg.Staging.ArtifactDir == "" {
		cfg.Staging.ArtifactDir = "./data/artifacts"
	}
	if cfg.Staging.MaxAge == 0 {
		cfg.Staging.MaxAge = 24 * time.Hour
	}
	if cfg.Staging.TombstoneTTL == 0 {
		cfg.Staging.TombstoneTTL = time.Hour
	}
	if cfg.Publish.Backend == "" {
		cfg.Publish.Backend = "local"
	}
	if cfg.Publish.Bucket == "" {
		cfg.Publish.Bucket = "uploads"
	}
	if cfg.Publish.Timeout == 0 {
		cfg.Publish.Timeout = 5 * time.Minute
	}
	if cfg.Publish.Local.RootDir == "" {
		cfg.Publish.Local.RootDir = "./data/published"
	}
}

// applyEnv lets the deployment environment override the file. PORT,
// AWS_REGION and S3_BUCKET keep working for existing deployments.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Publish.AWS.Region = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Publish.Bucket = v
	}
	return nil
}
