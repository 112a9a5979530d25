// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all sds server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Repository
	RepositoryPath string
	AccessFile     string
	LeaseTTL       time.Duration
	IndexCacheSize int

	// TLS (optional, HTTPS when both are set)
	TLSCertFile string
	TLSKeyFile  string

	// Uploads
	MaxUploadSize int64

	// Snapshot archival ("none", "local" or "s3")
	ArchiveBackend   string
	ArchiveKeep      int
	ArchiveLocalPath string

	// S3 archive storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:      envOr("METRICS_ADDR", ":9090"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "json"),
		RepositoryPath:   envOr("SDS_REPOSITORY_PATH", ""),
		AccessFile:       envOr("SDS_ACCESS_FILE", ""),
		LeaseTTL:         envDuration("SDS_LEASE_TTL", 10*time.Minute),
		IndexCacheSize:   envInt("SDS_INDEX_CACHE_SIZE", 128),
		TLSCertFile:      envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:       envOr("TLS_KEY_FILE", ""),
		MaxUploadSize:    envInt64("MAX_UPLOAD_SIZE", 512*1024*1024),
		ArchiveBackend:   envOr("ARCHIVE_BACKEND", "none"),
		ArchiveKeep:      envInt("ARCHIVE_KEEP", 5),
		ArchiveLocalPath: envOr("ARCHIVE_LOCAL_PATH", ""),
		S3Endpoint:       envOr("S3_ENDPOINT", ""),
		S3Bucket:         envOr("S3_BUCKET", "sds-archive"),
		S3AccessKey:      envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:      envOr("S3_SECRET_KEY", ""),
		S3Region:         envOr("S3_REGION", "us-east-1"),
		S3UseSSL:         envBool("S3_USE_SSL", true),
	}

	if cfg.RepositoryPath == "" {
		return nil, fmt.Errorf("SDS_REPOSITORY_PATH is required")
	}
	if cfg.AccessFile == "" {
		return nil, fmt.Errorf("SDS_ACCESS_FILE is required")
	}
	switch cfg.ArchiveBackend {
	case "none":
	case "local":
		if cfg.ArchiveLocalPath == "" {
			return nil, fmt.Errorf("ARCHIVE_LOCAL_PATH is required for the local archive backend")
		}
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET is required for the s3 archive backend")
		}
	default:
		return nil, fmt.Errorf("unknown ARCHIVE_BACKEND %q", cfg.ArchiveBackend)
	}

	return cfg, nil
}

// TLSEnabled reports whether both certificate and key are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
