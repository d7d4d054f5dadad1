// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all master configuration.
type Config struct {
	// Cluster
	ClusterName string
	SlavesFile  string

	// Network
	SlaveListenAddr string
	MetricsAddr     string

	// Logging
	LogLevel  string
	LogFormat string

	// Link timing
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	HandshakeTimeout  time.Duration
	IdentLookup       bool

	// Database (optional slave record store)
	DatabaseURL string

	// Filelist persistence ("local" or "s3", default: "local")
	FilelistBackend  string
	FilelistKey      string
	FilelistInterval time.Duration
	LocalStoragePath string

	// S3 storage
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
		ClusterName:      envOr("CLUSTER_NAME", "master"),
		SlavesFile:       envOr("SLAVES_FILE", "slaves.json"),
		SlaveListenAddr:  os.Getenv("SLAVE_LISTEN_ADDR"),
		MetricsAddr:      envOr("METRICS_ADDR", ":9090"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "json"),
		IdentLookup:      envBool("IDENT_LOOKUP", false),
		DatabaseURL:      envOr("DATABASE_URL", ""),
		FilelistBackend:  envOr("FILELIST_BACKEND", "local"),
		FilelistKey:      envOr("FILELIST_KEY", "files.mlst"),
		LocalStoragePath: envOr("LOCAL_STORAGE_PATH", "./data"),
		S3Endpoint:       envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:         envOr("S3_BUCKET", "drftpd"),
		S3AccessKey:      envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:      envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:         envOr("S3_REGION", "us-east-1"),
		S3UseSSL:         envBool("S3_USE_SSL", false),
	}
	if _, set := os.LookupEnv("SLAVE_LISTEN_ADDR"); !set {
		cfg.SlaveListenAddr = ":1099"
	}

	var err error
	if cfg.ReconnectInterval, err = envDuration("RECONNECT_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.PingInterval, err = envDuration("PING_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.HandshakeTimeout, err = envDuration("HANDSHAKE_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.FilelistInterval, err = envDuration("FILELIST_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}

	if cfg.SlavesFile == "" {
		return nil, fmt.Errorf("SLAVES_FILE is required")
	}
	if cfg.ReconnectInterval <= 0 {
		return nil, fmt.Errorf("RECONNECT_INTERVAL must be positive")
	}

	return cfg, nil
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

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
