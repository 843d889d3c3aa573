// Package config loads FieldSync configuration from the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings. Every field has a usable default so
// the CLI works against a local stack with an empty environment.
type Config struct {
	// DataDir is where the SQLite database lives.
	DataDir string

	// API settings for the remote authority.
	APIBaseURL string
	APIToken   string

	// Object store settings for photo binaries.
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool

	// HealthURL is probed by the connectivity monitor. Defaults to the
	// API base URL's health endpoint.
	HealthURL string

	// SyncInterval is the periodic sync cadence while online.
	SyncInterval time.Duration

	// ProbeInterval is the connectivity polling cadence.
	ProbeInterval time.Duration
}

// Load reads configuration from a .env file (if present) and the
// environment. Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// Missing .env is fine; explicit env vars still apply.
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:       getEnv("FIELDSYNC_DATA_DIR", defaultDataDir()),
		APIBaseURL:    getEnv("FIELDSYNC_API_URL", "http://localhost:8080"),
		APIToken:      getEnv("FIELDSYNC_API_TOKEN", ""),
		S3Endpoint:    getEnv("FIELDSYNC_S3_ENDPOINT", "localhost:9000"),
		S3Bucket:      getEnv("FIELDSYNC_S3_BUCKET", "fieldsync-photos"),
		S3AccessKey:   getEnv("FIELDSYNC_S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:   getEnv("FIELDSYNC_S3_SECRET_KEY", "minioadmin"),
		S3UseSSL:      getEnvBool("FIELDSYNC_S3_USE_SSL", false),
		SyncInterval:  getEnvDuration("FIELDSYNC_SYNC_INTERVAL", 5*time.Minute),
		ProbeInterval: getEnvDuration("FIELDSYNC_PROBE_INTERVAL", 15*time.Second),
	}
	cfg.HealthURL = getEnv("FIELDSYNC_HEALTH_URL", cfg.APIBaseURL+"/health")

	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fieldsync"
	}
	return filepath.Join(home, ".fieldsync")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}
