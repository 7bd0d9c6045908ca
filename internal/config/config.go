// Package config loads hub and agent configuration from an optional YAML file
// and environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hub holds the ingestion/broadcast server configuration.
type Hub struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Optional. When set, sequence numbers are allocated from Postgres.
	DatabaseURL string `yaml:"database_url"`

	// Auth is disabled when neither JWT nor OIDC is configured.
	JWTSecret     string `yaml:"jwt_secret"`
	OIDCIssuerURL string `yaml:"oidc_issuer_url"`
	OIDCClientID  string `yaml:"oidc_client_id"`

	// Optional NATS relay between hub instances.
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`

	// Optional S3 bucket holding completed snapshots.
	S3Endpoint     string        `yaml:"s3_endpoint"`
	S3Bucket       string        `yaml:"s3_bucket"`
	S3AccessKey    string        `yaml:"s3_access_key"`
	S3SecretKey    string        `yaml:"s3_secret_key"`
	S3Region       string        `yaml:"s3_region"`
	SnapshotURLTTL time.Duration `yaml:"snapshot_url_ttl"`

	AllowedOrigins []string `yaml:"allowed_origins"`

	// Ingestion requests per project per minute. Zero disables the limit.
	IngestRatePerMinute int `yaml:"ingest_rate_per_minute"`

	// How long finished progress entries are retained.
	ProgressRetention time.Duration `yaml:"progress_retention"`
}

// Agent holds the client-side configuration shared by all agent subcommands.
type Agent struct {
	HubURL    string `yaml:"hub_url"`
	Token     string `yaml:"token"`
	ProjectID string `yaml:"project_id"`
	UserID    string `yaml:"user_id"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	WatchRoot     string        `yaml:"watch_root"`
	Debounce      time.Duration `yaml:"debounce"`
	HashAlgorithm string        `yaml:"hash_algorithm"`
	Ignore        []string      `yaml:"ignore"`
	BatchWindow   time.Duration `yaml:"batch_window"`
	InitialScan   bool          `yaml:"initial_scan"`
}

// LoadHub reads hub configuration.
func LoadHub() (*Hub, error) {
	cfg := &Hub{
		ListenAddr:        ":8080",
		MetricsAddr:       ":9090",
		LogLevel:          "info",
		LogFormat:         "json",
		NATSSubject:       "changefeed.events",
		S3Region:          "us-east-1",
		SnapshotURLTTL:    15 * time.Minute,
		ProgressRetention: 5 * time.Minute,
	}
	if err := loadFile(cfg); err != nil {
		return nil, err
	}

	cfg.ListenAddr = envOr("LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = envOr("METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
	cfg.DatabaseURL = envOr("DATABASE_URL", cfg.DatabaseURL)
	cfg.JWTSecret = envOr("JWT_SECRET", cfg.JWTSecret)
	cfg.OIDCIssuerURL = envOr("OIDC_ISSUER_URL", cfg.OIDCIssuerURL)
	cfg.OIDCClientID = envOr("OIDC_CLIENT_ID", cfg.OIDCClientID)
	cfg.NATSURL = envOr("NATS_URL", cfg.NATSURL)
	cfg.NATSSubject = envOr("NATS_SUBJECT", cfg.NATSSubject)
	cfg.S3Endpoint = envOr("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Bucket = envOr("S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = envOr("S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = envOr("S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3Region = envOr("S3_REGION", cfg.S3Region)
	cfg.SnapshotURLTTL = envDuration("SNAPSHOT_URL_TTL", cfg.SnapshotURLTTL)
	cfg.AllowedOrigins = envList("ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.IngestRatePerMinute = envInt("INGEST_RATE_PER_MINUTE", cfg.IngestRatePerMinute)
	cfg.ProgressRetention = envDuration("PROGRESS_RETENTION", cfg.ProgressRetention)

	if cfg.OIDCIssuerURL != "" && cfg.OIDCClientID == "" {
		return nil, fmt.Errorf("OIDC_CLIENT_ID is required when OIDC_ISSUER_URL is set")
	}
	if cfg.S3Bucket != "" && cfg.S3Endpoint == "" {
		return nil, fmt.Errorf("S3_ENDPOINT is required when S3_BUCKET is set")
	}
	return cfg, nil
}

// AuthEnabled reports whether any token verifier is configured.
func (c *Hub) AuthEnabled() bool {
	return c.JWTSecret != "" || c.OIDCIssuerURL != ""
}

// LoadAgent reads agent configuration.
func LoadAgent() (*Agent, error) {
	cfg := &Agent{
		HubURL:        "http://localhost:8080",
		LogLevel:      "info",
		LogFormat:     "console",
		Debounce:      500 * time.Millisecond,
		HashAlgorithm: "sha256",
		Ignore:        []string{".DS_Store", "*.tmp", "*.swp", ".stversions", ".stfolder", ".syncthing.*"},
	}
	if err := loadFile(cfg); err != nil {
		return nil, err
	}

	cfg.HubURL = envOr("HUB_URL", cfg.HubURL)
	cfg.Token = envOr("HUB_TOKEN", cfg.Token)
	cfg.ProjectID = envOr("PROJECT_ID", cfg.ProjectID)
	cfg.UserID = envOr("USER_ID", cfg.UserID)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
	cfg.WatchRoot = envOr("WATCH_ROOT", cfg.WatchRoot)
	cfg.Debounce = envDuration("DEBOUNCE", cfg.Debounce)
	cfg.HashAlgorithm = envOr("HASH_ALGORITHM", cfg.HashAlgorithm)
	cfg.Ignore = envList("IGNORE", cfg.Ignore)
	cfg.BatchWindow = envDuration("BATCH_WINDOW", cfg.BatchWindow)
	cfg.InitialScan = envBool("INITIAL_SCAN", cfg.InitialScan)

	switch cfg.HashAlgorithm {
	case "sha256", "blake2b":
	default:
		return nil, fmt.Errorf("HASH_ALGORITHM must be sha256 or blake2b, got %q", cfg.HashAlgorithm)
	}
	return cfg, nil
}

// loadFile overlays the YAML file named by CONFIG_FILE onto dst.
func loadFile(dst any) error {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %s not found", path)
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
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
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
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

// envList splits a comma-separated variable, dropping empty items.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
