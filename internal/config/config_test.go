package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadHubDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := LoadHub()
	if err != nil {
		t.Fatalf("LoadHub: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.AuthEnabled() {
		t.Error("auth should be disabled without JWT_SECRET or OIDC")
	}
	if cfg.NATSSubject != "changefeed.events" {
		t.Errorf("NATSSubject = %q", cfg.NATSSubject)
	}
}

func TestLoadHubFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	yml := "listen_addr: \":7000\"\njwt_secret: from-file\nallowed_origins:\n  - https://a.example\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LISTEN_ADDR", ":7001")

	cfg, err := LoadHub()
	if err != nil {
		t.Fatalf("LoadHub: %v", err)
	}
	if cfg.ListenAddr != ":7001" {
		t.Errorf("env should override file, got %q", cfg.ListenAddr)
	}
	if cfg.JWTSecret != "from-file" {
		t.Errorf("JWTSecret = %q", cfg.JWTSecret)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://a.example" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if !cfg.AuthEnabled() {
		t.Error("auth should be enabled")
	}
}

func TestLoadHubIngestRate(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("INGEST_RATE_PER_MINUTE", "120")
	cfg, err := LoadHub()
	if err != nil {
		t.Fatalf("LoadHub: %v", err)
	}
	if cfg.IngestRatePerMinute != 120 {
		t.Errorf("IngestRatePerMinute = %d", cfg.IngestRatePerMinute)
	}

	t.Setenv("INGEST_RATE_PER_MINUTE", "lots")
	cfg, err = LoadHub()
	if err != nil {
		t.Fatalf("LoadHub: %v", err)
	}
	if cfg.IngestRatePerMinute != 0 {
		t.Errorf("invalid value should fall back to 0, got %d", cfg.IngestRatePerMinute)
	}
}

func TestLoadHubRequiresOIDCClient(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("OIDC_ISSUER_URL", "https://issuer.example")
	if _, err := LoadHub(); err == nil {
		t.Fatal("expected error without OIDC_CLIENT_ID")
	}
}

func TestLoadAgent(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DEBOUNCE", "250ms")
	t.Setenv("IGNORE", "*.log, ,build")

	cfg, err := LoadAgent()
	if err != nil {
		t.Fatalf("LoadAgent: %v", err)
	}
	if cfg.Debounce != 250*time.Millisecond {
		t.Errorf("Debounce = %v", cfg.Debounce)
	}
	if len(cfg.Ignore) != 2 || cfg.Ignore[0] != "*.log" || cfg.Ignore[1] != "build" {
		t.Errorf("Ignore = %v", cfg.Ignore)
	}
	if cfg.HashAlgorithm != "sha256" {
		t.Errorf("HashAlgorithm = %q", cfg.HashAlgorithm)
	}
}

func TestLoadAgentRejectsUnknownHash(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("HASH_ALGORITHM", "md5")
	if _, err := LoadAgent(); err == nil {
		t.Fatal("expected error for md5")
	}
}

func TestMissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := LoadHub(); err == nil {
		t.Fatal("expected error for missing file")
	}
}
