package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stratus-run/stratus/internal/platform"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `registry:
  url: http://registry.example.com:8098
  token: from-yaml
defaults:
  retries: 2
  timeout_seconds: 10
  inline_limit_kb: 64
uploads:
  host: uploads.example.com
  user: stratus
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Registry.URL != "http://registry.example.com:8098" {
		t.Fatalf("url mismatch: %s", cfg.Registry.URL)
	}
	if cfg.Defaults.Retries != 2 || cfg.Defaults.TimeoutSeconds != 10 {
		t.Fatalf("defaults mismatch: %+v", cfg.Defaults)
	}
	if cfg.Uploads.Host != "uploads.example.com" {
		t.Fatalf("uploads mismatch: %+v", cfg.Uploads)
	}
	// Unset fields keep their defaults.
	if cfg.Uploads.Port != 22 {
		t.Fatalf("expected default port 22, got %d", cfg.Uploads.Port)
	}
}

func TestTokenFromEnvironmentWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("registry:\n  token: from-yaml\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("STRATUS_TOKEN", "from-env")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Registry.Token != "from-env" {
		t.Fatalf("expected env token to win, got %s", cfg.Registry.Token)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing config")
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")
	written, err := WriteDefaultConfig(path)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("path mismatch: %s", written)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Defaults.TimeoutSeconds != 30 {
		t.Fatalf("expected default timeout, got %d", cfg.Defaults.TimeoutSeconds)
	}
	if cfg.Defaults.Retries != 0 {
		t.Fatalf("retries must default to a single attempt, got %d", cfg.Defaults.Retries)
	}

	// A second init leaves the existing file alone.
	if err := os.WriteFile(path, []byte("registry:\n  url: http://kept\n"), 0o600); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := WriteDefaultConfig(path); err != nil {
		t.Fatalf("rewrite default: %v", err)
	}
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Registry.URL != "http://kept" {
		t.Fatalf("init clobbered an existing config: %s", cfg.Registry.URL)
	}
}

func TestNewClientRetryWiring(t *testing.T) {
	cfg := DefaultConfig()
	c := NewClient(cfg)
	if _, ok := c.HTTP.(*platform.RetryableHTTPClient); ok {
		t.Fatalf("default client must not retry")
	}
	cfg.Defaults.Retries = 3
	c = NewClient(cfg)
	if _, ok := c.HTTP.(*platform.RetryableHTTPClient); !ok {
		t.Fatalf("expected retryable client when retries configured")
	}
}
