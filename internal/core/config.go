package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stratus-run/stratus/internal/platform"
)

// Config is the client-side configuration for talking to a registry.
type Config struct {
	Registry struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	} `yaml:"registry"`
	Defaults struct {
		// Retries defaults to 0: one synchronous attempt per call.
		Retries        int `yaml:"retries"`
		TimeoutSeconds int `yaml:"timeout_seconds"`
		// InlineLimitKB caps attached files shipped inline with a job
		// registration; larger files go over SFTP when an uploads host
		// is configured. Zero or negative inlines everything.
		InlineLimitKB int `yaml:"inline_limit_kb"`
	} `yaml:"defaults"`
	Uploads struct {
		Host       string `yaml:"host"`
		Port       int    `yaml:"port"`
		User       string `yaml:"user"`
		Dir        string `yaml:"dir"`
		KeyPath    string `yaml:"key_path"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"uploads"`
	Telemetry struct {
		Enabled        bool `yaml:"enabled"`
		MonitoringPort int  `yaml:"monitoring_port"`
	} `yaml:"telemetry"`
}

// DefaultConfig returns the config written by `stratus init`.
func DefaultConfig() Config {
	var cfg Config
	cfg.Registry.URL = "http://127.0.0.1:8098"
	cfg.Defaults.TimeoutSeconds = 30
	cfg.Defaults.InlineLimitKB = 1024
	cfg.Uploads.Port = 22
	base := filepath.Dir(ConfigPath())
	cfg.Uploads.KeyPath = filepath.Join(base, "ssh", "id_ed25519")
	cfg.Uploads.KnownHosts = filepath.Join(base, "known_hosts")
	return cfg
}

// ConfigPath resolves the default config location:
// $XDG_CONFIG_HOME/stratus/config.yaml or ~/.config/stratus/config.yaml.
func ConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "stratus", "config.yaml")
}

// LoadConfig reads YAML configuration from a path. If path is empty, the
// default location is used. The registry token is merged from secrets.env
// and the STRATUS_TOKEN environment variable so it never has to live in
// the YAML file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv("STRATUS_TOKEN"); v != "" {
		secrets["STRATUS_TOKEN"] = v
	}
	if t, ok := secrets["STRATUS_TOKEN"]; ok && t != "" {
		cfg.Registry.Token = t
	}
	return cfg, nil
}

// WriteDefaultConfig creates a default config file at path (or the
// default location) unless one already exists.
func WriteDefaultConfig(path string) (string, error) {
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("mkdir config dir: %w", err)
	}
	out, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}

// NewClient builds a registry client from config. With retries configured
// the HTTP layer gains exponential backoff; otherwise each call is a
// single attempt.
func NewClient(cfg Config) *platform.Client {
	timeout := time.Duration(cfg.Defaults.TimeoutSeconds) * time.Second
	c := platform.New(cfg.Registry.URL, cfg.Registry.Token, timeout)
	if cfg.Defaults.Retries > 0 {
		c.HTTP = platform.NewRetryableHTTPClient(timeout, cfg.Defaults.Retries)
	}
	return c
}
