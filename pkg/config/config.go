package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthMode selects how API callers are authenticated
type AuthMode string

const (
	AuthModeNone  AuthMode = "none"
	AuthModeToken AuthMode = "token"
)

// Config holds the full server configuration. Values are resolved
// environment-first (FOREMAN_* variables), then from an optional YAML file,
// then defaults.
type Config struct {
	BindAddress string `yaml:"bind_address"`
	TLSCert     string `yaml:"tls_cert"`
	TLSKey      string `yaml:"tls_key"`

	DBPath string `yaml:"db_path"`

	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
	NodeSweepInterval time.Duration `yaml:"node_sweep_interval"`
	LockSweepInterval time.Duration `yaml:"lock_sweep_interval"`

	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthMode       AuthMode `yaml:"auth_mode"`
	TokenSecret    string   `yaml:"token_secret"`

	LogLevel     string `yaml:"log_level"`
	LogDirectory string `yaml:"log_directory"`

	// Production makes the server refuse to start against a database with
	// unknown buckets (run foreman-migrate first).
	Production bool `yaml:"production"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		BindAddress:       ":8420",
		DBPath:            "/var/lib/foreman/foreman.db",
		HeartbeatTimeout:  2 * time.Minute,
		LockTTL:           10 * time.Minute,
		NodeSweepInterval: 30 * time.Second,
		LockSweepInterval: 60 * time.Second,
		AuthMode:          AuthModeNone,
		LogLevel:          "info",
	}
}

// Load resolves configuration from the environment and an optional file.
// An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.AuthMode {
	case AuthModeNone:
	case AuthModeToken:
		if c.TokenSecret == "" {
			return fmt.Errorf("auth_mode=token requires token_secret")
		}
	default:
		return fmt.Errorf("unsupported auth_mode %q", c.AuthMode)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	if c.HeartbeatTimeout <= 0 || c.LockTTL <= 0 {
		return fmt.Errorf("heartbeat_timeout and lock_ttl must be positive")
	}
	return nil
}

// TLSEnabled reports whether the server should terminate TLS itself.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setDur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setStr("FOREMAN_BIND_ADDRESS", &cfg.BindAddress)
	setStr("FOREMAN_TLS_CERT", &cfg.TLSCert)
	setStr("FOREMAN_TLS_KEY", &cfg.TLSKey)
	setStr("FOREMAN_DB_PATH", &cfg.DBPath)
	setDur("FOREMAN_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout)
	setDur("FOREMAN_LOCK_TTL", &cfg.LockTTL)
	setDur("FOREMAN_NODE_SWEEP_INTERVAL", &cfg.NodeSweepInterval)
	setDur("FOREMAN_LOCK_SWEEP_INTERVAL", &cfg.LockSweepInterval)
	setStr("FOREMAN_TOKEN_SECRET", &cfg.TokenSecret)
	setStr("FOREMAN_LOG_LEVEL", &cfg.LogLevel)
	setStr("FOREMAN_LOG_DIRECTORY", &cfg.LogDirectory)

	if v, ok := os.LookupEnv("FOREMAN_AUTH_MODE"); ok {
		cfg.AuthMode = AuthMode(v)
	}
	if v, ok := os.LookupEnv("FOREMAN_ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}
	if v, ok := os.LookupEnv("FOREMAN_PRODUCTION"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Production = b
		}
	}
}
