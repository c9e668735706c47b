package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaults tests the built-in configuration values
func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8420", cfg.BindAddress)
	assert.Equal(t, 2*time.Minute, cfg.HeartbeatTimeout)
	assert.Equal(t, 10*time.Minute, cfg.LockTTL)
	assert.Equal(t, AuthModeNone, cfg.AuthMode)
	assert.False(t, cfg.TLSEnabled())
	assert.False(t, cfg.Production)
}

// TestLoadFromFile tests the YAML layer
func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bind_address: ":9000"
db_path: /tmp/test-foreman.db
lock_ttl: 5m
allowed_origins:
  - https://dashboard.example.com
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.BindAddress)
	assert.Equal(t, "/tmp/test-foreman.db", cfg.DBPath)
	assert.Equal(t, 5*time.Minute, cfg.LockTTL)
	assert.Equal(t, []string{"https://dashboard.example.com"}, cfg.AllowedOrigins)

	// Unset fields keep their defaults.
	assert.Equal(t, 2*time.Minute, cfg.HeartbeatTimeout)
}

// TestEnvOverridesFile tests environment precedence over the file layer
func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bind_address: \":9000\"\n"), 0o644))

	t.Setenv("FOREMAN_BIND_ADDRESS", ":7777")
	t.Setenv("FOREMAN_HEARTBEAT_TIMEOUT", "90s")
	t.Setenv("FOREMAN_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("FOREMAN_PRODUCTION", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.BindAddress)
	assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	assert.True(t, cfg.Production)
}

// TestValidate tests cross-field constraints
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "token mode without secret",
			mutate:  func(c *Config) { c.AuthMode = AuthModeToken },
			wantErr: true,
		},
		{
			name: "token mode with secret",
			mutate: func(c *Config) {
				c.AuthMode = AuthModeToken
				c.TokenSecret = "shhh"
			},
			wantErr: false,
		},
		{
			name:    "unknown auth mode",
			mutate:  func(c *Config) { c.AuthMode = "ldap" },
			wantErr: true,
		},
		{
			name:    "tls cert without key",
			mutate:  func(c *Config) { c.TLSCert = "/etc/foreman/tls.crt" },
			wantErr: true,
		},
		{
			name: "tls pair",
			mutate: func(c *Config) {
				c.TLSCert = "/etc/foreman/tls.crt"
				c.TLSKey = "/etc/foreman/tls.key"
			},
			wantErr: false,
		},
		{
			name:    "non-positive lock ttl",
			mutate:  func(c *Config) { c.LockTTL = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
