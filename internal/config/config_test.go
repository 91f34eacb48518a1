package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	require.NoError(t, config.Validate())
	assert.Equal(t, 60*time.Second, config.Matching.Timeout)
	assert.Equal(t, 30*time.Second, config.Exit.GracePeriod)
	assert.Equal(t, 5*time.Second, config.Presence.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, config.Presence.Grace())
	assert.Equal(t, 30*time.Second, config.Session.Retention)
	assert.Equal(t, 10*time.Minute, config.Session.AbandonAfter)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.HTTP.Port = -1 }},
		{"empty database path", func(c *Config) { c.Database.Path = "" }},
		{"zero database connections", func(c *Config) { c.Database.MaxOpenConns = 0 }},
		{"zero match timeout", func(c *Config) { c.Matching.Timeout = 0 }},
		{"negative grace period", func(c *Config) { c.Exit.GracePeriod = -time.Second }},
		{"zero multiplier", func(c *Config) { c.Presence.GraceMultiplier = 0 }},
		{"missing section", func(c *Config) { c.Session = nil }},
		{"bad log level", func(c *Config) { c.Log.Level = "shout" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("PEERPREP_HTTP_PORT", "9090")
	t.Setenv("PEERPREP_MATCHING_TIMEOUT", "45s")
	t.Setenv("PEERPREP_MATCHING_SEED", "42")
	t.Setenv("PEERPREP_DATABASE_MAX_OPEN_CONNS", "4")
	t.Setenv("PEERPREP_DATABASE_BUSY_TIMEOUT", "2s")
	t.Setenv("PEERPREP_PRESENCE_GRACE_MULTIPLIER", "4")
	t.Setenv("PEERPREP_CATALOG_WATCH", "false")
	t.Setenv("PEERPREP_EXIT_GRACE_PERIOD", "not-a-duration")

	config := LoadFromEnv()

	assert.Equal(t, 9090, config.HTTP.Port)
	assert.Equal(t, 45*time.Second, config.Matching.Timeout)
	assert.Equal(t, uint64(42), config.Matching.Seed)
	assert.Equal(t, 4, config.Database.MaxOpenConns)
	assert.Equal(t, 2*time.Second, config.Database.BusyTimeout)
	assert.Equal(t, 20*time.Second, config.Presence.Grace())
	assert.False(t, config.Catalog.Watch)
	assert.Equal(t, 30*time.Second, config.Exit.GracePeriod)
}

func TestConfig_LoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"http": {"port": 7000, "allowed_origins": ["https://peerprep.example"]},
		"database": {"path": "/var/lib/peerprep/peerprep.db", "max_open_conns": 3, "conn_max_idle_time": "2m"},
		"exit": {"grace_period": "10s"},
		"session": {"retention": "5s"},
		"catalog": {"path": "/etc/peerprep/catalog.yaml", "watch": false},
		"log": {"level": "debug"}
	}`)

	config, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, config.HTTP.Port)
	assert.Equal(t, []string{"https://peerprep.example"}, config.HTTP.AllowedOrigins)
	assert.Equal(t, 10*time.Second, config.Exit.GracePeriod)
	assert.Equal(t, 5*time.Second, config.Session.Retention)
	assert.Equal(t, "/etc/peerprep/catalog.yaml", config.Catalog.Path)
	assert.False(t, config.Catalog.Watch)
	assert.Equal(t, "debug", config.Log.Level)
	assert.Equal(t, 60*time.Second, config.Matching.Timeout)
	assert.Equal(t, "/var/lib/peerprep/peerprep.db", config.Database.Path)
	assert.Equal(t, 3, config.Database.MaxOpenConns)
	assert.Equal(t, 2*time.Minute, config.Database.ConnMaxIdleTime)
	assert.Equal(t, time.Hour, config.Database.ConnMaxLifetime)
}

func TestConfig_LoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeConfigFile(t, `{not json`))
	assert.Error(t, err)

	_, err = LoadFromFile(writeConfigFile(t, `{"exit": {"grace_period": "soon"}}`))
	assert.Error(t, err)
}

func TestConfig_Precedence(t *testing.T) {
	t.Setenv("PEERPREP_HTTP_PORT", "9090")
	t.Setenv("PEERPREP_MATCHING_TIMEOUT", "45s")
	path := writeConfigFile(t, `{"http": {"port": 7000}}`)

	config, err := LoadConfigWithPrecedence(path)
	require.NoError(t, err)

	// file beats env, env beats defaults
	assert.Equal(t, 7000, config.HTTP.Port)
	assert.Equal(t, 45*time.Second, config.Matching.Timeout)
	assert.Equal(t, 30*time.Second, config.Exit.GracePeriod)
}

func TestConfig_PrecedenceWithoutFile(t *testing.T) {
	t.Setenv("PEERPREP_HTTP_PORT", "70000")

	_, err := LoadConfigWithPrecedence("")
	assert.Error(t, err)
}
