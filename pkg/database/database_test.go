package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	require.NotNil(t, config)
	assert.Equal(t, "./data/peerprep.db", config.Path)
	assert.Equal(t, 10, config.MaxOpenConns)
	assert.Equal(t, time.Hour, config.ConnMaxLifetime)
	assert.NoError(t, config.Validate())
}

func TestConfig_DSN(t *testing.T) {
	config := DefaultConfig()
	config.Path = "/var/lib/peerprep/sessions.db"
	config.BusyTimeout = 2500 * time.Millisecond

	assert.Equal(t, "/var/lib/peerprep/sessions.db?_busy_timeout=2500&_foreign_keys=on&_journal_mode=WAL", config.DSN())
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty path", func(c *Config) { c.Path = "" }},
		{"zero connections", func(c *Config) { c.MaxOpenConns = 0 }},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }},
		{"zero idle time", func(c *Config) { c.ConnMaxIdleTime = 0 }},
		{"negative busy timeout", func(c *Config) { c.BusyTimeout = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestMigrationManager_ApplyEmbeddedMigrations(t *testing.T) {
	db := openTestDB(t)
	manager := NewMigrationManager(db)

	require.NoError(t, manager.ApplyMigrations())
	require.NoError(t, manager.ValidateSchema())

	// Re-applying is a no-op
	require.NoError(t, manager.ApplyMigrations())

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestMigrationManager_ValidateSchemaBeforeMigrations(t *testing.T) {
	db := openTestDB(t)
	assert.Error(t, NewMigrationManager(db).ValidateSchema())
}

func TestMigrationManager_AppliesInVersionOrder(t *testing.T) {
	db := openTestDB(t)
	source := fstest.MapFS{
		"m/002_add_column.sql": {Data: []byte("ALTER TABLE widgets ADD COLUMN size INTEGER;")},
		"m/001_widgets.sql":    {Data: []byte("CREATE TABLE widgets (id TEXT PRIMARY KEY);")},
		"m/README.md":          {Data: []byte("ignored")},
	}

	manager := NewMigrationManagerFS(db, source, "m")
	require.NoError(t, manager.ApplyMigrations())

	_, err := db.Exec("INSERT INTO widgets (id, size) VALUES ('w1', 3)")
	assert.NoError(t, err)
}

func TestSchema_RejectsSelfPairing(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewMigrationManager(db).ApplyMigrations())

	_, err := db.Exec(`
		INSERT INTO matches (id, user_a, user_b, request_a, request_b, question_id, formed_at)
		VALUES ('m1', 'alice', 'alice', 'r1', 'r2', 'q1', CURRENT_TIMESTAMP)
	`)
	assert.Error(t, err)
}
