package database

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config describes the SQLite store behind session recovery and the archive
type Config struct {
	Path            string        `json:"path"`
	MaxOpenConns    int           `json:"max_open_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	// BusyTimeout is how long a statement waits on a locked database
	BusyTimeout time.Duration `json:"busy_timeout"`
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() *Config {
	return &Config{
		Path:            "./data/peerprep.db",
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		BusyTimeout:     5 * time.Second,
	}
}

// Validate rejects settings the driver cannot honour
func (c *Config) Validate() error {
	var errs []error
	if c.Path == "" {
		errs = append(errs, errors.New("database path cannot be empty"))
	}
	if c.MaxOpenConns <= 0 {
		errs = append(errs, errors.New("max open connections must be positive"))
	}
	if c.ConnMaxLifetime <= 0 || c.ConnMaxIdleTime <= 0 {
		errs = append(errs, errors.New("connection lifetimes must be positive"))
	}
	if c.BusyTimeout < 0 {
		errs = append(errs, errors.New("busy timeout cannot be negative"))
	}
	return errors.Join(errs...)
}

// DSN builds the go-sqlite3 data source name: WAL journaling, enforced
// foreign keys and the configured busy timeout
func (c *Config) DSN() string {
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprint(c.BusyTimeout.Milliseconds()))
	params.Set("_journal_mode", "WAL")
	params.Set("_foreign_keys", "on")
	return c.Path + "?" + params.Encode()
}
