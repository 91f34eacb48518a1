package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"peerprep/internal/logging"
	"peerprep/pkg/database"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv
const EnvPrefix = "PEERPREP_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Matching  *MatchingConfig  `json:"matching"`
	Exit      *ExitConfig      `json:"exit"`
	Presence  *PresenceConfig  `json:"presence"`
	Session   *SessionConfig   `json:"session"`
	Catalog   *CatalogConfig   `json:"catalog"`
	RateLimit *RateLimitConfig `json:"rate_limit"`
	Log       logging.Config   `json:"log"`
}

// DatabaseConfig is handed to the store as is
type DatabaseConfig = database.Config

type HTTPConfig struct {
	Port           int           `json:"port"`
	Host           string        `json:"host"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

// MatchingConfig bounds how long a request may wait for a partner.
// A non-zero Seed makes question draws reproducible.
type MatchingConfig struct {
	Timeout time.Duration `json:"timeout"`
	Seed    uint64        `json:"seed"`
}

// ExitConfig bounds how long a peer has to answer an exit request
type ExitConfig struct {
	GracePeriod time.Duration `json:"grace_period"`
}

// PresenceConfig sets the heartbeat cadence; the disconnect grace is
// HeartbeatInterval * GraceMultiplier
type PresenceConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	GraceMultiplier   int           `json:"grace_multiplier"`
}

// Grace returns the window after which a silent user is disconnected
func (p *PresenceConfig) Grace() time.Duration {
	return p.HeartbeatInterval * time.Duration(p.GraceMultiplier)
}

type SessionConfig struct {
	Retention     time.Duration `json:"retention"`
	AbandonAfter  time.Duration `json:"abandon_after"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

type CatalogConfig struct {
	Path  string `json:"path"`
	Watch bool   `json:"watch"`
}

type RateLimitConfig struct {
	CommandsPerMinute int `json:"commands_per_minute"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() *Config {
	return &Config{
		Database: database.DefaultConfig(),
		HTTP: &HTTPConfig{
			Port:           8080,
			Host:           "0.0.0.0",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Matching: &MatchingConfig{
			Timeout: 60 * time.Second,
		},
		Exit: &ExitConfig{
			GracePeriod: 30 * time.Second,
		},
		Presence: &PresenceConfig{
			HeartbeatInterval: 5 * time.Second,
			GraceMultiplier:   3,
		},
		Session: &SessionConfig{
			Retention:     30 * time.Second,
			AbandonAfter:  10 * time.Minute,
			SweepInterval: time.Minute,
		},
		Catalog: &CatalogConfig{
			Path:  "./data/catalog.yaml",
			Watch: true,
		},
		RateLimit: &RateLimitConfig{
			CommandsPerMinute: 120,
		},
		Log: logging.DefaultConfig(),
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
func (c *Config) Validate() error {
	if c.Database == nil || c.HTTP == nil || c.WebSocket == nil || c.Matching == nil ||
		c.Exit == nil || c.Presence == nil || c.Session == nil || c.Catalog == nil || c.RateLimit == nil {
		return fmt.Errorf("every configuration section is required")
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.Presence.GraceMultiplier < 1 {
		return fmt.Errorf("presence grace multiplier must be at least 1")
	}
	if c.RateLimit.CommandsPerMinute <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog path cannot be empty")
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"HTTP read timeout", c.HTTP.ReadTimeout},
		{"HTTP write timeout", c.HTTP.WriteTimeout},
		{"WebSocket ping interval", c.WebSocket.PingInterval},
		{"WebSocket read timeout", c.WebSocket.ReadTimeout},
		{"WebSocket write timeout", c.WebSocket.WriteTimeout},
		{"matching timeout", c.Matching.Timeout},
		{"exit grace period", c.Exit.GracePeriod},
		{"presence heartbeat interval", c.Presence.HeartbeatInterval},
		{"session retention", c.Session.Retention},
		{"session abandon after", c.Session.AbandonAfter},
		{"session sweep interval", c.Session.SweepInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	return c.Log.Validate()
}

// FUNCTIONAL DISCOVERY: Environment variables override defaults; unparsable values are ignored
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	envString("DATABASE_PATH", &config.Database.Path)
	envInt("DATABASE_MAX_OPEN_CONNS", &config.Database.MaxOpenConns)
	envDuration("DATABASE_CONN_MAX_LIFETIME", &config.Database.ConnMaxLifetime)
	envDuration("DATABASE_CONN_MAX_IDLE_TIME", &config.Database.ConnMaxIdleTime)
	envDuration("DATABASE_BUSY_TIMEOUT", &config.Database.BusyTimeout)

	envInt("HTTP_PORT", &config.HTTP.Port)
	envString("HTTP_HOST", &config.HTTP.Host)
	envDuration("HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	if origin := os.Getenv(EnvPrefix + "HTTP_ALLOWED_ORIGIN"); origin != "" {
		config.HTTP.AllowedOrigins = []string{origin}
	}

	envDuration("WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)

	envDuration("MATCHING_TIMEOUT", &config.Matching.Timeout)
	envUint64("MATCHING_SEED", &config.Matching.Seed)
	envDuration("EXIT_GRACE_PERIOD", &config.Exit.GracePeriod)
	envDuration("PRESENCE_HEARTBEAT_INTERVAL", &config.Presence.HeartbeatInterval)
	envInt("PRESENCE_GRACE_MULTIPLIER", &config.Presence.GraceMultiplier)
	envDuration("SESSION_RETENTION", &config.Session.Retention)
	envDuration("SESSION_ABANDON_AFTER", &config.Session.AbandonAfter)
	envDuration("SESSION_SWEEP_INTERVAL", &config.Session.SweepInterval)

	envString("CATALOG_PATH", &config.Catalog.Path)
	envBool("CATALOG_WATCH", &config.Catalog.Watch)
	envInt("RATE_LIMIT_COMMANDS_PER_MINUTE", &config.RateLimit.CommandsPerMinute)

	envString("LOG_LEVEL", &config.Log.Level)
	envBool("LOG_DEVELOPMENT", &config.Log.Development)
}

func envString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envUint64(key string, dst *uint64) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// ConfigFile represents the JSON structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings
type ConfigFile struct {
	Database *struct {
		Path            string `json:"path"`
		MaxOpenConns    int    `json:"max_open_conns"`
		ConnMaxLifetime string `json:"conn_max_lifetime"`
		ConnMaxIdleTime string `json:"conn_max_idle_time"`
		BusyTimeout     string `json:"busy_timeout"`
	} `json:"database"`
	HTTP *struct {
		Port           int      `json:"port"`
		Host           string   `json:"host"`
		ReadTimeout    string   `json:"read_timeout"`
		WriteTimeout   string   `json:"write_timeout"`
		AllowedOrigins []string `json:"allowed_origins"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		BufferSize   int    `json:"buffer_size"`
	} `json:"websocket"`
	Matching *struct {
		Timeout string `json:"timeout"`
		Seed    uint64 `json:"seed"`
	} `json:"matching"`
	Exit *struct {
		GracePeriod string `json:"grace_period"`
	} `json:"exit"`
	Presence *struct {
		HeartbeatInterval string `json:"heartbeat_interval"`
		GraceMultiplier   int    `json:"grace_multiplier"`
	} `json:"presence"`
	Session *struct {
		Retention     string `json:"retention"`
		AbandonAfter  string `json:"abandon_after"`
		SweepInterval string `json:"sweep_interval"`
	} `json:"session"`
	Catalog *struct {
		Path  string `json:"path"`
		Watch *bool  `json:"watch"`
	} `json:"catalog"`
	RateLimit *struct {
		CommandsPerMinute int `json:"commands_per_minute"`
	} `json:"rate_limit"`
	Log *struct {
		Level       string `json:"level"`
		Development *bool  `json:"development"`
	} `json:"log"`
}

// LoadFromFile reads a JSON config file layered over the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	p := fileParser{}
	if f := file.Database; f != nil {
		p.setString(f.Path, &config.Database.Path)
		p.setInt(f.MaxOpenConns, &config.Database.MaxOpenConns)
		p.setDuration("database.conn_max_lifetime", f.ConnMaxLifetime, &config.Database.ConnMaxLifetime)
		p.setDuration("database.conn_max_idle_time", f.ConnMaxIdleTime, &config.Database.ConnMaxIdleTime)
		p.setDuration("database.busy_timeout", f.BusyTimeout, &config.Database.BusyTimeout)
	}
	if f := file.HTTP; f != nil {
		p.setInt(f.Port, &config.HTTP.Port)
		p.setString(f.Host, &config.HTTP.Host)
		p.setDuration("http.read_timeout", f.ReadTimeout, &config.HTTP.ReadTimeout)
		p.setDuration("http.write_timeout", f.WriteTimeout, &config.HTTP.WriteTimeout)
		if len(f.AllowedOrigins) > 0 {
			config.HTTP.AllowedOrigins = f.AllowedOrigins
		}
	}
	if f := file.WebSocket; f != nil {
		p.setDuration("websocket.ping_interval", f.PingInterval, &config.WebSocket.PingInterval)
		p.setDuration("websocket.read_timeout", f.ReadTimeout, &config.WebSocket.ReadTimeout)
		p.setDuration("websocket.write_timeout", f.WriteTimeout, &config.WebSocket.WriteTimeout)
		p.setInt(f.BufferSize, &config.WebSocket.BufferSize)
	}
	if f := file.Matching; f != nil {
		p.setDuration("matching.timeout", f.Timeout, &config.Matching.Timeout)
		if f.Seed != 0 {
			config.Matching.Seed = f.Seed
		}
	}
	if f := file.Exit; f != nil {
		p.setDuration("exit.grace_period", f.GracePeriod, &config.Exit.GracePeriod)
	}
	if f := file.Presence; f != nil {
		p.setDuration("presence.heartbeat_interval", f.HeartbeatInterval, &config.Presence.HeartbeatInterval)
		p.setInt(f.GraceMultiplier, &config.Presence.GraceMultiplier)
	}
	if f := file.Session; f != nil {
		p.setDuration("session.retention", f.Retention, &config.Session.Retention)
		p.setDuration("session.abandon_after", f.AbandonAfter, &config.Session.AbandonAfter)
		p.setDuration("session.sweep_interval", f.SweepInterval, &config.Session.SweepInterval)
	}
	if f := file.Catalog; f != nil {
		p.setString(f.Path, &config.Catalog.Path)
		if f.Watch != nil {
			config.Catalog.Watch = *f.Watch
		}
	}
	if f := file.RateLimit; f != nil {
		p.setInt(f.CommandsPerMinute, &config.RateLimit.CommandsPerMinute)
	}
	if f := file.Log; f != nil {
		p.setString(f.Level, &config.Log.Level)
		if f.Development != nil {
			config.Log.Development = *f.Development
		}
	}

	if p.err != nil {
		return fmt.Errorf("invalid value in config file %s: %w", path, p.err)
	}
	return nil
}

// fileParser applies non-zero file values and keeps the first parse error
type fileParser struct {
	err error
}

func (p *fileParser) setString(v string, dst *string) {
	if v != "" {
		*dst = v
	}
}

func (p *fileParser) setInt(v int, dst *int) {
	if v > 0 {
		*dst = v
	}
}

func (p *fileParser) setDuration(name, v string, dst *time.Duration) {
	if v == "" || p.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", name, err)
		return
	}
	*dst = d
}

// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()

	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
