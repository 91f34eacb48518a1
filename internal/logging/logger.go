package logging

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels passed to logr's V()
const (
	DEFAULT = 0
	VERBOSE = 1
	DEBUG   = 2
	TRACE   = 3
)

// Config selects the level and encoder of the process logger
type Config struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// DefaultConfig returns info-level JSON logging
func DefaultConfig() Config {
	return Config{Level: "info"}
}

// Validate rejects unknown level names
func (c Config) Validate() error {
	_, err := parseLevel(c.Level)
	return err
}

// New builds a logr.Logger backed by zap. The returned sync func flushes buffered entries.
func New(cfg Config) (logr.Logger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return logr.Discard(), func() {}, err
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	zapLog, err := zapCfg.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("failed to build zap logger: %w", err)
	}

	return zapr.NewLogger(zapLog), func() { _ = zapLog.Sync() }, nil
}

// NewTestLogger creates a development logger that records every verbosity level
func NewTestLogger() logr.Logger {
	zapCfg := zap.NewDevelopmentConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-1 * TRACE))
	zapLog, err := zapCfg.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zapLog)
}

// parseLevel maps level names onto zap levels. "debug" enables V(DEBUG), "trace" everything.
func parseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(name) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "verbose":
		return zapcore.Level(-1 * VERBOSE), nil
	case "debug":
		return zapcore.Level(-1 * DEBUG), nil
	case "trace":
		return zapcore.Level(-1 * TRACE), nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
}
