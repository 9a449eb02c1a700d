// Package observability builds the process logger and metrics registry.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/annopipe/internal/config"
)

// CLILogger is the process-wide logger. It is a no-op until InitCLILogger
// or SetLogger runs.
var CLILogger = zap.NewNop()

// NewLogger builds a logger for cfg. STRUCTURED emits JSON to stderr;
// CONSOLE emits human-readable lines.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}

	var zc zap.Config
	switch strings.ToUpper(cfg.Profile) {
	case config.ProfileConsole:
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.DisableStacktrace = true
	case config.ProfileStructured, "":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("logging.profile: unsupported value %q", cfg.Profile)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// InitCLILogger replaces CLILogger with one built from cfg.
func InitCLILogger(cfg config.LoggingConfig) error {
	l, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

// SetLogger replaces CLILogger and zap's globals.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	CLILogger = l
	zap.ReplaceGlobals(l)
}

// Sync flushes CLILogger.
func Sync() {
	_ = CLILogger.Sync()
}
