// Package logger owns the process-wide zap logger shared by the worker and
// CLI binaries. Init wires level, encoding, and sink once at startup; the
// package-level helpers fall back to sane defaults when something logs
// before Init runs (tests, early startup failures).
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the logger's verbosity, encoding, and sink.
type Config struct {
	Level      string // debug, info, warn, error
	Encoding   string // json or console
	OutputPath string // stdout, stderr, or a file path
	Service    string // stamped on every entry as the service field
}

var (
	global *zap.Logger
	once   sync.Once
)

// Init builds the global logger from cfg. Only the first call takes effect;
// later calls return the already-built logger.
func Init(cfg Config) (*zap.Logger, error) {
	var err error
	once.Do(func() {
		global, err = build(cfg)
	})
	return global, err
}

func build(cfg Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Level))
	zc.DisableStacktrace = true
	if cfg.Encoding == "console" {
		zc.Encoding = "console"
	}
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.MessageKey = "message"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Service != "" {
		zc.InitialFields = map[string]interface{}{"service": cfg.Service}
	}
	return zc.Build(zap.AddCallerSkip(1))
}

func parseLevel(s string) zapcore.Level {
	var l zapcore.Level
	if err := l.Set(s); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// Get returns the global logger, building a default one if Init has not run.
func Get() *zap.Logger {
	if global == nil {
		l, err := build(Config{Level: "info", Encoding: "json", OutputPath: "stdout", Service: "adengine"})
		if err != nil {
			return zap.NewNop()
		}
		global = l
	}
	return global
}

// Info logs at info level.
func Info(msg string, fields ...zap.Field) { Get().Info(msg, fields...) }

// Warn logs at warn level.
func Warn(msg string, fields ...zap.Field) { Get().Warn(msg, fields...) }

// Error logs at error level.
func Error(msg string, fields ...zap.Field) { Get().Error(msg, fields...) }

// Fatal logs at fatal level and exits.
func Fatal(msg string, fields ...zap.Field) { Get().Fatal(msg, fields...) }

// Sync flushes buffered entries; safe to call before Init.
func Sync() error {
	if global != nil {
		return global.Sync()
	}
	return nil
}
