// Package observability owns the process-wide loggers.
//
// CLI commands log human-readable output to stderr so stdout stays clean for
// command output. The server logs structured JSON for log aggregation.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger for CLI commands. Initialized to a no-op logger so
// code paths that log before InitCLILogger runs don't crash.
var CLILogger = zap.NewNop()

// ServerLogger is the logger for server mode. Initialized to a no-op logger.
var ServerLogger = zap.NewNop()

// InitCLILogger configures the CLI logger.
//
// Output goes to stderr with a console encoder. Verbose lowers the level to
// debug regardless of the configured level.
func InitCLILogger(level string, verbose bool) {
	lvl := parseLevel(level)
	if verbose {
		lvl = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if !isTerminal(os.Stderr) {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		lvl,
	)
	CLILogger = zap.New(core)
}

// InitServerLogger configures the server logger.
//
// The profile selects the encoder: "structured" (default) emits JSON,
// "console" emits human-readable output for local development.
func InitServerLogger(level, profile string) *zap.Logger {
	lvl := parseLevel(level)

	var encoder zapcore.Encoder
	switch strings.ToLower(profile) {
	case "console":
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	default:
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), lvl)
	ServerLogger = zap.New(core, zap.AddCaller())
	return ServerLogger
}

// Sync flushes buffered log entries. Safe to call on no-op loggers.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
