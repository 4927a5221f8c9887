// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "ibis", "logs", "agent.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLoggerWithConfig creates a new logger with the specified
// configuration. An empty file path falls back to the default location.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	if cfg.FilePath == "" {
		cfg.FilePath = DefaultLogConfig().FilePath
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter())
	}
	if cfg.File {
		if w := rotatingWriter(cfg); w != nil {
			sinks = append(sinks, w)
		}
	}

	var out io.Writer
	switch len(sinks) {
	case 0:
		out = os.Stdout
	case 1:
		out = sinks[0]
	default:
		out = zerolog.MultiLevelWriter(sinks...)
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	return zerolog.New(out).With().Timestamp().Caller().Logger()
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
		FormatLevel: func(i interface{}) string {
			ll, ok := i.(string)
			if !ok {
				return "???"
			}
			switch ll {
			case "debug":
				return "\033[36mDBG\033[0m"
			case "info":
				return "\033[32mINF\033[0m"
			case "warn":
				return "\033[33mWRN\033[0m"
			case "error":
				return "\033[31mERR\033[0m"
			}
			return ll
		},
	}
}

// rotatingWriter returns nil when the log directory cannot be created;
// the agent then runs console-only rather than failing startup.
func rotatingWriter(cfg LogConfig) io.Writer {
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
		return nil
	}
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	}
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// WithCycle tags the logger with the agent cycle number.
func WithCycle(logger zerolog.Logger, cycle uint64) zerolog.Logger {
	return logger.With().Uint64("cycle", cycle).Logger()
}

// WithSymbol tags the logger with a trading symbol.
func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}
