// Package logger builds the process-wide zap logger.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Logger is the root logger plus the level handle used to change verbosity
// once configuration has been read.
type Logger struct {
	*zap.SugaredLogger
	level zap.AtomicLevel
}

// New builds a logger writing to stderr in the given format. It starts at
// info level.
func New(format string) (*Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)

	var cfg zap.Config
	switch strings.ToLower(format) {
	case FormatJSON:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case FormatConsole, "":
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
		cfg.DisableStacktrace = true
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("logger: unknown format %q", format)
	}
	cfg.Level = level
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	z, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logger: build: %w", err)
	}
	return &Logger{SugaredLogger: z.Sugar(), level: level}, nil
}

// SetLevel changes the minimum level, e.g. "debug" or "warn".
func (l *Logger) SetLevel(name string) error {
	if name == "" {
		return nil
	}
	return l.level.UnmarshalText([]byte(strings.ToLower(name)))
}

// Level returns the current minimum level.
func (l *Logger) Level() zapcore.Level { return l.level.Level() }
