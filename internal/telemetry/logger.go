// Package telemetry builds the structured logger every vmcore
// package logs through. Grounded on
// packages/shared/pkg/logger.NewLogger, trimmed of its OpenTelemetry
// log bridge since this module does not carry a tracer.
package telemetry

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger New builds.
type Options struct {
	Level       string
	Development bool
	Fields      []zap.Field
}

// New builds a *zap.Logger writing JSON (or, in development mode,
// console-formatted) records to stdout/stderr, tagged with this
// process's pid.
func New(opts Options) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
		level = zap.InfoLevel
	}

	encoding := "json"
	if opts.Development {
		encoding = "console"
	}

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       opts.Development,
		DisableStacktrace: false,
		Encoding:          encoding,
		EncoderConfig:     encoderConfig(),
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}

	logger, err := cfg.Build(
		zap.Fields(zap.Int("pid", os.Getpid())),
		zap.Fields(opts.Fields...),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build logger: %w", err)
	}
	return logger, nil
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		MessageKey:    "message",
		LevelKey:      "level",
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		NameKey:       "logger",
		StacktraceKey: "stacktrace",
		EncodeTime:    zapcore.RFC3339TimeEncoder,
		LineEnding:    zapcore.DefaultLineEnding,
	}
}
