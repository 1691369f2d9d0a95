// Package logging builds the zap logger used by every skillvault command.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"skillvault/internal/apperr"
	"skillvault/internal/config"
)

// Options adjusts New beyond the config file.
type Options struct {
	// Verbose forces debug level.
	Verbose bool
	// Output defaults to stderr so command output on stdout stays parseable.
	Output io.Writer
}

// New creates a logger from the [logging] section.
func New(cfg config.LoggingConfig, opts Options) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, apperr.Configuration("CFG_LOGGING", "invalid logging level %q", cfg.Level)
	}
	if opts.Verbose {
		level = zapcore.DebugLevel
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var enc zapcore.Encoder
	switch cfg.Format {
	case "json":
		enc = zapcore.NewJSONEncoder(encoderConfig(false))
	case "", "text":
		enc = zapcore.NewConsoleEncoder(encoderConfig(true))
	default:
		return nil, apperr.Configuration("CFG_LOGGING", "invalid logging format %q", cfg.Format)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(out), zap.NewAtomicLevelAt(level))
	return zap.New(core), nil
}

// Error is zap.Error with secrets scrubbed from the message.
func Error(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String("error", apperr.Redact(err.Error()))
}

// parseLevel converts string level to zapcore.Level.
func parseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

func encoderConfig(console bool) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	if console {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.CallerKey = ""
	}
	return cfg
}
