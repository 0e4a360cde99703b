// Package logging builds the process logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the zap encoder.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatConsole:
		return FormatConsole, nil
	default:
		return "", fmt.Errorf("unknown log format %q (expected json|console)", raw)
	}
}

// Options configures New.
type Options struct {
	Verbose bool
	Format  Format
	// OutputPaths defaults to stderr. Operator output owns stdout.
	OutputPaths []string
}

// Config returns the zap configuration for opts: the production preset,
// debug level when verbose and ISO-8601 timestamps.
func Config(opts Options) (zap.Config, error) {
	format, err := ParseFormat(string(opts.Format))
	if err != nil {
		return zap.Config{}, err
	}

	cfg := zap.NewProductionConfig()
	if opts.Verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.Encoding = string(format)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == FormatConsole {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.DisableStacktrace = true
	}
	cfg.OutputPaths = []string{"stderr"}
	if len(opts.OutputPaths) > 0 {
		cfg.OutputPaths = append([]string(nil), opts.OutputPaths...)
	}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg, nil
}

// New builds the logger described by opts.
func New(opts Options) (*zap.Logger, error) {
	cfg, err := Config(opts)
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
