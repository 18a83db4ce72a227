// Package logging builds the process logger
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Options select the zap preset, level and encoding
type Options struct {
	Level       string
	Format      string
	Development bool
}

// New builds a zap logger. Format is "json" or "console"; an empty format
// keeps the preset's encoding.
func New(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	}

	if opts.Level != "" {
		level, err := zap.ParseAtomicLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("failed to parse log level: %w", err)
		}
		cfg.Level = level
	}

	switch strings.ToLower(opts.Format) {
	case "":
	case "json", "console":
		cfg.Encoding = strings.ToLower(opts.Format)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
