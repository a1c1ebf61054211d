// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
)

// Config selects the encoder and minimum level.
type Config struct {
	Development bool `mapstructure:"development"`
	// Level is a zap level name (debug, info, warn, error). Empty keeps the
	// preset default: debug in development, info otherwise.
	Level string `mapstructure:"level"`
}

// New builds a zap.Logger configured for development or production.
func New(cfg Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.DisableStacktrace = false
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zcfg.Level = level
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// ForRun returns logger annotated with the run and recipe ids of rc.
func ForRun(logger *zap.Logger, rc *bundle.FetchRunContext) *zap.Logger {
	if rc == nil {
		return logger
	}
	return logger.With(zap.String("run_id", rc.RunID), zap.String("recipe_id", rc.Recipe()))
}
