// Package log builds the service logger.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a sugared zap logger. Mode "console" gives human-readable
// development output; anything else produces production JSON. Unknown
// levels fall back to info.
func New(level, mode string) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if mode == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
