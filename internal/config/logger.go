package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger from the logging section.
// Level is one of debug, info, warn, error (default info); Format is json
// (default) or console.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level := cfg.Level
	if level == "" {
		level = "info"
	}

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	switch cfg.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	case "json", "":
		zc = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q: must be \"json\" or \"console\"", cfg.Format)
	}

	zc.Level = zap.NewAtomicLevelAt(zapLevel)
	// Connection and reset events go to stdout alongside everything else.
	zc.OutputPaths = []string{"stdout"}

	return zc.Build()
}

// LogSummary reports where the configuration came from and which origins
// may connect. It warns when the origin allow-list fell back to
// DefaultOrigins.
func (c *Config) LogSummary(logger *zap.Logger) {
	log := logger.With(zap.String("component", "config"))
	if c.Source != "" {
		log.Info("configuration loaded", zap.String("source", c.Source))
	}
	if c.CORS.Defaulted {
		log.Warn("no ALLOWED_ORIGINS configured, falling back to default localhost origins",
			zap.Strings("origins", c.CORS.AllowedOrigins),
		)
	}
	log.Info("allowed CORS origins", zap.Strings("origins", c.CORS.AllowedOrigins))
}
