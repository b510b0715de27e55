package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with pipeline-run conveniences.
type Logger struct {
	*zap.Logger
	serviceName string
}

// Config represents logger configuration
type Config struct {
	Level       string `json:"level" mapstructure:"level"`
	Format      string `json:"format" mapstructure:"format"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
	Development bool   `json:"development" mapstructure:"development"`
}

// Field represents a log field
type Field = zapcore.Field

// NewLogger creates a new logger instance
func NewLogger(config Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var zapConfig zap.Config

	if config.Development {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	switch strings.ToLower(config.Format) {
	case "console":
		zapConfig.Encoding = "console"
	default:
		zapConfig.Encoding = "json"
	}

	zapLogger, err := zapConfig.Build(zap.AddCallerSkip(0))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	if config.ServiceName != "" {
		zapLogger = zapLogger.With(zap.String("service", config.ServiceName))
	}

	return &Logger{
		Logger:      zapLogger,
		serviceName: config.ServiceName,
	}, nil
}

// NewNop returns a logger that discards everything. Used in tests.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// WithRun returns a logger carrying the run identity fields every
// pipeline stage logs under.
func (l *Logger) WithRun(pipeline, runID string) *Logger {
	return &Logger{
		Logger:      l.Logger.With(zap.String("pipeline", pipeline), zap.String("run_id", runID)),
		serviceName: l.serviceName,
	}
}

// WithStage returns a logger scoped to one pipeline stage.
func (l *Logger) WithStage(stage string) *Logger {
	return &Logger{
		Logger:      l.Logger.With(zap.String("stage", stage)),
		serviceName: l.serviceName,
	}
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}
