package couchsys

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a structured logger
type Logger interface {
	Debug(ctx context.Context, msg string, tags map[string]any)
	Info(ctx context.Context, msg string, tags map[string]any)
	Warn(ctx context.Context, msg string, tags map[string]any)
	Error(ctx context.Context, msg string, err error, tags map[string]any)
	// WithTags returns a logger that adds the given tags to every entry
	WithTags(tags map[string]any) Logger
	Sync() error
}

type defaultLogger struct {
	logger *zap.Logger
}

// NewLogger returns a structured json logger with the given level and default fields
func NewLogger(level string, defaultFields map[string]any) (Logger, error) {
	cfg := zap.NewProductionConfig()
	var opts = []zap.Option{
		zap.WithCaller(true),
		zap.AddCallerSkip(1),
	}
	for k, v := range defaultFields {
		opts = append(opts, zap.Fields(zap.Any(k, v)))
	}
	cfg.Level = zap.NewAtomicLevelAt(getLevel(level))
	logger, err := cfg.Build(opts...)
	if err != nil {
		return nil, err
	}
	return &defaultLogger{logger: logger}, nil
}

// NewZapLogger wraps an existing zap logger
func NewZapLogger(logger *zap.Logger) Logger {
	return &defaultLogger{logger: logger}
}

func noopLogger() Logger {
	return &defaultLogger{logger: zap.NewNop()}
}

func fields(tags map[string]any) []zap.Field {
	var fields []zap.Field
	for k, v := range tags {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

func (d defaultLogger) Error(ctx context.Context, msg string, err error, tags map[string]any) {
	d.logger.Error(msg, append(fields(tags), zap.Error(err))...)
}

func (d defaultLogger) Info(ctx context.Context, msg string, tags map[string]any) {
	d.logger.Info(msg, fields(tags)...)
}

func (d defaultLogger) Debug(ctx context.Context, msg string, tags map[string]any) {
	d.logger.Debug(msg, fields(tags)...)
}

func (d defaultLogger) Warn(ctx context.Context, msg string, tags map[string]any) {
	d.logger.Warn(msg, fields(tags)...)
}

func (d defaultLogger) WithTags(tags map[string]any) Logger {
	return &defaultLogger{logger: d.logger.With(fields(tags)...)}
}

func (d defaultLogger) Sync() error {
	return d.logger.Sync()
}

func getLevel(level string) zapcore.Level {
	levelMap := map[string]zapcore.Level{
		"error":   zap.ErrorLevel,
		"warn":    zap.WarnLevel,
		"warning": zap.WarnLevel,
		"info":    zap.InfoLevel,
		"debug":   zap.DebugLevel,
	}
	l, ok := levelMap[strings.ToLower(level)]
	if !ok {
		return zap.InfoLevel
	}
	return l
}
