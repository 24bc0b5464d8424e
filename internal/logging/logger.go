package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	MeetingIDKey     contextKey = "meeting_id"
	ServerIDKey      contextKey = "server_id"
	CommandIDKey     contextKey = "command_id"
)

// Initialize sets up the global logger based on the environment.
func Initialize(development bool) error {
	var err error
	once.Do(func() {
		var cfg zap.Config
		if development {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "timestamp"
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}

		logger, err = cfg.Build(zap.AddCallerSkip(1))
	})
	return err
}

// GetLogger returns the global logger instance.
func GetLogger() *zap.Logger {
	if logger == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, appendContextFields(ctx, fields)...)
}

func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	if cid, ok := ctx.Value(CorrelationIDKey).(string); ok {
		fields = append(fields, zap.String("correlation_id", cid))
	}
	if mid, ok := ctx.Value(MeetingIDKey).(string); ok {
		fields = append(fields, zap.String("meeting_id", mid))
	}
	if sid, ok := ctx.Value(ServerIDKey).(string); ok {
		fields = append(fields, zap.String("server_id", sid))
	}
	if cmd, ok := ctx.Value(CommandIDKey).(string); ok {
		fields = append(fields, zap.String("command_id", cmd))
	}

	fields = append(fields, zap.String("service", "schedulight"))

	return fields
}

// RedactEmail masks the local part of an email address for log output.
func RedactEmail(email string) string {
	if len(email) == 0 {
		return ""
	}
	atIndex := -1
	for i, c := range email {
		if c == '@' {
			atIndex = i
			break
		}
	}
	if atIndex > 0 {
		return "***" + email[atIndex:]
	}
	return "***"
}
