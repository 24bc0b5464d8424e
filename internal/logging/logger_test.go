package logging

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func resetLogger() {
	logger = nil
	once = sync.Once{}
}

func TestGetLogger_Fallback(t *testing.T) {
	resetLogger()
	l := GetLogger()
	assert.NotNil(t, l, "GetLogger should return a fallback logger if not initialized")
}

func TestGetLogger_Singleton(t *testing.T) {
	resetLogger()
	err := Initialize(true)
	assert.NoError(t, err)

	l1 := GetLogger()
	l2 := GetLogger()

	assert.NotNil(t, l1)
	assert.NotNil(t, l2)
	assert.Equal(t, l1, l2, "GetLogger should return the same instance after initialization")
}

func TestInitialize_Idempotent(t *testing.T) {
	resetLogger()
	err := Initialize(true)
	assert.NoError(t, err)
	assert.NotNil(t, logger)

	l1 := logger
	err = Initialize(false)
	assert.NoError(t, err)
	assert.Equal(t, l1, logger)
}

func TestHelperMethods(t *testing.T) {
	resetLogger()

	core, logs := observer.New(zap.DebugLevel)
	testLogger := zap.New(core)
	logger = testLogger

	ctx := context.Background()

	Info(ctx, "info msg", zap.String("key", "val"))
	Warn(ctx, "warn msg")
	Error(ctx, "error msg")

	assert.Equal(t, 3, logs.Len())
	assert.Equal(t, zap.InfoLevel, logs.All()[0].Level)
	assert.Equal(t, zap.WarnLevel, logs.All()[1].Level)
	assert.Equal(t, zap.ErrorLevel, logs.All()[2].Level)
}

func TestHelperMethods_ContextFields(t *testing.T) {
	resetLogger()

	core, logs := observer.New(zap.InfoLevel)
	testLogger := zap.New(core)
	logger = testLogger

	Info(context.Background(), "test1")
	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, "test1", logs.All()[0].Message)

	ctx := context.WithValue(context.Background(), CorrelationIDKey, "corr-123")
	ctx = context.WithValue(ctx, MeetingIDKey, "meeting-456")

	Info(ctx, "test2")

	assert.Equal(t, 2, logs.Len())
	entry := logs.All()[1]
	assert.Equal(t, "test2", entry.Message)

	fields := entry.ContextMap()
	assert.Equal(t, "corr-123", fields["correlation_id"])
	assert.Equal(t, "meeting-456", fields["meeting_id"])
}

func TestAppendContextFields(t *testing.T) {
	ctx := context.Background()
	ctx = context.WithValue(ctx, CorrelationIDKey, "Req1")
	ctx = context.WithValue(ctx, MeetingIDKey, "M1")
	ctx = context.WithValue(ctx, ServerIDKey, "S1")
	ctx = context.WithValue(ctx, CommandIDKey, "C1")

	fields := appendContextFields(ctx, []zap.Field{})

	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}

	assert.Equal(t, "Req1", enc.Fields["correlation_id"])
	assert.Equal(t, "M1", enc.Fields["meeting_id"])
	assert.Equal(t, "S1", enc.Fields["server_id"])
	assert.Equal(t, "C1", enc.Fields["command_id"])
	assert.Equal(t, "schedulight", enc.Fields["service"])
}

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "", RedactEmail(""))
	assert.Equal(t, "***", RedactEmail("plainstring"))
	assert.Equal(t, "***@example.com", RedactEmail("user@example.com"))
	assert.Equal(t, "***@sub.domain.com", RedactEmail("firstname.lastname@sub.domain.com"))
}
