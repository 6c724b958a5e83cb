package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"cloud.google.com/go/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloudLoggingHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCloudLoggingHandlerTo(&buf, slog.LevelInfo)).With(slog.String(UserIDLogField, "u1"))

	ctx := WithTrace(context.Background(), "projects/p/traces/abc")
	logger.DebugContext(ctx, "dropped")
	logger.WarnContext(ctx, "request sent", slog.String("recipient", "u2"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARNING", entry["severity"])
	assert.Equal(t, "request sent", entry["message"])
	assert.Equal(t, "u1", entry[UserIDLogField])
	assert.Equal(t, "u2", entry["recipient"])
	assert.Equal(t, "projects/p/traces/abc", entry[TraceLogField])
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		level    slog.Level
		expected string
		cloud    logging.Severity
	}{
		{level: slog.LevelDebug, expected: "DEBUG", cloud: logging.Debug},
		{level: slog.LevelInfo, expected: "INFO", cloud: logging.Info},
		{level: slog.LevelWarn, expected: "WARNING", cloud: logging.Warning},
		{level: slog.LevelError, expected: "ERROR", cloud: logging.Error},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, severity(tt.level))
			assert.Equal(t, tt.cloud, cloudSeverity(tt.level))
		})
	}
}

func TestLoggerFromContext(t *testing.T) {
	logger := slog.New(NewCloudLoggingHandlerTo(&bytes.Buffer{}, slog.LevelInfo))
	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, LoggerFromContext(ctx))
	assert.NotNil(t, LoggerFromContext(context.Background()))
}
