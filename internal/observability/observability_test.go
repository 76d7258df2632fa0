package observability_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/davidbz/meterproxy/internal/observability"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	observability.SetLogger(zap.New(core))
	t.Cleanup(func() { observability.SetLogger(nil) })
	return logs
}

func TestFromContext(t *testing.T) {
	t.Run("should attach request fields from context", func(t *testing.T) {
		logs := observe(t)

		ctx := observability.WithRequestID(context.Background(), "req-1")
		ctx = observability.WithUser(ctx, "Angela")
		ctx = observability.WithEndpoint(ctx, "endpoint-1")
		ctx = observability.WithModel(ctx, "gpt-4o")

		observability.FromContext(ctx).Info("attempt started")

		require.Equal(t, 1, logs.Len())
		fields := logs.All()[0].ContextMap()
		require.Equal(t, "req-1", fields["request_id"])
		require.Equal(t, "Angela", fields["user"])
		require.Equal(t, "endpoint-1", fields["endpoint"])
		require.Equal(t, "gpt-4o", fields["model"])
	})

	t.Run("should omit fields that are not set", func(t *testing.T) {
		logs := observe(t)

		observability.FromContext(context.Background()).Info("bare")

		require.Empty(t, logs.All()[0].ContextMap())
	})
}

func TestGenerateIDs(t *testing.T) {
	require.Len(t, observability.GenerateTraceID(), 32)
	require.Len(t, observability.GenerateSpanID(), 16)
	require.NotEqual(t, observability.GenerateRequestID(), observability.GenerateRequestID())
}

func TestInitLogger(t *testing.T) {
	t.Run("should reject an unknown level", func(t *testing.T) {
		_, err := observability.InitLogger(&observability.LogConfig{Level: "loud"})
		require.Error(t, err)
	})

	t.Run("should honour the configured level", func(t *testing.T) {
		logger, err := observability.InitLogger(&observability.LogConfig{Level: "warn"})
		require.NoError(t, err)
		t.Cleanup(func() { observability.SetLogger(nil) })

		require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
		require.True(t, logger.Core().Enabled(zapcore.WarnLevel))
	})
}

func TestEventBus_Publish(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	bus := observability.NewEventBus(zap.New(core))

	bus.Publish(context.Background(), "endpoint.health_transition", map[string]interface{}{
		"endpoint_id": "endpoint-1",
		"from":        "healthy",
		"to":          "degraded",
	})

	entries := logs.FilterMessage("endpoint.health_transition").All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	require.Equal(t, "endpoint.health_transition", fields["event"])
	require.Equal(t, "endpoint-1", fields["endpoint_id"])
	require.Equal(t, "degraded", fields["to"])
}
