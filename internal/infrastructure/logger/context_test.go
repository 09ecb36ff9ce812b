package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAndFromContext(t *testing.T) {
	log := zap.NewNop()
	ctx := WithContext(context.Background(), log)

	assert.Same(t, log, FromContext(ctx))
}

func TestFromContext_MissingLogger(t *testing.T) {
	log := FromContext(context.Background())

	require.NotNil(t, log)
	// Must be safe to use
	log.Info("no-op")
}

func TestWithTenantID(t *testing.T) {
	core, observed := observer.New(zap.InfoLevel)
	log := zap.New(core)

	ctx, enriched := WithTenantID(context.Background(), log, "tenant-42")
	enriched.Info("recorded")

	assert.Equal(t, "tenant-42", GetTenantID(ctx))

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "tenant-42", entries[0].ContextMap()["tenant_id"])
}

func TestWithRequestID(t *testing.T) {
	ctx, _ := WithRequestID(context.Background(), zap.NewNop(), "req-1")
	assert.Equal(t, "req-1", GetRequestID(ctx))
}

func TestWithUserID(t *testing.T) {
	ctx, _ := WithUserID(context.Background(), zap.NewNop(), "user-7")
	assert.Equal(t, "user-7", GetUserID(ctx))
}

func TestGetters_EmptyContext(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetTenantID(ctx))
	assert.Empty(t, GetUserID(ctx))
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetSpanID(ctx))
}

func TestTraceCorrelation(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	traceID := GetTraceID(ctx)
	spanID := GetSpanID(ctx)
	assert.NotEmpty(t, traceID)
	assert.NotEmpty(t, spanID)

	core, observed := observer.New(zap.InfoLevel)
	WithTraceContext(ctx, zap.New(core)).Info("traced")

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Equal(t, traceID, entries[0].ContextMap()["trace_id"])
	assert.Equal(t, spanID, entries[0].ContextMap()["span_id"])
}

func TestWithTraceContext_NoSpan(t *testing.T) {
	log := zap.NewNop()
	assert.Same(t, log, WithTraceContext(context.Background(), log))
}

func TestEnrich(t *testing.T) {
	core, observed := observer.New(zap.InfoLevel)
	log := zap.New(core)

	ctx := context.Background()
	ctx, _ = WithRequestID(ctx, zap.NewNop(), "req-9")
	ctx, _ = WithTenantID(ctx, zap.NewNop(), "tenant-9")
	ctx, _ = WithUserID(ctx, zap.NewNop(), "user-9")

	Enrich(ctx, log).Info("enriched")

	entries := observed.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-9", fields["request_id"])
	assert.Equal(t, "tenant-9", fields["tenant_id"])
	assert.Equal(t, "user-9", fields["user_id"])
}

func TestEnrich_NilLogger(t *testing.T) {
	log := Enrich(context.Background(), nil)

	require.NotNil(t, log)
	log.Info("safe")
}

func TestL_UsesContextLogger(t *testing.T) {
	core, observed := observer.New(zap.InfoLevel)
	ctx, _ := WithTenantID(context.Background(), zap.New(core), "tenant-l")

	L(ctx).Info("shorthand")

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "tenant-l", entries[0].ContextMap()["tenant_id"])
}
