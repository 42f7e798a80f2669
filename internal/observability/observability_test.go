package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/artifact-registry/config"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		level   string
		format  string
		want    zapcore.Level
		wantErr bool
	}{
		{name: "production json", env: "production", level: "info", format: "text", want: zapcore.InfoLevel},
		{name: "development console", env: "development", level: "debug", format: "text", want: zapcore.DebugLevel},
		{name: "uppercase level", env: "development", level: "WARN", format: "json", want: zapcore.WarnLevel},
		{name: "bad level", env: "development", level: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				Environment: tt.env,
				Observability: config.ObservabilityConfig{
					ServiceName: "artifact-registry",
					LogLevel:    tt.level,
					LogFormat:   tt.format,
				},
			}

			logger, err := NewLogger(cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.want))
			assert.False(t, logger.Core().Enabled(tt.want-1))
		})
	}
}

func TestNewTracerProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled installs noop", func(t *testing.T) {
		tp, err := NewTracerProvider(ctx, config.ObservabilityConfig{}, zap.NewNop())
		require.NoError(t, err)

		_, span := otel.Tracer("test").Start(ctx, "op")
		assert.False(t, span.SpanContext().IsValid())
		span.End()
		assert.NoError(t, tp.Shutdown(ctx))
	})

	t.Run("stdout exporter", func(t *testing.T) {
		tp, err := NewTracerProvider(ctx, config.ObservabilityConfig{
			ServiceName:       "artifact-registry",
			TracingEnabled:    true,
			TracingExporter:   "stdout",
			TracingSampleRate: 1,
		}, zap.NewNop())
		require.NoError(t, err)
		defer func() { assert.NoError(t, tp.Shutdown(ctx)) }()

		_, span := otel.Tracer("test").Start(ctx, "op")
		assert.True(t, span.SpanContext().IsValid())
		span.End()
	})

	t.Run("unknown exporter", func(t *testing.T) {
		_, err := NewTracerProvider(ctx, config.ObservabilityConfig{
			TracingEnabled:  true,
			TracingExporter: "zipkin",
		}, zap.NewNop())
		assert.Error(t, err)
	})
}
