package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/metapod/internal/config"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)
	assert.True(t, tel.Health().Healthy)
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestValidate(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	assert.NoError(t, cfg.Validate())

	cfg.Endpoint = "collector.example.com:4317"
	assert.Error(t, cfg.Validate(), "insecure remote endpoint")

	cfg.Insecure = false
	assert.NoError(t, cfg.Validate())

	cfg.SampleRate = 2
	assert.Error(t, cfg.Validate())
}

func TestIsLocalEndpoint(t *testing.T) {
	for ep, want := range map[string]bool{
		"localhost:4317":        true,
		"127.0.0.1:4317":        true,
		"[::1]:4317":            true,
		"http://localhost:4318": true,
		"otel.internal:4317":    false,
		"https://10.0.0.4:4318": false,
	} {
		assert.Equal(t, want, isLocalEndpoint(ep), ep)
	}
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.TelemetryConfig{Enabled: true, Protocol: "http/protobuf", SampleRate: 0.5}, "1.2.3")
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, 0.5, cfg.SampleRate)
}

func TestTestTelemetry_RecordsSpansAndCounters(t *testing.T) {
	tel := NewTestTelemetry()
	ctx, span := tel.Tracer("test").Start(context.Background(), "op")
	span.SetAttributes(attribute.String("kind", "edit"))
	span.End()

	c, err := tel.Meter("test").Int64Counter("ops_total")
	require.NoError(t, err)
	c.Add(ctx, 2, metricOpt("edit"))
	c.Add(ctx, 1, metricOpt("ship"))

	tel.AssertSpanExists(t, "op")
	tel.AssertSpanAttribute(t, "op", "kind", "edit")
	assert.Equal(t, int64(2), tel.CounterValue(t, "ops_total", attribute.String("kind", "edit")))
	assert.Equal(t, int64(3), tel.CounterValue(t, "ops_total"))
}
