package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/fault"
	"github.com/fyrsmithlabs/metapod/internal/session"
)

func newTestMetrics(t *testing.T) (*toolMetrics, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return newToolMetrics(mp.Meter(meterName), zap.NewNop()), reader
}

func sumOf(t *testing.T, reader *metric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestToolMetrics_Observe(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.observe(ctx, "metapod_status")(nil)
	m.observe(ctx, "metapod_status")(session.ErrSessionNotFound)

	assert.Equal(t, int64(2), sumOf(t, reader, "metapod.mcp.tool.invocations_total"))
	assert.Equal(t, int64(1), sumOf(t, reader, "metapod.mcp.tool.errors_total"))
	assert.Zero(t, sumOf(t, reader, "metapod.mcp.tool.active_requests"))
}

func TestToolMetrics_InFlight(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	first := m.observe(ctx, "metapod_start")
	m.observe(ctx, "metapod_start")
	first(nil)

	assert.Equal(t, int64(1), sumOf(t, reader, "metapod.mcp.tool.active_requests"))
}

func TestToolMetrics_NilInstruments(t *testing.T) {
	m := &toolMetrics{}
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.observe(ctx, "metapod_list")(errors.New("boom"))
	})
}

func TestErrorClass(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"session not found", fmt.Errorf("status: %w", session.ErrSessionNotFound), "not_found"},
		{"request not found", autonomy.ErrRequestNotFound, "not_found"},
		{"already active", session.ErrSessionAlreadyActive, "conflict"},
		{"terminal", session.ErrSessionTerminal, "conflict"},
		{"transient", fault.New(fault.Transient, "research", errors.New("timeout")), string(fault.Transient)},
		{"validation", fault.Validationf("start", "empty request"), string(fault.Validation)},
		{"unclassified", errors.New("boom"), string(fault.ClassOf(errors.New("boom")))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorClass(tt.err))
		})
	}
}
