package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/metapod/internal/autonomy"
	"github.com/fyrsmithlabs/metapod/internal/fault"
	"github.com/fyrsmithlabs/metapod/internal/session"
)

const meterName = "github.com/fyrsmithlabs/metapod/internal/mcp"

// toolMetrics records metapod_* tool calls. Instruments that failed to
// register stay nil and are skipped.
type toolMetrics struct {
	calls    metric.Int64Counter
	latency  metric.Float64Histogram
	failures metric.Int64Counter
	inFlight metric.Int64UpDownCounter
}

func newToolMetrics(meter metric.Meter, logger *zap.Logger) *toolMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	failed := func(name string, err error) {
		logger.Warn("registering tool instrument failed", zap.String("instrument", name), zap.Error(err))
	}

	m := &toolMetrics{}
	var err error
	if m.calls, err = meter.Int64Counter("metapod.mcp.tool.invocations_total",
		metric.WithDescription("Session, approval and report tool calls by tool"),
		metric.WithUnit("{invocation}")); err != nil {
		failed("invocations_total", err)
	}
	if m.latency, err = meter.Float64Histogram("metapod.mcp.tool.duration_seconds",
		metric.WithDescription("Time a tool call took, by tool"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60)); err != nil {
		failed("duration_seconds", err)
	}
	if m.failures, err = meter.Int64Counter("metapod.mcp.tool.errors_total",
		metric.WithDescription("Failed tool calls by tool and error class"),
		metric.WithUnit("{error}")); err != nil {
		failed("errors_total", err)
	}
	if m.inFlight, err = meter.Int64UpDownCounter("metapod.mcp.tool.active_requests",
		metric.WithDescription("Tool calls in progress"),
		metric.WithUnit("{request}")); err != nil {
		failed("active_requests", err)
	}
	return m
}

// observe marks a call of tool as started. The returned func records how it
// ended.
func (m *toolMetrics) observe(ctx context.Context, tool string) func(err error) {
	start := time.Now()
	byTool := metric.WithAttributes(attribute.String("tool", tool))
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, byTool)
	}
	return func(err error) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, byTool)
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, byTool)
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(start).Seconds(), byTool)
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("reason", errorClass(err))))
		}
	}
}

// errorClass maps err onto its engine error class, with not_found and
// conflict split out of validation.
func errorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, autonomy.ErrRequestNotFound):
		return "not_found"
	case errors.Is(err, session.ErrSessionAlreadyActive), errors.Is(err, session.ErrSessionTerminal):
		return "conflict"
	default:
		return string(fault.ClassOf(err))
	}
}
