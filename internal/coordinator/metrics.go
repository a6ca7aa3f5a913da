package coordinator

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	sessions    metric.Int64Counter
	phases      metric.Int64Counter
	transitions metric.Int64Counter
	approvals   metric.Int64Counter
	blocks      metric.Int64Counter
}

func newInstruments(m metric.Meter) *instruments {
	i := &instruments{}
	i.sessions, _ = m.Int64Counter("metapod_sessions_started_total",
		metric.WithDescription("Sessions started"))
	i.phases, _ = m.Int64Counter("metapod_phase_advances_total",
		metric.WithDescription("Phase advances by entered phase"))
	i.transitions, _ = m.Int64Counter("metapod_task_transitions_total",
		metric.WithDescription("Task status transitions by kind and target status"))
	i.approvals, _ = m.Int64Counter("metapod_approvals_total",
		metric.WithDescription("Approval requests and decisions by purpose and action"))
	i.blocks, _ = m.Int64Counter("metapod_session_blocks_total",
		metric.WithDescription("Sessions blocked by reason"))
	return i
}

func metricAttrs(kv ...attribute.KeyValue) metric.AddOption {
	return metric.WithAttributes(kv...)
}
