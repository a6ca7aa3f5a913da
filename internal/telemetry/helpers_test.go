package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func metricOpt(kind string) metric.AddOption {
	return metric.WithAttributes(attribute.String("kind", kind))
}
