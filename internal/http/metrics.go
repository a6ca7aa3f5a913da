package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/fyrsmithlabs/metapod/internal/http"

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// routeMetrics counts session API traffic per route template. Instruments
// that failed to register stay nil and are skipped.
type routeMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	body     metric.Int64Histogram
	inFlight metric.Int64UpDownCounter
}

// apiMetrics returns the middleware recording routeMetrics on the global
// meter provider.
func apiMetrics(logger *zap.Logger) echo.MiddlewareFunc {
	return newRouteMetrics(otel.Meter(meterName), logger).middleware()
}

func newRouteMetrics(meter metric.Meter, logger *zap.Logger) *routeMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	failed := func(name string, err error) {
		logger.Warn("registering api instrument failed", zap.String("instrument", name), zap.Error(err))
	}

	m := &routeMetrics{}
	var err error
	if m.requests, err = meter.Int64Counter("metapod.http.requests_total",
		metric.WithDescription("Session and approval API requests by route, method and status"),
		metric.WithUnit("{request}")); err != nil {
		failed("requests_total", err)
	}
	if m.latency, err = meter.Float64Histogram("metapod.http.request_duration_seconds",
		metric.WithDescription("Time spent serving a session or approval API request"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		failed("request_duration_seconds", err)
	}
	if m.body, err = meter.Int64Histogram("metapod.http.response_size_bytes",
		metric.WithDescription("Response body size; session summaries grow with the task ledger"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 50000, 100000, 500000)); err != nil {
		failed("response_size_bytes", err)
	}
	if m.inFlight, err = meter.Int64UpDownCounter("metapod.http.active_requests",
		metric.WithDescription("API requests being served, long-polling waits included"),
		metric.WithUnit("{request}")); err != nil {
		failed("active_requests", err)
	}
	return m
}

func (m *routeMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", routeLabel(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.body != nil {
				m.body.Record(ctx, c.Response().Size, attrs)
			}
			return err
		}
	}
}

// routeLabel maps requests that matched no route onto one label. Matched
// requests carry their route template, so session and request ids never
// become label values.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
