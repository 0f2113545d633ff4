package viewport

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/mprview/errs"
	"github.com/coachpo/mprview/internal/infra/telemetry"
)

type managerMetrics struct {
	configureCounter  metric.Int64Counter
	configureDuration metric.Float64Histogram
	transitionCounter metric.Int64Counter
	viewportFailures  metric.Int64Counter
	destroyCounter    metric.Int64Counter
}

func newManagerMetrics() managerMetrics {
	meter := otel.Meter("viewport.manager")
	var m managerMetrics
	m.configureCounter, _ = meter.Int64Counter("viewport.configure.count",
		metric.WithDescription("Surface configure calls by result"),
		metric.WithUnit("{call}"))
	m.configureDuration, _ = meter.Float64Histogram("viewport.configure.duration",
		metric.WithDescription("Time for a surface to settle after configure"),
		metric.WithUnit("ms"))
	m.transitionCounter, _ = meter.Int64Counter("viewport.surface.transitions",
		metric.WithDescription("Surface state transitions"),
		metric.WithUnit("{transition}"))
	m.viewportFailures, _ = meter.Int64Counter("viewport.failures",
		metric.WithDescription("Viewports that failed to show a volume, by error code"),
		metric.WithUnit("{viewport}"))
	m.destroyCounter, _ = meter.Int64Counter("viewport.surface.destroyed",
		metric.WithDescription("Surfaces torn down"),
		metric.WithUnit("{surface}"))
	return m
}

func (m managerMetrics) configured(ctx context.Context, surfaceID, protocolID, result string, start time.Time) {
	if m.configureCounter == nil {
		return
	}
	attrs := append(telemetry.SurfaceAttributes(telemetry.Environment(), surfaceID, protocolID), telemetry.AttrResult.String(result))
	m.configureCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.configureDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
}

func (m managerMetrics) transition(ctx context.Context, t Transition) {
	if m.transitionCounter == nil {
		return
	}
	attrs := append(telemetry.SurfaceAttributes(telemetry.Environment(), t.SurfaceID, ""), telemetry.AttrSurfaceState.String(string(t.To)))
	m.transitionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m managerMetrics) viewportFailed(ctx context.Context, surfaceID, protocolID string, code errs.Code) {
	if m.viewportFailures == nil {
		return
	}
	attrs := append(telemetry.SurfaceAttributes(telemetry.Environment(), surfaceID, protocolID), telemetry.AttrErrorType.String(string(code)))
	m.viewportFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m managerMetrics) destroyed(ctx context.Context, surfaceID string) {
	if m.destroyCounter == nil {
		return
	}
	m.destroyCounter.Add(ctx, 1, metric.WithAttributes(telemetry.SurfaceAttributes(telemetry.Environment(), surfaceID, "")...))
}
