// Package telemetry provides OpenTelemetry initialization and semantic conventions for the viewer.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for viewer telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrSurface identifies the viewing surface a signal belongs to.
	AttrSurface = attribute.Key("surface.id")
	// AttrProtocol identifies the hanging protocol applied to a surface.
	AttrProtocol = attribute.Key("protocol.id")
	// AttrSeries identifies the series a volume was loaded from.
	AttrSeries = attribute.Key("series.id")
	// AttrStage records the loader milestone (references_fetched, volume_constructed, ...).
	AttrStage = attribute.Key("stage")
	// AttrSurfaceState records the lifecycle state a surface moved into.
	AttrSurfaceState = attribute.Key("surface.state")
	// AttrOperation differentiates specific operations (configure, destroy, load).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrSyncMode labels synchronization metrics by mode.
	AttrSyncMode = attribute.Key("sync.mode")
)

// Result values shared by operation metrics.
const (
	ResultSuccess   = "success"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
	ResultBusy      = "busy"
)

// SurfaceAttributes returns common attributes for surface lifecycle metrics.
func SurfaceAttributes(environment, surfaceID, protocolID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSurface.String(surfaceID),
	}
	if protocolID != "" {
		attrs = append(attrs, AttrProtocol.String(protocolID))
	}
	return attrs
}

// LoadAttributes returns attributes for volume load metrics.
func LoadAttributes(environment, seriesID, stage string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSeries.String(seriesID),
	}
	if stage != "" {
		attrs = append(attrs, AttrStage.String(stage))
	}
	return attrs
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, surfaceID, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSurface.String(surfaceID),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrOperation.String(operation),
	}
}
