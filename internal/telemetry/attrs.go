package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metricOption converts a flat "k1", "v1", "k2", "v2" label list into a
// single metric.MeasurementOption carrying those attributes, matching the
// teacher's variadic labels... convention (telemetry/api.go).
func metricOption(labels []string) []metric.MeasurementOption {
	kvs := labelsToAttrs(labels)
	if len(kvs) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(kvs))
	for _, kv := range kvs {
		attrs = append(attrs, attribute.String(kv.key, kv.value))
	}
	return []metric.MeasurementOption{metric.WithAttributes(attrs...)}
}
