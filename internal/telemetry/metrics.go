package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// instrumentCache memoizes OTel instruments by name so repeated Counter/
// Histogram/Gauge calls don't re-create them on every invocation, mirroring
// the teacher's telemetry.Counter/Histogram/Gauge level-1 API (telemetry/api.go).
type instrumentCache struct {
	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

var cache = &instrumentCache{
	counters:   make(map[string]metric.Float64Counter),
	histograms: make(map[string]metric.Float64Histogram),
}

func (c *instrumentCache) counter(name string) metric.Float64Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.counters[name]; ok {
		return inst
	}
	inst, _ := Meter().Float64Counter(name)
	c.counters[name] = inst
	return inst
}

func (c *instrumentCache) histogram(name string) metric.Float64Histogram {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.histograms[name]; ok {
		return inst
	}
	inst, _ := Meter().Float64Histogram(name)
	c.histograms[name] = inst
	return inst
}

func labelsToAttrs(labels []string) []attrKV {
	out := make([]attrKV, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		out = append(out, attrKV{labels[i], labels[i+1]})
	}
	return out
}

type attrKV struct {
	key, value string
}

// Counter increments a named counter metric by 1. Labels are key-value pairs:
// Counter("discovery.registrations", "service_type", "agent").
func Counter(name string, labels ...string) {
	inst := cache.counter(name)
	if inst == nil {
		return
	}
	inst.Add(context.Background(), 1, metricOption(labels)...)
}

// Histogram records value in a distribution, for latencies and sizes.
func Histogram(name string, value float64, labels ...string) {
	inst := cache.histogram(name)
	if inst == nil {
		return
	}
	inst.Record(context.Background(), value, metricOption(labels)...)
}

// Gauge records a point-in-time value. OTel gauges require async callbacks,
// so — like the teacher — we record gauges as histogram observations, which
// gives equivalent dashboarding for the point-in-time values this repo emits
// (queue depth, concurrent load).
func Gauge(name string, value float64, labels ...string) {
	Histogram(name, value, labels...)
}
