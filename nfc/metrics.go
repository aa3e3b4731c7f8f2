package nfc

import (
	"github.com/rcrowley/go-metrics"
)

// Metrics groups the counters recorded by the tag engine.
type Metrics struct {
	Registry metrics.Registry

	Reads         metrics.Counter
	ReadFailures  metrics.Counter
	Writes        metrics.Counter
	WriteFailures metrics.Counter
	Busy          metrics.Counter
	AuthNative    metrics.Counter
	AuthFallback  metrics.Counter
	AuthFailures  metrics.Counter
	Emissions     metrics.Counter
	Transaction   metrics.Timer
}

// NewMetrics registers all counters in r, reusing ones already there.
// A nil registry gets a fresh one.
func NewMetrics(r metrics.Registry) *Metrics {
	if r == nil {
		r = metrics.NewRegistry()
	}
	return &Metrics{
		Registry:      r,
		Reads:         metrics.GetOrRegisterCounter("tag.reads", r),
		ReadFailures:  metrics.GetOrRegisterCounter("tag.read_failures", r),
		Writes:        metrics.GetOrRegisterCounter("tag.writes", r),
		WriteFailures: metrics.GetOrRegisterCounter("tag.write_failures", r),
		Busy:          metrics.GetOrRegisterCounter("guard.busy", r),
		AuthNative:    metrics.GetOrRegisterCounter("auth.native", r),
		AuthFallback:  metrics.GetOrRegisterCounter("auth.fallback", r),
		AuthFailures:  metrics.GetOrRegisterCounter("auth.failures", r),
		Emissions:     metrics.GetOrRegisterCounter("poller.emissions", r),
		Transaction:   metrics.GetOrRegisterTimer("tag.transaction", r),
	}
}

// defaultMetrics backs components constructed without explicit metrics.
var defaultMetrics = NewMetrics(metrics.DefaultRegistry)

// DefaultMetrics returns the process-wide metrics registered in metrics.DefaultRegistry.
func DefaultMetrics() *Metrics {
	return defaultMetrics
}
