// Package metrics exposes MonitorStats as Prometheus metrics for the
// evaluator collaborator to scrape, mirroring the counters/gauges that
// timeline.csv and stats.json already carry. This is additive
// observability, not the spec's source of truth.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/covgreyfuzz/covgreyfuzz/internal/monitor"
)

// Registry groups the metrics this fuzzer exposes.
type Registry struct {
	TotalExecs   prometheus.Counter
	TotalCrashes prometheus.Counter
	SavedCrashes prometheus.Counter
	TotalHangs   prometheus.Counter
	SavedHangs   prometheus.Counter
	CoverageBits prometheus.Gauge

	reg *prometheus.Registry

	lastExecs, lastCrashes, lastSavedCrashes, lastHangs, lastSavedHangs uint64
}

// NewRegistry constructs and registers a fresh metric set against its
// own prometheus.Registry (not the global default, so multiple fuzz
// runs in one process never collide).
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.TotalExecs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fuzz_total_execs", Help: "Total number of target executions.",
	})
	r.TotalCrashes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fuzz_total_crashes", Help: "Total number of crashing executions.",
	})
	r.SavedCrashes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fuzz_saved_crashes", Help: "Number of unique crashes saved to disk.",
	})
	r.TotalHangs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fuzz_total_hangs", Help: "Total number of hanging executions.",
	})
	r.SavedHangs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fuzz_saved_hangs", Help: "Number of unique hangs saved to disk.",
	})
	r.CoverageBits = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fuzz_coverage_bits", Help: "Total discovered edge/bucket bits.",
	})

	r.reg.MustRegister(r.TotalExecs, r.TotalCrashes, r.SavedCrashes, r.TotalHangs, r.SavedHangs, r.CoverageBits)
	return r
}

// Gatherer exposes the underlying registry for promhttp.HandlerFor.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Observe advances each counter by the delta since the last Observe
// call and sets the coverage gauge to its current value. Counters are
// monotonic by construction (MonitorStats never decreases within a
// run), so Add(delta) is always valid.
func (r *Registry) Observe(s monitor.Stats) {
	r.TotalExecs.Add(float64(s.TotalExecs - r.lastExecs))
	r.TotalCrashes.Add(float64(s.TotalCrashes - r.lastCrashes))
	r.SavedCrashes.Add(float64(s.SavedCrashes - r.lastSavedCrashes))
	r.TotalHangs.Add(float64(s.TotalHangs - r.lastHangs))
	r.SavedHangs.Add(float64(s.SavedHangs - r.lastSavedHangs))
	r.CoverageBits.Set(float64(s.CoverageBits))

	r.lastExecs = s.TotalExecs
	r.lastCrashes = s.TotalCrashes
	r.lastSavedCrashes = s.SavedCrashes
	r.lastHangs = s.TotalHangs
	r.lastSavedHangs = s.SavedHangs
}
