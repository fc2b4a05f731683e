package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covgreyfuzz/covgreyfuzz/internal/monitor"
)

func TestObserveTracksMonotonicDeltas(t *testing.T) {
	r := NewRegistry()

	r.Observe(monitor.Stats{TotalExecs: 10, TotalCrashes: 1, SavedCrashes: 1, CoverageBits: 50})
	r.Observe(monitor.Stats{TotalExecs: 25, TotalCrashes: 3, SavedCrashes: 1, CoverageBits: 80})

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, fam := range families {
		for _, m := range fam.Metric {
			switch {
			case m.Counter != nil:
				values[fam.GetName()] = m.Counter.GetValue()
			case m.Gauge != nil:
				values[fam.GetName()] = m.Gauge.GetValue()
			}
		}
	}

	assert.Equal(t, 25.0, values["fuzz_total_execs"])
	assert.Equal(t, 3.0, values["fuzz_total_crashes"])
	assert.Equal(t, 1.0, values["fuzz_saved_crashes"])
	assert.Equal(t, 80.0, values["fuzz_coverage_bits"])
}
