// Package report writes the filesystem artifacts external collaborators
// consume: the timeline CSV, stats/final-report JSON snapshots, and a
// narrow seam (PlotWriter) for the plot-generation collaborator, which
// this module does not implement (evaluation/plot generation is an
// explicit out-of-scope collaborator).
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/covgreyfuzz/covgreyfuzz/internal/monitor"
)

// TimelineRow is one row of timeline.csv. The column set is the single
// source of truth for the evaluator collaborator; do not reorder.
type TimelineRow struct {
	ElapsedS     float64
	TotalExecs   uint64
	ExecRate     float64
	TotalCrashes uint64
	SavedCrashes uint64
	TotalHangs   uint64
	SavedHangs   uint64
	CoverageBits uint64
}

var timelineHeader = []string{
	"elapsed_s", "total_execs", "exec_rate", "total_crashes",
	"saved_crashes", "total_hangs", "saved_hangs", "coverage_bits",
}

// Timeline appends rows to timeline.csv, writing the header once if
// the file does not yet exist.
type Timeline struct {
	path string
}

// NewTimeline opens (creating if needed) the timeline CSV at path.
func NewTimeline(path string) (*Timeline, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("report: failed to create timeline: %w", err)
		}
		w := csv.NewWriter(f)
		if err := w.Write(timelineHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("report: failed to write timeline header: %w", err)
		}
		w.Flush()
		f.Close()
	}
	return &Timeline{path: path}, nil
}

// Append writes one row, flushing immediately so a crash mid-run
// leaves the timeline intact up to the last recorded row.
func (t *Timeline) Append(row TimelineRow) error {
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("report: failed to open timeline: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	err = w.Write([]string{
		strconv.FormatFloat(row.ElapsedS, 'f', 3, 64),
		strconv.FormatUint(row.TotalExecs, 10),
		strconv.FormatFloat(row.ExecRate, 'f', 3, 64),
		strconv.FormatUint(row.TotalCrashes, 10),
		strconv.FormatUint(row.SavedCrashes, 10),
		strconv.FormatUint(row.TotalHangs, 10),
		strconv.FormatUint(row.SavedHangs, 10),
		strconv.FormatUint(row.CoverageBits, 10),
	})
	if err != nil {
		return fmt.Errorf("report: failed to write timeline row: %w", err)
	}
	w.Flush()
	return w.Error()
}

// RunMeta is stamped alongside MonitorStats in stats.json and
// final_report.json.
type RunMeta struct {
	RunID     string `json:"run_id"`
	Target    string `json:"target"`
	StartedAt string `json:"started_at"`
	ElapsedS  float64 `json:"elapsed_s"`
}

// Snapshot is the combined document written to stats.json and
// final_report.json.
type Snapshot struct {
	RunMeta RunMeta       `json:"run_meta"`
	Stats   monitor.Stats `json:"stats"`
}

// WriteJSON writes a Snapshot to path as indented JSON.
func WriteJSON(path string, snap Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: failed to create %s: %w", path, err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("report: failed to encode %s: %w", path, err)
	}
	return nil
}

// PlotWriter is the seam for the plot-generation collaborator
// (plot_coverage.png, plot_crashes.png, plot_executions.png,
// plot_exec_rate.png), deliberately left out of scope. A no-op
// implementation satisfies the interface so the fuzz loop can call it
// unconditionally without special-casing "no plotting configured."
type PlotWriter interface {
	WritePlots(timelinePath, outputDir string) error
}

// NoopPlotWriter implements PlotWriter by doing nothing.
type NoopPlotWriter struct{}

func (NoopPlotWriter) WritePlots(string, string) error { return nil }
