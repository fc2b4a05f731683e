// Package checkpoint persists and restores the fuzzer's full mutable
// state — virgin bitmaps, the seed corpus, and run counters — as a
// single JSON document, so a run can be resumed after SIGINT without
// rediscovering coverage it has already found.
package checkpoint

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/covgreyfuzz/covgreyfuzz/internal/monitor"
	"github.com/covgreyfuzz/covgreyfuzz/internal/scheduler"
)

// Version is bumped whenever the schema changes incompatibly.
const Version = 1

// SeedRecord is the on-disk form of a scheduler.Seed.
type SeedRecord struct {
	DataB64        string  `json:"data_b64"`
	CoverageBits   uint32  `json:"coverage_bits"`
	ExecTimeUS     uint64  `json:"exec_time_us"`
	ExecCount      uint64  `json:"exec_count"`
	Energy         float64 `json:"energy"`
	DiscoveredAtUS uint64  `json:"discovered_at_us"`
	Initial        bool    `json:"initial"`
}

// Checkpoint is the full JSON document written under
// checkpoints/checkpoint.json.
type Checkpoint struct {
	Version      int              `json:"version"`
	ElapsedS     float64          `json:"elapsed_s"`
	Stats        monitor.Stats    `json:"stats"`
	VirginBits   string           `json:"virgin_bits"`
	VirginCrash  string           `json:"virgin_crash"`
	VirginTmout  string           `json:"virgin_tmout"`
	Seeds        []SeedRecord     `json:"seeds"`
	RNGState     int64            `json:"rng_state"`
	NextQueueSeq uint64           `json:"next_queue_seq"`

	// Additive fields beyond the base schema; see SPEC_FULL.md §6.1.
	RunID       string `json:"run_id,omitempty"`
	StartedAtUS uint64 `json:"started_at_us,omitempty"`
}

// SeedsToRecords converts live scheduler seeds to their on-disk form.
func SeedsToRecords(seeds []*scheduler.Seed) []SeedRecord {
	out := make([]SeedRecord, len(seeds))
	for i, s := range seeds {
		out[i] = SeedRecord{
			DataB64:        base64.StdEncoding.EncodeToString(s.Data),
			CoverageBits:   s.CoverageBits,
			ExecTimeUS:     s.ExecTimeUS,
			ExecCount:      s.ExecCount,
			Energy:         s.Energy,
			DiscoveredAtUS: s.DiscoveredAtUS,
			Initial:        s.Initial,
		}
	}
	return out
}

// RecordsToSeeds converts on-disk seed records back to live seeds.
func RecordsToSeeds(records []SeedRecord) ([]*scheduler.Seed, error) {
	out := make([]*scheduler.Seed, len(records))
	for i, r := range records {
		data, err := base64.StdEncoding.DecodeString(r.DataB64)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: bad seed data at index %d: %w", i, err)
		}
		out[i] = &scheduler.Seed{
			Data:           data,
			CoverageBits:   r.CoverageBits,
			ExecTimeUS:     r.ExecTimeUS,
			ExecCount:      r.ExecCount,
			Energy:         r.Energy,
			DiscoveredAtUS: r.DiscoveredAtUS,
			Initial:        r.Initial,
		}
	}
	return out, nil
}

// Save writes cp to path as JSON. Per spec, a write error is logged by
// the caller and the loop continues; Save itself just reports it.
func Save(path string, cp Checkpoint) error {
	cp.Version = Version
	f, err := os.CreateTemp(filepath.Dir(path), "checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: failed to create temp file: %w", err)
	}
	tmpName := f.Name()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cp); err != nil {
		f.Close()
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: failed to encode: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: failed to close temp file: %w", err)
	}
	// Atomic rename so a crash mid-write never leaves a truncated
	// checkpoint behind.
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: failed to rename into place: %w", err)
	}
	return nil
}

// Load reads and decodes a checkpoint. Per spec, a read error on the
// resume path is fatal.
func Load(path string) (Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: failed to read %s: %w", path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: failed to decode %s: %w", path, err)
	}
	return cp, nil
}

// EncodeBitmap base64-encodes a virgin bitmap for storage.
func EncodeBitmap(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBitmap reverses EncodeBitmap.
func DecodeBitmap(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
