package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covgreyfuzz/covgreyfuzz/internal/monitor"
	"github.com/covgreyfuzz/covgreyfuzz/internal/scheduler"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")

	seeds := []*scheduler.Seed{
		{Data: []byte("seed-a"), CoverageBits: 5, ExecTimeUS: 100, ExecCount: 2, Energy: 42.5, Initial: true},
		{Data: []byte("seed-b"), CoverageBits: 9, ExecTimeUS: 50, ExecCount: 0, Energy: 150},
	}

	want := Checkpoint{
		ElapsedS:     12.5,
		Stats:        monitor.Stats{TotalExecs: 1000, TotalCrashes: 2, SavedCrashes: 1},
		VirginBits:   EncodeBitmap([]byte{0xFF, 0x00, 0x0F}),
		VirginCrash:  EncodeBitmap([]byte{0xFF, 0xFF}),
		VirginTmout:  EncodeBitmap([]byte{0xFF, 0xFF}),
		Seeds:        SeedsToRecords(seeds),
		RNGState:     987654321,
		NextQueueSeq: 17,
		RunID:        "test-run",
		StartedAtUS:  123,
	}

	require.NoError(t, Save(path, want))
	got, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, Version, got.Version)
	assert.Equal(t, want.ElapsedS, got.ElapsedS)
	assert.Equal(t, want.Stats, got.Stats)
	assert.Equal(t, want.VirginBits, got.VirginBits)
	assert.Equal(t, want.VirginCrash, got.VirginCrash)
	assert.Equal(t, want.VirginTmout, got.VirginTmout)
	assert.Equal(t, want.Seeds, got.Seeds)
	assert.Equal(t, want.RNGState, got.RNGState)
	assert.Equal(t, want.NextQueueSeq, got.NextQueueSeq)
	assert.Equal(t, want.RunID, got.RunID)

	restoredSeeds, err := RecordsToSeeds(got.Seeds)
	require.NoError(t, err)
	require.Len(t, restoredSeeds, 2)
	assert.Equal(t, "seed-a", string(restoredSeeds[0].Data))
	assert.True(t, restoredSeeds[0].Initial)
	assert.Equal(t, "seed-b", string(restoredSeeds[1].Data))
}

func TestLoadMissingFileIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestBitmapEncodeDecodeRoundTrip(t *testing.T) {
	raw := []byte{0x00, 0xFF, 0x42, 0xAA}
	encoded := EncodeBitmap(raw)
	decoded, err := DecodeBitmap(encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}
