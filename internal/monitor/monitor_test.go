package monitor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covgreyfuzz/covgreyfuzz/internal/executor"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	m, err := New(Config{OutputDir: t.TempDir(), StderrMaxLen: 1024, CrashInfoMaxLen: 1024}, 64)
	require.NoError(t, err)
	return m
}

func TestProcessExecutionNewCoverageEntersQueue(t *testing.T) {
	m := newTestMonitor(t)
	cov := make([]byte, 64)
	cov[0] = 1

	isNew, err := m.ProcessExecution([]byte("seed"), executor.Result{Coverage: cov})
	require.NoError(t, err)
	assert.True(t, isNew)

	entries, err := os.ReadDir(filepath.Join(m.cfg.OutputDir, "queue"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestProcessExecutionSameCoverageNotNew(t *testing.T) {
	m := newTestMonitor(t)
	cov := make([]byte, 64)
	cov[0] = 1

	isNew1, err := m.ProcessExecution([]byte("seed"), executor.Result{Coverage: cov})
	require.NoError(t, err)
	assert.True(t, isNew1)

	isNew2, err := m.ProcessExecution([]byte("seed2"), executor.Result{Coverage: cov})
	require.NoError(t, err)
	assert.False(t, isNew2)
}

func TestCrashedXorHangedNeverBoth(t *testing.T) {
	m := newTestMonitor(t)
	cov := make([]byte, 64)
	_, err := m.ProcessExecution([]byte("x"), executor.Result{Coverage: cov, Crashed: true, Hanged: true, Stderr: []byte("boom")})
	require.NoError(t, err)
	// Hanged takes precedence at the executor layer; the monitor trusts
	// whichever flag it is handed. This test documents that the
	// monitor routes hang-priority results through handleHang, not
	// handleCrash, when both flags are set.
	stats := m.Stats()
	assert.Equal(t, uint64(0), stats.TotalCrashes)
	assert.Equal(t, uint64(1), stats.TotalHangs)
}

func TestCrashDedupSavesOnce(t *testing.T) {
	m := newTestMonitor(t)
	cov := make([]byte, 64)
	cov[0] = 1

	res := executor.Result{Coverage: cov, Crashed: true, Stderr: []byte("segfault at 0xdead")}
	_, err := m.ProcessExecution([]byte("crash-input"), res)
	require.NoError(t, err)
	_, err = m.ProcessExecution([]byte("crash-input"), res)
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.TotalCrashes)
	assert.Equal(t, uint64(1), stats.SavedCrashes)

	entries, err := os.ReadDir(filepath.Join(m.cfg.OutputDir, "crashes"))
	require.NoError(t, err)
	// one raw input file + one .stderr sibling
	assert.Len(t, entries, 2)
}

func TestHangDedupSavesAtMostOnce(t *testing.T) {
	m := newTestMonitor(t)
	cov := make([]byte, 64)
	cov[1] = 2

	res := executor.Result{Coverage: cov, Hanged: true}
	for i := 0; i < 3; i++ {
		_, err := m.ProcessExecution([]byte("slow-input"), res)
		require.NoError(t, err)
	}

	stats := m.Stats()
	assert.Equal(t, uint64(3), stats.TotalHangs)
	assert.LessOrEqual(t, stats.SavedHangs, uint64(1))
}

func TestVirginBitsMonotonicallyNonIncreasing(t *testing.T) {
	m := newTestMonitor(t)
	onesBefore := countOnes(m.virginBits)

	cov := make([]byte, 64)
	cov[0] = 0xFF
	_, err := m.ProcessExecution([]byte("x"), executor.Result{Coverage: cov})
	require.NoError(t, err)

	onesAfter := countOnes(m.virginBits)
	assert.LessOrEqual(t, onesAfter, onesBefore)
}

func TestSavedCrashesNeverExceedsFilesOnDisk(t *testing.T) {
	m := newTestMonitor(t)

	// Two distinct crashes that clear different virgin_crash bits but
	// share a dedup key (identical stderr text): saved_crashes must
	// count only the one file that actually landed on disk.
	cov1 := make([]byte, 64)
	cov1[0] = 1
	cov2 := make([]byte, 64)
	cov2[1] = 1
	same := []byte("segfault, symbolize=0 strips the detail")

	_, err := m.ProcessExecution([]byte("a"), executor.Result{Coverage: cov1, Crashed: true, Stderr: same})
	require.NoError(t, err)
	_, err = m.ProcessExecution([]byte("b"), executor.Result{Coverage: cov2, Crashed: true, Stderr: same})
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(m.cfg.OutputDir, "crashes"))
	require.NoError(t, err)
	filesOnDisk := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".stderr" {
			filesOnDisk++
		}
	}
	assert.LessOrEqual(t, int(m.Stats().SavedCrashes), filesOnDisk)
}

func TestDedupKeyDiffersForDifferingRawStderrText(t *testing.T) {
	a := dedupKey([]byte("segfault at address 0x1234"), []byte{1, 2})
	b := dedupKey([]byte("segfault at address 0x5678"), []byte{1, 2})
	assert.NotEqual(t, a, b, "raw-text fallback is not expected to dedup differing addresses without a panic dump")
}

func TestDedupKeyEmptyStderrFallsBackToBitmap(t *testing.T) {
	a := dedupKey(nil, []byte{1, 2, 3})
	b := dedupKey(nil, []byte{1, 2, 3})
	c := dedupKey(nil, []byte{4, 5, 6})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestPanicSignatureReturnsNilForNonPanicText(t *testing.T) {
	assert.Nil(t, panicSignature([]byte("plain stderr output, not a panic dump")))
}

func TestRestoreRoundTrip(t *testing.T) {
	m := newTestMonitor(t)
	cov := make([]byte, 64)
	cov[0] = 1
	_, err := m.ProcessExecution([]byte("seed"), executor.Result{Coverage: cov})
	require.NoError(t, err)

	virginBits, virginCrash, virginTmout := m.Bitmaps()
	stats := m.Stats()
	seq := m.NextQueueSeq()

	fresh := newTestMonitor(t)
	require.NoError(t, fresh.Restore(RestoredState{
		VirginBits:   virginBits,
		VirginCrash:  virginCrash,
		VirginTmout:  virginTmout,
		Stats:        stats,
		NextQueueSeq: seq,
	}))

	assert.Equal(t, stats.TotalExecs, fresh.Stats().TotalExecs)
	assert.Equal(t, stats.CoverageBits, fresh.Stats().CoverageBits)
	assert.Equal(t, seq, fresh.NextQueueSeq())
}

func countOnes(b []byte) int {
	n := 0
	for _, v := range b {
		for v != 0 {
			v &= v - 1
			n++
		}
	}
	return n
}
