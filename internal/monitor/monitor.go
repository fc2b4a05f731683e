// Package monitor maintains the virgin-bits global bitmap, decides
// whether an execution produced novel coverage, and deduplicates
// crashes and hangs against their own virgin-crash/virgin-tmout
// bitmaps, persisting interesting artifacts to the output directory.
package monitor

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/maruel/panicparse/stack"
	"golang.org/x/crypto/blake2b"

	"github.com/covgreyfuzz/covgreyfuzz/internal/executor"
	"github.com/covgreyfuzz/covgreyfuzz/internal/shm"
)

// Stats mirrors spec.md's MonitorStats.
type Stats struct {
	TotalExecs    uint64
	TotalCrashes  uint64
	SavedCrashes  uint64
	TotalHangs    uint64
	SavedHangs    uint64
	CoverageBits  uint64

	coverageBitsValid bool
}

// Config holds the on-disk layout and truncation limits the monitor
// writes artifacts under.
type Config struct {
	OutputDir        string
	StderrMaxLen     int
	CrashInfoMaxLen  int
}

// Monitor owns the three virgin bitmaps and the corpus-relative
// counters. All fields except the bitmaps themselves are parent-local;
// no locking is required by the single-threaded fuzz loop, but Stats
// is guarded anyway so the metrics/report collaborators can read it
// concurrently.
type Monitor struct {
	cfg Config

	mu           sync.Mutex
	virginBits   []byte
	virginCrash  []byte
	virginTmout  []byte
	stats        Stats
	nextQueueSeq uint64
}

// New creates a monitor with all three virgin bitmaps initialized to
// all-ones (0xFF): nothing has been observed yet.
func New(cfg Config, bitmapSize int) (*Monitor, error) {
	for _, d := range []string{"crashes", "hangs", "queue", "checkpoints"} {
		if err := os.MkdirAll(filepath.Join(cfg.OutputDir, d), 0755); err != nil {
			return nil, fmt.Errorf("monitor: failed to create %s: %w", d, err)
		}
	}
	m := &Monitor{
		cfg:         cfg,
		virginBits:  allOnes(bitmapSize),
		virginCrash: allOnes(bitmapSize),
		virginTmout: allOnes(bitmapSize),
	}
	return m, nil
}

func allOnes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

// RestoredState is the subset of checkpointed fields the monitor owns.
type RestoredState struct {
	VirginBits   []byte
	VirginCrash  []byte
	VirginTmout  []byte
	Stats        Stats
	NextQueueSeq uint64
}

// Restore overwrites the monitor's bitmaps, counters, and queue
// sequence from a loaded checkpoint. Used only on the resume path,
// before the main loop starts; the dry-run seed phase is skipped
// entirely when resuming.
func (m *Monitor) Restore(s RestoredState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(s.VirginBits) != len(m.virginBits) || len(s.VirginCrash) != len(m.virginCrash) || len(s.VirginTmout) != len(m.virginTmout) {
		return fmt.Errorf("monitor: checkpoint bitmap size mismatch (want %d bytes)", len(m.virginBits))
	}
	m.virginBits = s.VirginBits
	m.virginCrash = s.VirginCrash
	m.virginTmout = s.VirginTmout
	m.stats = s.Stats
	m.stats.coverageBitsValid = false
	m.nextQueueSeq = s.NextQueueSeq
	return nil
}

// NextQueueSeq reports the current queue sequence counter, for
// checkpointing.
func (m *Monitor) NextQueueSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextQueueSeq
}

// Bitmaps returns owned copies of the three virgin bitmaps, for
// checkpointing.
func (m *Monitor) Bitmaps() (virginBits, virginCrash, virginTmout []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.virginBits...),
		append([]byte(nil), m.virginCrash...),
		append([]byte(nil), m.virginTmout...)
}

// Stats returns a copy of the current counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.CoverageBits = m.coverageBitsLocked()
	return s
}

func (m *Monitor) coverageBitsLocked() uint64 {
	if !m.stats.coverageBitsValid {
		m.stats.CoverageBits = uint64(shm.PopCount(invert(m.virginBits)))
		m.stats.coverageBitsValid = true
	}
	return m.stats.CoverageBits
}

func invert(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[i] = ^v
	}
	return out
}

// ProcessExecution implements the four-step algorithm from spec §4.3.
// Returns true iff input should be appended to the corpus.
func (m *Monitor) ProcessExecution(input []byte, res executor.Result) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.TotalExecs++

	if res.Hanged {
		return false, m.handleHangLocked(input, res)
	}
	if res.Crashed {
		return false, m.handleCrashLocked(input, res)
	}
	return m.handleNormalLocked(input, res)
}

func (m *Monitor) handleHangLocked(input []byte, res executor.Result) error {
	m.stats.TotalHangs++
	classified := shm.ClassifyBitmap(res.Coverage)
	if !hasNewBits(classified, m.virginTmout) {
		return nil
	}
	key := dedupKey(res.Stderr, classified)
	path := filepath.Join(m.cfg.OutputDir, "hangs", key)
	wrote, err := writeFileOnce(path, input)
	if err != nil {
		log.Printf("monitor: failed to save hang %s: %v", key, err)
		return nil
	}
	if wrote {
		m.stats.SavedHangs++
	}
	return nil
}

func (m *Monitor) handleCrashLocked(input []byte, res executor.Result) error {
	m.stats.TotalCrashes++
	classified := shm.ClassifyBitmap(res.Coverage)
	if !hasNewBits(classified, m.virginCrash) {
		return nil
	}
	key := dedupKey(res.Stderr, classified)
	path := filepath.Join(m.cfg.OutputDir, "crashes", key)
	wrote, err := writeFileOnce(path, input)
	if err != nil {
		log.Printf("monitor: failed to save crash %s: %v", key, err)
		return nil
	}
	if !wrote {
		return nil
	}
	stderr := res.Stderr
	if m.cfg.CrashInfoMaxLen > 0 && len(stderr) > m.cfg.CrashInfoMaxLen {
		stderr = stderr[:m.cfg.CrashInfoMaxLen]
	}
	if _, err := writeFileOnce(path+".stderr", stderr); err != nil {
		log.Printf("monitor: failed to save crash info %s: %v", key, err)
	}
	m.stats.SavedCrashes++
	return nil
}

func (m *Monitor) handleNormalLocked(input []byte, res executor.Result) (bool, error) {
	classified := shm.ClassifyBitmap(res.Coverage)
	if !hasNewBits(classified, m.virginBits) {
		return false, nil
	}
	m.stats.coverageBitsValid = false

	seq := m.nextQueueSeq
	m.nextQueueSeq++
	path := filepath.Join(m.cfg.OutputDir, "queue", fmt.Sprintf("%08d", seq))
	if _, err := writeFileOnce(path, input); err != nil {
		log.Printf("monitor: failed to save queue entry %d: %v", seq, err)
		return false, nil
	}
	return true, nil
}

// hasNewBits implements the AND-and-clear novelty check: for each
// byte i, if classified[i]&virgin[i] != 0, those bits are newly
// observed and are cleared from virgin.
func hasNewBits(classified, virgin []byte) bool {
	novel := false
	for i := range classified {
		if i >= len(virgin) {
			break
		}
		newBits := classified[i] & virgin[i]
		if newBits != 0 {
			novel = true
			virgin[i] &^= newBits
		}
	}
	return novel
}

// dedupKey is the first 16 hex chars of a 64-bit blake2b hash. When
// stderr carries a Go panic dump, the hash is taken over the panicking
// goroutine's call stack instead of the raw text, so two crashes that
// differ only in pointer addresses or timestamps still dedup together.
// Falls back to the bucketized bitmap when stderr is empty.
func dedupKey(stderr, classifiedBitmap []byte) string {
	h, _ := blake2b.New(8, nil)
	trimmed := trim(stderr)
	switch {
	case len(trimmed) == 0:
		h.Write(classifiedBitmap)
	default:
		if sig := panicSignature(trimmed); sig != nil {
			h.Write(sig)
		} else {
			h.Write(trimmed)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// panicSignature extracts a stable dedup signature from a Go panic
// dump's first goroutine: the package-qualified function name of every
// frame in its stack, without file names or line numbers. Returns nil
// if out does not parse as a panic dump.
func panicSignature(out []byte) []byte {
	ctx, err := stack.ParseDump(bytes.NewReader(out), io.Discard, false)
	if err != nil || ctx == nil {
		return nil
	}
	for _, gr := range ctx.Goroutines {
		if !gr.First {
			continue
		}
		if len(gr.Stack.Calls) == 0 {
			return nil
		}
		var sig []byte
		for _, c := range gr.Stack.Calls {
			sig = append(sig, []byte("\n"+c.Func.PkgDotName())...)
		}
		return sig
	}
	return nil
}

func trim(b []byte) []byte {
	start, end := 0, len(b)
	isSpace := func(c byte) bool { return c == ' ' || c == '\n' || c == '\r' || c == '\t' }
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

// writeFileOnce writes data to path unless a file is already there,
// reporting whether it actually wrote a new file so callers can keep
// their saved-counters in sync with what is really on disk.
func writeFileOnce(path string, data []byte) (wrote bool, err error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil // dedup: already saved under this key
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return false, err
	}
	return true, nil
}
