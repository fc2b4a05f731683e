// Package fuzz sequences select -> mutate -> execute -> classify ->
// save: the main loop that ties together the scheduler, mutator,
// executor, and coverage monitor, with checkpointing and graceful
// shutdown.
package fuzz

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/covgreyfuzz/covgreyfuzz/internal/checkpoint"
	"github.com/covgreyfuzz/covgreyfuzz/internal/config"
	"github.com/covgreyfuzz/covgreyfuzz/internal/executor"
	"github.com/covgreyfuzz/covgreyfuzz/internal/metrics"
	"github.com/covgreyfuzz/covgreyfuzz/internal/monitor"
	"github.com/covgreyfuzz/covgreyfuzz/internal/mutator"
	"github.com/covgreyfuzz/covgreyfuzz/internal/report"
	"github.com/covgreyfuzz/covgreyfuzz/internal/scheduler"
)

// ShutdownKind distinguishes the two cancellation paths spec §5 gives
// distinct semantics: SIGINT checkpoints before exiting, SIGTERM does
// not.
type ShutdownKind int

const (
	ShutdownNone ShutdownKind = iota
	ShutdownCheckpoint
	ShutdownImmediate
)

// Loop owns every collaborator and drives the main iteration.
type Loop struct {
	cfg config.Config

	exec    *executor.Executor
	mon     *monitor.Monitor
	queue   *scheduler.Queue
	fifo    *scheduler.FIFO
	timeline *report.Timeline
	metrics *metrics.Registry
	plots   report.PlotWriter

	rng *rand.Rand

	runID     string
	startedAt time.Time

	iterSinceSplice int
	lastLog         time.Time
	lastCheckpoint  time.Time
}

// New wires every collaborator per cfg. The caller must call Close.
func New(cfg config.Config) (*Loop, error) {
	for _, d := range []string{"crashes", "hangs", "queue", "checkpoints"} {
		if err := os.MkdirAll(filepath.Join(cfg.Output, d), 0755); err != nil {
			return nil, fmt.Errorf("fuzz: failed to create %s: %w", d, err)
		}
	}

	mon, err := monitor.New(monitor.Config{
		OutputDir:       cfg.Output,
		StderrMaxLen:    cfg.StderrMaxLen,
		CrashInfoMaxLen: cfg.CrashInfoMaxLen,
	}, cfg.BitmapSize)
	if err != nil {
		return nil, err
	}

	var sandboxCfg *executor.SandboxConfig
	if cfg.UseSandbox {
		sandboxCfg = &executor.SandboxConfig{Enabled: true, ScratchDir: cfg.Output}
	}
	exec, err := executor.New(executor.Config{
		Target:       cfg.Target,
		Args:         cfg.Args,
		Timeout:      cfg.Timeout,
		MemLimitMB:   cfg.MemLimitMB,
		StderrMaxLen: cfg.StderrMaxLen,
		TempDir:      cfg.Output,
		Sandbox:      sandboxCfg,
	}, cfg.BitmapSize)
	if err != nil {
		return nil, err
	}

	timeline, err := report.NewTimeline(filepath.Join(cfg.Output, "timeline.csv"))
	if err != nil {
		exec.Close()
		return nil, err
	}

	l := &Loop{
		cfg:       cfg,
		exec:      exec,
		mon:       mon,
		timeline:  timeline,
		metrics:   metrics.NewRegistry(),
		plots:     report.NoopPlotWriter{},
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		runID:     uuid.New().String(),
		startedAt: time.Now(),
	}
	if cfg.SeedSortStrategy == config.StrategyFIFO {
		l.fifo = scheduler.NewFIFO()
	} else {
		l.queue = scheduler.NewQueue(scheduler.Limits{MaxSeeds: cfg.MaxSeeds, MaxSeedsMemory: cfg.MaxSeedsMemory})
	}
	return l, nil
}

// Close releases the executor's shared memory segment.
func (l *Loop) Close() error {
	return l.exec.Close()
}

// Metrics exposes the run's Prometheus registry, for serving /metrics.
func (l *Loop) Metrics() *metrics.Registry {
	return l.metrics
}

func (l *Loop) addSeed(s *scheduler.Seed) error {
	if l.fifo != nil {
		return l.fifo.Add(s, scheduler.Limits{MaxSeeds: l.cfg.MaxSeeds, MaxSeedsMemory: l.cfg.MaxSeedsMemory})
	}
	return l.queue.Add(s)
}

func (l *Loop) selectNext() *scheduler.Seed {
	if l.fifo != nil {
		return l.fifo.SelectNext()
	}
	return l.queue.SelectNext()
}

func (l *Loop) corpusLen() int {
	if l.fifo != nil {
		return l.fifo.Len()
	}
	return l.queue.Len()
}

// LoadInitialSeeds walks cfg.Seeds, feeding each file through the
// executor once to populate coverage_bits/exec_time_us before
// insertion, per spec §4.6. Seeds exceeding MaxSeedSize are rejected.
// This dry-run phase does not checkpoint.
func (l *Loop) LoadInitialSeeds() (int, error) {
	if l.cfg.Seeds == "" {
		return 0, l.seedEmptyCorpus()
	}

	count := 0
	err := filepath.Walk(l.cfg.Seeds, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("fuzz: failed to read seed %s: %w", path, err)
		}
		if len(data) > l.cfg.MaxSeedSize {
			log.Printf("fuzz: rejecting seed %s: exceeds max-seed-size", path)
			return nil
		}
		if err := l.dryRunSeed(data); err != nil {
			return err
		}
		count++
		return nil
	})
	if os.IsNotExist(err) {
		return 0, l.seedEmptyCorpus()
	}
	if err != nil {
		return count, err
	}
	if count == 0 {
		return 0, l.seedEmptyCorpus()
	}
	return count, nil
}

func (l *Loop) seedEmptyCorpus() error {
	return l.dryRunSeed(nil)
}

func (l *Loop) dryRunSeed(data []byte) error {
	res, err := l.exec.Execute(data)
	if err != nil {
		return err
	}
	bits := uint32(len(res.Coverage))
	if res.Coverage != nil {
		bits = uint32(popcount(res.Coverage))
	}
	return l.addSeed(&scheduler.Seed{
		Data:           append([]byte(nil), data...),
		CoverageBits:   bits,
		ExecTimeUS:     res.ExecTimeUS,
		DiscoveredAtUS: uint64(time.Since(l.startedAt).Microseconds()),
		Initial:        true,
	})
}

func popcount(b []byte) int {
	n := 0
	for _, v := range b {
		for v != 0 {
			v &= v - 1
			n++
		}
	}
	return n
}

// Run executes the main iteration until cfg.Duration elapses or one of
// the two shutdown contexts is cancelled. sigint carries the
// checkpoint-then-exit semantics; sigterm carries the
// skip-checkpoint-then-exit semantics. They are distinct contexts
// because spec §5 gives SIGINT and SIGTERM different cancellation
// behavior.
func (l *Loop) Run(sigint, sigterm context.Context) (ShutdownKind, error) {
	deadline := time.Time{}
	if l.cfg.Duration > 0 {
		deadline = l.startedAt.Add(l.cfg.Duration)
	}
	l.lastLog = time.Now()
	l.lastCheckpoint = time.Now()

	for {
		if kind := l.shutdownRequested(sigint, sigterm); kind != ShutdownNone {
			return kind, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ShutdownCheckpoint, nil
		}

		if err := l.iterate(); err != nil {
			return ShutdownNone, err
		}

		l.maybeLog()
		if err := l.maybeCheckpoint(); err != nil {
			log.Printf("fuzz: checkpoint write failed: %v", err)
		}
	}
}

func (l *Loop) shutdownRequested(sigint, sigterm context.Context) ShutdownKind {
	select {
	case <-sigterm.Done():
		return ShutdownImmediate
	default:
	}
	select {
	case <-sigint.Done():
		return ShutdownCheckpoint
	default:
		return ShutdownNone
	}
}

func (l *Loop) iterate() error {
	seed := l.selectNext()
	if seed == nil {
		return nil
	}

	opts := mutator.Options{MaxSeedSize: l.cfg.MaxSeedSize, HavocIterations: l.cfg.HavocIterations}
	var variant []byte

	l.iterSinceSplice++
	splicePeriod := l.cfg.SplicePeriod
	if splicePeriod <= 0 {
		splicePeriod = 4
	}
	if l.iterSinceSplice%splicePeriod == 0 {
		other := l.selectNext()
		if other != nil {
			variant = mutator.Mutate(l.rng, mutator.Splice, seed.Data, mutator.Options{
				MaxSeedSize: l.cfg.MaxSeedSize, HavocIterations: l.cfg.HavocIterations, OtherData: other.Data,
			})
		}
	}
	if variant == nil {
		variant = mutator.Mutate(l.rng, mutator.Havoc, seed.Data, opts)
	}

	res, err := l.exec.Execute(variant)
	if err != nil {
		return err
	}

	isNew, err := l.mon.ProcessExecution(variant, res)
	if err != nil {
		return err
	}
	if isNew {
		if err := l.addSeed(&scheduler.Seed{
			Data:           append([]byte(nil), variant...),
			CoverageBits:   uint32(popcount(res.Coverage)),
			ExecTimeUS:     res.ExecTimeUS,
			DiscoveredAtUS: uint64(time.Since(l.startedAt).Microseconds()),
		}); err != nil {
			log.Printf("fuzz: failed to enqueue new seed: %v", err)
		}
	}
	return nil
}

func (l *Loop) maybeLog() {
	interval := l.cfg.LogInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if time.Since(l.lastLog) < interval {
		return
	}
	l.lastLog = time.Now()

	stats := l.mon.Stats()
	elapsed := time.Since(l.startedAt).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(stats.TotalExecs) / elapsed
	}
	row := report.TimelineRow{
		ElapsedS:     elapsed,
		TotalExecs:   stats.TotalExecs,
		ExecRate:     rate,
		TotalCrashes: stats.TotalCrashes,
		SavedCrashes: stats.SavedCrashes,
		TotalHangs:   stats.TotalHangs,
		SavedHangs:   stats.SavedHangs,
		CoverageBits: stats.CoverageBits,
	}
	if err := l.timeline.Append(row); err != nil {
		log.Printf("fuzz: failed to append timeline row: %v", err)
	}
	l.metrics.Observe(stats)
	if l.cfg.Verbosity >= 1 {
		log.Printf("execs=%d rate=%.1f/s crashes=%d(%d saved) hangs=%d(%d saved) coverage=%d",
			stats.TotalExecs, rate, stats.TotalCrashes, stats.SavedCrashes, stats.TotalHangs, stats.SavedHangs, stats.CoverageBits)
	}
}

func (l *Loop) maybeCheckpoint() error {
	interval := l.cfg.CheckpointInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if time.Since(l.lastCheckpoint) < interval {
		return nil
	}
	l.lastCheckpoint = time.Now()
	return l.SaveCheckpoint()
}

// SaveCheckpoint writes the current virgin bitmaps, corpus, and
// counters to cfg.CheckpointPath.
func (l *Loop) SaveCheckpoint() error {
	var seeds []*scheduler.Seed
	if l.fifo != nil {
		// FIFO does not expose a Seeds() snapshot; in that mode the
		// corpus on disk under queue/ is the resumable record.
	} else {
		seeds = l.queue.Seeds()
	}

	virginBits, virginCrash, virginTmout := l.mon.Bitmaps()
	cp := checkpoint.Checkpoint{
		ElapsedS:     time.Since(l.startedAt).Seconds(),
		Stats:        l.mon.Stats(),
		VirginBits:   checkpoint.EncodeBitmap(virginBits),
		VirginCrash:  checkpoint.EncodeBitmap(virginCrash),
		VirginTmout:  checkpoint.EncodeBitmap(virginTmout),
		Seeds:        checkpoint.SeedsToRecords(seeds),
		RNGState:     l.rng.Int63(),
		NextQueueSeq: l.mon.NextQueueSeq(),
		RunID:        l.runID,
		StartedAtUS:  uint64(l.startedAt.UnixMicro()),
	}
	return checkpoint.Save(l.cfg.CheckpointPath, cp)
}

// LoadCheckpoint reads path and restores the monitor's bitmaps and
// counters, the scheduler's corpus, the mutation RNG, and the run's
// start time, so that elapsed-duration bookkeeping and coverage state
// survive the resume. The dry-run seed phase is skipped entirely: the
// loop is handed a corpus that has already been executed once before.
func (l *Loop) LoadCheckpoint(path string) (int, error) {
	cp, err := checkpoint.Load(path)
	if err != nil {
		return 0, err
	}

	virginBits, err := checkpoint.DecodeBitmap(cp.VirginBits)
	if err != nil {
		return 0, fmt.Errorf("fuzz: bad checkpoint virgin_bits: %w", err)
	}
	virginCrash, err := checkpoint.DecodeBitmap(cp.VirginCrash)
	if err != nil {
		return 0, fmt.Errorf("fuzz: bad checkpoint virgin_crash: %w", err)
	}
	virginTmout, err := checkpoint.DecodeBitmap(cp.VirginTmout)
	if err != nil {
		return 0, fmt.Errorf("fuzz: bad checkpoint virgin_tmout: %w", err)
	}
	if err := l.mon.Restore(monitor.RestoredState{
		VirginBits:   virginBits,
		VirginCrash:  virginCrash,
		VirginTmout:  virginTmout,
		Stats:        cp.Stats,
		NextQueueSeq: cp.NextQueueSeq,
	}); err != nil {
		return 0, err
	}

	seeds, err := checkpoint.RecordsToSeeds(cp.Seeds)
	if err != nil {
		return 0, err
	}
	for _, s := range seeds {
		if err := l.addSeed(s); err != nil {
			return 0, fmt.Errorf("fuzz: failed to restore seed: %w", err)
		}
	}

	l.rng = rand.New(rand.NewSource(cp.RNGState))
	if cp.RunID != "" {
		l.runID = cp.RunID
	}
	l.startedAt = time.Now().Add(-time.Duration(cp.ElapsedS * float64(time.Second)))

	if len(seeds) == 0 {
		return 0, l.seedEmptyCorpus()
	}
	return len(seeds), nil
}

// WriteFinalReport writes stats.json and final_report.json, and asks
// the plot-writer collaborator to render plots from the timeline.
func (l *Loop) WriteFinalReport() error {
	snap := report.Snapshot{
		RunMeta: report.RunMeta{
			RunID:     l.runID,
			Target:    l.cfg.Target,
			StartedAt: l.startedAt.Format(time.RFC3339),
			ElapsedS:  time.Since(l.startedAt).Seconds(),
		},
		Stats: l.mon.Stats(),
	}
	if err := report.WriteJSON(filepath.Join(l.cfg.Output, "stats.json"), snap); err != nil {
		return err
	}
	if err := report.WriteJSON(filepath.Join(l.cfg.Output, "final_report.json"), snap); err != nil {
		return err
	}
	return l.plots.WritePlots(filepath.Join(l.cfg.Output, "timeline.csv"), l.cfg.Output)
}
