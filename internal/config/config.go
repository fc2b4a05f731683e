// Package config declares and validates the fuzzer's flat CLI surface.
// There is no schema-generation layer (that collaborator is out of
// scope); flags are declared directly with the standard flag package,
// matching how the teacher wires its own CLI.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"
)

// SeedSortStrategy selects between the energy-ordered heap and the
// plain FIFO ring.
type SeedSortStrategy string

const (
	StrategyEnergy SeedSortStrategy = "energy"
	StrategyFIFO   SeedSortStrategy = "fifo"
)

// Config is the fully validated, immutable set of run parameters.
type Config struct {
	Target  string
	Args    []string
	Seeds   string
	Output  string
	Duration time.Duration
	Timeout  time.Duration
	MemLimitMB int64

	BitmapSize      int
	MaxSeedSize     int
	HavocIterations int
	SplicePeriod    int

	SeedSortStrategy SeedSortStrategy
	MaxSeeds         int
	MaxSeedsMemory   int64

	StderrMaxLen    int
	CrashInfoMaxLen int

	UseSandbox bool

	CheckpointPath      string
	CheckpointInterval  time.Duration
	ResumeFrom          string

	LogInterval time.Duration
	Verbosity   int
	MetricsAddr string
}

// Error is a startup configuration error, fatal per spec §7.
type Error struct {
	msg string
}

func (e *Error) Error() string { return "config: " + e.msg }

func newError(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Flags mirrors Config as flag.* declarations. Parse the flag set, then
// call Build, which runs Validate.
type Flags struct {
	target           *string
	args             *string
	seeds            *string
	output           *string
	duration         *time.Duration
	timeout          *time.Duration
	memLimit         *int64
	bitmapSize       *int
	maxSeedSize      *int
	havocIterations  *int
	splicePeriod     *int
	seedSortStrategy *string
	maxSeeds         *int
	maxSeedsMemory   *int64
	stderrMaxLen     *int
	crashInfoMaxLen  *int
	useSandbox       *bool
	checkpointPath   *string
	checkpointPeriod *time.Duration
	resumeFrom       *string
	logInterval      *time.Duration
	verbosity        *int
	metricsAddr      *string
}

// RegisterFlags declares every CLI option spec §6.2 lists against fs,
// so tests can use a scratch flag.FlagSet instead of the global one.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		target:           fs.String("target", "", "path to the instrumented target binary"),
		args:             fs.String("args", "", "space-separated argv template for the target; @@ is replaced with an input file path"),
		seeds:            fs.String("seeds", "", "directory of initial seed files"),
		output:           fs.String("output", "output", "directory for crashes/hangs/queue/reports"),
		duration:         fs.Duration("duration", 0, "wall-clock run duration; 0 means run until signaled"),
		timeout:          fs.Duration("timeout", 10*time.Second, "per-execution timeout"),
		memLimit:         fs.Int64("mem-limit", 200, "per-process address-space limit in MB; 0 disables"),
		bitmapSize:       fs.Int("bitmap-size", 65536, "shared coverage bitmap size in bytes"),
		maxSeedSize:      fs.Int("max-seed-size", 1<<20, "maximum size of any single seed or mutant"),
		havocIterations:  fs.Int("havoc-iterations", 16, "number of stacked mutations per havoc pass"),
		splicePeriod:     fs.Int("splice-period", 4, "apply splice instead of havoc every Nth iteration"),
		seedSortStrategy: fs.String("seed-sort-strategy", "energy", "energy or fifo"),
		maxSeeds:         fs.Int("max-seeds", 100000, "maximum number of seeds retained in the corpus"),
		maxSeedsMemory:   fs.Int64("max-seeds-memory", 1<<30, "maximum total bytes retained across all seed data"),
		stderrMaxLen:     fs.Int("stderr-max-len", 1<<16, "maximum captured stderr length per execution"),
		crashInfoMaxLen:  fs.Int("crash-info-max-len", 1<<16, "maximum length of a saved crash's .stderr sidecar"),
		useSandbox:       fs.Bool("use-sandbox", false, "wrap target execution in a bubblewrap sandbox when available"),
		checkpointPath:   fs.String("checkpoint-path", "", "checkpoint file path; defaults to <output>/checkpoints/checkpoint.json"),
		checkpointPeriod: fs.Duration("checkpoint-interval", 30*time.Second, "interval between checkpoint writes"),
		resumeFrom:       fs.String("resume-from", "", "resume from a previously written checkpoint file"),
		logInterval:      fs.Duration("log-interval", 5*time.Second, "interval between timeline rows"),
		verbosity:        fs.Int("v", 0, "verbosity level"),
		metricsAddr:      fs.String("metrics-addr", "", "address to serve Prometheus metrics on; empty disables"),
	}
}

// Build validates the parsed flags into a Config, or returns an *Error.
func (f *Flags) Build(initialSeedCount int) (Config, error) {
	cfg := Config{
		Target:             *f.target,
		Args:               splitArgs(*f.args),
		Seeds:              *f.seeds,
		Output:             *f.output,
		Duration:           *f.duration,
		Timeout:            *f.timeout,
		MemLimitMB:         *f.memLimit,
		BitmapSize:         *f.bitmapSize,
		MaxSeedSize:        *f.maxSeedSize,
		HavocIterations:    *f.havocIterations,
		SplicePeriod:       *f.splicePeriod,
		SeedSortStrategy:   SeedSortStrategy(*f.seedSortStrategy),
		MaxSeeds:           *f.maxSeeds,
		MaxSeedsMemory:     *f.maxSeedsMemory,
		StderrMaxLen:       *f.stderrMaxLen,
		CrashInfoMaxLen:    *f.crashInfoMaxLen,
		UseSandbox:         *f.useSandbox,
		CheckpointPath:     *f.checkpointPath,
		CheckpointInterval: *f.checkpointPeriod,
		ResumeFrom:         *f.resumeFrom,
		LogInterval:        *f.logInterval,
		Verbosity:          *f.verbosity,
		MetricsAddr:        *f.metricsAddr,
	}
	if cfg.CheckpointPath == "" {
		cfg.CheckpointPath = cfg.Output + "/checkpoints/checkpoint.json"
	}
	return cfg, Validate(cfg, initialSeedCount)
}

func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Fields(s)
}

// Validate enforces every configuration invariant spec §7/§9 calls
// fatal at startup, including the pinned Open Question (a): initial
// seeds are never evicted, so max_seeds smaller than the initial seed
// count is a configuration error rather than a silent eviction.
func Validate(cfg Config, initialSeedCount int) error {
	if cfg.Target == "" {
		return newError("-target is required")
	}
	if cfg.Output == "" {
		return newError("-output is required")
	}
	switch cfg.SeedSortStrategy {
	case StrategyEnergy, StrategyFIFO:
	default:
		return newError("-seed-sort-strategy must be %q or %q, got %q", StrategyEnergy, StrategyFIFO, cfg.SeedSortStrategy)
	}
	if cfg.BitmapSize <= 0 {
		return newError("-bitmap-size must be positive")
	}
	if cfg.MaxSeedSize <= 0 {
		return newError("-max-seed-size must be positive")
	}
	if cfg.Timeout <= 0 {
		return newError("-timeout must be positive")
	}
	if cfg.MaxSeeds > 0 && initialSeedCount > cfg.MaxSeeds {
		return newError("initial seed count (%d) exceeds -max-seeds (%d); initial seeds are never evicted", initialSeedCount, cfg.MaxSeeds)
	}
	return nil
}
