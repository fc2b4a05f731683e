// Command fuzzer drives a coverage-guided, mutational greybox fuzzing
// run against an instrumented target binary.
package main

import (
	"context"
	"flag"
	"log"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/covgreyfuzz/covgreyfuzz/internal/config"
	"github.com/covgreyfuzz/covgreyfuzz/internal/fuzz"
	"github.com/covgreyfuzz/covgreyfuzz/internal/metrics"
)

func main() {
	flags := config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	initialSeedCount, err := countSeeds(flag.Lookup("seeds").Value.String())
	if err != nil {
		log.Fatalf("failed to scan seed directory: %v", err)
	}

	cfg, err := flags.Build(initialSeedCount)
	if err != nil {
		log.Fatalf("%v", err)
	}

	loop, err := fuzz.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	defer loop.Close()

	if cfg.ResumeFrom == "" {
		n, err := loop.LoadInitialSeeds()
		if err != nil {
			loop.Close()
			log.Fatalf("failed to load initial seeds: %v", err)
		}
		log.Printf("loaded %d initial seed(s)", n)
	} else {
		n, err := loop.LoadCheckpoint(cfg.ResumeFrom)
		if err != nil {
			loop.Close()
			log.Fatalf("failed to resume from checkpoint: %v", err)
		}
		log.Printf("resumed from checkpoint with %d seed(s)", n)
	}

	if cfg.MetricsAddr != "" {
		serveMetrics(cfg.MetricsAddr, loop.Metrics())
	}

	sigintCtx, cancelSigint := context.WithCancel(context.Background())
	sigtermCtx, cancelSigterm := context.WithCancel(context.Background())
	go watchSignals(cancelSigint, cancelSigterm)

	kind, err := loop.Run(sigintCtx, sigtermCtx)
	if err != nil {
		loop.Close()
		log.Fatalf("fuzz loop failed: %v", err)
	}

	switch kind {
	case fuzz.ShutdownCheckpoint:
		if err := loop.SaveCheckpoint(); err != nil {
			log.Printf("failed to save checkpoint: %v", err)
		}
	case fuzz.ShutdownImmediate:
		// Skip checkpoint per SIGTERM semantics.
	}
	if err := loop.WriteFinalReport(); err != nil {
		log.Printf("failed to write final report: %v", err)
	}
	// os.Exit skips deferred calls, so release the shared segment here.
	loop.Close()
	os.Exit(0)
}

// countSeeds must walk the seed directory the same way
// fuzz.Loop.LoadInitialSeeds does (recursing into subdirectories), so
// the pre-flight count fed into config.Validate covers every file that
// can get loaded. Files the loader later rejects for exceeding
// -max-seed-size are counted too, so the count can be high but never
// low; undercounting here would let a too-large initial
// corpus slip past the startup configuration-error check and fail
// later, mid-walk, after the target has already run on earlier seeds.
func countSeeds(dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	n := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func watchSignals(cancelSigint, cancelSigterm context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	for sig := range c {
		switch sig {
		case syscall.SIGINT:
			log.Printf("received SIGINT, finishing current execution then checkpointing...")
			cancelSigint()
		case syscall.SIGTERM:
			log.Printf("received SIGTERM, finishing current execution then exiting without checkpoint...")
			cancelSigterm()
		}
	}
}

func serveMetrics(addr string, reg *metrics.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()
}
