// Command hardalloc-bench drives a configurable allocate/free workload
// against the allocator in its default configuration and reports timing,
// bytes requested and whether the final malloc_trim released anything. It
// has no flags for toggling canaries, zero-on-free or guard slabs.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/orizon-lang/hardalloc/internal/allocator"
	"github.com/orizon-lang/hardalloc/internal/cli"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "show version information")
		jsonOutput  = flag.Bool("json", false, "output version in JSON format")
		iterations  = flag.Int("iterations", 100000, "number of allocate/free cycles")
		minSize     = flag.Int("min-size", 16, "minimum request size in bytes")
		maxSize     = flag.Int("max-size", 4096, "maximum request size in bytes")
		live        = flag.Int("live", 1000, "number of objects kept live at once")
		seed        = flag.Int64("seed", 1, "PRNG seed for the size distribution")
		configPath  = flag.String("config", "", "load verbose/debug/work-dir settings from a JSON config file")
		verbose     = flag.Bool("verbose", false, "log progress milestones")
		debug       = flag.Bool("debug", false, "log every allocate/free cycle")
	)
	flag.Parse()

	if *showVersion {
		cli.PrintVersion("hardalloc-bench", *jsonOutput)
		return
	}

	if *minSize <= 0 || *maxSize < *minSize {
		cli.ExitWithError("invalid size range [%d, %d]", *minSize, *maxSize)
	}

	cfg, err := cli.LoadConfig(*configPath)
	if err != nil {
		cli.ExitWithError("loading config: %v", err)
	}

	if *verbose {
		cfg.Verbose = true
	}

	if *debug {
		cfg.Debug = true
	}

	logger := cli.NewLogger(cfg.Verbose, cfg.Debug)

	logger.Info("starting %d iterations, sizes [%d, %d], live set %d, seed %d", *iterations, *minSize, *maxSize, *live, *seed)

	result := run(*iterations, *minSize, *maxSize, *live, *seed, logger)
	report(result)

	effectivePath := filepath.Join(cfg.WorkDir, ".hardalloc-bench.json")
	if err := cfg.SaveConfig(effectivePath); err != nil {
		logger.Warn("could not persist effective config to %s: %v", effectivePath, err)
	}
}

type result struct {
	iterations   int
	live         int
	elapsed      time.Duration
	bytesMoved   uint64
	trimReleased bool
}

func run(iterations, minSize, maxSize, live int, seed int64, logger *cli.Logger) result {
	rng := rand.New(rand.NewSource(seed))
	ring := make([]uintptr, live)

	start := time.Now()

	var bytesMoved uint64

	milestone := iterations / 10
	if milestone == 0 {
		milestone = 1
	}

	for i := 0; i < iterations; i++ {
		slot := i % live

		if ring[slot] != 0 {
			allocator.Free(ring[slot])
		}

		n := uintptr(minSize + rng.Intn(maxSize-minSize+1))

		p := allocator.Malloc(n)
		if p == 0 {
			cli.ExitWithError("allocation %d of size %d failed", i, n)
		}

		logger.Debug("cycle %d: freed slot %d, allocated %d bytes at %#x", i, slot, n, p)

		if i%milestone == 0 {
			logger.Info("%d/%d cycles complete", i, iterations)
		}

		ring[slot] = p
		bytesMoved += uint64(n)
	}

	for _, p := range ring {
		if p != 0 {
			allocator.Free(p)
		}
	}

	trimmed := allocator.MallocTrim()
	if !trimmed {
		logger.Warn("malloc_trim released nothing at shutdown")
	}

	return result{
		iterations:   iterations,
		live:         live,
		elapsed:      time.Since(start),
		bytesMoved:   bytesMoved,
		trimReleased: trimmed,
	}
}

func report(r result) {
	fmt.Printf("iterations:     %d\n", r.iterations)
	fmt.Printf("live set:       %d\n", r.live)
	fmt.Printf("elapsed:        %s\n", r.elapsed)
	fmt.Printf("bytes moved:    %d\n", r.bytesMoved)
	fmt.Printf("ns/op:          %.1f\n", float64(r.elapsed.Nanoseconds())/float64(r.iterations))
	fmt.Printf("trim released:  %v\n", r.trimReleased)
}
