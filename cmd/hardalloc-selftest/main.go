// Command hardalloc-selftest runs a sequence of named allocator self-checks
// at process startup, the way a hardened allocator asserts its own
// invariants before serving a single real request.
package main

import (
	"flag"
	"log"

	"github.com/orizon-lang/hardalloc/internal/allocator"
	"github.com/orizon-lang/hardalloc/internal/cli"
)

type check struct {
	name string
	run  func() error
}

func checks() []check {
	return []check{
		{"malloc-free-roundtrip", checkMallocFreeRoundtrip},
		{"calloc-zeroes", checkCallocZeroes},
		{"realloc-preserves-content", checkReallocPreservesContent},
		{"large-allocation-roundtrip", checkLargeAllocationRoundtrip},
		{"usable-size-monotonic", checkUsableSizeMonotonic},
		{"posix-memalign-alignment", checkPosixMemalignAlignment},
		{"malloc-trim-completes", checkMallocTrimCompletes},
	}
}

func main() {
	var (
		showVersion = flag.Bool("version", false, "show version information")
		jsonOutput  = flag.Bool("json", false, "output version in JSON format")
	)
	flag.Parse()

	if *showVersion {
		cli.PrintVersion("hardalloc-selftest", *jsonOutput)
		return
	}

	for _, c := range checks() {
		if err := c.run(); err != nil {
			log.Fatalf("selftest %q failed: %v", c.name, err)
		}

		log.Printf("selftest %q ok", c.name)
	}

	log.Printf("all %d selftests passed", len(checks()))
}

func checkMallocFreeRoundtrip() error {
	p := allocator.Malloc(64)
	if p == 0 {
		return errf("malloc(64) returned null")
	}

	allocator.Free(p)

	return nil
}

func checkCallocZeroes() error {
	const n = 256

	p := allocator.Calloc(1, n)
	if p == 0 {
		return errf("calloc(1, 256) returned null")
	}

	defer allocator.Free(p)

	b := unsafeBytes(p, n)
	for i, v := range b {
		if v != 0 {
			return errf("calloc byte %d is not zero", i)
		}
	}

	return nil
}

func checkReallocPreservesContent() error {
	p := allocator.Malloc(32)
	if p == 0 {
		return errf("malloc(32) returned null")
	}

	b := unsafeBytes(p, 32)
	for i := range b {
		b[i] = byte(i)
	}

	q := allocator.Realloc(p, 512)
	if q == 0 {
		return errf("realloc(32->512) returned null")
	}

	defer allocator.Free(q)

	b = unsafeBytes(q, 32)
	for i := range b {
		if b[i] != byte(i) {
			return errf("realloc lost content at byte %d", i)
		}
	}

	return nil
}

func checkLargeAllocationRoundtrip() error {
	const n = 1 << 20 // 1 MiB, well above the small-class ceiling

	p := allocator.Malloc(n)
	if p == 0 {
		return errf("malloc(1MiB) returned null")
	}

	if got := allocator.MallocUsableSize(p); got != n {
		return errf("large allocation usable size mismatch: got %d want %d", got, n)
	}

	allocator.Free(p)

	return nil
}

func checkUsableSizeMonotonic() error {
	p := allocator.Malloc(100)
	if p == 0 {
		return errf("malloc(100) returned null")
	}

	defer allocator.Free(p)

	if got := allocator.MallocUsableSize(p); got < 100 {
		return errf("usable size %d smaller than requested 100", got)
	}

	return nil
}

func checkPosixMemalignAlignment() error {
	p, err := allocator.PosixMemalign(64, 128)
	if err != nil {
		return err
	}

	defer allocator.Free(p)

	if p%64 != 0 {
		return errf("posix_memalign(64, 128) returned misaligned pointer")
	}

	return nil
}

func checkMallocTrimCompletes() error {
	allocator.MallocTrim()

	return nil
}
