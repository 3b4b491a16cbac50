//go:build linux

package slab

import (
	"testing"
	"unsafe"

	"github.com/orizon-lang/hardalloc/internal/allocator/sizeclass"
	"github.com/orizon-lang/hardalloc/internal/allocator/vmm"
)

func newTestEngine(t *testing.T, classIdx int, opts func(*Config)) *Engine {
	t.Helper()

	const usable = 16 * 1024 * 1024 // 16 MiB, small enough for a test reservation

	p := vmm.New()

	stripe, err := p.Map(usable * 2)
	if err != nil {
		t.Fatalf("Map stripe: %v", err)
	}

	cfg := Config{
		Provider:         p,
		Class:            sizeclass.At(classIdx),
		ClassIndex:       classIdx,
		StripeBase:       stripe,
		UsableSize:       usable,
		EnableCanaries:   true,
		EnableZeroOnFree: true,
	}

	if opts != nil {
		opts(&cfg)
	}

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return e
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	e := newTestEngine(t, 2, nil) // class 2: size 32

	p, err := e.AllocateSmall()
	if err != nil {
		t.Fatalf("AllocateSmall: %v", err)
	}

	if p == 0 {
		t.Fatal("AllocateSmall returned nil pointer")
	}

	usable := e.ObjectSize() - 8 // canary eats 8 bytes
	b := unsafe.Slice((*byte)(unsafe.Pointer(p)), int(usable))

	for i := range b {
		b[i] = byte(i)
	}

	if err := e.DeallocateSmall(p, false, 0); err != nil {
		t.Fatalf("DeallocateSmall: %v", err)
	}

	st := e.Stats()
	if st.EmptyCount != 1 {
		t.Fatalf("Stats().EmptyCount = %d, want 1", st.EmptyCount)
	}
}

func TestDoubleFreeIsFatal(t *testing.T) {
	e := newTestEngine(t, 1, nil)

	p, err := e.AllocateSmall()
	if err != nil {
		t.Fatalf("AllocateSmall: %v", err)
	}

	if err := e.DeallocateSmall(p, false, 0); err != nil {
		t.Fatalf("first DeallocateSmall: %v", err)
	}

	err = e.DeallocateSmall(p, false, 0)
	if err == nil {
		t.Fatal("second DeallocateSmall succeeded, want fatal double-free error")
	}

	if _, ok := err.(*FatalError); !ok {
		t.Fatalf("expected *FatalError, got %T: %v", err, err)
	}
}

func TestCanaryCorruptionDetected(t *testing.T) {
	e := newTestEngine(t, 1, nil)

	p, err := e.AllocateSmall()
	if err != nil {
		t.Fatalf("AllocateSmall: %v", err)
	}

	// Overwrite the canary tail directly.
	tail := (*uint64)(unsafe.Pointer(p + e.ObjectSize() - 8))
	*tail ^= 0xFF

	err = e.DeallocateSmall(p, false, 0)
	if err == nil {
		t.Fatal("DeallocateSmall did not detect canary corruption")
	}

	if _, ok := err.(*FatalError); !ok {
		t.Fatalf("expected *FatalError, got %T: %v", err, err)
	}
}

func TestSizedFreeMismatchIsFatal(t *testing.T) {
	e := newTestEngine(t, 1, nil)

	p, err := e.AllocateSmall()
	if err != nil {
		t.Fatalf("AllocateSmall: %v", err)
	}

	err = e.DeallocateSmall(p, true, e.ObjectSize()+16)
	if err == nil {
		t.Fatal("DeallocateSmall accepted a mismatched expected size")
	}
}

func TestInvalidUnalignedFreeIsFatal(t *testing.T) {
	e := newTestEngine(t, 1, nil)

	p, err := e.AllocateSmall()
	if err != nil {
		t.Fatalf("AllocateSmall: %v", err)
	}

	if err := e.DeallocateSmall(p+1, false, 0); err == nil {
		t.Fatal("DeallocateSmall accepted a misaligned pointer")
	}
}

func TestFullSlabDetachesFromPartial(t *testing.T) {
	e := newTestEngine(t, 1, nil) // class 1: size 16, 64 slots

	slots := e.SlotsPerSlab()
	ptrs := make([]uintptr, slots)

	for i := 0; i < slots; i++ {
		p, err := e.AllocateSmall()
		if err != nil {
			t.Fatalf("AllocateSmall #%d: %v", i, err)
		}

		ptrs[i] = p
	}

	st := e.Stats()
	if st.PartialCount != 0 {
		t.Fatalf("Stats().PartialCount = %d, want 0 (slab should be full and detached)", st.PartialCount)
	}

	if err := e.DeallocateSmall(ptrs[0], false, 0); err != nil {
		t.Fatalf("DeallocateSmall: %v", err)
	}

	st = e.Stats()
	if st.PartialCount != 1 {
		t.Fatalf("Stats().PartialCount = %d, want 1 after freeing from a full slab", st.PartialCount)
	}
}

func TestWriteAfterFreeDetected(t *testing.T) {
	e := newTestEngine(t, 1, nil)

	p, err := e.AllocateSmall()
	if err != nil {
		t.Fatalf("AllocateSmall: %v", err)
	}

	if err := e.DeallocateSmall(p, false, 0); err != nil {
		t.Fatalf("DeallocateSmall: %v", err)
	}

	// Corrupt the freed (now-zeroed) slot before it is reused.
	*(*byte)(unsafe.Pointer(p)) = 0x41

	st := e.Stats()
	if st.EmptyCount != 1 {
		t.Fatalf("Stats().EmptyCount = %d, want 1", st.EmptyCount)
	}

	// Reallocating the same slab (it's the only one on the empty list)
	// must surface the write-after-free as fatal.
	_, err = e.AllocateSmall()
	if err == nil {
		t.Fatal("AllocateSmall did not detect write-after-free corruption")
	}

	if _, ok := err.(*FatalError); !ok {
		t.Fatalf("expected *FatalError, got %T: %v", err, err)
	}
}

func TestStressManyObjectsEndEmpty(t *testing.T) {
	e := newTestEngine(t, 1, nil)

	const n = 2000

	ptrs := make([]uintptr, 0, n)

	for i := 0; i < n; i++ {
		p, err := e.AllocateSmall()
		if err != nil {
			t.Fatalf("AllocateSmall #%d: %v", i, err)
		}

		ptrs = append(ptrs, p)
	}

	for _, p := range ptrs {
		if err := e.DeallocateSmall(p, false, 0); err != nil {
			t.Fatalf("DeallocateSmall(%#x): %v", p, err)
		}
	}

	if !e.AllLiveBitmapsClear() {
		t.Fatal("not every slab's bitmap cleared after freeing everything")
	}

	hw := e.Stats().HighWater

	// Reallocate the same count; high water must not grow past what the
	// first pass already established, since freed slabs feed back through
	// the empty/free lists.
	for i := 0; i < n; i++ {
		if _, err := e.AllocateSmall(); err != nil {
			t.Fatalf("second pass AllocateSmall #%d: %v", i, err)
		}
	}

	if e.Stats().HighWater != hw {
		t.Fatalf("HighWater grew from %d to %d on second pass", hw, e.Stats().HighWater)
	}
}

func TestTrimMovesEmptyToFree(t *testing.T) {
	e := newTestEngine(t, 1, nil)

	slots := e.SlotsPerSlab()
	ptrs := make([]uintptr, slots)

	for i := 0; i < slots; i++ {
		p, err := e.AllocateSmall()
		if err != nil {
			t.Fatalf("AllocateSmall: %v", err)
		}

		ptrs[i] = p
	}

	for _, p := range ptrs {
		if err := e.DeallocateSmall(p, false, 0); err != nil {
			t.Fatalf("DeallocateSmall: %v", err)
		}
	}

	st := e.Stats()
	if st.EmptyCount != 1 {
		t.Fatalf("Stats().EmptyCount = %d, want 1 before Trim", st.EmptyCount)
	}

	if !e.Trim() {
		t.Fatal("Trim reported nothing trimmed")
	}

	st = e.Stats()
	if st.EmptyCount != 0 || st.FreeCount != 1 {
		t.Fatalf("after Trim: EmptyCount=%d FreeCount=%d, want 0 and 1", st.EmptyCount, st.FreeCount)
	}
}
