//go:build linux

package region

import (
	"testing"

	"github.com/orizon-lang/hardalloc/internal/allocator/vmm"
)

func TestInsertLookupDelete(t *testing.T) {
	tbl, err := New(vmm.New(), &Frozen{}, 16, 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bases := []uintptr{0x1000, 0x2000, 0x3000, 0x8000, 0x9000}

	for i, b := range bases {
		if err := tbl.Insert(b, uintptr(1000+i), 4096, b-4096, uintptr(1000+i)+8192); err != nil {
			t.Fatalf("Insert(%#x): %v", b, err)
		}
	}

	for i, b := range bases {
		e, ok := tbl.Lookup(b)
		if !ok {
			t.Fatalf("Lookup(%#x): not found", b)
		}

		if e.Size != uintptr(1000+i) {
			t.Fatalf("Lookup(%#x).Size = %d, want %d", b, e.Size, 1000+i)
		}
	}

	if _, ok := tbl.Lookup(0xdead); ok {
		t.Fatal("Lookup of absent base unexpectedly succeeded")
	}

	mid := bases[2]
	e, ok := tbl.Delete(mid)
	if !ok {
		t.Fatalf("Delete(%#x): not found", mid)
	}

	if e.Base != mid {
		t.Fatalf("Delete returned Base %#x, want %#x", e.Base, mid)
	}

	if _, ok := tbl.Lookup(mid); ok {
		t.Fatalf("Lookup(%#x) found entry after Delete", mid)
	}

	for i, b := range bases {
		if b == mid {
			continue
		}

		e, ok := tbl.Lookup(b)
		if !ok {
			t.Fatalf("Lookup(%#x) lost after unrelated Delete", b)
		}

		if e.Size != uintptr(1000+i) {
			t.Fatalf("Lookup(%#x).Size corrupted by Delete: got %d want %d", b, e.Size, 1000+i)
		}
	}

	if n := tbl.Len(); n != len(bases)-1 {
		t.Fatalf("Len() = %d, want %d", n, len(bases)-1)
	}
}

func TestGrowPreservesEntries(t *testing.T) {
	tbl, err := New(vmm.New(), &Frozen{}, 8, 1<<16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = 500

	for i := 0; i < n; i++ {
		base := uintptr(0x10000 + i*64)
		if err := tbl.Insert(base, uintptr(i), 0, base, uintptr(i)); err != nil {
			t.Fatalf("Insert #%d: %v", i, err)
		}
	}

	if tbl.Cap() <= 8 {
		t.Fatalf("table did not grow past initial capacity: Cap()=%d", tbl.Cap())
	}

	for i := 0; i < n; i++ {
		base := uintptr(0x10000 + i*64)

		e, ok := tbl.Lookup(base)
		if !ok {
			t.Fatalf("Lookup(%#x) missing after grow", base)
		}

		if e.Size != uintptr(i) {
			t.Fatalf("Lookup(%#x).Size = %d, want %d after grow", base, e.Size, i)
		}
	}

	if tbl.Len() != n {
		t.Fatalf("Len() = %d, want %d", tbl.Len(), n)
	}
}

func TestTableFullReturnsError(t *testing.T) {
	tbl, err := New(vmm.New(), &Frozen{}, 4, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// At maxCap == initialCap, the 75%-load grow trigger fires on an insert
	// that would need to grow past the pre-reserved ceiling.
	var lastErr error

	for i := 0; i < 8; i++ {
		base := uintptr(0x1000 + i*16)
		lastErr = tbl.Insert(base, uintptr(i), 0, base, uintptr(i))
		if lastErr != nil {
			break
		}
	}

	if lastErr != ErrTableFull {
		t.Fatalf("expected ErrTableFull once capacity is exhausted, got %v", lastErr)
	}
}

func TestDeleteThenReinsert(t *testing.T) {
	tbl, err := New(vmm.New(), &Frozen{}, 16, 1<<16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 10; i++ {
		base := uintptr(0x4000 + i*4096)
		if err := tbl.Insert(base, 4096, 4096, base-4096, 4096+8192); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	for i := 0; i < 10; i += 2 {
		base := uintptr(0x4000 + i*4096)
		if _, ok := tbl.Delete(base); !ok {
			t.Fatalf("Delete(%#x) failed", base)
		}
	}

	for i := 1; i < 10; i += 2 {
		base := uintptr(0x4000 + i*4096)
		if _, ok := tbl.Lookup(base); !ok {
			t.Fatalf("surviving entry %#x lost after interleaved deletes", base)
		}
	}

	for i := 0; i < 10; i += 2 {
		base := uintptr(0x4000 + i*4096)
		if err := tbl.Insert(base, 8192, 4096, base-4096, 8192+8192); err != nil {
			t.Fatalf("reinsert %#x: %v", base, err)
		}
	}

	if tbl.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", tbl.Len())
	}
}

// TestBackwardShiftDeleteSkipsUnmovableEntry reproduces a specific
// collision shape: A (home h) occupies slot h, B (home h-1) occupies its
// own home at slot h-1, and D (home h) probes past both down to slot h-2.
// Deleting A must decline to move B into the gap (B is already at its
// home, strictly closer to it than the gap is) without losing track of
// the gap: the scan has to keep walking past B to find D, which legally
// can move. A cursor that advances past "don't move" entries as if they
// had moved would let D's later move clobber B instead of the real gap.
func TestBackwardShiftDeleteSkipsUnmovableEntry(t *testing.T) {
	tbl, err := New(vmm.New(), &Frozen{}, 8, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// All three bases share (base>>12) mod 8 in {4, 5}, chosen so that
	// hash(A) = hash(D) = 5 and hash(B) = 4 = hash(A)-1, with capacity 8
	// making the low 3 bits of base>>12 the entire hash.
	const (
		baseA = 0x5000
		baseB = 0x4000
		baseD = 0xD000
	)

	if err := tbl.Insert(baseA, 100, 0, baseA, 100); err != nil {
		t.Fatalf("Insert A: %v", err)
	}

	if err := tbl.Insert(baseB, 200, 0, baseB, 200); err != nil {
		t.Fatalf("Insert B: %v", err)
	}

	if err := tbl.Insert(baseD, 300, 0, baseD, 300); err != nil {
		t.Fatalf("Insert D: %v", err)
	}

	if _, ok := tbl.Delete(baseA); !ok {
		t.Fatal("Delete(A) failed")
	}

	if _, ok := tbl.Lookup(baseB); !ok {
		t.Fatal("B was incorrectly evicted by deleting A despite never being displaced from its home")
	}

	if _, ok := tbl.Lookup(baseD); !ok {
		t.Fatal("D lost after deleting A")
	}

	if tbl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", tbl.Len())
	}
}
