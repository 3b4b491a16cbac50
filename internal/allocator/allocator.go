// Package allocator is a hardened, general-purpose memory allocator core:
// a per-size-class slab engine for small requests and a guarded-region
// registry for large ones, wired together behind a process-wide singleton
// that lazily initializes on first use.
//
// Corruption the allocator detects along the way (a double free, a
// stomped canary, a misaligned free, write-after-free) is not
// recoverable: these functions abort the process rather than return an
// error, matching the C allocator contract they stand in for.
package allocator

import (
	"log"
	"os"
	"unsafe"

	hallocerrors "github.com/orizon-lang/hardalloc/internal/errors"

	"github.com/orizon-lang/hardalloc/internal/allocator/sizeclass"
)

// Abort terminates the process on a detected corruption: a double free, a
// stomped canary, a misaligned or untracked free. It logs a diagnostic
// line and exits rather than unwinding the call stack, matching the
// allocator contract this package stands in for. Tests that need to
// observe the condition instead of crashing the test binary should call
// the lower-level *Root methods directly and inspect isFatal(err).
func Abort(err error) {
	log.Printf("hardalloc: fatal: %v", err)
	os.Exit(2)
}

// Malloc returns a pointer to an n-byte-usable allocation, or nil if the
// request cannot be satisfied.
func Malloc(n uintptr) uintptr {
	r, err := root()
	if err != nil {
		return 0
	}

	p, err := r.allocate(n)
	if err != nil {
		if isFatal(err) {
			Abort(err)
		}

		return 0
	}

	return p
}

// Calloc returns a zeroed nmemb*size-byte allocation, or nil on overflow
// or allocation failure.
func Calloc(nmemb, size uintptr) uintptr {
	if nmemb != 0 && size > (^uintptr(0))/nmemb {
		return 0
	}

	n := nmemb * size

	p := Malloc(n)
	if p == 0 {
		return 0
	}

	if n > 0 {
		zeroBytes(p, n)
	}

	return p
}

func zeroBytes(p, n uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(p)), int(n))
	for i := range b {
		b[i] = 0
	}
}

// Realloc resizes the allocation at p to n usable bytes, preserving
// min(old, n) bytes of content, and returns the (possibly new) pointer.
// A null p behaves as Malloc; a zero n behaves as Free and returns null.
func Realloc(p, n uintptr) uintptr {
	r, err := root()
	if err != nil {
		return 0
	}

	fresh, err := r.realloc(p, n)
	if err != nil {
		if isFatal(err) {
			Abort(err)
		}

		return 0
	}

	return fresh
}

// Free releases p. A null p is a no-op, matching free(3).
func Free(p uintptr) {
	r, err := root()
	if err != nil {
		return
	}

	if err := r.free(p, false, 0); err != nil && isFatal(err) {
		Abort(err)
	}
}

// FreeSized releases p, asserting that size matches the size it was
// allocated with.
func FreeSized(p, size uintptr) {
	r, err := root()
	if err != nil {
		return
	}

	if err := r.free(p, true, size); err != nil && isFatal(err) {
		Abort(err)
	}
}

// Cfree is the historical alias for Free.
func Cfree(p uintptr) { Free(p) }

// PosixMemalign returns a pointer aligned to align bytes, usable for n
// bytes. align must be a power of two and a multiple of the platform
// pointer size; returns (0, err) on failure.
func PosixMemalign(align, n uintptr) (uintptr, error) {
	if align == 0 || align&(align-1) != 0 || align%8 != 0 {
		return 0, hallocerrors.InvalidAlignment(align)
	}

	r, err := root()
	if err != nil {
		return 0, err
	}

	p, err := r.allocateAligned(n, align)
	if err != nil {
		if isFatal(err) {
			Abort(err)
		}

		return 0, err
	}

	return p, nil
}

// AlignedAlloc is PosixMemalign's C11 sibling: n must be a multiple of
// align.
func AlignedAlloc(align, n uintptr) uintptr {
	if align == 0 || n%align != 0 {
		return 0
	}

	p, err := PosixMemalign(align, n)
	if err != nil {
		return 0
	}

	return p
}

// Memalign is the legacy, looser-contracted sibling of PosixMemalign.
func Memalign(align, n uintptr) uintptr {
	p, err := PosixMemalign(align, n)
	if err != nil {
		return 0
	}

	return p
}

// Valloc returns an allocation aligned to the page size.
func Valloc(n uintptr) uintptr {
	p, err := PosixMemalign(sizeclass.PageSize, n)
	if err != nil {
		return 0
	}

	return p
}

// Pvalloc rounds n up to a whole number of pages, then behaves as Valloc.
func Pvalloc(n uintptr) uintptr {
	rounded := (n + sizeclass.PageSize - 1) &^ (sizeclass.PageSize - 1)

	return Valloc(rounded)
}

// MallocUsableSize returns the real usable byte count backing p, which
// may exceed the size originally requested. Returns 0 for a null pointer;
// a non-null pointer that is neither in the slab region nor tracked by the
// region registry is an invalid pointer and aborts the process, as Free
// does.
func MallocUsableSize(p uintptr) uintptr {
	r, err := root()
	if err != nil {
		return 0
	}

	if p != 0 {
		if _, ok := r.classForPointer(p); !ok {
			if _, ok := r.region.Lookup(p); !ok {
				Abort(fatalDispatch("invalid malloc_usable_size: pointer not tracked by the region registry"))
			}
		}
	}

	return r.usableSize(p)
}

// MallocObjectSize is MallocUsableSize's error-returning sibling: for a
// null pointer or a pointer the allocator does not recognize as live it
// returns an error instead of answering 0 or aborting.
func MallocObjectSize(p uintptr) (uintptr, error) {
	if p == 0 {
		return 0, hallocerrors.NullPointer("MallocObjectSize")
	}

	r, err := root()
	if err != nil {
		return 0, err
	}

	if engine, ok := r.classForPointer(p); ok {
		size := engine.ObjectSize()
		if r.config.EnableCanaries {
			size -= canaryTax
		}

		return size, nil
	}

	if entry, ok := r.region.Lookup(p); ok {
		return entry.Size, nil
	}

	return 0, hallocerrors.PointerArithmetic("MallocObjectSize: pointer not owned by this allocator")
}

// MallocObjectSizeFast is the lock-free variant compiler object-size
// intrinsics call: it only ever consults the slab region bounds and a
// class's immutable object size, both racy-read-safe without a lock, and
// never touches the region table. A pointer outside the slab region is
// assumed to be a large allocation and reported as SizeUnknown rather than
// paying the regions-lock cost to look up its exact size.
func MallocObjectSizeFast(p uintptr) uintptr {
	if p == 0 {
		return 0
	}

	r, err := root()
	if err != nil {
		return 0
	}

	if engine, ok := r.classForPointer(p); ok {
		size := engine.ObjectSize()
		if r.config.EnableCanaries {
			size -= canaryTax
		}

		return size
	}

	return SizeUnknown
}

// SizeUnknown is what MallocObjectSizeFast reports for anything outside
// the slab region: SIZE_MAX, the value a caller who wants the exact size
// of a large allocation must fall back to MallocObjectSize for.
const SizeUnknown = ^uintptr(0)

// MallocTrim releases committed-but-empty slab pages and returns whether
// anything was released.
func MallocTrim() bool {
	r, err := root()
	if err != nil {
		return false
	}

	trimmed := false

	for idx := 1; idx < sizeclass.NumClasses; idx++ {
		if r.classes[idx].Trim() {
			trimmed = true
		}
	}

	return trimmed
}

// Mallopt, MallocStats, Mallinfo, MallocInfo, MallocGetState and
// MallocSetState are no-ops: this allocator has no tunable knobs beyond
// Configure, and no opaque state blob to snapshot or restore.
func Mallopt(param, value int) bool {
	return false
}

func MallocStats() {}

func Mallinfo() map[string]uintptr {
	return map[string]uintptr{}
}

func MallocInfo(options int) string {
	return ""
}

func MallocGetState() []byte {
	return nil
}

func MallocSetState(state []byte) error {
	return nil
}
