// Package sizeclass implements the fixed size-class table shared by every
// per-class slab engine: 37 classes, a sentinel for size 0, 16-byte steps up
// to 128 bytes, then seven geometric rows of four classes each doubling the
// row base, up to 16384 bytes.
package sizeclass

import "github.com/orizon-lang/hardalloc/internal/allocator/fastdiv"

// NumClasses is the total number of size classes, including the sentinel.
const NumClasses = 37

// MaxSmallSize is the largest request routed through the slab engine;
// anything larger is a large allocation routed to the region registry.
const MaxSmallSize = 16384

// PageSize is the compile-time page size the allocator is built for. Actual
// runtime page size is asserted to match this during root initialization.
const PageSize = 4096

// Class describes one size class: the rounded object size, slots per slab,
// the resulting slab size, and the fast-division constants used on the
// pointer-to-index hot path.
type Class struct {
	Size           uintptr
	Slots          int
	SlabSize       uintptr
	ObjectDivisor  fastdiv.Magic
	SlabSizeDivisor fastdiv.Magic
}

var classes [NumClasses]Class

func init() {
	// Sentinel class: size 0, never allocates a real slab.
	classes[0] = Class{Size: 0, Slots: 0, SlabSize: 0}

	// Linear classes 1..8: 16-byte multiples up to 128.
	for i := 1; i <= 8; i++ {
		classes[i] = makeClass(uintptr(16 * i))
	}

	// Geometric classes 9..36: 7 rows of 4, each row's base doubling.
	idx := 9
	base := uintptr(128)

	for row := 0; row < 7; row++ {
		step := base / 4
		for k := uintptr(1); k <= 4; k++ {
			classes[idx] = makeClass(base + step*k)
			idx++
		}

		base *= 2
	}

	if idx != NumClasses {
		panic("sizeclass: class table generation produced the wrong count")
	}
}

// slotsFor picks a per-class slot count that keeps slab size modest and
// bitmap occupancy within a single uint64: 64 slots up to 256 bytes, 32 up
// to 2048, 16 up to 8192, and 4 above that.
func slotsFor(size uintptr) int {
	switch {
	case size <= 256:
		return 64
	case size <= 2048:
		return 32
	case size <= 8192:
		return 16
	default:
		return 4
	}
}

func pageCeil(n uintptr) uintptr {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

func makeClass(size uintptr) Class {
	slots := slotsFor(size)
	slabSize := pageCeil(uintptr(slots) * size)

	return Class{
		Size:            size,
		Slots:           slots,
		SlabSize:        slabSize,
		ObjectDivisor:   fastdiv.New(uint64(size)),
		SlabSizeDivisor: fastdiv.New(uint64(slabSize)),
	}
}

// Table returns the full, immutable size-class table.
func Table() *[NumClasses]Class {
	return &classes
}

// At returns the Class for index idx.
func At(idx int) Class {
	return classes[idx]
}

// Classify maps n == 0 to the sentinel class; n <= 128 rounds up to the next
// 16-byte multiple; otherwise the first class whose size is >= n is chosen
// by linear scan from class 9. Returns the
// rounded size and the class index. Callers must route n > MaxSmallSize to
// the large-allocation path themselves.
func Classify(n uintptr) (uintptr, int) {
	if n == 0 {
		return 0, 0
	}

	if n <= 128 {
		idx := int((n-1)>>4) + 1

		return classes[idx].Size, idx
	}

	for idx := 9; idx < NumClasses; idx++ {
		if classes[idx].Size >= n {
			return classes[idx].Size, idx
		}
	}

	// Caller's responsibility: n > MaxSmallSize should never reach here.
	return 0, -1
}

// ClassifyAligned is the alignment-constrained variant of Classify: the
// first class whose size is >= n and divisible by align. align
// must be a power of two no larger than PageSize; ok is false if no class
// satisfies both constraints.
func ClassifyAligned(n, align uintptr) (size uintptr, class int, ok bool) {
	if align == 0 || align&(align-1) != 0 || align > PageSize {
		return 0, 0, false
	}

	if n == 0 {
		n = 1
	}

	for idx := 1; idx < NumClasses; idx++ {
		c := classes[idx]
		if c.Size >= n && c.Size%align == 0 {
			return c.Size, idx, true
		}
	}

	return 0, 0, false
}
