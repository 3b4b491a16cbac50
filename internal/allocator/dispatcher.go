package allocator

import (
	"errors"
	"unsafe"

	hallocerrors "github.com/orizon-lang/hardalloc/internal/errors"

	"github.com/orizon-lang/hardalloc/internal/allocator/sizeclass"
	"github.com/orizon-lang/hardalloc/internal/allocator/slab"
	"github.com/orizon-lang/hardalloc/internal/allocator/vmm"
)

// canaryTax is the bytes a class-routed request must grow by before
// classification, when canaries are enabled, to leave the class's tail
// canary word outside the caller's usable range.
const canaryTax = 8

// remapThreshold is the min(oldSize, newSize) at or above which realloc on the
// large path tries a zero-copy remap before falling back to copy.
const remapThreshold = 4 << 20 // 4 MiB

// adjustedSize returns the size actually classified for a small request:
// n plus the canary tax when canaries are enabled, with a floor of 1 so a
// zero-byte request never lands on the sentinel class.
func (r *Root) adjustedSize(n uintptr) uintptr {
	if n == 0 {
		n = 1
	}

	if r.config.EnableCanaries {
		n += canaryTax
	}

	return n
}

// allocate is the entry point for unaligned requests (aligned ones go
// through allocateAligned): small requests go to a class engine, large
// ones to the region registry.
func (r *Root) allocate(n uintptr) (uintptr, error) {
	adjusted := r.adjustedSize(n)

	if adjusted > sizeclass.MaxSmallSize {
		return r.allocateLarge(n)
	}

	_, classIdx := sizeclass.Classify(adjusted)
	if classIdx <= 0 {
		return r.allocateLarge(n)
	}

	return r.classes[classIdx].AllocateSmall()
}

// allocateAligned routes an aligned request: small classes that happen to
// satisfy the alignment constraint, or the large path's PagesAligned.
func (r *Root) allocateAligned(n, align uintptr) (uintptr, error) {
	adjusted := r.adjustedSize(n)

	if adjusted <= sizeclass.MaxSmallSize {
		if _, classIdx, ok := sizeclass.ClassifyAligned(adjusted, align); ok {
			return r.classes[classIdx].AllocateSmall()
		}
	}

	guard := r.region.GuardSize(n, sizeclass.PageSize)
	committed := vmm.PageCeil(n, sizeclass.PageSize)

	p, err := r.config.Provider.PagesAligned(committed, align, guard)
	if err != nil {
		return 0, err
	}

	realBase := p - guard
	realSize := committed + 2*guard + align

	if err := r.region.Insert(p, n, guard, realBase, realSize); err != nil {
		_ = r.config.Provider.Unmap(realBase, realSize)

		return 0, err
	}

	return p, nil
}

// allocateLarge reserves a guarded region for an n-byte request and
// registers it in the region table.
func (r *Root) allocateLarge(n uintptr) (uintptr, error) {
	guard := r.region.GuardSize(n, sizeclass.PageSize)
	committed := vmm.PageCeil(n, sizeclass.PageSize)

	p, err := r.config.Provider.Pages(committed, guard, r.config.EnableRandomization)
	if err != nil {
		return 0, err
	}

	realBase := p - guard
	realSize := committed + 2*guard

	if err := r.region.Insert(p, n, guard, realBase, realSize); err != nil {
		_ = r.config.Provider.Unmap(realBase, realSize)

		return 0, hallocerrors.RegionTableFull(n)
	}

	return p, nil
}

// deallocateLarge releases p, which must be a live region-table entry.
func (r *Root) deallocateLarge(p uintptr, hasExpected bool, expected uintptr) error {
	entry, ok := r.region.Delete(p)
	if !ok {
		return fatalDispatch("invalid free: pointer not tracked by the region registry")
	}

	if hasExpected && expected != entry.Size {
		return fatalDispatch("sized deallocation mismatch")
	}

	return r.config.Provider.Unmap(entry.RealBase, entry.RealSize)
}

// free routes p to its owning class engine or the region registry.
func (r *Root) free(p uintptr, hasExpected bool, expected uintptr) error {
	if p == 0 {
		return nil
	}

	if engine, ok := r.classForPointer(p); ok {
		return engine.DeallocateSmall(p, hasExpected, expected)
	}

	return r.deallocateLarge(p, hasExpected, expected)
}

// usableSize returns the real usable byte count backing p: the class's
// object size minus the canary tax for a small pointer, or the exact
// requested size for a large one. Returns 0 for a null or unrecognized
// pointer.
func (r *Root) usableSize(p uintptr) uintptr {
	if p == 0 {
		return 0
	}

	if engine, ok := r.classForPointer(p); ok {
		size := engine.ObjectSize()
		if r.config.EnableCanaries {
			size -= canaryTax
		}

		return size
	}

	entry, ok := r.region.Lookup(p)
	if !ok {
		return 0
	}

	return entry.Size
}

// realloc implements the four-way realloc policy: null acts as malloc,
// same-class small requests are a no-op, cross-class small requests
// allocate-copy-free, and the large path tries to avoid copying whenever
// the old and new footprints share the same page-rounded size, the
// allocation shrinks but stays large, or both sides are large enough to
// make a remap worthwhile.
func (r *Root) realloc(old uintptr, n uintptr) (uintptr, error) {
	if old == 0 {
		return r.allocate(n)
	}

	if n == 0 {
		return 0, r.free(old, false, 0)
	}

	if engine, ok := r.classForPointer(old); ok {
		return r.reallocSmall(engine.ClassIndex(), old, n)
	}

	return r.reallocLarge(old, n)
}

func (r *Root) reallocSmall(oldClassIdx int, old, n uintptr) (uintptr, error) {
	adjusted := r.adjustedSize(n)

	if adjusted <= sizeclass.MaxSmallSize {
		_, newClassIdx := sizeclass.Classify(adjusted)
		if newClassIdx == oldClassIdx {
			return old, nil
		}
	}

	fresh, err := r.allocate(n)
	if err != nil {
		return 0, err
	}

	oldUsable := r.usableSize(old)

	copyLen := oldUsable
	if n < copyLen {
		copyLen = n
	}

	copyBytes(fresh, old, copyLen)

	if err := r.free(old, false, 0); err != nil {
		return 0, err
	}

	return fresh, nil
}

func (r *Root) reallocLarge(old, n uintptr) (uintptr, error) {
	entry, ok := r.region.Lookup(old)
	if !ok {
		return 0, fatalDispatch("invalid realloc: pointer not tracked by the region registry")
	}

	oldCommitted := vmm.PageCeil(entry.Size, sizeclass.PageSize)
	newCommitted := vmm.PageCeil(n, sizeclass.PageSize)

	if oldCommitted == newCommitted {
		r.region.Update(old, n, entry.RealSize)

		return old, nil
	}

	if n < entry.Size && n > sizeclass.MaxSmallSize {
		// Install a fresh guard band immediately after the new data end by
		// decommitting it back to PROT_NONE (the same drop-commitment idiom
		// slab.go uses to trim an empty slab), then release everything past
		// it, including the now-redundant original trailing guard band. The
		// interval to release is [new_end+guard, old_end+guard), not
		// [new_end, old_end) — releasing the guard-sized band right after
		// new_end would leave the shrunk allocation with no trailing guard.
		newEnd := old + newCommitted
		oldEnd := old + oldCommitted
		guard := entry.Guard

		if err := r.config.Provider.MapFixed(newEnd, guard); err != nil {
			return 0, err
		}

		if err := r.config.Provider.Unmap(newEnd+guard, (oldEnd+guard)-(newEnd+guard)); err != nil {
			return 0, err
		}

		newRealSize := (newEnd + guard) - entry.RealBase
		r.region.Update(old, n, newRealSize)

		return old, nil
	}

	minSize := entry.Size
	if n < minSize {
		minSize = n
	}

	if minSize >= remapThreshold {
		fresh, err := r.allocateLarge(n)
		if err != nil {
			return 0, err
		}

		if err := r.config.Provider.RemapFixed(old, oldCommitted, fresh, newCommitted); err == nil {
			removed, ok := r.region.Delete(old)
			if !ok {
				return 0, fatalDispatch("invalid realloc: pointer vanished from the region registry mid-remap")
			}

			// mremap only moved the data range; old's guard bands are now
			// orphaned reservations and must be released explicitly.
			_ = r.config.Provider.Unmap(removed.RealBase, old-removed.RealBase)

			trailingStart := old + oldCommitted
			if trailingEnd := removed.RealBase + removed.RealSize; trailingEnd > trailingStart {
				_ = r.config.Provider.Unmap(trailingStart, trailingEnd-trailingStart)
			}

			return fresh, nil
		}

		copyBytes(fresh, old, minSize)

		if err := r.deallocateLarge(old, false, 0); err != nil {
			return 0, err
		}

		return fresh, nil
	}

	fresh, err := r.allocateLarge(n)
	if err != nil {
		return 0, err
	}

	copyBytes(fresh, old, minSize)

	if err := r.deallocateLarge(old, false, 0); err != nil {
		return 0, err
	}

	return fresh, nil
}

func copyBytes(dst, src, n uintptr) {
	if n == 0 {
		return
	}

	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), int(n))
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), int(n))
	copy(d, s)
}

// dispatchFatal marks a condition the dispatcher itself detected (as
// opposed to one surfaced by a class engine or the region table) that
// demands the process abort.
type dispatchFatal struct{ msg string }

func (e *dispatchFatal) Error() string { return "allocator: fatal: " + e.msg }

func fatalDispatch(msg string) error { return &dispatchFatal{msg: msg} }

// isFatal reports whether err demands process abort rather than a
// recoverable nil return (malloc's contract on corruption detection).
func isFatal(err error) bool {
	if err == nil {
		return false
	}

	var slabFatal *slab.FatalError
	if errors.As(err, &slabFatal) {
		return true
	}

	var dispatch *dispatchFatal

	return errors.As(err, &dispatch)
}
