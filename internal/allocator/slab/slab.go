// Package slab implements the per-size-class slab engine: bitmap slot
// occupancy, partial/empty/free slab lifecycle, out-of-band metadata growth,
// canary install/verify, and the write-after-free check. One Engine serves
// one size class; the caller (the allocator root package) owns the single
// huge slab-region reservation and hands each Engine its class's stripe.
package slab

import (
	"fmt"
	"math/bits"
	"sync"
	"unsafe"

	"github.com/orizon-lang/hardalloc/internal/allocator/fastdiv"
	"github.com/orizon-lang/hardalloc/internal/allocator/prng"
	"github.com/orizon-lang/hardalloc/internal/allocator/sizeclass"
	"github.com/orizon-lang/hardalloc/internal/allocator/vmm"
)

// FatalError marks a condition that demands the process abort rather than
// return an error code: heap corruption, double free, invalid pointers.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return "slab: fatal: " + e.Msg }

func fatal(msg string) error { return &FatalError{Msg: msg} }

// slabMeta is the out-of-band, pointer-free record for one slab, stored in
// a per-class mmap'd array and reinterpreted in place via unsafe.Slice.
// prev/next form a doubly-linked partial list or a singly-linked
// empty/free list depending on which list currently owns the slab; -1
// means "no link".
type slabMeta struct {
	bitmap uint64
	prev   int64
	next   int64
	canary uint64
}

const metaEntrySize = unsafe.Sizeof(slabMeta{})

const defaultCacheBudget = 64 * 1024 * 1024 // 64 KiB x 1024, per spec's cache budget figure

// Config configures one class's Engine. StripeBase/UsableSize describe the
// pre-reserved virtual range this class owns; the Engine itself reserves
// only its out-of-band metadata array.
type Config struct {
	Provider vmm.Provider
	RNG      *prng.State // optional; a fresh one is drawn if nil

	Class      sizeclass.Class
	ClassIndex int

	StripeBase uintptr // base of this class's 2*UsableSize stripe
	UsableSize uintptr // half of the stripe; the class's real working range

	GuardSlabs           bool
	EnableCanaries       bool
	EnableZeroOnFree     bool
	EnableRandomization  bool
	CacheBudget          uint64
}

// Engine is one size class's slab allocator. All exported methods lock
// internally; callers outside the fork coordinator never need Lock/Unlock.
type Engine struct {
	mu sync.Mutex

	provider vmm.Provider
	rng      *prng.State

	class      sizeclass.Class
	classIndex int
	classStart uintptr
	usableSize uintptr

	stride        uintptr // byte distance between consecutive slab bases
	strideDivisor fastdiv.Magic

	metaBase uintptr
	meta     []slabMeta
	metaCap  uint64
	metaMax  uint64

	highWater uint64

	partialHead         int64
	emptyHead           int64
	freeHead, freeTail  int64
	emptySlabsTotal     uint64
	cacheBudget         uint64

	guardSlabs    bool
	canaries      bool
	zeroOnFree    bool
	randomization bool
}

// New reserves the class's metadata array (committing its first page) and
// draws the class's random stripe gap. It does not touch the stripe's data
// pages; those are committed lazily, one slab at a time.
func New(cfg Config) (*Engine, error) {
	if cfg.Class.Size == 0 || cfg.Class.Slots == 0 {
		return nil, fmt.Errorf("slab: cannot build an engine for the sentinel class")
	}

	if cfg.Provider == nil {
		return nil, fmt.Errorf("slab: class %d: Provider is required", cfg.ClassIndex)
	}

	if cfg.StripeBase == 0 || cfg.UsableSize == 0 {
		return nil, fmt.Errorf("slab: class %d: StripeBase/UsableSize are required", cfg.ClassIndex)
	}

	rng := cfg.RNG
	if rng == nil {
		rng = prng.New()
	}

	stride := cfg.Class.SlabSize
	if cfg.GuardSlabs {
		stride *= 2
	}

	gapMaxPages := uint64(cfg.UsableSize / sizeclass.PageSize)
	if gapMaxPages < 2 {
		gapMaxPages = 2
	}

	gapPages := 1 + rng.Uint64n(gapMaxPages-1)
	classStart := cfg.StripeBase + uintptr(gapPages)*sizeclass.PageSize

	metaMax := uint64(cfg.UsableSize / stride)
	if metaMax == 0 {
		metaMax = 1
	}

	metaBytes := metaMax * uint64(metaEntrySize)

	metaBase, err := cfg.Provider.Map(uintptr(metaBytes))
	if err != nil {
		return nil, fmt.Errorf("slab: class %d: reserving metadata array: %w", cfg.ClassIndex, err)
	}

	initialCap := uint64(sizeclass.PageSize) / uint64(metaEntrySize)
	if initialCap == 0 {
		initialCap = 1
	}

	if initialCap > metaMax {
		initialCap = metaMax
	}

	if err := cfg.Provider.ProtectRW(metaBase, uintptr(initialCap*uint64(metaEntrySize))); err != nil {
		return nil, fmt.Errorf("slab: class %d: committing initial metadata page: %w", cfg.ClassIndex, err)
	}

	cacheBudget := cfg.CacheBudget
	if cacheBudget == 0 {
		cacheBudget = defaultCacheBudget
	}

	e := &Engine{
		provider:      cfg.Provider,
		rng:           rng,
		class:         cfg.Class,
		classIndex:    cfg.ClassIndex,
		classStart:    classStart,
		usableSize:    cfg.UsableSize,
		stride:        stride,
		strideDivisor: fastdiv.New(uint64(stride)),
		metaBase:      metaBase,
		metaCap:       initialCap,
		metaMax:       metaMax,
		partialHead:   -1,
		emptyHead:     -1,
		freeHead:      -1,
		freeTail:      -1,
		cacheBudget:   cacheBudget,
		guardSlabs:    cfg.GuardSlabs,
		canaries:      cfg.EnableCanaries,
		zeroOnFree:    cfg.EnableZeroOnFree,
		randomization: cfg.EnableRandomization,
	}
	e.meta = unsafe.Slice((*slabMeta)(unsafe.Pointer(metaBase)), int(initialCap))

	return e, nil
}

// Lock and Unlock expose the class mutex to the fork coordinator, which
// must acquire every class lock (in index order) around fork.
func (e *Engine) Lock()   { e.mu.Lock() }
func (e *Engine) Unlock() { e.mu.Unlock() }

// Reseed draws a fresh PRNG state. Called on the child side of a fork so
// parent and child placement diverges.
func (e *Engine) Reseed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rng.Reseed()
}

// ClassIndex, ClassStart, UsableSize, Stride and ObjectSize expose enough
// layout for the dispatcher to route pointers without reaching into engine
// internals.
func (e *Engine) ClassIndex() int       { return e.classIndex }
func (e *Engine) ClassStart() uintptr   { return e.classStart }
func (e *Engine) UsableSize() uintptr   { return e.usableSize }
func (e *Engine) Stride() uintptr       { return e.stride }
func (e *Engine) ObjectSize() uintptr   { return e.class.Size }
func (e *Engine) SlotsPerSlab() int     { return e.class.Slots }

func fullMask(slots int) uint64 {
	if slots >= 64 {
		return ^uint64(0)
	}

	return uint64(1)<<uint(slots) - 1
}

func lowestZero(bitmap, mask uint64) (int, bool) {
	avail := ^bitmap & mask
	if avail == 0 {
		return 0, false
	}

	return bits.TrailingZeros64(avail), true
}

// pickSlot implements the randomized-start bitmap search: bias the search
// away from low indices by pretending a random prefix is occupied, falling
// back to a plain lowest-zero search if that prefix happens to cover every
// actually-free slot.
func (e *Engine) pickSlot(idx uint64) int {
	mask := fullMask(e.class.Slots)
	bitmap := e.meta[idx].bitmap

	if e.randomization && e.class.Slots > 1 {
		start := e.rng.Uint16n(uint16(e.class.Slots))

		var randMask uint64
		if start > 0 {
			randMask = uint64(1)<<uint(start) - 1
		}

		if slot, ok := lowestZero(bitmap|randMask, mask); ok {
			return slot
		}
	}

	slot, _ := lowestZero(bitmap, mask)

	return slot
}

func (e *Engine) drawCanary() uint64 {
	return e.rng.Uint64() &^ 0xFF
}

func (e *Engine) slabBase(idx uint64) uintptr {
	return e.classStart + uintptr(idx)*e.stride
}

func (e *Engine) pushPartial(idx uint64) {
	m := &e.meta[idx]
	m.next = e.partialHead
	m.prev = -1

	if e.partialHead != -1 {
		e.meta[e.partialHead].prev = int64(idx)
	}

	e.partialHead = int64(idx)
}

func (e *Engine) unlinkPartial(idx uint64) {
	m := &e.meta[idx]

	if m.prev != -1 {
		e.meta[m.prev].next = m.next
	} else {
		e.partialHead = m.next
	}

	if m.next != -1 {
		e.meta[m.next].prev = m.prev
	}

	m.prev, m.next = -1, -1
}

func (e *Engine) pushEmpty(idx uint64) {
	e.meta[idx].next = e.emptyHead
	e.emptyHead = int64(idx)
	e.emptySlabsTotal += uint64(e.class.SlabSize)
}

func (e *Engine) popEmpty() uint64 {
	idx := uint64(e.emptyHead)
	e.emptyHead = e.meta[idx].next
	e.meta[idx].next = -1
	e.emptySlabsTotal -= uint64(e.class.SlabSize)

	return idx
}

func (e *Engine) pushFree(idx uint64) {
	e.meta[idx].next = -1

	if e.freeTail != -1 {
		e.meta[e.freeTail].next = int64(idx)
	} else {
		e.freeHead = int64(idx)
	}

	e.freeTail = int64(idx)
}

func (e *Engine) popFree() uint64 {
	idx := uint64(e.freeHead)
	e.freeHead = e.meta[idx].next

	if e.freeHead == -1 {
		e.freeTail = -1
	}

	e.meta[idx].next = -1

	return idx
}

// growMetadata allocates a new, never-before-used slab index, doubling the
// metadata array's committed capacity first if the high-water mark has
// reached it.
func (e *Engine) growMetadata() (uint64, error) {
	if e.highWater >= e.metaMax {
		return 0, fmt.Errorf("slab: class %d exhausted: metadata high water at theoretical maximum (%d)", e.classIndex, e.metaMax)
	}

	need := e.highWater + 1
	if need > e.metaCap {
		newCap := e.metaCap * 2
		if newCap > e.metaMax {
			newCap = e.metaMax
		}

		if err := e.provider.ProtectRW(e.metaBase, uintptr(newCap*uint64(metaEntrySize))); err != nil {
			return 0, fmt.Errorf("slab: class %d: growing metadata capacity to %d entries: %w", e.classIndex, newCap, err)
		}

		e.metaCap = newCap
		e.meta = unsafe.Slice((*slabMeta)(unsafe.Pointer(e.metaBase)), int(newCap))
	}

	idx := e.highWater
	e.meta[idx] = slabMeta{prev: -1, next: -1}
	e.highWater++

	return idx, nil
}

func (e *Engine) commitSlabPages(idx uint64) error {
	if err := e.provider.ProtectRW(e.slabBase(idx), e.class.SlabSize); err != nil {
		return fmt.Errorf("slab: class %d: committing slab %d: %w", e.classIndex, idx, err)
	}

	return nil
}

// AllocateSmall returns a pointer to a fresh object of this class's size,
// or an error (OOM is recoverable; corruption found along the way is
// fatal).
func (e *Engine) AllocateSmall() (uintptr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var slabIdx uint64

	switch {
	case e.partialHead != -1:
		slabIdx = uint64(e.partialHead)

	case e.emptyHead != -1:
		slabIdx = e.popEmpty()
		e.pushPartial(slabIdx)

	case e.freeHead != -1:
		slabIdx = e.popFree()

		if err := e.commitSlabPages(slabIdx); err != nil {
			return 0, err
		}

		e.meta[slabIdx].canary = e.drawCanary()
		e.pushPartial(slabIdx)

	default:
		idx, err := e.growMetadata()
		if err != nil {
			return 0, err
		}

		if err := e.commitSlabPages(idx); err != nil {
			return 0, err
		}

		e.meta[idx].canary = e.drawCanary()
		e.pushPartial(idx)
		slabIdx = idx
	}

	slotIdx := e.pickSlot(slabIdx)
	meta := &e.meta[slabIdx]
	meta.bitmap |= uint64(1) << uint(slotIdx)

	if meta.bitmap&fullMask(e.class.Slots) == fullMask(e.class.Slots) {
		e.unlinkPartial(slabIdx)
	}

	ptr := e.slabBase(slabIdx) + uintptr(slotIdx)*e.class.Size

	canarySize := uintptr(0)
	if e.canaries {
		canarySize = 8
	}

	objBytes := e.class.Size - canarySize
	if err := e.checkWriteAfterFree(ptr, objBytes); err != nil {
		return 0, err
	}

	if e.canaries {
		*(*uint64)(unsafe.Pointer(ptr + e.class.Size - 8)) = meta.canary
	}

	return ptr, nil
}

// checkWriteAfterFree is only meaningful when zero-on-free is enabled: a
// slot that was zeroed at free time and has not been touched since must
// still read as all-zero.
func (e *Engine) checkWriteAfterFree(ptr, n uintptr) error {
	if !e.zeroOnFree || n == 0 {
		return nil
	}

	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(n))
	for _, v := range b {
		if v != 0 {
			return fatal("write after free detected: slot modified after it was freed")
		}
	}

	return nil
}

// DeallocateSmall frees p, which must be a live pointer previously returned
// by AllocateSmall on this engine. If hasExpected is true, expected must
// match the class's object size (the free_sized contract).
func (e *Engine) DeallocateSmall(p uintptr, hasExpected bool, expected uintptr) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	offset := p - e.classStart
	slabIdx := e.strideDivisor.Div(uint64(offset))

	if slabIdx >= e.highWater {
		return fatal("invalid free: slab index beyond metadata high water")
	}

	slabOffset := uintptr(offset) - uintptr(slabIdx)*e.stride
	slotIdx := e.class.ObjectDivisor.Div(uint64(slabOffset))

	expectedPtr := e.slabBase(slabIdx) + uintptr(slotIdx)*e.class.Size
	if expectedPtr != p {
		return fatal("invalid free: pointer is not slot-aligned within its slab")
	}

	meta := &e.meta[slabIdx]
	bit := uint64(1) << uint(slotIdx)

	if meta.bitmap&bit == 0 {
		return fatal("double free")
	}

	if hasExpected && expected != e.class.Size {
		return fatal("sized deallocation mismatch")
	}

	canarySize := uintptr(0)
	if e.canaries {
		canarySize = 8
	}

	objBytes := e.class.Size - canarySize

	if e.zeroOnFree && objBytes > 0 {
		b := unsafe.Slice((*byte)(unsafe.Pointer(p)), int(objBytes))
		for i := range b {
			b[i] = 0
		}
	}

	if e.canaries {
		got := *(*uint64)(unsafe.Pointer(p + e.class.Size - 8))
		if got != meta.canary {
			return fatal("canary corrupted")
		}
	}

	full := fullMask(e.class.Slots)
	wasFull := meta.bitmap&full == full

	if wasFull {
		e.pushPartial(slabIdx)
	}

	meta.bitmap &^= bit

	if meta.bitmap == 0 {
		e.unlinkPartial(slabIdx)

		if e.emptySlabsTotal+uint64(e.class.SlabSize) > e.cacheBudget {
			if err := e.provider.MapFixed(e.slabBase(slabIdx), e.class.SlabSize); err == nil {
				e.pushFree(slabIdx)
			} else {
				e.pushEmpty(slabIdx)
			}
		} else {
			e.pushEmpty(slabIdx)
		}
	}

	return nil
}

// Trim walks the empty list, dropping each slab's committed pages via
// MapFixed and moving it to the free list; it stops at the first failure.
// It returns whether it trimmed anything.
func (e *Engine) Trim() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	trimmed := false

	for e.emptyHead != -1 {
		idx := e.popEmpty()

		if err := e.provider.MapFixed(e.slabBase(idx), e.class.SlabSize); err != nil {
			e.pushEmpty(idx)

			break
		}

		e.pushFree(idx)
		trimmed = true
	}

	return trimmed
}

// Stats reports the engine's list/high-water state, for introspection and
// tests.
type Stats struct {
	HighWater    uint64
	PartialCount int
	EmptyCount   int
	FreeCount    int
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{HighWater: e.highWater}

	for i := e.partialHead; i != -1; i = e.meta[i].next {
		s.PartialCount++
	}

	for i := e.emptyHead; i != -1; i = e.meta[i].next {
		s.EmptyCount++
	}

	for i := e.freeHead; i != -1; i = e.meta[i].next {
		s.FreeCount++
	}

	return s
}

// AllLiveBitmapsClear reports whether every slab up to the high-water mark
// currently has bitmap == 0 (used by stress tests to verify final state).
func (e *Engine) AllLiveBitmapsClear() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := uint64(0); i < e.highWater; i++ {
		if e.meta[i].bitmap != 0 {
			return false
		}
	}

	return true
}
