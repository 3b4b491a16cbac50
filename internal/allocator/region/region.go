// Package region implements the large-allocation region registry: an
// open-addressed hash table, linear-probed by decrementing
// the index, mapping large-allocation base pointers to (size, guard size).
// Two pre-reserved buffers back a ping-pong grow: grow commits the other
// buffer, rehashes into it, then drops the old buffer's commitment, so
// both are committed only for the duration of the rehash. Deletion uses
// backward-shift to preserve the probe invariant without tombstones.
package region

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/orizon-lang/hardalloc/internal/allocator/prng"
	"github.com/orizon-lang/hardalloc/internal/allocator/vmm"
)

// Entry is one tracked large allocation. RealBase/RealSize record the raw
// reservation backing it (which, for an alignment-constrained allocation,
// starts earlier and runs longer than Base-Guard..Base+Size+Guard) so a
// free always releases exactly what was reserved.
type Entry struct {
	Base     uintptr
	Size     uintptr
	Guard    uintptr
	RealBase uintptr
	RealSize uintptr
}

// slot is the out-of-band, pointer-free on-disk^Win-memory representation
// of one table bucket. base == 0 means empty; a real allocation's base can
// never be the null pointer, so 0 is a safe empty sentinel.
type slot struct {
	base     uint64
	size     uint64
	guard    uint64
	realBase uint64
	realSize uint64
}

const slotSize = uintptr(unsafe.Sizeof(slot{}))

// ErrTableFull is returned when the table cannot grow further without
// exceeding its pre-reserved capacity; callers treat this as a recoverable
// allocation failure.
var ErrTableFull = fmt.Errorf("region: table at maximum capacity")

// Frozen holds the region table facts that the allocator's root
// RO-protects once initialization completes: the two double-buffer base
// addresses and the table's maximum capacity. It carries no mutex of its
// own — the allocator package allocates it on the same mmap'd page as its
// own frozen facts and RO-protects the whole page after New has written
// every field; Table only ever reads it again afterward, so a corruption
// bug with an arbitrary write cannot redirect grow()'s rehashing into
// attacker-controlled memory.
type Frozen struct {
	BufBase [2]uint64
	MaxCap  uint32
}

// Table is the region registry. All exported methods are safe for
// concurrent use; callers do not need to hold an external lock.
type Table struct {
	mu       sync.Mutex
	provider vmm.Provider
	rng      *prng.State
	frozen   *Frozen

	active uint8 // which of frozen.BufBase[0]/[1] is live
	slots  []slot
	mask   uint32
	count  uint32
}

// New reserves two buffers of maxCap slots each, recording their base
// addresses and maxCap into frozen, and commits the first initialCap slots
// of buffer 0. initialCap and maxCap must be powers of two. The caller is
// responsible for RO-protecting frozen's backing page once New returns.
func New(provider vmm.Provider, frozen *Frozen, initialCap, maxCap uint32) (*Table, error) {
	if !isPow2(initialCap) || !isPow2(maxCap) || initialCap == 0 || maxCap < initialCap {
		return nil, fmt.Errorf("region: New: initialCap=%d maxCap=%d must be powers of two, initialCap<=maxCap", initialCap, maxCap)
	}

	t := &Table{provider: provider, rng: prng.New(), frozen: frozen}

	maxBytes := uintptr(maxCap) * slotSize

	for i := 0; i < 2; i++ {
		base, err := provider.Map(maxBytes)
		if err != nil {
			return nil, fmt.Errorf("region: reserving buffer %d: %w", i, err)
		}

		frozen.BufBase[i] = uint64(base)
	}

	frozen.MaxCap = maxCap

	bufBase0 := uintptr(frozen.BufBase[0])

	if err := provider.ProtectRW(bufBase0, uintptr(initialCap)*slotSize); err != nil {
		return nil, fmt.Errorf("region: committing initial buffer: %w", err)
	}

	t.mask = initialCap - 1
	t.slots = unsafe.Slice((*slot)(unsafe.Pointer(bufBase0)), int(initialCap))

	return t, nil
}

func isPow2(n uint32) bool { return n != 0 && n&(n-1) == 0 }

// hash folds base>>pageShift across its upper 16-bit words with
// sum = (sum<<7) - sum + (u>>16), repeated, then masks to the table size.
func hash(base uint64, mask uint32) uint32 {
	const pageShift = 12 // 4096-byte pages

	u := base >> pageShift
	sum := u

	for i := 0; i < 4; i++ {
		sum = (sum << 7) - sum + (u >> 16)
		u >>= 16
	}

	return uint32(sum) & mask
}

// Insert adds (base, size, guard, realBase, realSize) to the table,
// growing it first if the post-insert load factor would breach 75% (free
// slots must stay above 25% of capacity).
func (t *Table) Insert(base, size, guard, realBase, realSize uintptr) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if (t.count+1)*4 >= (t.mask+1)*3 {
		if err := t.grow(); err != nil {
			return err
		}
	}

	t.insertLocked(uint64(base), uint64(size), uint64(guard), uint64(realBase), uint64(realSize))
	t.count++

	return nil
}

func (t *Table) insertLocked(base, size, guard, realBase, realSize uint64) {
	idx := hash(base, t.mask)

	for t.slots[idx].base != 0 {
		idx = (idx - 1) & t.mask
	}

	t.slots[idx] = slot{base: base, size: size, guard: guard, realBase: realBase, realSize: realSize}
}

// Lookup returns the entry for base, if present.
func (t *Table) Lookup(base uintptr) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.findLocked(uint64(base))
	if !ok {
		return Entry{}, false
	}

	s := t.slots[idx]

	return entryFromSlot(s), true
}

func entryFromSlot(s slot) Entry {
	return Entry{
		Base:     uintptr(s.base),
		Size:     uintptr(s.size),
		Guard:    uintptr(s.guard),
		RealBase: uintptr(s.realBase),
		RealSize: uintptr(s.realSize),
	}
}

func (t *Table) findLocked(base uint64) (uint32, bool) {
	idx := hash(base, t.mask)

	for i := uint32(0); i <= t.mask; i++ {
		if t.slots[idx].base == 0 {
			return 0, false
		}

		if t.slots[idx].base == base {
			return idx, true
		}

		idx = (idx - 1) & t.mask
	}

	return 0, false
}

// Delete removes base from the table and returns its entry, if present.
// Deletion performs backward-shift of subsequent-in-probe-order entries to
// preserve the open-addressing probe invariant without tombstones.
func (t *Table) Delete(base uintptr) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.findLocked(uint64(base))
	if !ok {
		return Entry{}, false
	}

	removed := t.slots[idx]
	t.backwardShiftDelete(idx)
	t.count--

	return entryFromSlot(removed), true
}

// backwardShiftDelete clears slot i and scans backward (in probe order)
// past it, pulling any entry whose home slot is no farther from the gap
// than from its current position into the gap. The gap only advances when
// an entry actually moves; an entry that cannot legally move stays put and
// the scan cursor keeps walking past it on its own.
func (t *Table) backwardShiftDelete(i uint32) {
	mask := t.mask
	gap := i
	t.slots[gap] = slot{}

	scan := (gap - 1) & mask
	for t.slots[scan].base != 0 {
		home := hash(t.slots[scan].base, mask)

		distGap := (home - gap) & mask
		distScan := (home - scan) & mask

		if distGap <= distScan {
			t.slots[gap] = t.slots[scan]
			t.slots[scan] = slot{}
			gap = scan
		}

		scan = (scan - 1) & mask
	}
}

// grow doubles the table into the other pre-reserved buffer, rehashing
// every occupied entry, then drops the old buffer's commitment via
// MapFixed.
func (t *Table) grow() error {
	newCap := (t.mask + 1) * 2
	if newCap > t.frozen.MaxCap {
		return ErrTableFull
	}

	other := 1 - t.active
	newBytes := uintptr(newCap) * slotSize
	otherBase := uintptr(t.frozen.BufBase[other])

	if err := t.provider.ProtectRW(otherBase, newBytes); err != nil {
		return fmt.Errorf("region: grow: committing new buffer: %w", err)
	}

	newSlots := unsafe.Slice((*slot)(unsafe.Pointer(otherBase)), int(newCap))
	newMask := newCap - 1

	for _, s := range t.slots {
		if s.base == 0 {
			continue
		}

		idx := hash(s.base, newMask)
		for newSlots[idx].base != 0 {
			idx = (idx - 1) & newMask
		}

		newSlots[idx] = s
	}

	oldBase := uintptr(t.frozen.BufBase[t.active])
	oldBytes := uintptr(t.mask+1) * slotSize

	t.slots = newSlots
	t.mask = newMask
	t.active = other

	if err := t.provider.MapFixed(oldBase, oldBytes); err != nil {
		return fmt.Errorf("region: grow: dropping old buffer: %w", err)
	}

	return nil
}

// Update changes the size and real reservation extent recorded for an
// already-present base, without touching its position in the table.
// Returns false if base is not present.
func (t *Table) Update(base, newSize, newRealSize uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.findLocked(uint64(base))
	if !ok {
		return false
	}

	t.slots[idx].size = uint64(newSize)
	t.slots[idx].realSize = uint64(newRealSize)

	return true
}

// GuardSize draws a random guard band size: (uniform(n/page/8) + 1) pages.
func (t *Table) GuardSize(n, page uintptr) uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := uint64(n) / uint64(page) / 8
	if k == 0 {
		k = 1
	}

	units := t.rng.Uint64n(k) + 1

	return uintptr(units) * page
}

// Lock and Unlock expose the table mutex to the fork coordinator, which
// must acquire the regions lock before every class lock, in that order.
func (t *Table) Lock()   { t.mu.Lock() }
func (t *Table) Unlock() { t.mu.Unlock() }

// Reseed draws a fresh PRNG state, used on the child side of a fork.
func (t *Table) Reseed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rng.Reseed()
}

// Len returns the number of entries currently present.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return int(t.count)
}

// Cap returns the table's current (committed) capacity in slots.
func (t *Table) Cap() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return int(t.mask + 1)
}
