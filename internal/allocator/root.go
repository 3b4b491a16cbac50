package allocator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	hallocerrors "github.com/orizon-lang/hardalloc/internal/errors"

	"github.com/orizon-lang/hardalloc/internal/allocator/prng"
	"github.com/orizon-lang/hardalloc/internal/allocator/region"
	"github.com/orizon-lang/hardalloc/internal/allocator/sizeclass"
	"github.com/orizon-lang/hardalloc/internal/allocator/slab"
	"github.com/orizon-lang/hardalloc/internal/allocator/vmm"
)

// frozenRoot holds the handful of facts that must become tamper-resistant
// once initialization completes: the slab region's bounds, the region
// table's double-buffer pointers, and the initialized flag itself. It
// lives on its own mmap'd page so it can be genuinely protect_ro'd by the
// OS, rather than merely left unexported in the Go heap (which offers no
// protection against an arbitrary write primitive). The fields are written
// with plain stores during init, before the initialized flag is published
// with an atomic store; the flag and the slab region bounds are read
// through sync/atomic, which works on any sufficiently aligned address,
// mmap'd or not.
type frozenRoot struct {
	slabRegionStart uint64
	slabRegionEnd   uint64
	region          region.Frozen
	initialized     uint64
}

// Root is the process-wide allocator singleton. Use the package-level
// Configure/root accessors; callers never construct a Root directly.
type Root struct {
	initMu sync.Mutex
	config Config

	frozenAddr uintptr
	frozen     *frozenRoot

	stripeSize uintptr

	classes [sizeclass.NumClasses]*slab.Engine // index 0 (sentinel) is nil
	region  *region.Table
}

var (
	globalMu     sync.Mutex
	globalConfig = defaultConfig()
	globalRoot   = &Root{}
)

// Configure overrides the default configuration. It must be called before
// the first allocation; once lazy init has run, it has no effect and
// returns an error.
func Configure(opts ...Option) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalRoot.frozen.initializedSafe() != 0 {
		return fmt.Errorf("allocator: Configure called after initialization")
	}

	for _, opt := range opts {
		opt(globalConfig)
	}

	return nil
}

// initializedSafe reads the frozen flag without dereferencing a nil
// pointer before the first init attempt.
func (f *frozenRoot) initializedSafe() uint64 {
	if f == nil {
		return 0
	}

	return atomic.LoadUint64(&f.initialized)
}

// root returns the process-wide allocator, performing lazy one-shot
// initialization on the first call from any goroutine.
func root() (*Root, error) {
	if globalRoot.frozen.initializedSafe() != 0 {
		return globalRoot, nil
	}

	if err := globalRoot.ensureInit(); err != nil {
		return nil, err
	}

	return globalRoot, nil
}

// ensureInit performs the lazy, idempotent initialization sequence:
// assert the page size, seed PRNGs, reserve the region-table buffers and
// the slab region, build each class engine, publish the frozen facts,
// then RO-protect them.
func (r *Root) ensureInit() error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	if r.frozen.initializedSafe() != 0 {
		return nil
	}

	cfg := *globalConfig

	provider := cfg.Provider
	if provider == nil {
		provider = vmm.New()
	}

	if provider.PageSize() != sizeclass.PageSize {
		return fmt.Errorf("allocator: runtime page size %d does not match compile-time PAGE_SIZE %d", provider.PageSize(), sizeclass.PageSize)
	}

	frozenAddr, err := provider.Map(sizeclass.PageSize)
	if err != nil {
		return fmt.Errorf("allocator: reserving frozen root page: %w", err)
	}

	if err := provider.ProtectRW(frozenAddr, sizeclass.PageSize); err != nil {
		return fmt.Errorf("allocator: committing frozen root page: %w", err)
	}

	frozen := (*frozenRoot)(unsafe.Pointer(frozenAddr))

	regionTable, err := region.New(provider, &frozen.region, cfg.RegionInitialCap, cfg.RegionMaxCap)
	if err != nil {
		return fmt.Errorf("allocator: initializing region table: %w", err)
	}

	stripeSize := cfg.UsableStripeSize * 2

	numStripeClasses := uintptr(sizeclass.NumClasses - 1)

	slabRegionBase, err := provider.Map(numStripeClasses * stripeSize)
	if err != nil {
		return fmt.Errorf("allocator: reserving slab region: %w", err)
	}

	var classes [sizeclass.NumClasses]*slab.Engine

	for idx := 1; idx < sizeclass.NumClasses; idx++ {
		stripeBase := slabRegionBase + uintptr(idx-1)*stripeSize

		e, err := slab.New(slab.Config{
			Provider:            provider,
			RNG:                 prng.New(),
			Class:               sizeclass.At(idx),
			ClassIndex:          idx,
			StripeBase:          stripeBase,
			UsableSize:          cfg.UsableStripeSize,
			GuardSlabs:          cfg.EnableGuardSlabs,
			EnableCanaries:      cfg.EnableCanaries,
			EnableZeroOnFree:    cfg.EnableZeroOnFree,
			EnableRandomization: cfg.EnableRandomization,
			CacheBudget:         cfg.CacheBudget,
		})
		if err != nil {
			return fmt.Errorf("allocator: building class %d engine: %w", idx, err)
		}

		classes[idx] = e
	}

	frozen.slabRegionStart = uint64(slabRegionBase)
	frozen.slabRegionEnd = uint64(slabRegionBase + numStripeClasses*stripeSize)

	r.config = cfg
	r.stripeSize = stripeSize
	r.classes = classes
	r.region = regionTable
	r.frozenAddr = frozenAddr
	r.frozen = frozen

	atomic.StoreUint64(&frozen.initialized, 1)

	if err := provider.ProtectRO(frozenAddr, sizeclass.PageSize); err != nil {
		return hallocerrors.NewStandardError(hallocerrors.CategorySystem, "INIT_FREEZE_FAILED",
			"failed to RO-protect the root structure after initialization",
			map[string]interface{}{"error": err.Error()})
	}

	return nil
}

// slabRegionBounds returns the frozen slab region bounds, reading through
// the (possibly RO-protected) frozen page.
func (r *Root) slabRegionBounds() (start, end uintptr) {
	return uintptr(atomic.LoadUint64(&r.frozen.slabRegionStart)), uintptr(atomic.LoadUint64(&r.frozen.slabRegionEnd))
}

// classForPointer returns the engine owning p, if p falls in the slab
// region at all.
func (r *Root) classForPointer(p uintptr) (*slab.Engine, bool) {
	start, end := r.slabRegionBounds()
	if p < start || p >= end {
		return nil, false
	}

	idx := 1 + int((p-start)/r.stripeSize)
	if idx < 1 || idx >= sizeclass.NumClasses {
		return nil, false
	}

	return r.classes[idx], true
}
