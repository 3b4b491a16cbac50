package allocator

import "github.com/orizon-lang/hardalloc/internal/allocator/vmm"

// Config configures the process-wide allocator root. Call Configure before
// the first allocation to override defaults; after lazy init runs, Config
// changes have no further effect.
type Config struct {
	Provider vmm.Provider

	// UsableStripeSize is half of each size class's virtual stripe (the
	// class's real working range; the other half of the stripe is the
	// random placement gap). Production defaults to 128 GiB per the
	// design; tests should shrink this drastically via WithUsableStripeSize.
	UsableStripeSize uintptr

	// RegionInitialCap/RegionMaxCap size the large-allocation region table.
	RegionInitialCap uint32
	RegionMaxCap     uint32

	CacheBudget uint64

	EnableGuardSlabs    bool
	EnableCanaries      bool
	EnableZeroOnFree    bool
	EnableRandomization bool
}

type Option func(*Config)

const (
	defaultUsableStripeSize = 128 << 30 // 128 GiB
	defaultRegionInitialCap = 256
	defaultRegionMaxCap     = 1 << 20
	defaultCacheBudgetBytes = 64 * 1024 * 1024
)

func defaultConfig() *Config {
	return &Config{
		Provider:            vmm.New(),
		UsableStripeSize:    defaultUsableStripeSize,
		RegionInitialCap:    defaultRegionInitialCap,
		RegionMaxCap:        defaultRegionMaxCap,
		CacheBudget:         defaultCacheBudgetBytes,
		EnableGuardSlabs:    false,
		EnableCanaries:      true,
		EnableZeroOnFree:    true,
		EnableRandomization: true,
	}
}

// WithProvider overrides the page provider (tests use this to inject a
// fake provider; production leaves it at the default OS-backed one).
func WithProvider(p vmm.Provider) Option {
	return func(c *Config) { c.Provider = p }
}

// WithUsableStripeSize overrides the per-class usable stripe half-size.
// Production leaves this at its multi-gigabyte default; tests shrink it so
// the virtual reservations stay small.
func WithUsableStripeSize(n uintptr) Option {
	return func(c *Config) { c.UsableStripeSize = n }
}

// WithRegionCapacities overrides the region table's initial and maximum
// slot counts; both must be powers of two.
func WithRegionCapacities(initial, max uint32) Option {
	return func(c *Config) { c.RegionInitialCap, c.RegionMaxCap = initial, max }
}

// WithCacheBudget overrides the per-class empty-list byte budget that
// gates the empty-to-free slab transition.
func WithCacheBudget(n uint64) Option {
	return func(c *Config) { c.CacheBudget = n }
}

// WithGuardSlabs enables skipping every other slab index so unused pages
// act as inter-slab guards, halving slab capacity per class.
func WithGuardSlabs(enabled bool) Option {
	return func(c *Config) { c.EnableGuardSlabs = enabled }
}

// WithCanaries toggles the per-slab tail canary.
func WithCanaries(enabled bool) Option {
	return func(c *Config) { c.EnableCanaries = enabled }
}

// WithZeroOnFree toggles zeroing a slot's bytes on free (and, as a
// consequence, the write-after-free check on the next allocation from that
// slot).
func WithZeroOnFree(enabled bool) Option {
	return func(c *Config) { c.EnableZeroOnFree = enabled }
}

// WithRandomization toggles randomized-start bitmap search within a slab.
func WithRandomization(enabled bool) Option {
	return func(c *Config) { c.EnableRandomization = enabled }
}
