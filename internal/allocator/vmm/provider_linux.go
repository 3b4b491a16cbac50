//go:build linux

package vmm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mremap flags (linux/mman.h); defined locally rather than trusting the
// x/sys/unix symbol set to carry them on every architecture this builds for.
const (
	mremapMaymove = 0x1
	mremapFixed   = 0x2
)

type unixProvider struct {
	pageSize uintptr
}

// New returns the linux page provider, backed directly by mmap/mprotect/
// munmap/mremap via golang.org/x/sys/unix.
func New() Provider {
	return &unixProvider{pageSize: uintptr(unix.Getpagesize())}
}

func (p *unixProvider) PageSize() uintptr {
	return p.pageSize
}

func sliceAt(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size)) //nolint:govet
}

func (p *unixProvider) Map(size uintptr) (uintptr, error) {
	if size == 0 {
		return 0, fmt.Errorf("vmm: Map: zero size")
	}

	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return 0, fmt.Errorf("vmm: mmap reserve %d bytes: %w", size, err)
	}

	return uintptr(unsafe.Pointer(&b[0])), nil
}

func (p *unixProvider) MapFixed(addr, size uintptr) error {
	if size == 0 {
		return nil
	}

	flags := unix.MAP_ANON | unix.MAP_PRIVATE | unix.MAP_FIXED | unix.MAP_NORESERVE

	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, size, uintptr(unix.PROT_NONE), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return fmt.Errorf("vmm: mmap MAP_FIXED drop at 0x%x size %d: %w", addr, size, errno)
	}

	return nil
}

func (p *unixProvider) ProtectRW(addr, size uintptr) error {
	if size == 0 {
		return nil
	}

	if err := unix.Mprotect(sliceAt(addr, size), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("vmm: mprotect RW at 0x%x size %d: %w", addr, size, err)
	}

	return nil
}

func (p *unixProvider) ProtectRO(addr, size uintptr) error {
	if size == 0 {
		return nil
	}

	if err := unix.Mprotect(sliceAt(addr, size), unix.PROT_READ); err != nil {
		return fmt.Errorf("vmm: mprotect RO at 0x%x size %d: %w", addr, size, err)
	}

	return nil
}

func (p *unixProvider) Unmap(addr, size uintptr) error {
	if size == 0 {
		return nil
	}

	if err := unix.Munmap(sliceAt(addr, size)); err != nil {
		return fmt.Errorf("vmm: munmap at 0x%x size %d: %w", addr, size, err)
	}

	return nil
}

// Pages reserves size+2*guardSize bytes (PROT_NONE throughout via Map),
// commits the inner size bytes RW, and leaves the guard bands inaccessible.
// randomize is honored by the kernel's own ASLR on the no-hint mmap Map
// performs; there is no lower-entropy fallback path in this implementation.
func (p *unixProvider) Pages(size, guardSize uintptr, randomize bool) (uintptr, error) {
	total := size + 2*guardSize

	base, err := p.Map(total)
	if err != nil {
		return 0, err
	}

	inner := base + guardSize
	if size > 0 {
		if err := p.ProtectRW(inner, size); err != nil {
			_ = p.Unmap(base, total)

			return 0, err
		}
	}

	_ = randomize // kernel ASLR already applies to the no-hint mmap above.

	return inner, nil
}

// PagesAligned over-reserves by align bytes so an aligned inner address can
// always be located inside the reservation, then commits only the requested
// size. The unused slack at both ends stays PROT_NONE (it was never
// committed), matching the guard-band contract at a coarser granularity.
func (p *unixProvider) PagesAligned(size, align, guardSize uintptr) (uintptr, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("vmm: PagesAligned: align %d not a power of two", align)
	}

	total := size + 2*guardSize + align

	base, err := p.Map(total)
	if err != nil {
		return 0, err
	}

	rawInner := base + guardSize
	inner := (rawInner + align - 1) &^ (align - 1)

	if size > 0 {
		if err := p.ProtectRW(inner, size); err != nil {
			_ = p.Unmap(base, total)

			return 0, err
		}
	}

	return inner, nil
}

func (p *unixProvider) RemapFixed(old, oldSize, new_, newSize uintptr) error {
	flags := mremapMaymove | mremapFixed

	_, _, errno := unix.Syscall6(unix.SYS_MREMAP, old, oldSize, newSize, uintptr(flags), new_, 0)
	if errno != 0 {
		return fmt.Errorf("vmm: mremap 0x%x(%d) -> 0x%x(%d): %w", old, oldSize, new_, newSize, errno)
	}

	return nil
}
