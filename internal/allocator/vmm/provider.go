// Package vmm is the allocator's page provider collaborator: reserve,
// commit, protect, remap and release page-aligned virtual memory ranges.
// This package gives that contract one concrete body, built on
// golang.org/x/sys/unix, the one teacher dependency (SeleniaProject-Orizon,
// golang.org/x/sys) whose concern — direct syscalls — matches what the
// allocator needs from the OS.
package vmm

import "fmt"

// Provider is the page-provider contract the allocator builds on.
type Provider interface {
	// Map reserves size bytes at an OS-chosen address; the range is
	// inaccessible (PROT_NONE) until committed with ProtectRW.
	Map(size uintptr) (uintptr, error)

	// MapFixed drops any commitment in [addr, addr+size) back to
	// reserved-only, without releasing the reservation itself.
	MapFixed(addr, size uintptr) error

	// ProtectRW makes a reserved/committed range readable and writable.
	ProtectRW(addr, size uintptr) error

	// ProtectRO makes a reserved/committed range read-only.
	ProtectRO(addr, size uintptr) error

	// Pages allocates a committed RW range of size bytes with guardSize
	// bytes of inaccessible pages on each side; randomize requests OS
	// address-space-layout randomization of the placement. Returns the
	// inner (user-visible) pointer, not the guard-inclusive base.
	Pages(size, guardSize uintptr, randomize bool) (uintptr, error)

	// PagesAligned is Pages with an additional alignment constraint on the
	// inner pointer.
	PagesAligned(size, align, guardSize uintptr) (uintptr, error)

	// Unmap releases addr..addr+size entirely, including its reservation.
	Unmap(addr, size uintptr) error

	// RemapFixed attempts to move a committed range from old to new
	// without copying, preserving contents. Returns an error if the
	// platform cannot do this atomically, in which case the caller must
	// fall back to allocate-copy-free.
	RemapFixed(old, oldSize, new_, newSize uintptr) error

	// PageSize returns the runtime page size, used by init to assert it
	// matches the compile-time constant assumed by the size-class table.
	PageSize() uintptr
}

// ErrUnsupported names the unsupported-platform condition. No path in this
// package returns it: the only implementation is provider_linux.go, built
// for every linux architecture, and no other platform has a New.
var ErrUnsupported = fmt.Errorf("vmm: unsupported platform")

// PageCeil rounds n up to the next multiple of page.
func PageCeil(n, page uintptr) uintptr {
	return (n + page - 1) &^ (page - 1)
}
