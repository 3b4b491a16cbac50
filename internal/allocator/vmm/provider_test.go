//go:build linux

package vmm

import (
	"testing"
	"unsafe"
)

func TestMapProtectUnmap(t *testing.T) {
	p := New()
	page := p.PageSize()

	addr, err := p.Map(page * 4)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if addr == 0 {
		t.Fatal("Map returned nil address")
	}

	if addr%page != 0 {
		t.Fatalf("Map returned non-page-aligned address 0x%x", addr)
	}

	if err := p.ProtectRW(addr, page*4); err != nil {
		t.Fatalf("ProtectRW: %v", err)
	}

	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(page*4))
	for i := range b {
		b[i] = byte(i)
	}

	for i := range b {
		if b[i] != byte(i) {
			t.Fatalf("byte %d corrupted after ProtectRW write", i)
		}
	}

	if err := p.ProtectRO(addr, page*4); err != nil {
		t.Fatalf("ProtectRO: %v", err)
	}

	if err := p.Unmap(addr, page*4); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
}

func TestMapFixedDropsCommitment(t *testing.T) {
	p := New()
	page := p.PageSize()

	addr, err := p.Map(page * 2)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if err := p.ProtectRW(addr, page*2); err != nil {
		t.Fatalf("ProtectRW: %v", err)
	}

	if err := p.MapFixed(addr, page*2); err != nil {
		t.Fatalf("MapFixed: %v", err)
	}

	if err := p.Unmap(addr, page*2); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
}

func TestPagesGuardLayout(t *testing.T) {
	p := New()
	page := p.PageSize()
	guard := page

	inner, err := p.Pages(page*2, guard, true)
	if err != nil {
		t.Fatalf("Pages: %v", err)
	}

	if inner%page != 0 {
		t.Fatalf("Pages inner address 0x%x not page-aligned", inner)
	}

	b := unsafe.Slice((*byte)(unsafe.Pointer(inner)), int(page*2))
	for i := range b {
		b[i] = 0xAA
	}

	for i := range b {
		if b[i] != 0xAA {
			t.Fatalf("inner usable range corrupted at %d", i)
		}
	}

	if err := p.Unmap(inner-guard, page*2+2*guard); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
}

func TestPagesAlignedRespectsAlignment(t *testing.T) {
	p := New()
	page := p.PageSize()

	const align = 64 * 1024

	inner, err := p.PagesAligned(page, align, page)
	if err != nil {
		t.Fatalf("PagesAligned: %v", err)
	}

	if inner%align != 0 {
		t.Fatalf("PagesAligned returned 0x%x, not aligned to %d", inner, align)
	}
}
