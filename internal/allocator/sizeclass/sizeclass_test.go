package sizeclass

import "testing"

func TestTableShape(t *testing.T) {
	tbl := Table()

	if len(tbl) != NumClasses {
		t.Fatalf("len(Table()) = %d, want %d", len(tbl), NumClasses)
	}

	if tbl[0].Size != 0 {
		t.Fatalf("class 0 size = %d, want 0 (sentinel)", tbl[0].Size)
	}

	for i := 1; i < NumClasses; i++ {
		if tbl[i].Size <= tbl[i-1].Size {
			t.Fatalf("class sizes not strictly increasing at %d: %d <= %d", i, tbl[i].Size, tbl[i-1].Size)
		}

		if tbl[i].SlabSize%PageSize != 0 {
			t.Errorf("class %d slab size %d not page-aligned", i, tbl[i].SlabSize)
		}

		want := pageCeil(uintptr(tbl[i].Slots) * tbl[i].Size)
		if tbl[i].SlabSize != want {
			t.Errorf("class %d slab_size = %d, want page_ceil(slots*size) = %d", i, tbl[i].SlabSize, want)
		}
	}

	if tbl[NumClasses-1].Size != MaxSmallSize {
		t.Fatalf("largest class size = %d, want %d", tbl[NumClasses-1].Size, MaxSmallSize)
	}

	if tbl[8].Size != 128 {
		t.Fatalf("class 8 size = %d, want 128 (end of linear run)", tbl[8].Size)
	}

	if tbl[9].Size != 160 {
		t.Fatalf("class 9 size = %d, want 160 (first geometric class)", tbl[9].Size)
	}
}

func TestClassifySentinelAndLinear(t *testing.T) {
	if size, class := Classify(0); size != 0 || class != 0 {
		t.Fatalf("Classify(0) = (%d, %d), want (0, 0)", size, class)
	}

	cases := []struct {
		n        uintptr
		wantSize uintptr
		wantIdx  int
	}{
		{1, 16, 1},
		{16, 16, 1},
		{17, 32, 2},
		{100, 112, 7},
		{113, 128, 8},
		{128, 128, 8},
	}

	for _, c := range cases {
		size, idx := Classify(c.n)
		if size != c.wantSize || idx != c.wantIdx {
			t.Errorf("Classify(%d) = (%d, %d), want (%d, %d)", c.n, size, idx, c.wantSize, c.wantIdx)
		}
	}
}

func TestClassifyGeometric(t *testing.T) {
	cases := []struct {
		n        uintptr
		wantSize uintptr
	}{
		{129, 160},
		{160, 160},
		{161, 192},
		{256, 256},
		{257, 320},
		{16000, 16384},
		{16384, 16384},
	}

	for _, c := range cases {
		size, idx := Classify(c.n)
		if size != c.wantSize {
			t.Errorf("Classify(%d) size = %d, want %d (class %d)", c.n, size, c.wantSize, idx)
		}

		if idx < 9 || idx >= NumClasses {
			t.Errorf("Classify(%d) idx = %d out of geometric range", c.n, idx)
		}
	}
}

func TestClassifyAligned(t *testing.T) {
	size, class, ok := ClassifyAligned(100, 64)
	if !ok {
		t.Fatal("expected a class satisfying n<=size, size%align==0")
	}

	if size%64 != 0 || size < 100 {
		t.Errorf("ClassifyAligned(100, 64) = (%d, %d), invalid", size, class)
	}

	if _, _, ok := ClassifyAligned(100, 3); ok {
		t.Error("ClassifyAligned with non-power-of-two align should fail")
	}

	if _, _, ok := ClassifyAligned(100, PageSize*2); ok {
		t.Error("ClassifyAligned with align > PageSize should fail")
	}
}
