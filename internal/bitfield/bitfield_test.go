package bitfield

import "testing"

func TestNewSizeRounding(t *testing.T) {
	cases := []struct {
		nBits     int
		wantBytes int
	}{
		{0, 0},
		{1, 1},
		{7, 1},
		{8, 1},
		{9, 2},
		{16, 2},
		{17, 3},
	}

	for _, tc := range cases {
		bf := New(tc.nBits)
		if got := len(bf); got != tc.wantBytes {
			t.Fatalf("New(%d) bytes = %d; want %d", tc.nBits, got, tc.wantBytes)
		}
	}
}

func TestSetHasClearAndBounds(t *testing.T) {
	bf := New(10) // 2 bytes

	if bf.Has(-1) || bf.Has(100) {
		t.Fatalf("Has out-of-range should be false")
	}

	idxs := []int{0, 7, 8, 9}
	for _, i := range idxs {
		bf.Set(i)
	}
	for _, i := range idxs {
		if !bf.Has(i) {
			t.Fatalf("bit %d should be set", i)
		}
	}

	bf.Clear(7)
	if bf.Has(7) {
		t.Fatalf("bit 7 should be cleared")
	}
	if bf.Count() != 3 {
		t.Fatalf("Count() = %d; want 3", bf.Count())
	}
}

func TestPopcountAnd(t *testing.T) {
	a := New(16)
	b := New(16)

	for _, i := range []int{0, 1, 2, 15} {
		a.Set(i)
	}
	for _, i := range []int{1, 2, 3} {
		b.Set(i)
	}

	if got := a.PopcountAnd(b); got != 2 {
		t.Fatalf("PopcountAnd = %d; want 2", got)
	}
}

func TestFirstMissingFrom(t *testing.T) {
	bf := New(8)
	bf.Set(0)
	bf.Set(1)
	bf.Set(2)

	if got := bf.FirstMissingFrom(0); got != 3 {
		t.Fatalf("FirstMissingFrom(0) = %d; want 3", got)
	}

	for i := 3; i < 8; i++ {
		bf.Set(i)
	}
	if got := bf.FirstMissingFrom(0); got != -1 {
		t.Fatalf("FirstMissingFrom(0) = %d; want -1 once full", got)
	}
}

func TestForEachSetAndUnset(t *testing.T) {
	bf := New(8)
	bf.Set(1)
	bf.Set(4)

	var set []int
	bf.ForEachSet(func(i int) bool {
		set = append(set, i)
		return true
	})
	if len(set) != 2 || set[0] != 1 || set[1] != 4 {
		t.Fatalf("ForEachSet = %v; want [1 4]", set)
	}

	var unset []int
	bf.ForEachUnset(8, func(i int) bool {
		unset = append(unset, i)
		return true
	})
	if len(unset) != 6 {
		t.Fatalf("ForEachUnset len = %d; want 6", len(unset))
	}
}

func TestEqualsAndClone(t *testing.T) {
	a := New(8)
	a.Set(3)

	b := a.Clone()
	if !a.Equals(b) {
		t.Fatalf("clone should be equal")
	}

	b.Set(4)
	if a.Equals(b) {
		t.Fatalf("mutating clone must not affect original")
	}
}

func TestFromBytesAndToBytesIndependence(t *testing.T) {
	src := []byte{0xFF, 0x00}
	bf := FromBytes(src)

	// mutate src; bf should be unchanged
	src[0] = 0x00
	if !bf.Equals(Bitfield{0xFF, 0x00}) {
		t.Fatalf("FromBytes must copy input")
	}

	out := bf.Bytes()
	out[1] = 0xAA
	if bf[1] != 0x00 {
		t.Fatalf("Bytes must return a copy, not alias")
	}
}

func TestStringRepresentation(t *testing.T) {
	bf := FromBytes([]byte{0xA5, 0x01}) // 1010 0101 0000 0001
	got := bf.String()
	want := "1010010100000001"
	if got != want {
		t.Fatalf("String() = %q; want %q", got, want)
	}
}
