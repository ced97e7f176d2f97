package hash

import (
	"crypto/sha1"
	"testing"
)

func TestSum(t *testing.T) {
	data := []byte("hello world")
	want := sha1.Sum(data)
	if got := Sum(data); got != want {
		t.Fatalf("Sum = %x, want %x", got, want)
	}
}

func TestStreamingMatchesSum(t *testing.T) {
	parts := [][]byte{[]byte("hel"), []byte("lo "), []byte("world")}

	s := NewStreaming(11)
	for _, p := range parts {
		s.Update(p)
	}

	want := Sum([]byte("hello world"))
	if got := s.Finalize(); got != want {
		t.Fatalf("Finalize = %x, want %x", got, want)
	}
}

func TestStreamingReset(t *testing.T) {
	s := NewStreaming(0)
	s.Update([]byte("first"))
	s.Finalize()

	s.Reset()
	s.Update([]byte("second"))

	want := Sum([]byte("second"))
	if got := s.Finalize(); got != want {
		t.Fatalf("Finalize after reset = %x, want %x", got, want)
	}
}

func TestCompare(t *testing.T) {
	data := []byte("piece data")
	want := Sum(data)

	matched, computed := Compare(data, want)
	if !matched || computed != want {
		t.Fatalf("Compare(data, want) = (%v, %x), want (true, %x)", matched, computed, want)
	}

	matched, computed = Compare([]byte("wrong data"), want)
	if matched {
		t.Fatalf("Compare(wrong, want) matched unexpectedly")
	}
	if computed != Sum([]byte("wrong data")) {
		t.Fatalf("Compare returned wrong computed hash on mismatch")
	}
}
