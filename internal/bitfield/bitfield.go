// Package bitfield implements the fixed-size have/want bitsets used to
// track which pieces of a torrent are present locally and at each peer.
package bitfield

import (
	"bytes"
	"math/bits"
)

// Bitfield represents a fixed-size bitset. Bits are stored MSB-first within
// each byte, matching the wire layout of the BITFIELD message.
type Bitfield []byte

// New returns a zeroed bitfield able to hold nbits bits.
func New(nbits int) Bitfield {
	if nbits <= 0 {
		return nil
	}

	return make(Bitfield, (nbits+7)/8)
}

// FromBytes returns a new Bitfield that copies b.
func FromBytes(b []byte) Bitfield {
	return append(Bitfield(nil), b...)
}

// Bytes returns a copy of the underlying bytes.
func (bf Bitfield) Bytes() []byte {
	return append([]byte(nil), bf...)
}

// Len returns the number of addressable bits.
func (bf Bitfield) Len() int { return len(bf) * 8 }

// Has reports whether bit at index is set. Returns false if index is out of
// range.
func (bf Bitfield) Has(index int) bool {
	if index < 0 || index >= bf.Len() {
		return false
	}

	byteIndex, off := index/8, 7-(index%8)
	return (bf[byteIndex]>>off)&1 == 1
}

// Get is an alias of Has, matching the get(p) naming used for piece
// bookkeeping.
func (bf Bitfield) Get(index int) bool { return bf.Has(index) }

// Set sets bit at index. It returns true if the bit was changed, false if
// out-of-range or already set.
func (bf Bitfield) Set(index int) bool {
	if index < 0 || index >= bf.Len() {
		return false
	}

	byteIndex, off := index/8, 7-(index%8)
	mask := byte(1 << off)
	old := bf[byteIndex]
	bf[byteIndex] = old | mask

	return old&mask == 0
}

// Clear clears bit at index. It returns true if the bit was changed, false if
// out-of-range or already clear.
func (bf Bitfield) Clear(index int) bool {
	if index < 0 || index >= bf.Len() {
		return false
	}

	byteIndex, off := index/8, 7-(index%8)
	mask := byte(1 << off)
	old := bf[byteIndex]
	bf[byteIndex] = old &^ mask

	return old&mask != 0
}

// Count returns the number of set bits.
func (bf Bitfield) Count() int {
	n := 0
	for _, b := range bf {
		n += bits.OnesCount8(b)
	}

	return n
}

// CountSet is an alias of Count matching count_set() from the bookkeeping
// contract.
func (bf Bitfield) CountSet() int { return bf.Count() }

// Any reports whether any bit is set.
func (bf Bitfield) Any() bool { return bf.Count() != 0 }

// None reports whether no bit is set.
func (bf Bitfield) None() bool { return bf.Count() == 0 }

// All reports whether all bits in the last full byte range are set.
func (bf Bitfield) All() bool {
	for _, b := range bf {
		if b != 0xFF {
			return false
		}
	}

	return len(bf) > 0
}

// Equals compares bitfields byte-wise.
func (bf Bitfield) Equals(other Bitfield) bool {
	return bytes.Equal(bf, other)
}

// Clone returns an independent copy.
func (bf Bitfield) Clone() Bitfield { return bf.Bytes() }

// String returns a 0/1 bitstring (MSB-first).
func (bf Bitfield) String() string {
	var buf bytes.Buffer
	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
	}
	return buf.String()
}

// PopcountAnd returns the number of bits set in both bf and other, up to
// min(bf.Len(), other.Len()). Used to size the "we have, peer lacks" style
// queries without allocating an intermediate bitfield.
func (bf Bitfield) PopcountAnd(other Bitfield) int {
	n := len(bf)
	if len(other) < n {
		n = len(other)
	}

	count := 0
	for i := 0; i < n; i++ {
		count += bits.OnesCount8(bf[i] & other[i])
	}
	return count
}

// FirstMissingFromUpTo returns the first index in [hint, limit) where bf is
// unset, or -1 if none exists. limit should normally be the piece count,
// since the final byte of the bitfield may have padding bits beyond it.
func (bf Bitfield) FirstMissingFromUpTo(hint, limit int) int {
	if hint < 0 {
		hint = 0
	}
	for i := hint; i < limit && i < bf.Len(); i++ {
		if !bf.Has(i) {
			return i
		}
	}
	return -1
}

// FirstMissingFrom returns the first unset index at or after hint, or -1 if
// every bit through Len() is set.
func (bf Bitfield) FirstMissingFrom(hint int) int {
	return bf.FirstMissingFromUpTo(hint, bf.Len())
}

// ForEachSet calls fn for every set bit index in ascending order, stopping
// early if fn returns false.
func (bf Bitfield) ForEachSet(fn func(index int) bool) {
	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			if !fn(i) {
				return
			}
		}
	}
}

// ForEachUnset calls fn for every unset index in [0, limit) in ascending
// order, stopping early if fn returns false.
func (bf Bitfield) ForEachUnset(limit int, fn func(index int) bool) {
	for i := 0; i < limit && i < bf.Len(); i++ {
		if !bf.Has(i) {
			if !fn(i) {
				return
			}
		}
	}
}
