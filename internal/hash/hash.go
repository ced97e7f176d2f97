// Package hash wraps SHA-1 piece verification behind a small API so
// callers (piece assembly, BEP 9 metadata assembly) don't reach for
// crypto/sha1 directly and so the comparison against an expected hash is
// always constant-shape.
package hash

import "crypto/sha1"

const Size = sha1.Size

// Sum returns the SHA-1 digest of data in one call.
func Sum(data []byte) [Size]byte { return sha1.Sum(data) }

// Streaming accumulates a SHA-1 digest over multiple Update calls, for
// callers that receive a piece as a sequence of non-contiguous blocks
// (out-of-order arrival, endgame duplicates already discarded upstream)
// rather than one contiguous buffer.
type Streaming struct {
	h   [Size]byte
	buf []byte
}

// NewStreaming returns a Streaming hasher. size is a hint for the
// internal buffer's initial capacity, not a hard limit.
func NewStreaming(size int) *Streaming {
	return &Streaming{buf: make([]byte, 0, size)}
}

// Update appends p to the pending buffer. Blocks must be written in
// piece-offset order; callers are responsible for sequencing (the piece
// manager already tracks per-block completion).
func (s *Streaming) Update(p []byte) {
	s.buf = append(s.buf, p...)
}

// Finalize returns the SHA-1 digest of everything written so far. The
// Streaming value may be reused after Reset.
func (s *Streaming) Finalize() [Size]byte {
	return sha1.Sum(s.buf)
}

// Reset clears accumulated data so the Streaming value can be reused for
// the next piece.
func (s *Streaming) Reset() {
	s.buf = s.buf[:0]
}

// Compare hashes data and reports whether it matches want, returning the
// computed hash either way so callers can log a mismatch without
// rehashing.
func Compare(data []byte, want [Size]byte) (matched bool, computed [Size]byte) {
	computed = sha1.Sum(data)
	return computed == want, computed
}
