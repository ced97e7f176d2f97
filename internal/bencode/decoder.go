// Package bencode implements strict bencoding: integers, byte strings,
// lists, and dictionaries with byte-string keys in canonical (sorted) order.
//
// The decoder works over an in-memory byte slice rather than a buffered
// stream so that callers needing the exact raw bytes of a sub-value (most
// notably the metainfo layer, which hashes the raw `info` dictionary to
// derive a torrent's infohash) can recover them by byte offset instead of
// re-marshaling the parsed tree, which would silently "correct" a
// non-canonical encoding instead of rejecting it.
package bencode

import (
	"errors"
	"fmt"
	"strconv"
)

// Token identifies syntactic markers in the bencode stream.
type Token byte

func (t Token) Byte() byte { return byte(t) }

const (
	TokenDict            Token = 'd'
	TokenInteger         Token = 'i'
	TokenEnding          Token = 'e'
	TokenList            Token = 'l'
	TokenStringSeparator Token = ':'
)

// Unmarshal parses a single complete bencoded value from data and returns
// it. Returns an error if the input is malformed, exceeds Decoder limits, or
// contains trailing data after the first value.
func Unmarshal(data []byte) (any, error) {
	d := NewDecoder(data)

	v, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.buf) {
		return nil, fmt.Errorf("bencoding: trailing data after first value")
	}

	return v, nil
}

// Decoder reads bencoded values from an in-memory byte slice. A Decoder is
// safe for use by a single goroutine at a time.
type Decoder struct {
	buf []byte
	pos int

	maxDepth  int   // protects against pathological nesting
	maxStrLen int64 // maximum string length in bytes
	maxDigits int   // first int64 range

	// captureDictKey, when non-empty, makes the decoder record the raw
	// byte span (as found in buf) of the first dictionary value found at
	// depth 1 under this key. Used by the metainfo layer to recover the
	// exact bytes of the `info` dictionary for infohash computation.
	captureDictKey string
	capturedSpan   []byte
}

// NewDecoder returns a new Decoder reading from data with conservative
// limits. The returned Decoder retains a reference to data; callers must not
// mutate data while decoding is in progress or while a captured span is
// still referenced.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{
		buf:       data,
		maxDepth:  2048,
		maxStrLen: 16 << 20, // 16 MiB
		maxDigits: 19,
	}
}

// CaptureRawSpan arranges for the raw bytes of the dictionary value at key
// (searched at nesting depth 1 of the next Decode call) to be retrievable
// via CapturedSpan after Decode returns.
func (d *Decoder) CaptureRawSpan(key string) {
	d.captureDictKey = key
	d.capturedSpan = nil
}

// CapturedSpan returns the raw bytes captured by CaptureRawSpan, or nil if
// the key was not found.
func (d *Decoder) CapturedSpan() []byte { return d.capturedSpan }

// Pos returns the current byte offset into the original input.
func (d *Decoder) Pos() int { return d.pos }

// Decode parses and returns the next bencoded value from the input. It may
// return one of: int64, string, []any, or map[string]any.
func (d *Decoder) Decode() (any, error) { return d.decode(0) }

func (d *Decoder) decode(depth int) (any, error) {
	if depth > d.maxDepth {
		return nil, errors.New("bencoding: max depth exceeded")
	}

	b, ok := d.peekByte()
	if !ok {
		return nil, errors.New("bencoding: unexpected EOF")
	}

	switch b {
	case byte(TokenDict):
		d.pos++
		return d.decodeDict(depth + 1)
	case byte(TokenList):
		d.pos++
		return d.decodeList(depth + 1)
	case byte(TokenInteger):
		d.pos++
		return d.decodeInteger()
	default:
		return d.decodeString()
	}
}

// decodeDict parses a dictionary and returns it as map[string]any. Keys
// must be bencoded strings and MUST appear in strictly ascending
// lexicographic order; a non-canonical ordering is rejected rather than
// silently accepted, since an accepted-but-reordered info dict would hash
// to a different infohash than the bytes actually on the wire.
func (d *Decoder) decodeDict(depth int) (map[string]any, error) {
	dict := make(map[string]any, 8)

	prevKey := ""
	haveKey := false

	for {
		b, ok := d.peekByte()
		if !ok {
			return nil, errors.New("bencoding: unexpected EOF in dict")
		}
		if b == byte(TokenEnding) {
			d.pos++
			break
		}

		keyStart := d.pos
		k, err := d.decodeString()
		if err != nil {
			return nil, err
		}
		if haveKey && k <= prevKey {
			return nil, fmt.Errorf(
				"bencoding: non-canonical dict key order at offset %d (%q after %q)",
				keyStart, k, prevKey,
			)
		}
		prevKey, haveKey = k, true

		valueStart := d.pos
		v, err := d.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		valueEnd := d.pos

		if depth == 1 && d.captureDictKey != "" && k == d.captureDictKey {
			d.capturedSpan = append([]byte(nil), d.buf[valueStart:valueEnd]...)
		}

		dict[k] = v
	}

	return dict, nil
}

// decodeList parses a list and returns it as []any.
func (d *Decoder) decodeList(depth int) ([]any, error) {
	var list []any

	for {
		b, ok := d.peekByte()
		if !ok {
			return nil, errors.New("bencoding: unexpected EOF in list")
		}
		if b == byte(TokenEnding) {
			d.pos++
			break
		}

		v, err := d.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}

	return list, nil
}

// decodeInteger parses an integer value 'i' <digits> 'e' and returns int64.
func (d *Decoder) decodeInteger() (int64, error) {
	return d.readInteger(TokenEnding)
}

// decodeString parses a byte string <len> ':' <bytes> and returns a Go
// string.
func (d *Decoder) decodeString() (string, error) {
	n, err := d.readInteger(TokenStringSeparator)
	if err != nil {
		return "", err
	}

	if n < 0 {
		return "", fmt.Errorf("bencoding: negative string length")
	}
	if n > d.maxStrLen {
		return "", fmt.Errorf("bencoding: string too large: %d > %d", n, d.maxStrLen)
	}
	if d.pos+int(n) > len(d.buf) {
		return "", fmt.Errorf("bencoding: string length exceeds remaining input")
	}

	s := string(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s, nil
}

// readInteger reads a base-10, optionally signed integer terminated by
// delim, enforcing d.maxDigits and canonicality (no leading zeros, no "-0").
func (d *Decoder) readInteger(delim Token) (int64, error) {
	start := d.pos
	end := -1
	for i := d.pos; i < len(d.buf); i++ {
		if d.buf[i] == byte(delim) {
			end = i
			break
		}
	}
	if end == -1 {
		return 0, fmt.Errorf("bencoding: missing delimiter %q", rune(delim))
	}

	s := d.buf[start:end]
	d.pos = end + 1

	n := len(s)
	if n == 0 {
		return 0, fmt.Errorf("bencoding: empty integer")
	}

	if s[0] == '-' {
		if n == 1 {
			return 0, fmt.Errorf("bencoding: lone '-'")
		}
		if s[1] == '0' {
			return 0, fmt.Errorf("bencoding: negative zero")
		}
	} else if s[0] == '0' && n > 1 {
		return 0, fmt.Errorf("bencoding: leading zero")
	}

	if len(s) > d.maxDigits+1 {
		return 0, fmt.Errorf("bencoding: too many digits")
	}

	v, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bencoding: invalid integer: %w", err)
	}
	return v, nil
}

func (d *Decoder) peekByte() (byte, bool) {
	if d.pos >= len(d.buf) {
		return 0, false
	}
	return d.buf[d.pos], true
}
