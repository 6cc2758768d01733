// Package item defines the binary layout of a cache item within a segment
// and the header read/write, delete-bit and numeric helpers over it.
//
// Layout (all little-endian; the total item size is rounded up to an
// 8-byte boundary):
//
//	offset 0:  klen      uint8
//	offset 1:  olen      uint8
//	offset 2:  flags     uint8
//	offset 3:  _pad      uint8
//	offset 4:  vlen      uint32
//	offset 8:  freq      uint32
//	offset 12: created   uint32  (proc_sec at write time, used by flush)
//	offset 16: expire_at uint32  (absolute proc_sec deadline, create_at+ttl)
//	offset 20: cas       uint64  (only present when flagHasCAS is set)
//	payload:   [olen bytes][klen bytes][vlen bytes]
//
// This mirrors the teacher's packed Info record (block/block_manager.go)
// generalized from "one struct describing an out-of-line blob" to "a header
// that precedes its own payload in the same memory window," which is what
// an append-only segment requires.
package item

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

const (
	// HeaderSize is the fixed portion of every item, before the optional
	// CAS field and the variable-length payload.
	HeaderSize = 20
	// CASFieldSize is the width of the optional trailing CAS tag.
	CASFieldSize = 8
	// Alignment is the rounding unit applied to every encoded item size.
	Alignment = 8

	// MaxKeyLen is the largest allowed key length (klen is a single byte).
	MaxKeyLen = 255
	// MaxOlen is the largest allowed opaque metadata prefix length.
	MaxOlen = 255
)

type flag uint8

const (
	flagHasCAS flag = 1 << iota
	flagIsNum
	flagDeleted
	flagLinked
)

// Header is the decoded, in-memory view of an item's fixed fields.
type Header struct {
	KeyLen    uint8
	Olen      uint8
	ValueLen  uint32
	Freq      uint32
	CreatedAt uint32
	ExpireAt  uint32 // absolute proc_sec deadline; CreatedAt + ttl_seconds
	CAS       uint64
	HasCAS    bool
	IsNum     bool
	Deleted   bool
	Linked    bool
}

// EncodedSize returns the total rounded-up size (header + CAS + payload)
// for an item with the given key/value/olen lengths.
func EncodedSize(klen int, vlen int, olen int, hasCAS bool) int {
	sz := HeaderSize + olen + klen + vlen
	if hasCAS {
		sz += CASFieldSize
	}
	return RoundUp(sz)
}

// RoundUp rounds n up to the next multiple of Alignment.
func RoundUp(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// WriteHeader encodes h's fixed fields into buf[0:HeaderSize] (and the CAS
// field immediately after it, if present). buf must be at least
// HeaderSize+CASFieldSize long.
func WriteHeader(buf []byte, h Header) {
	buf[0] = h.KeyLen
	buf[1] = h.Olen

	var f flag
	if h.HasCAS {
		f |= flagHasCAS
	}
	if h.IsNum {
		f |= flagIsNum
	}
	if h.Deleted {
		f |= flagDeleted
	}
	if h.Linked {
		f |= flagLinked
	}
	buf[2] = byte(f)
	buf[3] = 0

	binary.LittleEndian.PutUint32(buf[4:8], h.ValueLen)
	binary.LittleEndian.PutUint32(buf[8:12], h.Freq)
	binary.LittleEndian.PutUint32(buf[12:16], h.CreatedAt)
	binary.LittleEndian.PutUint32(buf[16:20], h.ExpireAt)

	if h.HasCAS {
		binary.LittleEndian.PutUint64(buf[HeaderSize:HeaderSize+CASFieldSize], h.CAS)
	}
}

// ReadHeader decodes the fixed fields of an item stored at the start of buf.
func ReadHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errors.New("buffer too small for item header")
	}

	f := flag(buf[2])
	h := Header{
		KeyLen:    buf[0],
		Olen:      buf[1],
		ValueLen:  binary.LittleEndian.Uint32(buf[4:8]),
		Freq:      binary.LittleEndian.Uint32(buf[8:12]),
		CreatedAt: binary.LittleEndian.Uint32(buf[12:16]),
		ExpireAt:  binary.LittleEndian.Uint32(buf[16:20]),
		HasCAS:    f&flagHasCAS != 0,
		IsNum:     f&flagIsNum != 0,
		Deleted:   f&flagDeleted != 0,
		Linked:    f&flagLinked != 0,
	}

	if h.HasCAS {
		if len(buf) < HeaderSize+CASFieldSize {
			return Header{}, errors.New("buffer too small for item CAS field")
		}
		h.CAS = binary.LittleEndian.Uint64(buf[HeaderSize : HeaderSize+CASFieldSize])
	}

	return h, nil
}

// payloadOffset returns the offset of the [olen][key][value] region relative
// to the start of the item, given whether a CAS field is present.
func payloadOffset(hasCAS bool) int {
	if hasCAS {
		return HeaderSize + CASFieldSize
	}
	return HeaderSize
}

// Key returns the key bytes of an encoded item given its decoded header.
func Key(buf []byte, h Header) []byte {
	start := payloadOffset(h.HasCAS) + int(h.Olen)
	return buf[start : start+int(h.KeyLen)]
}

// Olen returns the opaque metadata prefix bytes.
func Olen(buf []byte, h Header) []byte {
	start := payloadOffset(h.HasCAS)
	return buf[start : start+int(h.Olen)]
}

// Value returns the value bytes of an encoded item given its decoded header.
func Value(buf []byte, h Header) []byte {
	start := payloadOffset(h.HasCAS) + int(h.Olen) + int(h.KeyLen)
	return buf[start : start+int(h.ValueLen)]
}

// SetDeleted flips the deleted bit of an already-written item in place.
func SetDeleted(buf []byte) {
	buf[2] |= byte(flagDeleted)
}

// SetLinked flips the linked bit of an already-written item in place.
func SetLinked(buf []byte, linked bool) {
	if linked {
		buf[2] |= byte(flagLinked)
	} else {
		buf[2] &^= byte(flagLinked)
	}
}

// BumpFreq increments the access-frequency counter in place, saturating at
// math.MaxUint32 instead of wrapping. Used by the merge-keep heuristic
// (spec.md §4.4) to distinguish hot items worth copying forward from cold
// ones worth dropping early.
func BumpFreq(buf []byte) {
	cur := binary.LittleEndian.Uint32(buf[8:12])
	if cur != math.MaxUint32 {
		binary.LittleEndian.PutUint32(buf[8:12], cur+1)
	}
}

// SetCAS overwrites the CAS field of an item that has one.
func SetCAS(buf []byte, h Header, cas uint64) {
	if !h.HasCAS {
		return
	}
	binary.LittleEndian.PutUint64(buf[HeaderSize:HeaderSize+CASFieldSize], cas)
}

// ParseUint64 attempts to interpret value as an unsigned decimal integer
// suitable for the numeric fast-path, matching memcached's incr/decr
// semantics (pure ASCII digits, no sign, fits in 64 bits).
func ParseUint64(value []byte) (uint64, bool) {
	if len(value) == 0 || len(value) > 20 {
		return 0, false
	}

	var n uint64
	for _, b := range value {
		if b < '0' || b > '9' {
			return 0, false
		}
		d := uint64(b - '0')
		if n > (math.MaxUint64-d)/10 {
			return 0, false // would overflow
		}
		n = n*10 + d
	}
	return n, true
}

// FormatUint64 renders n as the ASCII decimal digits incr/decr and get
// responses expect.
func FormatUint64(n uint64) []byte {
	if n == 0 {
		return []byte{'0'}
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return buf[i:]
}

// EncodeNumericValue stores n as 8 raw little-endian bytes, the binary
// fast-path representation used instead of ASCII digits.
func EncodeNumericValue(n uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], n)
	return b[:]
}

// DecodeNumericValue reads back a numeric fast-path value.
func DecodeNumericValue(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.Errorf("numeric value must be 8 bytes, got %d", len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}
