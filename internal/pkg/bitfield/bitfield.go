// Package bitfield locates decoded fields inside the packet and recovers
// their scalar values, including fields that do not start or end on a byte
// boundary.
package bitfield

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/endorses/wdpool/internal/pkg/decoder"
)

// ErrWindowTooWide is returned when a scalar is requested from more than 8 bytes.
var ErrWindowTooWide = errors.New("field window wider than 64 bits")

// Value is the extracted location and value of one field occurrence.
type Value struct {
	Abbrev     string
	ByteOffset int
	ByteLength int
	// BitOffset is the position of the field's least significant bit
	// within its byte window, counted from the LSB.
	BitOffset  int
	BitLength  int
	Mask       uint64
	Endianness decoder.Encoding
	Value      uint64
	// Scalar is false when the window is too wide to hold a single integer.
	Scalar bool
}

// OffsetOf returns the absolute byte offset of m and its in-field bit offset.
func OffsetOf(m *decoder.FieldMatch) (byteOffset, bitOffset int) {
	byteOffset = m.Start
	if m.Buffer != nil {
		byteOffset += m.Buffer.AbsoluteOffset()
	}
	return byteOffset, m.BitOffset
}

// IsUnaligned reports whether m is a bit-sized field that does not cover
// its byte window exactly.
func IsUnaligned(m *decoder.FieldMatch) bool {
	if m.BitLength == 0 {
		return false
	}
	return m.BitOffset != 0 || m.BitLength != m.Length*8
}

// SynthesizeMask builds the mask of a bitLength-bit field starting
// bitOffset bits after the most significant bit of a byteLength-byte window.
func SynthesizeMask(byteLength, bitOffset, bitLength int) uint64 {
	if bitLength <= 0 || byteLength <= 0 || byteLength > 8 {
		return 0
	}
	run := ^(^uint64(0) >> uint(bitLength))
	shift := 64 - byteLength*8 + bitOffset
	if shift >= 64 {
		return 0
	}
	return run >> uint(shift)
}

// MSBOffset converts an LSB-relative bit position into the MSB-relative
// offset SynthesizeMask expects.
func MSBOffset(byteLength, lsbOffset, bitLength int) int {
	return byteLength*8 - lsbOffset - bitLength
}

// MaskOffset returns the index of the lowest set bit of mask.
func MaskOffset(mask uint64) int {
	if mask == 0 {
		return 0
	}
	return bits.TrailingZeros64(mask)
}

// MaskLength returns the distance between the lowest and highest set bits
// of mask, inclusive.
func MaskLength(mask uint64) int {
	if mask == 0 {
		return 0
	}
	low := bits.TrailingZeros64(mask)
	high := 63 - bits.LeadingZeros64(mask)
	return high - low + 1
}

// BitmaskOf returns the mask of m relative to its byte window, with the
// mask's bit offset and bit length. A static mask always wins; any other
// bit-sized field gets a synthesized one.
func BitmaskOf(m *decoder.FieldMatch) (mask uint64, offset, length int) {
	switch {
	case m.Def != nil && m.Def.Bitmask != 0:
		mask = m.Def.Bitmask
	case m.BitLength != 0:
		mask = SynthesizeMask(m.Length, m.BitOffset, m.BitLength)
	}
	return mask, MaskOffset(mask), MaskLength(mask)
}

// Load reads raw as an integer in the given encoding.
func Load(raw []byte, enc decoder.Encoding) (uint64, error) {
	if len(raw) > 8 {
		return 0, fmt.Errorf("%w: %d bytes", ErrWindowTooWide, len(raw))
	}
	var v uint64
	for i, b := range raw {
		v |= uint64(b) << (8 * uint(i))
	}
	if enc == decoder.EncodingBigEndian {
		v = swap(v, len(raw))
	}
	return v, nil
}

func swap(v uint64, n int) uint64 {
	switch n {
	case 0, 1:
		return v
	case 2:
		return uint64(bits.ReverseBytes16(uint16(v)))
	case 4:
		return uint64(bits.ReverseBytes32(uint32(v)))
	case 8:
		return bits.ReverseBytes64(v)
	}
	var out uint64
	for i := 0; i < n; i++ {
		out = out<<8 | (v>>(8*uint(i)))&0xff
	}
	return out
}

// DecodeScalar loads raw and isolates the bits selected by mask. A zero
// mask returns the whole window.
func DecodeScalar(raw []byte, mask uint64, enc decoder.Encoding) (uint64, error) {
	v, err := Load(raw, enc)
	if err != nil {
		return 0, err
	}
	if mask == 0 {
		return v, nil
	}
	return (v & mask) >> uint(MaskOffset(mask)), nil
}

// Extract returns the location and value of m. Generated fields carry the
// library's value unchanged.
func Extract(m *decoder.FieldMatch) (Value, error) {
	off, _ := OffsetOf(m)
	mask, maskOff, maskLen := BitmaskOf(m)

	v := Value{
		ByteOffset: off,
		ByteLength: m.Length,
		BitOffset:  maskOff,
		BitLength:  maskLen,
		Mask:       mask,
		Endianness: m.Encoding,
	}
	if m.Def != nil {
		v.Abbrev = m.Def.Abbrev
	}
	if mask == 0 {
		v.BitLength = m.Length * 8
	}

	if m.Generated || m.Length == 0 {
		v.Value = m.Value
		v.Scalar = true
		return v, nil
	}
	raw := m.Bytes()
	if raw == nil {
		return v, fmt.Errorf("field %s: window [%d,+%d) outside buffer", v.Abbrev, m.Start, m.Length)
	}
	if len(raw) > 8 {
		return v, nil
	}

	scalar, err := DecodeScalar(raw, mask, m.Encoding)
	if err != nil {
		return v, err
	}
	v.Value = scalar
	v.Scalar = true
	return v, nil
}
