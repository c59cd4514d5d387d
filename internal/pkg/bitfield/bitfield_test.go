package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorses/wdpool/internal/pkg/decoder"
)

func match(data []byte, def *decoder.FieldDef, start, length, bitOff, bitLen int) *decoder.FieldMatch {
	return &decoder.FieldMatch{
		Def:       def,
		Buffer:    decoder.NewFrameBuffer(data),
		Start:     start,
		Length:    length,
		BitOffset: bitOff,
		BitLength: bitLen,
		Encoding:  decoder.EncodingBigEndian,
	}
}

func TestExtract_ThreeBitFieldInOneByte(t *testing.T) {
	// 0b1011_0100, field covers bits 4..2 counted from the LSB
	data := []byte{0xB4}
	def := &decoder.FieldDef{Abbrev: "test.bits", Type: decoder.FTUint8}
	m := match(data, def, 0, 1, MSBOffset(1, 2, 3), 3)

	require.True(t, IsUnaligned(m))

	mask, off, length := BitmaskOf(m)
	assert.Equal(t, uint64(0x1C), mask)
	assert.Equal(t, 2, off)
	assert.Equal(t, 3, length)

	v, err := Extract(m)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v.Value)
	assert.Equal(t, 0, v.ByteOffset)
	assert.Equal(t, 1, v.ByteLength)
	assert.Equal(t, 2, v.BitOffset)
	assert.Equal(t, 3, v.BitLength)
	assert.True(t, v.Scalar)
}

func TestExtract_IPv6UnalignedFields(t *testing.T) {
	// version 6, traffic class 0xAB, flow label 0x12345
	hdr := []byte{0x6A, 0xB1, 0x23, 0x45}
	tclass := &decoder.FieldDef{Abbrev: "ipv6.tclass", Type: decoder.FTUint8}
	flow := &decoder.FieldDef{Abbrev: "ipv6.flow", Type: decoder.FTUint24}

	tests := []struct {
		name     string
		m        *decoder.FieldMatch
		mask     uint64
		bitOff   int
		bitLen   int
		expected uint64
	}{
		{"traffic class", match(hdr, tclass, 0, 2, 4, 8), 0x0FF0, 4, 8, 0xAB},
		{"flow label", match(hdr, flow, 1, 3, 4, 20), 0x0FFFFF, 0, 20, 0x12345},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Extract(tt.m)
			require.NoError(t, err)
			assert.Equal(t, tt.mask, v.Mask)
			assert.Equal(t, tt.bitOff, v.BitOffset)
			assert.Equal(t, tt.bitLen, v.BitLength)
			assert.Equal(t, tt.expected, v.Value)
		})
	}
}

func TestBitmaskOf_StaticMaskWins(t *testing.T) {
	// ip.flags.df: byte-aligned 16-bit window with a static mask
	def := &decoder.FieldDef{Abbrev: "ip.flags.df", Type: decoder.FTBoolean, Bitmask: 0x4000}
	m := match([]byte{0x40, 0x00}, def, 0, 2, 1, 1)

	assert.True(t, IsUnaligned(m))
	mask, off, length := BitmaskOf(m)
	assert.Equal(t, uint64(0x4000), mask)
	assert.Equal(t, 14, off)
	assert.Equal(t, 1, length)

	v, err := Extract(m)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Value)
}

func TestIsUnaligned(t *testing.T) {
	def := &decoder.FieldDef{Type: decoder.FTUint16}

	tests := []struct {
		name   string
		bitOff int
		bitLen int
		want   bool
	}{
		{"not bit sized", 0, 0, false},
		{"covers the window", 0, 16, false},
		{"leading byte of the window", 0, 8, true},
		{"sub-byte length", 0, 4, true},
		{"shifted start", 4, 8, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := match([]byte{0, 0}, def, 0, 2, tt.bitOff, tt.bitLen)
			assert.Equal(t, tt.want, IsUnaligned(m))
		})
	}
}

func TestBitmaskOf_AlignedByteInWiderWindow(t *testing.T) {
	def := &decoder.FieldDef{Abbrev: "test.hi", Type: decoder.FTUint8}
	m := match([]byte{0xAB, 0xCD}, def, 0, 2, 0, 8)

	mask, off, length := BitmaskOf(m)
	assert.Equal(t, uint64(0xFF00), mask)
	assert.Equal(t, 8, off)
	assert.Equal(t, 8, length)

	v, err := Extract(m)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xAB), v.Value)
}

func TestBitmaskOf_FullWindowSynthesized(t *testing.T) {
	def := &decoder.FieldDef{Abbrev: "test.word", Type: decoder.FTUint16}
	m := match([]byte{0xAB, 0xCD}, def, 0, 2, 0, 16)

	mask, _, _ := BitmaskOf(m)
	assert.Equal(t, uint64(0xFFFF), mask)
	v, err := Extract(m)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xABCD), v.Value)
}

func TestSynthesizeMask_Positions(t *testing.T) {
	for byteLen := 1; byteLen <= 8; byteLen++ {
		width := byteLen * 8
		for bitLen := 1; bitLen <= width; bitLen++ {
			for bitOff := 0; bitOff+bitLen <= width; bitOff++ {
				mask := SynthesizeMask(byteLen, bitOff, bitLen)
				if !assert.Equal(t, bitLen, MaskLength(mask), "len=%d off=%d bits=%d", byteLen, bitOff, bitLen) {
					return
				}
				if !assert.Equal(t, width-bitOff-bitLen, MaskOffset(mask), "len=%d off=%d bits=%d", byteLen, bitOff, bitLen) {
					return
				}
			}
		}
	}
}

func TestSynthesizeMask_Degenerate(t *testing.T) {
	assert.Equal(t, uint64(0), SynthesizeMask(1, 0, 0))
	assert.Equal(t, uint64(0), SynthesizeMask(0, 0, 3))
	assert.Equal(t, uint64(0), SynthesizeMask(9, 0, 3))
}

func TestMaskOffsetLength(t *testing.T) {
	tests := []struct {
		mask   uint64
		offset int
		length int
	}{
		{0, 0, 0},
		{0x1C, 2, 3},
		{0xFF, 0, 8},
		{0x8000000000000000, 63, 1},
		{0x101, 0, 9},
		{0x0FF0, 4, 8},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.offset, MaskOffset(tt.mask), "mask %#x", tt.mask)
		assert.Equal(t, tt.length, MaskLength(tt.mask), "mask %#x", tt.mask)
	}
}

func TestLoad_ByteOrder(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		enc  decoder.Encoding
		want uint64
	}{
		{"single byte", []byte{0x7F}, decoder.EncodingBigEndian, 0x7F},
		{"be16", []byte{0x01, 0xBB}, decoder.EncodingBigEndian, 443},
		{"le16", []byte{0xBB, 0x01}, decoder.EncodingLittleEndian, 443},
		{"be24", []byte{0x12, 0x34, 0x56}, decoder.EncodingBigEndian, 0x123456},
		{"be32", []byte{0x12, 0x34, 0x56, 0x78}, decoder.EncodingBigEndian, 0x12345678},
		{"le32", []byte{0x78, 0x56, 0x34, 0x12}, decoder.EncodingLittleEndian, 0x12345678},
		{"be48", []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, decoder.EncodingBigEndian, 0xaabbccddeeff},
		{"be64", []byte{1, 2, 3, 4, 5, 6, 7, 8}, decoder.EncodingBigEndian, 0x0102030405060708},
		{"le64", []byte{8, 7, 6, 5, 4, 3, 2, 1}, decoder.EncodingLittleEndian, 0x0102030405060708},
		{"empty", nil, decoder.EncodingBigEndian, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Load(tt.raw, tt.enc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Load(make([]byte, 9), decoder.EncodingBigEndian)
	assert.ErrorIs(t, err, ErrWindowTooWide)
}

func TestDecodeScalar(t *testing.T) {
	// ip version/header length share one byte
	v, err := DecodeScalar([]byte{0x45}, 0xF0, decoder.EncodingBigEndian)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v)

	v, err = DecodeScalar([]byte{0x45}, 0x0F, decoder.EncodingBigEndian)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)

	v, err = DecodeScalar([]byte{0x00, 0x12}, 0, decoder.EncodingBigEndian)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x12), v)
}

func TestOffsetOf_NestedBuffers(t *testing.T) {
	frame := decoder.NewFrameBuffer(make([]byte, 64))
	ip := frame.Sub(14, 50)
	tcp := ip.Sub(20, 30)

	m := &decoder.FieldMatch{Buffer: tcp, Start: 2, Length: 2, BitOffset: 0}
	off, bitOff := OffsetOf(m)
	assert.Equal(t, 36, off)
	assert.Equal(t, 0, bitOff)
}

func TestExtract_GeneratedAndWide(t *testing.T) {
	gen := &decoder.FieldMatch{
		Def:       &decoder.FieldDef{Abbrev: "frame.number", Type: decoder.FTUint32},
		Buffer:    decoder.NewFrameBuffer(nil),
		Value:     7,
		Generated: true,
	}
	v, err := Extract(gen)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v.Value)
	assert.True(t, v.Scalar)

	wide := match(make([]byte, 16), &decoder.FieldDef{Abbrev: "ipv6.src", Type: decoder.FTIPv6}, 0, 16, 0, 0)
	v, err = Extract(wide)
	require.NoError(t, err)
	assert.False(t, v.Scalar)
	assert.Equal(t, 128, v.BitLength)

	outside := match(make([]byte, 2), &decoder.FieldDef{Abbrev: "x", Type: decoder.FTUint32}, 0, 4, 0, 0)
	_, err = Extract(outside)
	assert.Error(t, err)
}
