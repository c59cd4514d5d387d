package decoder

import (
	"encoding/hex"
	"net"
	"sort"
	"strconv"
	"sync"
)

// FieldType is the value type of a field definition.
type FieldType uint8

const (
	FTNone FieldType = iota
	FTProtocol
	FTBoolean
	FTUint8
	FTUint16
	FTUint24
	FTUint32
	FTUint64
	FTIPv4
	FTIPv6
	FTEther
	FTBytes
	FTString
)

var fieldTypeNames = map[FieldType]string{
	FTNone:     "FT_NONE",
	FTProtocol: "FT_PROTOCOL",
	FTBoolean:  "FT_BOOLEAN",
	FTUint8:    "FT_UINT8",
	FTUint16:   "FT_UINT16",
	FTUint24:   "FT_UINT24",
	FTUint32:   "FT_UINT32",
	FTUint64:   "FT_UINT64",
	FTIPv4:     "FT_IPv4",
	FTIPv6:     "FT_IPv6",
	FTEther:    "FT_ETHER",
	FTBytes:    "FT_BYTES",
	FTString:   "FT_STRING",
}

// String returns the conventional type name.
func (ft FieldType) String() string {
	if n, ok := fieldTypeNames[ft]; ok {
		return n
	}
	return "FT_UNKNOWN"
}

// Numeric reports whether values of this type compare as integers.
func (ft FieldType) Numeric() bool {
	switch ft {
	case FTBoolean, FTUint8, FTUint16, FTUint24, FTUint32, FTUint64:
		return true
	}
	return false
}

// Encoding is the byte order a field is stored in.
type Encoding uint8

const (
	EncodingBigEndian Encoding = iota
	EncodingLittleEndian
)

// String returns the encoding tag.
func (e Encoding) String() string {
	if e == EncodingLittleEndian {
		return "ENC_LITTLE_ENDIAN"
	}
	return "ENC_BIG_ENDIAN"
}

// FieldDef is a registered field definition. Several definitions may share
// an abbreviation; they are chained through NextAlias, most recently
// registered first.
type FieldDef struct {
	ID       int
	Abbrev   string
	Name     string
	Type     FieldType
	Bitmask  uint64
	Encoding Encoding
	// Protocol is the abbreviation of the owning protocol.
	Protocol  string
	NextAlias *FieldDef
}

// Aliases returns def followed by every definition sharing its abbreviation.
func (def *FieldDef) Aliases() []*FieldDef {
	var out []*FieldDef
	for d := def; d != nil; d = d.NextAlias {
		out = append(out, d)
	}
	return out
}

// FieldTable is a registry of field definitions keyed by abbreviation.
type FieldTable struct {
	mu     sync.RWMutex
	defs   []*FieldDef
	byName map[string]*FieldDef
}

// NewFieldTable creates an empty table.
func NewFieldTable() *FieldTable {
	return &FieldTable{byName: make(map[string]*FieldDef)}
}

// Register adds def, assigning its ID and chaining it in front of any
// existing definition with the same abbreviation.
func (ft *FieldTable) Register(def FieldDef) *FieldDef {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	d := &def
	d.ID = len(ft.defs)
	d.NextAlias = ft.byName[d.Abbrev]
	ft.defs = append(ft.defs, d)
	ft.byName[d.Abbrev] = d
	return d
}

// Lookup returns the head of the alias chain for name, or nil.
func (ft *FieldTable) Lookup(name string) *FieldDef {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	return ft.byName[name]
}

// KnownName reports whether name is a registered field or protocol.
func (ft *FieldTable) KnownName(name string) bool {
	return ft.Lookup(name) != nil
}

// All returns every definition in registration order.
func (ft *FieldTable) All() []*FieldDef {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	out := make([]*FieldDef, len(ft.defs))
	copy(out, ft.defs)
	return out
}

// Names returns the sorted distinct abbreviations.
func (ft *FieldTable) Names() []string {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	out := make([]string, 0, len(ft.byName))
	for n := range ft.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered definitions.
func (ft *FieldTable) Len() int {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	return len(ft.defs)
}

// Buffer is a window of packet bytes. Sub-buffers record their offset within
// their parent; the frame buffer is absolute.
type Buffer struct {
	Data             []byte
	Parent           *Buffer
	OffsetFromParent int
	Absolute         bool
}

// NewFrameBuffer wraps the raw packet.
func NewFrameBuffer(data []byte) *Buffer {
	return &Buffer{Data: data, Absolute: true}
}

// Sub returns the window [offset, offset+length) of b. Out-of-range windows
// are clamped to the available bytes.
func (b *Buffer) Sub(offset, length int) *Buffer {
	if offset > len(b.Data) {
		offset = len(b.Data)
	}
	end := offset + length
	if length < 0 || end > len(b.Data) {
		end = len(b.Data)
	}
	return &Buffer{Data: b.Data[offset:end], Parent: b, OffsetFromParent: offset}
}

// AbsoluteOffset returns the offset of b within the frame buffer.
func (b *Buffer) AbsoluteOffset() int {
	off := 0
	for cur := b; cur != nil && !cur.Absolute; cur = cur.Parent {
		off += cur.OffsetFromParent
	}
	return off
}

// FieldMatch is one occurrence of a field in a decode tree.
type FieldMatch struct {
	Def    *FieldDef
	Buffer *Buffer
	// Start and Length locate the field's byte window inside Buffer.
	Start  int
	Length int
	// BitOffset is the offset of the field's first bit from the most
	// significant bit of its byte window. BitLength is zero for fields
	// that are not bit-sized.
	BitOffset int
	BitLength int
	Encoding  Encoding
	// Value is the decoded scalar for numeric fields and generated fields.
	Value uint64
	// Display is rendered eagerly only in ModeFull.
	Display string
	// Generated fields have no byte window of their own.
	Generated bool
}

// Bytes returns the field's raw byte window.
func (m *FieldMatch) Bytes() []byte {
	if m.Buffer == nil || m.Length <= 0 {
		return nil
	}
	end := m.Start + m.Length
	if m.Start < 0 || end > len(m.Buffer.Data) {
		return nil
	}
	return m.Buffer.Data[m.Start:end]
}

// String returns the display string, rendering it on demand.
func (m *FieldMatch) String() string {
	if m.Display != "" {
		return m.Display
	}
	return FormatValue(m)
}

// FormatValue renders a field value the way a packet list shows it.
func FormatValue(m *FieldMatch) string {
	if m == nil || m.Def == nil {
		return ""
	}
	raw := m.Bytes()
	switch m.Def.Type {
	case FTProtocol:
		return m.Def.Name
	case FTBoolean:
		if m.Value != 0 {
			return "True"
		}
		return "False"
	case FTUint8, FTUint16, FTUint24, FTUint32, FTUint64:
		return strconv.FormatUint(m.Value, 10)
	case FTIPv4, FTIPv6:
		if len(raw) == net.IPv4len || len(raw) == net.IPv6len {
			return net.IP(raw).String()
		}
	case FTEther:
		if len(raw) == 6 {
			return net.HardwareAddr(raw).String()
		}
	case FTString:
		return string(raw)
	}
	return hex.EncodeToString(raw)
}
