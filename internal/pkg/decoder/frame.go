package decoder

import "github.com/endorses/wdpool/internal/pkg/arena"

// Frame describes one decoded frame in a session's sequence.
type Frame struct {
	Number    uint32
	Length    int
	CumBytes  uint64
	Direction Direction
	Encap     int
}

// FrameContext carries per-call frame data and the sequencing state the
// library needs from the immediately preceding decode on the same session.
type FrameContext struct {
	Frame         Frame
	Ref           *Frame
	PrevDisplayed *Frame
	PrevCaptured  *Frame
	// Active is the caller's active arena for the duration of the decode.
	Active *arena.Arena
}

// FrameFields are the generated fields every library attaches first.
type FrameFields struct {
	Proto      *FieldDef
	Number     *FieldDef
	Len        *FieldDef
	CumBytes   *FieldDef
	P2PDir     *FieldDef
	EncapType  *FieldDef
	RefNum     *FieldDef
	PrevDisNum *FieldDef
	PrevCapNum *FieldDef
}

// RegisterFrameFields registers the frame protocol and its fields in ft.
func RegisterFrameFields(ft *FieldTable) FrameFields {
	return FrameFields{
		Proto:      ft.Register(FieldDef{Abbrev: "frame", Name: "Frame", Type: FTProtocol, Protocol: "frame"}),
		Number:     ft.Register(FieldDef{Abbrev: "frame.number", Name: "Frame Number", Type: FTUint32, Protocol: "frame"}),
		Len:        ft.Register(FieldDef{Abbrev: "frame.len", Name: "Frame length on the wire", Type: FTUint32, Protocol: "frame"}),
		CumBytes:   ft.Register(FieldDef{Abbrev: "frame.cum_bytes", Name: "Cumulative Bytes", Type: FTUint64, Protocol: "frame"}),
		P2PDir:     ft.Register(FieldDef{Abbrev: "frame.p2p_dir", Name: "Point-to-Point Direction", Type: FTUint8, Protocol: "frame"}),
		EncapType:  ft.Register(FieldDef{Abbrev: "frame.encap_type", Name: "Encapsulation type", Type: FTUint32, Protocol: "frame"}),
		RefNum:     ft.Register(FieldDef{Abbrev: "frame.ref_num", Name: "Reference frame", Type: FTUint32, Protocol: "frame"}),
		PrevDisNum: ft.Register(FieldDef{Abbrev: "frame.prev_dis_num", Name: "Previous displayed frame", Type: FTUint32, Protocol: "frame"}),
		PrevCapNum: ft.Register(FieldDef{Abbrev: "frame.prev_cap_num", Name: "Previous captured frame", Type: FTUint32, Protocol: "frame"}),
	}
}

// AddFrameFields adds the frame protocol node for fc to t and returns it.
func AddFrameFields(t *Tree, ff FrameFields, buf *Buffer, fc *FrameContext) *Node {
	f := fc.Frame
	proto := t.AddField(nil, &FieldMatch{Def: ff.Proto, Buffer: buf, Length: len(buf.Data)})

	gen := func(def *FieldDef, v uint64) {
		t.AddField(proto, &FieldMatch{Def: def, Buffer: buf, Value: v, Generated: true})
	}
	gen(ff.Number, uint64(f.Number))
	gen(ff.Len, uint64(f.Length))
	gen(ff.CumBytes, f.CumBytes)
	gen(ff.P2PDir, f.Direction.P2P())
	if f.Encap >= 0 {
		gen(ff.EncapType, uint64(f.Encap))
	}
	if fc.Ref != nil {
		gen(ff.RefNum, uint64(fc.Ref.Number))
	}
	if fc.PrevDisplayed != nil {
		gen(ff.PrevDisNum, uint64(fc.PrevDisplayed.Number))
	}
	if fc.PrevCaptured != nil {
		gen(ff.PrevCapNum, uint64(fc.PrevCaptured.Number))
	}
	return proto
}
