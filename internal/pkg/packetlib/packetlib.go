// Package packetlib is the gopacket-backed decoder library.
//
// Packets are parsed with gopacket.NewPacket starting from the bound link
// type or layer type. Each decoded layer becomes a protocol node whose
// buffer is nested inside the previous layer's buffer, and the header fields
// listed in protocols.go are attached below it.
package packetlib

import (
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/endorses/wdpool/internal/pkg/bitfield"
	"github.com/endorses/wdpool/internal/pkg/constants"
	"github.com/endorses/wdpool/internal/pkg/decoder"
	"github.com/endorses/wdpool/internal/pkg/logger"
)

const gopacketModule = "github.com/google/gopacket"

type handle struct {
	name  string
	encap int
	dec   gopacket.Decoder
}

func (h handle) Name() string { return h.name }
func (h handle) Encap() int { return h.encap }

type registeredProto struct {
	spec   *protoSpec
	proto  *decoder.FieldDef
	fields []*decoder.FieldDef
}

type dnsFields struct {
	qryName *decoder.FieldDef
	qryType *decoder.FieldDef
}

// Library decodes packets with gopacket.
type Library struct {
	*decoder.Base

	once   sync.Once
	inited atomic.Bool

	byLayer map[gopacket.LayerType]*registeredProto
	userDLT *decoder.FieldDef
	dataLen *decoder.FieldDef
	dns     dnsFields
	extraMu sync.Mutex
	extra   map[gopacket.LayerType]*decoder.FieldDef
}

// New creates an uninitialized library.
func New() *Library {
	return &Library{
		Base:    decoder.NewBase(),
		byLayer: make(map[gopacket.LayerType]*registeredProto),
		extra:   make(map[gopacket.LayerType]*decoder.FieldDef),
	}
}

// Init registers every protocol and field. Repeated calls are no-ops.
func (l *Library) Init() error {
	l.once.Do(func() {
		ft := l.Table
		l.userDLT = ft.Register(decoder.FieldDef{
			Abbrev: "user_dlt", Name: "User encapsulation", Type: decoder.FTProtocol, Protocol: "user_dlt",
		})
		for i := range protocolSpecs {
			spec := &protocolSpecs[i]
			rp := &registeredProto{
				spec:  spec,
				proto: ft.Register(decoder.FieldDef{Abbrev: spec.abbrev, Name: spec.name, Type: decoder.FTProtocol, Protocol: spec.abbrev}),
			}
			for _, fs := range spec.fields {
				rp.fields = append(rp.fields, ft.Register(decoder.FieldDef{
					Abbrev:   fs.abbrev,
					Name:     fs.name,
					Type:     fs.ft,
					Bitmask:  fs.mask,
					Encoding: fs.enc,
					Protocol: spec.abbrev,
				}))
			}
			l.byLayer[spec.layer] = rp
		}
		l.dataLen = ft.Register(decoder.FieldDef{Abbrev: "data.len", Name: "Length", Type: decoder.FTUint32, Protocol: "data"})
		l.dns = dnsFields{
			qryName: ft.Register(decoder.FieldDef{Abbrev: "dns.qry.name", Name: "Name", Type: decoder.FTString, Protocol: "dns"}),
			qryType: ft.Register(decoder.FieldDef{Abbrev: "dns.qry.type", Name: "Type", Type: decoder.FTUint16, Protocol: "dns"}),
		}
		l.inited.Store(true)

		logger.Debug("Packet library fields registered", "fields", ft.Len())
	})
	return nil
}

// Version reports the gopacket module version compiled into the binary.
func (l *Library) Version() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range info.Deps {
			if dep.Path == gopacketModule {
				return "gopacket " + dep.Version
			}
		}
	}
	return "gopacket (devel)"
}

// Profile implements decoder.Library. There is a single built-in profile.
func (l *Library) Profile() string { return "default" }

// ResolveDecoder maps "proto:<name>" to a layer decoder and "encap:<n>" or
// "encap:<name>" to a link type.
func (l *Library) ResolveDecoder(name string) (decoder.Handle, bool) {
	if !l.inited.Load() {
		return nil, false
	}
	prefix, value := decoder.SplitBinding(name)
	value = strings.ToLower(value)
	switch prefix {
	case "proto":
		if lt, ok := protoLayers[value]; ok {
			return handle{name: value, encap: constants.EncapUnknown, dec: lt}, true
		}
	case "encap":
		if lt, ok := linkTypes[value]; ok {
			return handle{name: lt.String(), encap: int(lt), dec: lt}, true
		}
	}
	return nil, false
}

// RunDecode implements decoder.Library.
func (l *Library) RunDecode(t *decoder.Tree, h decoder.Handle, data []byte, fc *decoder.FrameContext) error {
	if !l.inited.Load() {
		return decoder.ErrNotInitialized
	}
	hd, ok := h.(handle)
	if !ok {
		return decoder.ErrNoHandle
	}
	if err := t.Begin(fc.Active); err != nil {
		return err
	}
	defer t.End()

	frame := decoder.NewFrameBuffer(data)
	decoder.AddFrameFields(t, l.Frame, frame, fc)

	if enc := fc.Frame.Encap; enc >= constants.UserEncapBase && enc < constants.UserEncapBase+constants.MaxSessions {
		t.AddField(nil, &decoder.FieldMatch{Def: l.userDLT, Buffer: frame, Length: len(data)})
	}

	pkt := gopacket.NewPacket(data, hd.dec, gopacket.DecodeOptions{NoCopy: true})

	cur, curStart, off := frame, 0, 0
	var top gopacket.Layer
	for _, layer := range pkt.Layers() {
		contents := layer.LayerContents()
		if layer.LayerType() == gopacket.LayerTypeDecodeFailure {
			t.SetMalformed()
			break
		}
		lb := cur.Sub(off-curStart, -1)
		cur, curStart = lb, off
		off += len(contents)

		l.addLayer(t, layer, lb, len(contents))
		if layer.LayerType() != gopacket.LayerTypePayload || top == nil {
			top = layer
		}
	}
	if pkt.ErrorLayer() != nil || (pkt.Metadata() != nil && pkt.Metadata().Truncated) {
		t.SetMalformed()
	}

	if top != nil {
		t.SetProtocol(l.shortName(top))
	}
	t.SetSummary(summarize(pkt, len(data)))
	return nil
}

func (l *Library) addLayer(t *decoder.Tree, layer gopacket.Layer, lb *decoder.Buffer, hdrLen int) {
	rp, ok := l.byLayer[layer.LayerType()]
	if !ok {
		t.AddField(nil, &decoder.FieldMatch{Def: l.extraProto(layer.LayerType()), Buffer: lb, Length: hdrLen})
		return
	}

	pn := t.AddField(nil, &decoder.FieldMatch{Def: rp.proto, Buffer: lb, Length: hdrLen})
	nodes := make(map[string]*decoder.Node, len(rp.fields))
	for i, fs := range rp.spec.fields {
		length := fs.length
		if length < 0 {
			length = hdrLen - fs.start
		}
		if fs.start+length > hdrLen {
			t.SetMalformed()
			continue
		}
		m := &decoder.FieldMatch{
			Def:       rp.fields[i],
			Buffer:    lb,
			Start:     fs.start,
			Length:    length,
			BitOffset: fs.bitOff,
			BitLength: fs.bitLen,
			Encoding:  fs.enc,
		}
		if fs.ft.Numeric() && length <= 8 {
			mask, _, _ := bitfield.BitmaskOf(m)
			m.Value, _ = bitfield.DecodeScalar(m.Bytes(), mask, fs.enc)
		}

		parent := pn
		if fs.parent != "" && nodes[fs.parent] != nil {
			parent = nodes[fs.parent]
		}
		if n := t.AddField(parent, m); n != nil {
			nodes[fs.abbrev] = n
		}
	}

	switch v := layer.(type) {
	case *gopacket.Payload:
		t.AddField(pn, &decoder.FieldMatch{Def: l.dataLen, Buffer: lb, Value: uint64(len(*v)), Generated: true})
	case *layers.DNS:
		for _, q := range v.Questions {
			t.AddField(pn, &decoder.FieldMatch{
				Def: l.dns.qryName, Buffer: lb, Display: string(q.Name), Generated: true,
			})
			t.AddField(pn, &decoder.FieldMatch{Def: l.dns.qryType, Buffer: lb, Value: uint64(q.Type), Generated: true})
		}
	}
}

// extraProto returns a protocol definition for layers without a field table,
// registering it on first sight.
func (l *Library) extraProto(lt gopacket.LayerType) *decoder.FieldDef {
	l.extraMu.Lock()
	defer l.extraMu.Unlock()

	if def, ok := l.extra[lt]; ok {
		return def
	}
	abbrev := strings.ToLower(lt.String())
	def := l.Table.Register(decoder.FieldDef{Abbrev: abbrev, Name: lt.String(), Type: decoder.FTProtocol, Protocol: abbrev})
	l.extra[lt] = def
	return def
}

func (l *Library) shortName(layer gopacket.Layer) string {
	if rp, ok := l.byLayer[layer.LayerType()]; ok && rp.spec.short != "" {
		return rp.spec.short
	}
	if layer.LayerType() == gopacket.LayerTypePayload {
		return "Data"
	}
	return layer.LayerType().String()
}

var _ decoder.Library = (*Library)(nil)
