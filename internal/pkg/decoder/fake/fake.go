// Package fake provides a deterministic in-memory decoder.Library for tests.
//
// Packets are decoded as a tiny fixed layout:
//
//	offset 0  fake.len    uint16, big-endian
//	offset 2  fake.flags  uint8 (fake.flags.high = top nibble, fake.nibble = low nibble)
//	offset 3  fake.tag    remaining bytes
//
// fake.id is registered twice and resolves to bytes 0 and 1, so it exercises
// alias chains.
package fake

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/endorses/wdpool/internal/pkg/bitfield"
	"github.com/endorses/wdpool/internal/pkg/constants"
	"github.com/endorses/wdpool/internal/pkg/decoder"
)

// ErrConcurrentTree is returned when two decodes overlap on one tree.
var ErrConcurrentTree = errors.New("fake: concurrent decode on one tree")

type handle struct {
	name  string
	encap int
}

func (h handle) Name() string { return h.name }
func (h handle) Encap() int { return h.encap }

type fields struct {
	proto   *decoder.FieldDef
	length  *decoder.FieldDef
	flags   *decoder.FieldDef
	high    *decoder.FieldDef
	nibble  *decoder.FieldDef
	tag     *decoder.FieldDef
	idFirst *decoder.FieldDef
	idLast  *decoder.FieldDef
}

// Library is the fake decoding engine.
type Library struct {
	*decoder.Base

	protocols map[string]bool
	f         fields

	initCalls atomic.Int64
	decodes   atomic.Int64

	mu       sync.Mutex
	busy     map[*decoder.Tree]bool
	failNext error
}

// New creates a library that resolves proto:<name> for each of protocols
// (default "fake", "ip" and "udp") and encap:<n> for any n.
func New(protocols ...string) *Library {
	if len(protocols) == 0 {
		protocols = []string{"fake", "ip", "udp"}
	}
	l := &Library{
		Base:      decoder.NewBase(),
		protocols: make(map[string]bool),
		busy:      make(map[*decoder.Tree]bool),
	}
	for _, p := range protocols {
		l.protocols[p] = true
	}

	ft := l.Table
	l.f = fields{
		proto:   ft.Register(decoder.FieldDef{Abbrev: "fake", Name: "Fake Protocol", Type: decoder.FTProtocol, Protocol: "fake"}),
		length:  ft.Register(decoder.FieldDef{Abbrev: "fake.len", Name: "Length", Type: decoder.FTUint16, Protocol: "fake"}),
		flags:   ft.Register(decoder.FieldDef{Abbrev: "fake.flags", Name: "Flags", Type: decoder.FTUint8, Protocol: "fake"}),
		high:    ft.Register(decoder.FieldDef{Abbrev: "fake.flags.high", Name: "High nibble", Type: decoder.FTUint8, Bitmask: 0xF0, Protocol: "fake"}),
		nibble:  ft.Register(decoder.FieldDef{Abbrev: "fake.nibble", Name: "Low nibble", Type: decoder.FTUint8, Protocol: "fake"}),
		tag:     ft.Register(decoder.FieldDef{Abbrev: "fake.tag", Name: "Tag", Type: decoder.FTBytes, Protocol: "fake"}),
		idFirst: ft.Register(decoder.FieldDef{Abbrev: "fake.id", Name: "Identifier (first byte)", Type: decoder.FTUint8, Protocol: "fake"}),
		idLast:  ft.Register(decoder.FieldDef{Abbrev: "fake.id", Name: "Identifier (second byte)", Type: decoder.FTUint8, Protocol: "fake"}),
	}
	return l
}

// Init counts calls; it never fails.
func (l *Library) Init() error {
	l.initCalls.Add(1)
	return nil
}

// InitCalls returns how many times Init ran.
func (l *Library) InitCalls() int64 { return l.initCalls.Load() }

// Decodes returns how many RunDecode calls succeeded.
func (l *Library) Decodes() int64 { return l.decodes.Load() }

// FailNextDecode makes the next RunDecode return err.
func (l *Library) FailNextDecode(err error) {
	l.mu.Lock()
	l.failNext = err
	l.mu.Unlock()
}

// Version implements decoder.Library.
func (l *Library) Version() string { return "fake 1.0" }

// Profile implements decoder.Library.
func (l *Library) Profile() string { return "test" }

// ResolveDecoder implements decoder.Library.
func (l *Library) ResolveDecoder(name string) (decoder.Handle, bool) {
	prefix, value := decoder.SplitBinding(name)
	switch prefix {
	case "proto":
		if l.protocols[value] {
			return handle{name: value, encap: constants.EncapUnknown}, true
		}
	case "encap":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			return handle{name: "encap" + value, encap: n}, true
		}
	}
	return nil, false
}

// RunDecode implements decoder.Library.
func (l *Library) RunDecode(t *decoder.Tree, h decoder.Handle, data []byte, fc *decoder.FrameContext) error {
	if h == nil {
		return decoder.ErrNoHandle
	}

	l.mu.Lock()
	if l.busy[t] {
		l.mu.Unlock()
		return ErrConcurrentTree
	}
	if err := l.failNext; err != nil {
		l.failNext = nil
		l.mu.Unlock()
		return err
	}
	l.busy[t] = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.busy, t)
		l.mu.Unlock()
	}()

	if err := t.Begin(fc.Active); err != nil {
		return err
	}
	defer t.End()

	buf := decoder.NewFrameBuffer(data)
	decoder.AddFrameFields(t, l.Frame, buf, fc)

	body := buf.Sub(0, len(data))
	p := t.AddField(nil, &decoder.FieldMatch{Def: l.f.proto, Buffer: body, Length: len(body.Data)})
	t.SetProtocol(strings.ToUpper(h.Name()))
	t.SetSummary(fmt.Sprintf("%s len=%d", h.Name(), len(data)))

	if len(data) < 3 {
		t.SetMalformed()
		l.decodes.Add(1)
		return nil
	}

	add := func(def *decoder.FieldDef, start, length, bitOff, bitLen int) {
		m := &decoder.FieldMatch{
			Def: def, Buffer: body, Start: start, Length: length,
			BitOffset: bitOff, BitLength: bitLen, Encoding: decoder.EncodingBigEndian,
		}
		if length <= 8 {
			mask, _, _ := bitfield.BitmaskOf(m)
			m.Value, _ = bitfield.DecodeScalar(m.Bytes(), mask, m.Encoding)
		}
		t.AddField(p, m)
	}

	add(l.f.length, 0, 2, 0, 0)
	add(l.f.idFirst, 0, 1, 0, 0)
	add(l.f.idLast, 1, 1, 0, 0)
	add(l.f.flags, 2, 1, 0, 0)
	add(l.f.high, 2, 1, 0, 4)
	add(l.f.nibble, 2, 1, 4, 4)
	if len(data) > 3 {
		add(l.f.tag, 3, len(data)-3, 0, 0)
	}

	l.decodes.Add(1)
	return nil
}

var _ decoder.Library = (*Library)(nil)
