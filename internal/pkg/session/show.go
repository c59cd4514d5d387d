package session

import (
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/endorses/wdpool/internal/pkg/arena"
	"github.com/endorses/wdpool/internal/pkg/constants"
	"github.com/endorses/wdpool/internal/pkg/decoder"
)

// Show renders the full tree of the last decoded packet as indented text.
// When the session is not in FULL mode the packet is decoded again into a
// scratch FULL tree; the session's own tree, mode, arena and frame sequence
// are left untouched.
func (s *Session) Show(sb *arena.Switchboard) (string, error) {
	var out string
	err := s.viewFull(sb, func(t *decoder.Tree) {
		out = renderText(t)
	})
	return out, err
}

// ShowPDML renders the last decoded packet as a PDML document, using the
// same FULL tree as Show.
func (s *Session) ShowPDML(sb *arena.Switchboard) (string, error) {
	var doc pdml
	err := s.viewFull(sb, func(t *decoder.Tree) {
		doc = buildPDML(t, s.lib.Version())
	})
	if err != nil {
		return "", err
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode pdml: %w", err)
	}
	return xml.Header + string(data) + "\n", nil
}

// viewFull calls fn with a FULL tree of the last packet. Outside FULL mode
// the tree lives in the scratch arena, which is emptied again before
// returning.
func (s *Session) viewFull(sb *arena.Switchboard, fn func(t *decoder.Tree)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateFreed {
		return ErrFreed
	}
	if s.state != StateReady || s.tree == nil {
		return ErrNothingDecoded
	}
	if s.mode == decoder.ModeFull {
		fn(s.tree)
		return nil
	}

	if s.scratch == nil {
		s.scratch = s.lib.MakeArena()
	}
	if sb == nil {
		sb = arena.NewSwitchboard(nil)
	}
	g := sb.Enter(s.scratch)
	defer g.Release()
	defer s.scratch.FreeAll()

	t := s.lib.NewTree(s.scratch, decoder.ModeFull)
	fc := s.lastFC
	fc.Active = sb.Current()
	if err := s.lib.RunDecode(t, s.binding.Handle, s.last, &fc); err != nil {
		return fmt.Errorf("show frame %d: %w", fc.Frame.Number, err)
	}
	fn(t)
	return nil
}

// renderText writes t as one line per node, four spaces of indent per
// level. Output is capped at constants.ShowBufferSize bytes.
func renderText(t *decoder.Tree) string {
	var b strings.Builder
	t.Walk(func(n *decoder.Node, depth int) bool {
		line := renderNode(n.Match)
		if b.Len()+depth*4+len(line)+1 > constants.ShowBufferSize {
			return false
		}
		b.WriteString(strings.Repeat("    ", depth))
		b.WriteString(line)
		b.WriteByte('\n')
		return true
	})
	return b.String()
}

func renderNode(m *decoder.FieldMatch) string {
	if m.Def.Type == decoder.FTProtocol {
		return m.Def.Name
	}
	return m.Def.Name + ": " + m.String()
}

type pdml struct {
	XMLName xml.Name    `xml:"pdml"`
	Version string      `xml:"version,attr"`
	Creator string      `xml:"creator,attr"`
	Packet  pdmlElement `xml:"packet"`
}

// pdmlElement is a <proto> or <field>; XMLName carries which.
type pdmlElement struct {
	XMLName  xml.Name
	Name     string         `xml:"name,attr,omitempty"`
	ShowName string         `xml:"showname,attr,omitempty"`
	Size     *int           `xml:"size,attr"`
	Pos      *int           `xml:"pos,attr"`
	Show     string         `xml:"show,attr,omitempty"`
	Value    string         `xml:"value,attr,omitempty"`
	Children []*pdmlElement `xml:",any"`
}

func buildPDML(t *decoder.Tree, creator string) pdml {
	doc := pdml{Version: "0", Creator: "wdpool/" + creator}

	// stack[d] is the element that receives children at depth d
	stack := []*pdmlElement{&doc.Packet}
	t.Walk(func(n *decoder.Node, depth int) bool {
		el := pdmlNode(n.Match)
		stack = stack[:depth+1]
		parent := stack[depth]
		parent.Children = append(parent.Children, el)
		stack = append(stack, el)
		return true
	})
	return doc
}

func pdmlNode(m *decoder.FieldMatch) *pdmlElement {
	size := m.Length
	pos := 0
	if m.Buffer != nil {
		pos = m.Buffer.AbsoluteOffset() + m.Start
	}
	if m.Generated || size < 0 {
		size = 0
	}

	el := &pdmlElement{
		XMLName:  xml.Name{Local: "field"},
		Name:     m.Def.Abbrev,
		ShowName: renderNode(m),
		Size:     &size,
		Pos:      &pos,
	}
	if m.Def.Type == decoder.FTProtocol {
		el.XMLName.Local = "proto"
		return el
	}
	el.Show = m.String()
	if raw := m.Bytes(); len(raw) > 0 && !m.Generated {
		el.Value = hex.EncodeToString(raw)
	}
	return el
}
