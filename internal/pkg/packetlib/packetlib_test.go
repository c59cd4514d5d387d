package packetlib

import (
	"net"
	"sync"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorses/wdpool/internal/pkg/bitfield"
	"github.com/endorses/wdpool/internal/pkg/constants"
	"github.com/endorses/wdpool/internal/pkg/decoder"
)

var (
	testSrcMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	testDstMAC = net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func testIPv4(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0x1c46,
		Flags:    layers.IPv4DontFragment,
		Protocol: proto,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
	}
}

func udpPacket(t *testing.T) []byte {
	eth := &layers.Ethernet{SrcMAC: testSrcMAC, DstMAC: testDstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := testIPv4(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 40000, DstPort: 40001}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, udp, gopacket.Payload([]byte("hello")))
}

func newLib(t *testing.T) *Library {
	l := New()
	require.NoError(t, l.Init())
	return l
}

type decodeResult struct {
	lib  *Library
	tree *decoder.Tree
}

func decode(t *testing.T, l *Library, binding string, encap int, mode decoder.Mode, data []byte, prime ...string) decodeResult {
	t.Helper()
	h, ok := l.ResolveDecoder(binding)
	require.True(t, ok, "resolve %s", binding)

	a := l.MakeArena()
	tree := l.NewTree(a, mode)
	for _, name := range prime {
		l.RegisterInterest(tree, l.FieldLookup(name))
	}
	fc := &decoder.FrameContext{
		Frame: decoder.Frame{
			Number:    1,
			Length:    len(data),
			CumBytes:  uint64(len(data)),
			Direction: decoder.DirectionUnknown,
			Encap:     encap,
		},
		Active: a,
	}
	require.NoError(t, l.RunDecode(tree, h, data, fc))
	return decodeResult{lib: l, tree: tree}
}

func (r decodeResult) first(t *testing.T, name string) *decoder.FieldMatch {
	t.Helper()
	def := r.lib.FieldLookup(name)
	require.NotNil(t, def, "field %s", name)
	for d := def; d != nil; d = d.NextAlias {
		if ms := r.lib.FindValues(r.tree, d); len(ms) > 0 {
			return ms[0]
		}
	}
	t.Fatalf("field %s not in tree", name)
	return nil
}

func TestLibrary_ResolveDecoder(t *testing.T) {
	l := New()
	_, ok := l.ResolveDecoder("encap:1")
	assert.False(t, ok, "resolution needs Init")

	require.NoError(t, l.Init())
	require.NoError(t, l.Init())

	tests := []struct {
		name      string
		binding   string
		wantOK    bool
		wantEncap int
	}{
		{"ethernet by number", "encap:1", true, 1},
		{"ethernet by name", "encap:ETHERNET", true, 1},
		{"raw ip", "encap:101", true, 101},
		{"linux cooked", "encap:linux_sll", true, 113},
		{"unknown link type", "encap:9999", false, 0},
		{"udp", "proto:udp", true, constants.EncapUnknown},
		{"dns", "proto:dns", true, constants.EncapUnknown},
		{"unknown protocol", "proto:nope", false, 0},
		{"no prefix", "udp", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, ok := l.ResolveDecoder(tt.binding)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantEncap, h.Encap())
			}
		})
	}
}

func TestLibrary_RunDecodeRequiresInit(t *testing.T) {
	l := New()
	a := l.MakeArena()
	tree := l.NewTree(a, decoder.ModeNormal)
	err := l.RunDecode(tree, handle{name: "Ethernet", encap: 1, dec: layers.LinkTypeEthernet}, udpPacket(t), &decoder.FrameContext{Active: a})
	assert.ErrorIs(t, err, decoder.ErrNotInitialized)
}

func TestLibrary_DecodeEthernetUDP(t *testing.T) {
	data := udpPacket(t)
	r := decode(t, newLib(t), "encap:1", 1, decoder.ModeNormal, data)

	assert.Equal(t, []string{"frame", "eth", "ip", "udp", "data"}, r.tree.Layers())
	assert.Equal(t, "UDP", r.tree.Protocol())
	assert.Equal(t, "40000 → 40001 Len=5", r.tree.Summary())
	assert.False(t, r.tree.Malformed())

	tests := []struct {
		field string
		value uint64
		str   string
	}{
		{"frame.len", uint64(len(data)), ""},
		{"frame.encap_type", 1, ""},
		{"eth.src", 0, "00:11:22:33:44:55"},
		{"eth.type", 0x0800, ""},
		{"ip.version", 4, ""},
		{"ip.hdr_len", 5, ""},
		{"ip.ttl", 64, ""},
		{"ip.id", 0x1c46, ""},
		{"ip.flags.df", 1, ""},
		{"ip.flags.mf", 0, ""},
		{"ip.proto", 17, ""},
		{"ip.src", 0, "10.0.0.1"},
		{"udp.srcport", 40000, ""},
		{"udp.dstport", 40001, ""},
		{"udp.length", 13, ""},
		{"data.len", 5, ""},
		{"data.data", 0, "68656c6c6f"},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			m := r.first(t, tt.field)
			if tt.str != "" {
				assert.Equal(t, tt.str, m.String())
			} else {
				assert.Equal(t, tt.value, m.Value)
			}
		})
	}
}

func TestLibrary_NestedBufferOffsets(t *testing.T) {
	r := decode(t, newLib(t), "encap:1", 1, decoder.ModeNormal, udpPacket(t))

	tests := []struct {
		field  string
		offset int
	}{
		{"eth.type", 12},
		{"ip.ttl", 14 + 8},
		{"ip.dst", 14 + 16},
		{"udp.dstport", 34 + 2},
		{"data.data", 42},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			m := r.first(t, tt.field)
			off, _ := bitfield.OffsetOf(m)
			assert.Equal(t, tt.offset, off)
		})
	}

	udp := r.first(t, "udp.srcport")
	require.NotNil(t, udp.Buffer.Parent)
	assert.Equal(t, 20, udp.Buffer.OffsetFromParent, "udp buffer sits inside the ip buffer")
}

func TestLibrary_AddressAliases(t *testing.T) {
	l := newLib(t)
	r := decode(t, l, "encap:1", 1, decoder.ModeNormal, udpPacket(t))

	head := l.FieldLookup("ip.addr")
	require.NotNil(t, head)
	require.Len(t, head.Aliases(), 2)

	var got []string
	for _, d := range head.Aliases() {
		for _, m := range l.FindValues(r.tree, d) {
			got = append(got, m.String())
		}
	}
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, got)
}

func TestLibrary_IPv6UnalignedFields(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: testSrcMAC, DstMAC: testDstMAC, EthernetType: layers.EthernetTypeIPv6}
	ip6 := &layers.IPv6{
		Version:      6,
		TrafficClass: 0xAB,
		FlowLabel:    0x12345,
		NextHeader:   layers.IPProtocolUDP,
		HopLimit:     64,
		SrcIP:        net.ParseIP("2001:db8::1"),
		DstIP:        net.ParseIP("2001:db8::2"),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 40001}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip6))
	data := serialize(t, eth, ip6, udp, gopacket.Payload([]byte{1, 2, 3}))

	r := decode(t, newLib(t), "encap:1", 1, decoder.ModeNormal, data)
	assert.Equal(t, []string{"frame", "eth", "ipv6", "udp", "data"}, r.tree.Layers())

	tclass := r.first(t, "ipv6.tclass")
	assert.True(t, bitfield.IsUnaligned(tclass))
	assert.Equal(t, uint64(0xAB), tclass.Value)

	v, err := bitfield.Extract(tclass)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0FF0), v.Mask)
	assert.Equal(t, 14, v.ByteOffset)

	flow := r.first(t, "ipv6.flow")
	assert.Equal(t, uint64(0x12345), flow.Value)
	assert.Equal(t, "2001:db8::2", r.first(t, "ipv6.dst").String())
}

func TestLibrary_Modes(t *testing.T) {
	data := udpPacket(t)

	t.Run("fast keeps protocols and primed fields", func(t *testing.T) {
		l := newLib(t)
		r := decode(t, l, "encap:1", 1, decoder.ModeFast, data, "ip.ttl")
		assert.Equal(t, []string{"frame", "eth", "ip", "udp", "data"}, r.tree.Layers())
		assert.Equal(t, uint64(64), r.first(t, "ip.ttl").Value)
		assert.Empty(t, l.FindValues(r.tree, l.FieldLookup("udp.srcport")))
	})

	t.Run("normal renders lazily", func(t *testing.T) {
		r := decode(t, newLib(t), "encap:1", 1, decoder.ModeNormal, data)
		m := r.first(t, "eth.dst")
		assert.Empty(t, m.Display)
		assert.Equal(t, "66:77:88:99:aa:bb", m.String())
	})

	t.Run("full renders eagerly", func(t *testing.T) {
		r := decode(t, newLib(t), "encap:1", 1, decoder.ModeFull, data)
		assert.Equal(t, "66:77:88:99:aa:bb", r.first(t, "eth.dst").Display)
		assert.Equal(t, "10.0.0.2", r.first(t, "ip.dst").Display)
	})
}

func TestLibrary_DNS(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: testSrcMAC, DstMAC: testDstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := testIPv4(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 33000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	dns := &layers.DNS{
		ID:     0x1234,
		RD:     true,
		OpCode: layers.DNSOpCodeQuery,
		Questions: []layers.DNSQuestion{
			{Name: []byte("example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN},
		},
	}
	data := serialize(t, eth, ip, udp, dns)

	l := newLib(t)
	r := decode(t, l, "encap:1", 1, decoder.ModeFull, data)

	assert.Equal(t, []string{"frame", "eth", "ip", "udp", "dns"}, r.tree.Layers())
	assert.Equal(t, "DNS", r.tree.Protocol())
	assert.Equal(t, "Standard query 0x1234 A example.com", r.tree.Summary())
	assert.Equal(t, uint64(0x1234), r.first(t, "dns.id").Value)
	assert.Equal(t, uint64(0), r.first(t, "dns.flags.response").Value)
	assert.Equal(t, uint64(1), r.first(t, "dns.count.queries").Value)
	assert.Equal(t, "example.com", r.first(t, "dns.qry.name").String())
	assert.Equal(t, uint64(1), r.first(t, "dns.qry.type").Value)

	f, err := l.CompileFilter(`dns.qry.name == "example.com" && udp.dstport == 53`)
	require.NoError(t, err)
	assert.True(t, l.ApplyFilter(f, r.tree))
}

func TestLibrary_TruncatedIsMalformed(t *testing.T) {
	data := udpPacket(t)[:20]
	r := decode(t, newLib(t), "encap:1", 1, decoder.ModeNormal, data)

	assert.True(t, r.tree.Malformed())
	layerNames := r.tree.Layers()
	require.GreaterOrEqual(t, len(layerNames), 2)
	assert.Equal(t, []string{"frame", "eth"}, layerNames[:2])
	assert.NotContains(t, layerNames, "udp")
}

func TestLibrary_UserEncapsulation(t *testing.T) {
	ip := testIPv4(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 40000, DstPort: 40001}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	data := serialize(t, ip, udp, gopacket.Payload([]byte("x")))

	r := decode(t, newLib(t), "proto:ip", constants.UserEncapBase+3, decoder.ModeNormal, data)
	assert.Equal(t, []string{"frame", "user_dlt", "ip", "udp", "data"}, r.tree.Layers())
	assert.Equal(t, uint64(constants.UserEncapBase+3), r.first(t, "frame.encap_type").Value)
	assert.Equal(t, uint64(17), r.first(t, "ip.proto").Value)
}

func TestLibrary_TCPFlags(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: testSrcMAC, DstMAC: testDstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := testIPv4(layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 40002, Seq: 100, SYN: true, ACK: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	data := serialize(t, eth, ip, tcp)

	r := decode(t, newLib(t), "encap:1", 1, decoder.ModeNormal, data)
	assert.Equal(t, "TCP", r.tree.Protocol())
	assert.Equal(t, "40000 → 40002 [SYN, ACK] Seq=100 Win=1024 Len=0", r.tree.Summary())
	assert.Equal(t, uint64(0x012), r.first(t, "tcp.flags").Value)
	assert.Equal(t, uint64(1), r.first(t, "tcp.flags.syn").Value)
	assert.Equal(t, uint64(0), r.first(t, "tcp.flags.fin").Value)
	assert.Equal(t, uint64(5), r.first(t, "tcp.hdr_len").Value)
	assert.Equal(t, uint64(100), r.first(t, "tcp.seq_raw").Value)
}

func TestLibrary_ConcurrentTrees(t *testing.T) {
	l := newLib(t)
	h, ok := l.ResolveDecoder("encap:1")
	require.True(t, ok)
	data := udpPacket(t)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := l.MakeArena()
			tree := l.NewTree(a, decoder.ModeNormal)
			for i := 0; i < 200; i++ {
				l.ResetTree(tree)
				err := l.RunDecode(tree, h, data, &decoder.FrameContext{
					Frame:  decoder.Frame{Number: uint32(i + 1), Length: len(data), Encap: 1},
					Active: a,
				})
				assert.NoError(t, err)
				assert.Equal(t, "UDP", tree.Protocol())
			}
		}()
	}
	wg.Wait()
}
