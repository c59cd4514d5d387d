package packetlib

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/endorses/wdpool/internal/pkg/decoder"
)

// fieldSpec places a field inside its layer's header. Offsets are relative
// to the start of the layer.
type fieldSpec struct {
	abbrev string
	name   string
	ft     decoder.FieldType
	start  int
	length int
	mask   uint64
	// bitOff/bitLen describe fields that are not byte aligned and have no
	// static mask; bitOff counts from the MSB of the window.
	bitOff int
	bitLen int
	enc    decoder.Encoding
	// parent nests this field under an earlier field of the same layer.
	parent string
}

type protoSpec struct {
	abbrev string
	name   string
	short  string
	layer  gopacket.LayerType
	fields []fieldSpec
}

const le = decoder.EncodingLittleEndian

var protocolSpecs = []protoSpec{
	{
		abbrev: "eth", name: "Ethernet II", short: "Ethernet", layer: layers.LayerTypeEthernet,
		fields: []fieldSpec{
			{abbrev: "eth.dst", name: "Destination", ft: decoder.FTEther, start: 0, length: 6},
			{abbrev: "eth.addr", name: "Address", ft: decoder.FTEther, start: 0, length: 6, parent: "eth.dst"},
			{abbrev: "eth.src", name: "Source", ft: decoder.FTEther, start: 6, length: 6},
			{abbrev: "eth.addr", name: "Address", ft: decoder.FTEther, start: 6, length: 6, parent: "eth.src"},
			{abbrev: "eth.type", name: "Type", ft: decoder.FTUint16, start: 12, length: 2},
		},
	},
	{
		abbrev: "sll", name: "Linux cooked capture v1", short: "SLL", layer: layers.LayerTypeLinuxSLL,
		fields: []fieldSpec{
			{abbrev: "sll.pkttype", name: "Packet type", ft: decoder.FTUint16, start: 0, length: 2},
			{abbrev: "sll.hatype", name: "Link-layer address type", ft: decoder.FTUint16, start: 2, length: 2},
			{abbrev: "sll.halen", name: "Link-layer address length", ft: decoder.FTUint16, start: 4, length: 2},
			{abbrev: "sll.etype", name: "Protocol", ft: decoder.FTUint16, start: 14, length: 2},
		},
	},
	{
		abbrev: "null", name: "Null/Loopback", short: "NULL", layer: layers.LayerTypeLoopback,
		fields: []fieldSpec{
			{abbrev: "null.family", name: "Family", ft: decoder.FTUint32, start: 0, length: 4, enc: le},
		},
	},
	{
		abbrev: "arp", name: "Address Resolution Protocol", short: "ARP", layer: layers.LayerTypeARP,
		fields: []fieldSpec{
			{abbrev: "arp.hw.type", name: "Hardware type", ft: decoder.FTUint16, start: 0, length: 2},
			{abbrev: "arp.proto.type", name: "Protocol type", ft: decoder.FTUint16, start: 2, length: 2},
			{abbrev: "arp.hw.size", name: "Hardware size", ft: decoder.FTUint8, start: 4, length: 1},
			{abbrev: "arp.proto.size", name: "Protocol size", ft: decoder.FTUint8, start: 5, length: 1},
			{abbrev: "arp.opcode", name: "Opcode", ft: decoder.FTUint16, start: 6, length: 2},
			{abbrev: "arp.src.hw_mac", name: "Sender MAC address", ft: decoder.FTEther, start: 8, length: 6},
			{abbrev: "arp.src.proto_ipv4", name: "Sender IP address", ft: decoder.FTIPv4, start: 14, length: 4},
			{abbrev: "arp.dst.hw_mac", name: "Target MAC address", ft: decoder.FTEther, start: 18, length: 6},
			{abbrev: "arp.dst.proto_ipv4", name: "Target IP address", ft: decoder.FTIPv4, start: 24, length: 4},
		},
	},
	{
		abbrev: "ip", name: "Internet Protocol Version 4", short: "IPv4", layer: layers.LayerTypeIPv4,
		fields: []fieldSpec{
			{abbrev: "ip.version", name: "Version", ft: decoder.FTUint8, start: 0, length: 1, mask: 0xF0},
			{abbrev: "ip.hdr_len", name: "Header Length", ft: decoder.FTUint8, start: 0, length: 1, mask: 0x0F},
			{abbrev: "ip.dsfield", name: "Differentiated Services Field", ft: decoder.FTUint8, start: 1, length: 1},
			{abbrev: "ip.dsfield.dscp", name: "Differentiated Services Codepoint", ft: decoder.FTUint8, start: 1, length: 1, mask: 0xFC, parent: "ip.dsfield"},
			{abbrev: "ip.dsfield.ecn", name: "Explicit Congestion Notification", ft: decoder.FTUint8, start: 1, length: 1, mask: 0x03, parent: "ip.dsfield"},
			{abbrev: "ip.len", name: "Total Length", ft: decoder.FTUint16, start: 2, length: 2},
			{abbrev: "ip.id", name: "Identification", ft: decoder.FTUint16, start: 4, length: 2},
			{abbrev: "ip.flags", name: "Flags", ft: decoder.FTUint8, start: 6, length: 1, mask: 0xE0},
			{abbrev: "ip.flags.rb", name: "Reserved bit", ft: decoder.FTBoolean, start: 6, length: 2, mask: 0x8000, parent: "ip.flags"},
			{abbrev: "ip.flags.df", name: "Don't fragment", ft: decoder.FTBoolean, start: 6, length: 2, mask: 0x4000, parent: "ip.flags"},
			{abbrev: "ip.flags.mf", name: "More fragments", ft: decoder.FTBoolean, start: 6, length: 2, mask: 0x2000, parent: "ip.flags"},
			{abbrev: "ip.frag_offset", name: "Fragment Offset", ft: decoder.FTUint16, start: 6, length: 2, mask: 0x1FFF},
			{abbrev: "ip.ttl", name: "Time to Live", ft: decoder.FTUint8, start: 8, length: 1},
			{abbrev: "ip.proto", name: "Protocol", ft: decoder.FTUint8, start: 9, length: 1},
			{abbrev: "ip.checksum", name: "Header Checksum", ft: decoder.FTUint16, start: 10, length: 2},
			{abbrev: "ip.src", name: "Source Address", ft: decoder.FTIPv4, start: 12, length: 4},
			{abbrev: "ip.addr", name: "Source or Destination Address", ft: decoder.FTIPv4, start: 12, length: 4},
			{abbrev: "ip.dst", name: "Destination Address", ft: decoder.FTIPv4, start: 16, length: 4},
			{abbrev: "ip.addr", name: "Source or Destination Address", ft: decoder.FTIPv4, start: 16, length: 4},
		},
	},
	{
		abbrev: "ipv6", name: "Internet Protocol Version 6", short: "IPv6", layer: layers.LayerTypeIPv6,
		fields: []fieldSpec{
			{abbrev: "ipv6.version", name: "Version", ft: decoder.FTUint8, start: 0, length: 1, mask: 0xF0},
			{abbrev: "ipv6.tclass", name: "Traffic Class", ft: decoder.FTUint8, start: 0, length: 2, bitOff: 4, bitLen: 8},
			{abbrev: "ipv6.flow", name: "Flow Label", ft: decoder.FTUint24, start: 1, length: 3, bitOff: 4, bitLen: 20},
			{abbrev: "ipv6.plen", name: "Payload Length", ft: decoder.FTUint16, start: 4, length: 2},
			{abbrev: "ipv6.nxt", name: "Next Header", ft: decoder.FTUint8, start: 6, length: 1},
			{abbrev: "ipv6.hlim", name: "Hop Limit", ft: decoder.FTUint8, start: 7, length: 1},
			{abbrev: "ipv6.src", name: "Source Address", ft: decoder.FTIPv6, start: 8, length: 16},
			{abbrev: "ipv6.addr", name: "Source or Destination Address", ft: decoder.FTIPv6, start: 8, length: 16},
			{abbrev: "ipv6.dst", name: "Destination Address", ft: decoder.FTIPv6, start: 24, length: 16},
			{abbrev: "ipv6.addr", name: "Source or Destination Address", ft: decoder.FTIPv6, start: 24, length: 16},
		},
	},
	{
		abbrev: "icmp", name: "Internet Control Message Protocol", short: "ICMP", layer: layers.LayerTypeICMPv4,
		fields: []fieldSpec{
			{abbrev: "icmp.type", name: "Type", ft: decoder.FTUint8, start: 0, length: 1},
			{abbrev: "icmp.code", name: "Code", ft: decoder.FTUint8, start: 1, length: 1},
			{abbrev: "icmp.checksum", name: "Checksum", ft: decoder.FTUint16, start: 2, length: 2},
			{abbrev: "icmp.ident", name: "Identifier", ft: decoder.FTUint16, start: 4, length: 2},
			{abbrev: "icmp.seq", name: "Sequence Number", ft: decoder.FTUint16, start: 6, length: 2},
		},
	},
	{
		abbrev: "tcp", name: "Transmission Control Protocol", short: "TCP", layer: layers.LayerTypeTCP,
		fields: []fieldSpec{
			{abbrev: "tcp.srcport", name: "Source Port", ft: decoder.FTUint16, start: 0, length: 2},
			{abbrev: "tcp.port", name: "Source or Destination Port", ft: decoder.FTUint16, start: 0, length: 2},
			{abbrev: "tcp.dstport", name: "Destination Port", ft: decoder.FTUint16, start: 2, length: 2},
			{abbrev: "tcp.port", name: "Source or Destination Port", ft: decoder.FTUint16, start: 2, length: 2},
			{abbrev: "tcp.seq_raw", name: "Sequence Number (raw)", ft: decoder.FTUint32, start: 4, length: 4},
			{abbrev: "tcp.ack_raw", name: "Acknowledgment number (raw)", ft: decoder.FTUint32, start: 8, length: 4},
			{abbrev: "tcp.hdr_len", name: "Header Length", ft: decoder.FTUint8, start: 12, length: 1, mask: 0xF0},
			{abbrev: "tcp.flags", name: "Flags", ft: decoder.FTUint16, start: 12, length: 2, mask: 0x0FFF},
			{abbrev: "tcp.flags.ns", name: "Nonce", ft: decoder.FTBoolean, start: 12, length: 2, mask: 0x0100, parent: "tcp.flags"},
			{abbrev: "tcp.flags.cwr", name: "Congestion Window Reduced", ft: decoder.FTBoolean, start: 12, length: 2, mask: 0x0080, parent: "tcp.flags"},
			{abbrev: "tcp.flags.ece", name: "ECN-Echo", ft: decoder.FTBoolean, start: 12, length: 2, mask: 0x0040, parent: "tcp.flags"},
			{abbrev: "tcp.flags.urg", name: "Urgent", ft: decoder.FTBoolean, start: 12, length: 2, mask: 0x0020, parent: "tcp.flags"},
			{abbrev: "tcp.flags.ack", name: "Acknowledgment", ft: decoder.FTBoolean, start: 12, length: 2, mask: 0x0010, parent: "tcp.flags"},
			{abbrev: "tcp.flags.push", name: "Push", ft: decoder.FTBoolean, start: 12, length: 2, mask: 0x0008, parent: "tcp.flags"},
			{abbrev: "tcp.flags.reset", name: "Reset", ft: decoder.FTBoolean, start: 12, length: 2, mask: 0x0004, parent: "tcp.flags"},
			{abbrev: "tcp.flags.syn", name: "Syn", ft: decoder.FTBoolean, start: 12, length: 2, mask: 0x0002, parent: "tcp.flags"},
			{abbrev: "tcp.flags.fin", name: "Fin", ft: decoder.FTBoolean, start: 12, length: 2, mask: 0x0001, parent: "tcp.flags"},
			{abbrev: "tcp.window_size_value", name: "Window", ft: decoder.FTUint16, start: 14, length: 2},
			{abbrev: "tcp.checksum", name: "Checksum", ft: decoder.FTUint16, start: 16, length: 2},
			{abbrev: "tcp.urgent_pointer", name: "Urgent Pointer", ft: decoder.FTUint16, start: 18, length: 2},
		},
	},
	{
		abbrev: "udp", name: "User Datagram Protocol", short: "UDP", layer: layers.LayerTypeUDP,
		fields: []fieldSpec{
			{abbrev: "udp.srcport", name: "Source Port", ft: decoder.FTUint16, start: 0, length: 2},
			{abbrev: "udp.port", name: "Source or Destination Port", ft: decoder.FTUint16, start: 0, length: 2},
			{abbrev: "udp.dstport", name: "Destination Port", ft: decoder.FTUint16, start: 2, length: 2},
			{abbrev: "udp.port", name: "Source or Destination Port", ft: decoder.FTUint16, start: 2, length: 2},
			{abbrev: "udp.length", name: "Length", ft: decoder.FTUint16, start: 4, length: 2},
			{abbrev: "udp.checksum", name: "Checksum", ft: decoder.FTUint16, start: 6, length: 2},
		},
	},
	{
		abbrev: "dns", name: "Domain Name System", short: "DNS", layer: layers.LayerTypeDNS,
		fields: []fieldSpec{
			{abbrev: "dns.id", name: "Transaction ID", ft: decoder.FTUint16, start: 0, length: 2},
			{abbrev: "dns.flags", name: "Flags", ft: decoder.FTUint16, start: 2, length: 2},
			{abbrev: "dns.flags.response", name: "Response", ft: decoder.FTBoolean, start: 2, length: 2, mask: 0x8000, parent: "dns.flags"},
			{abbrev: "dns.flags.opcode", name: "Opcode", ft: decoder.FTUint16, start: 2, length: 2, mask: 0x7800, parent: "dns.flags"},
			{abbrev: "dns.flags.rcode", name: "Reply code", ft: decoder.FTUint16, start: 2, length: 2, mask: 0x000F, parent: "dns.flags"},
			{abbrev: "dns.count.queries", name: "Questions", ft: decoder.FTUint16, start: 4, length: 2},
			{abbrev: "dns.count.answers", name: "Answer RRs", ft: decoder.FTUint16, start: 6, length: 2},
			{abbrev: "dns.count.auth_rr", name: "Authority RRs", ft: decoder.FTUint16, start: 8, length: 2},
			{abbrev: "dns.count.add_rr", name: "Additional RRs", ft: decoder.FTUint16, start: 10, length: 2},
		},
	},
	{
		abbrev: "data", name: "Data", layer: gopacket.LayerTypePayload,
		fields: []fieldSpec{
			{abbrev: "data.data", name: "Data", ft: decoder.FTBytes, start: 0, length: -1},
		},
	},
}

// Binding names accepted after "proto:".
var protoLayers = map[string]gopacket.LayerType{
	"eth":  layers.LayerTypeEthernet,
	"sll":  layers.LayerTypeLinuxSLL,
	"arp":  layers.LayerTypeARP,
	"ip":   layers.LayerTypeIPv4,
	"ipv4": layers.LayerTypeIPv4,
	"ipv6": layers.LayerTypeIPv6,
	"icmp": layers.LayerTypeICMPv4,
	"tcp":  layers.LayerTypeTCP,
	"udp":  layers.LayerTypeUDP,
	"dns":  layers.LayerTypeDNS,
	"data": gopacket.LayerTypePayload,
}

// Encapsulations accepted after "encap:", by number or name.
var linkTypes = map[string]layers.LinkType{
	"0":         layers.LinkTypeNull,
	"null":      layers.LinkTypeNull,
	"1":         layers.LinkTypeEthernet,
	"en10mb":    layers.LinkTypeEthernet,
	"ethernet":  layers.LinkTypeEthernet,
	"101":       layers.LinkTypeRaw,
	"raw":       layers.LinkTypeRaw,
	"113":       layers.LinkTypeLinuxSLL,
	"linux_sll": layers.LinkTypeLinuxSLL,
	"228":       layers.LinkTypeIPv4,
	"ipv4":      layers.LinkTypeIPv4,
	"229":       layers.LinkTypeIPv6,
	"ipv6":      layers.LinkTypeIPv6,
}
