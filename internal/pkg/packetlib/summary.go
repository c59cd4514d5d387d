package packetlib

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// summarize builds the one-line info text from the innermost layer that has
// something to say.
func summarize(pkt gopacket.Packet, length int) string {
	if l := pkt.Layer(layers.LayerTypeDNS); l != nil {
		return dnsSummary(l.(*layers.DNS))
	}
	if l := pkt.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		return fmt.Sprintf("%d → %d [%s] Seq=%d Win=%d Len=%d",
			tcp.SrcPort, tcp.DstPort, tcpFlags(tcp), tcp.Seq, tcp.Window, len(tcp.Payload))
	}
	if l := pkt.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		return fmt.Sprintf("%d → %d Len=%d", udp.SrcPort, udp.DstPort, len(udp.Payload))
	}
	if l := pkt.Layer(layers.LayerTypeICMPv4); l != nil {
		icmp := l.(*layers.ICMPv4)
		return fmt.Sprintf("%s id=0x%04x, seq=%d", icmp.TypeCode.String(), icmp.Id, icmp.Seq)
	}
	if l := pkt.Layer(layers.LayerTypeARP); l != nil {
		return arpSummary(l.(*layers.ARP))
	}
	if l := pkt.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		return fmt.Sprintf("%s → %s %s", ip.SrcIP, ip.DstIP, ip.Protocol)
	}
	if l := pkt.Layer(layers.LayerTypeIPv6); l != nil {
		ip := l.(*layers.IPv6)
		return fmt.Sprintf("%s → %s %s", ip.SrcIP, ip.DstIP, ip.NextHeader)
	}
	if el := pkt.ErrorLayer(); el != nil {
		return fmt.Sprintf("[Malformed Packet: %v]", el.Error())
	}
	return fmt.Sprintf("%d bytes", length)
}

func dnsSummary(dns *layers.DNS) string {
	var b strings.Builder
	b.WriteString("Standard query ")
	if dns.QR {
		b.WriteString("response ")
	}
	fmt.Fprintf(&b, "0x%04x", dns.ID)
	for _, q := range dns.Questions {
		fmt.Fprintf(&b, " %s %s", q.Type, q.Name)
	}
	return b.String()
}

func arpSummary(arp *layers.ARP) string {
	switch arp.Operation {
	case layers.ARPRequest:
		return fmt.Sprintf("Who has %s? Tell %s",
			ipString(arp.DstProtAddress), ipString(arp.SourceProtAddress))
	case layers.ARPReply:
		return fmt.Sprintf("%s is at %s",
			ipString(arp.SourceProtAddress), macString(arp.SourceHwAddress))
	}
	return fmt.Sprintf("ARP opcode %d", arp.Operation)
}

func tcpFlags(tcp *layers.TCP) string {
	var flags []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{tcp.SYN, "SYN"}, {tcp.FIN, "FIN"}, {tcp.RST, "RST"}, {tcp.PSH, "PSH"},
		{tcp.ACK, "ACK"}, {tcp.URG, "URG"}, {tcp.ECE, "ECE"}, {tcp.CWR, "CWR"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	return strings.Join(flags, ", ")
}

func ipString(b []byte) string { return net.IP(b).String() }

func macString(b []byte) string { return net.HardwareAddr(b).String() }
