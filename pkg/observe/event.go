// Package observe captures packets from device interfaces and distributes
// typed events to stream subscribers. Capture is strictly passive: nothing
// here mutates qdiscs, filters, or routing state.
package observe

import (
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Protocol is the L3/L4 tag of an event.
type Protocol string

const (
	ProtoICMP  Protocol = "ICMP"
	ProtoTCP   Protocol = "TCP"
	ProtoUDP   Protocol = "UDP"
	ProtoARP   Protocol = "ARP"
	ProtoOther Protocol = "OTHER"
)

// PacketType is the fine-grained classification subtag.
type PacketType string

const (
	TypeEchoRequest     PacketType = "icmp_echo_request"
	TypeEchoReply       PacketType = "icmp_echo_reply"
	TypeTimeExceeded    PacketType = "icmp_time_exceeded"
	TypeDestUnreachable PacketType = "icmp_dest_unreachable"
	TypeTCPSyn          PacketType = "tcp_syn"
	TypeTCPSynAck       PacketType = "tcp_syn_ack"
	TypeTCPAck          PacketType = "tcp_ack"
	TypeTCPFin          PacketType = "tcp_fin"
	TypeTCPRst          PacketType = "tcp_rst"
	TypeARPRequest      PacketType = "arp_request"
	TypeARPReply        PacketType = "arp_reply"
	TypeDNSQuery        PacketType = "dns_query"
	TypeDNSResponse     PacketType = "dns_response"
	TypeOther           PacketType = "other"
)

// Event is one observed packet. Timestamps come from the kernel capture
// time, not from the server clock.
type Event struct {
	Timestamp float64    `json:"timestamp"` // unix seconds, µs precision
	Device    string     `json:"device"`
	Iface     string     `json:"iface"`
	Protocol  Protocol   `json:"protocol"`
	Type      PacketType `json:"packet_type"`
	SrcIP     string     `json:"src_ip,omitempty"`
	DstIP     string     `json:"dst_ip,omitempty"`
	SrcPort   int        `json:"src_port,omitempty"`
	DstPort   int        `json:"dst_port,omitempty"`
	Length    int        `json:"length"`
	TTL       int        `json:"ttl,omitempty"`
}

const dnsPort = 53

// Classify decodes one captured frame into an Event. The boolean is false
// for frames that cannot be decoded as ethernet at all; those are counted
// by the caller and dropped.
func Classify(device, iface string, data []byte, ts time.Time, length int) (Event, bool) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})
	if pkt.LinkLayer() == nil {
		return Event{}, false
	}

	ev := Event{
		Timestamp: float64(ts.UnixMicro()) / 1e6,
		Device:    device,
		Iface:     iface,
		Protocol:  ProtoOther,
		Type:      TypeOther,
		Length:    length,
	}

	if arpLayer := pkt.Layer(layers.LayerTypeARP); arpLayer != nil {
		arp := arpLayer.(*layers.ARP)
		ev.Protocol = ProtoARP
		switch arp.Operation {
		case layers.ARPRequest:
			ev.Type = TypeARPRequest
		case layers.ARPReply:
			ev.Type = TypeARPReply
		}
		ev.SrcIP = ipString(arp.SourceProtAddress)
		ev.DstIP = ipString(arp.DstProtAddress)
		return ev, true
	}

	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return ev, true
	}
	ip := ipLayer.(*layers.IPv4)
	ev.SrcIP = ip.SrcIP.String()
	ev.DstIP = ip.DstIP.String()
	ev.TTL = int(ip.TTL)

	switch {
	case pkt.Layer(layers.LayerTypeICMPv4) != nil:
		icmp := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		ev.Protocol = ProtoICMP
		switch icmp.TypeCode.Type() {
		case layers.ICMPv4TypeEchoRequest:
			ev.Type = TypeEchoRequest
		case layers.ICMPv4TypeEchoReply:
			ev.Type = TypeEchoReply
		case layers.ICMPv4TypeTimeExceeded:
			ev.Type = TypeTimeExceeded
		case layers.ICMPv4TypeDestinationUnreachable:
			ev.Type = TypeDestUnreachable
		}

	case pkt.Layer(layers.LayerTypeTCP) != nil:
		tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		ev.Protocol = ProtoTCP
		ev.SrcPort = int(tcp.SrcPort)
		ev.DstPort = int(tcp.DstPort)
		switch {
		case tcp.SYN && tcp.ACK:
			ev.Type = TypeTCPSynAck
		case tcp.SYN:
			ev.Type = TypeTCPSyn
		case tcp.FIN:
			ev.Type = TypeTCPFin
		case tcp.RST:
			ev.Type = TypeTCPRst
		case tcp.ACK:
			ev.Type = TypeTCPAck
		}

	case pkt.Layer(layers.LayerTypeUDP) != nil:
		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		ev.Protocol = ProtoUDP
		ev.SrcPort = int(udp.SrcPort)
		ev.DstPort = int(udp.DstPort)
		switch {
		case int(udp.DstPort) == dnsPort:
			ev.Type = TypeDNSQuery
		case int(udp.SrcPort) == dnsPort:
			ev.Type = TypeDNSResponse
		}
	}

	return ev, true
}

func ipString(addr []byte) string {
	if len(addr) != 4 {
		return ""
	}
	return net.IP(addr).String()
}
