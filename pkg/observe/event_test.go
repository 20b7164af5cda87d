package observe

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	macA = net.HardwareAddr{0x02, 0x42, 0x0a, 0x00, 0x01, 0x01}
	macB = net.HardwareAddr{0x02, 0x42, 0x0a, 0x00, 0x01, 0x02}
	ipA  = net.IPv4(10, 0, 1, 1).To4()
	ipB  = net.IPv4(10, 0, 1, 2).To4()
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func ethFrame() *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: macA, DstMAC: macB, EthernetType: layers.EthernetTypeIPv4}
}

func ipv4Packet(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: proto, SrcIP: ipA, DstIP: ipB}
}

func icmpPacket(t *testing.T, typ uint8) []byte {
	return serialize(t, ethFrame(), ipv4Packet(layers.IPProtocolICMPv4),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(typ, 0)},
		gopacket.Payload([]byte("abcdefgh")))
}

func tcpPacket(t *testing.T, src, dst uint16, set func(*layers.TCP)) []byte {
	tcp := &layers.TCP{SrcPort: layers.TCPPort(src), DstPort: layers.TCPPort(dst), Window: 65535}
	set(tcp)
	ip := ipv4Packet(layers.IPProtocolTCP)
	tcp.SetNetworkLayerForChecksum(ip)
	return serialize(t, ethFrame(), ip, tcp)
}

func udpPacket(t *testing.T, src, dst uint16) []byte {
	udp := &layers.UDP{SrcPort: layers.UDPPort(src), DstPort: layers.UDPPort(dst)}
	ip := ipv4Packet(layers.IPProtocolUDP)
	udp.SetNetworkLayerForChecksum(ip)
	return serialize(t, ethFrame(), ip, udp, gopacket.Payload([]byte{0, 1, 2, 3}))
}

func arpPacket(t *testing.T, op uint16) []byte {
	eth := ethFrame()
	eth.EthernetType = layers.EthernetTypeARP
	return serialize(t, eth, &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   macA,
		SourceProtAddress: ipA,
		DstHwAddress:      macB,
		DstProtAddress:    ipB,
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		data      []byte
		wantProto Protocol
		wantType  PacketType
	}{
		{"echo request", icmpPacket(t, layers.ICMPv4TypeEchoRequest), ProtoICMP, TypeEchoRequest},
		{"echo reply", icmpPacket(t, layers.ICMPv4TypeEchoReply), ProtoICMP, TypeEchoReply},
		{"time exceeded", icmpPacket(t, layers.ICMPv4TypeTimeExceeded), ProtoICMP, TypeTimeExceeded},
		{"dest unreachable", icmpPacket(t, layers.ICMPv4TypeDestinationUnreachable), ProtoICMP, TypeDestUnreachable},
		{"tcp syn", tcpPacket(t, 40000, 80, func(p *layers.TCP) { p.SYN = true }), ProtoTCP, TypeTCPSyn},
		{"tcp syn-ack", tcpPacket(t, 80, 40000, func(p *layers.TCP) { p.SYN, p.ACK = true, true }), ProtoTCP, TypeTCPSynAck},
		{"tcp ack", tcpPacket(t, 40000, 80, func(p *layers.TCP) { p.ACK = true }), ProtoTCP, TypeTCPAck},
		{"tcp fin", tcpPacket(t, 40000, 80, func(p *layers.TCP) { p.FIN, p.ACK = true, true }), ProtoTCP, TypeTCPFin},
		{"tcp rst", tcpPacket(t, 80, 40000, func(p *layers.TCP) { p.RST = true }), ProtoTCP, TypeTCPRst},
		{"dns query", udpPacket(t, 40000, 53), ProtoUDP, TypeDNSQuery},
		{"dns response", udpPacket(t, 53, 40000), ProtoUDP, TypeDNSResponse},
		{"plain udp", udpPacket(t, 5000, 6000), ProtoUDP, TypeOther},
		{"arp request", arpPacket(t, layers.ARPRequest), ProtoARP, TypeARPRequest},
		{"arp reply", arpPacket(t, layers.ARPReply), ProtoARP, TypeARPReply},
	}

	now := time.Now()
	for _, tt := range tests {
		ev, ok := Classify("h1", "eth0", tt.data, now, len(tt.data))
		if !ok {
			t.Errorf("%s: Classify rejected the frame", tt.name)
			continue
		}
		if ev.Protocol != tt.wantProto || ev.Type != tt.wantType {
			t.Errorf("%s: got %s/%s, want %s/%s", tt.name, ev.Protocol, ev.Type, tt.wantProto, tt.wantType)
		}
		if ev.Device != "h1" || ev.Iface != "eth0" {
			t.Errorf("%s: device/iface = %s/%s", tt.name, ev.Device, ev.Iface)
		}
	}
}

func TestClassifyAddressFields(t *testing.T) {
	ev, ok := Classify("h1", "eth0", tcpPacket(t, 40000, 80, func(p *layers.TCP) { p.SYN = true }), time.Now(), 60)
	if !ok {
		t.Fatal("Classify rejected the frame")
	}
	if ev.SrcIP != "10.0.1.1" || ev.DstIP != "10.0.1.2" {
		t.Errorf("addresses = %s -> %s, want 10.0.1.1 -> 10.0.1.2", ev.SrcIP, ev.DstIP)
	}
	if ev.SrcPort != 40000 || ev.DstPort != 80 {
		t.Errorf("ports = %d -> %d, want 40000 -> 80", ev.SrcPort, ev.DstPort)
	}
	if ev.TTL != 64 {
		t.Errorf("ttl = %d, want 64", ev.TTL)
	}
	if ev.Length != 60 {
		t.Errorf("length = %d, want 60", ev.Length)
	}

	arp, ok := Classify("h1", "eth0", arpPacket(t, layers.ARPRequest), time.Now(), 42)
	if !ok {
		t.Fatal("Classify rejected the ARP frame")
	}
	if arp.SrcIP != "10.0.1.1" || arp.DstIP != "10.0.1.2" {
		t.Errorf("ARP addresses = %s -> %s", arp.SrcIP, arp.DstIP)
	}
}

func TestClassifyTruncatedFrame(t *testing.T) {
	if _, ok := Classify("h1", "eth0", []byte{0x01, 0x02}, time.Now(), 2); ok {
		t.Error("a two-byte frame should not classify")
	}
}
