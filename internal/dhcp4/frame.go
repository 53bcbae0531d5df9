package dhcp4

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ClientPort and ServerPort are the well-known DHCP UDP ports.
const (
	ClientPort = 68
	ServerPort = 67
)

// FrameRaw wraps a Marshal'd DHCP payload in an IPv4+UDP datagram suitable
// for the raw AF_PACKET transport path (spec §4.1, §4.4). src/dst are zero
// for broadcast-before-binding; srcMAC/dstMAC address the Ethernet frame.
// Checksums (UDP pseudo-header included, IPv4 header) are computed by
// gopacket's SerializeLayers rather than by hand.
func FrameRaw(payload []byte, src, dst net.IP, srcMAC, dstMAC net.HardwareAddr) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.To4(),
		DstIP:    dst.To4(),
	}
	udp := &layers.UDP{
		SrcPort: ClientPort,
		DstPort: ServerPort,
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseRaw extracts the DHCP payload from a raw Ethernet+IPv4+UDP frame
// received on the raw-socket path; it returns ok=false for anything that
// is not an IPv4/UDP datagram addressed to ClientPort.
func ParseRaw(frame []byte) (payload []byte, ok bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, false
	}
	udp, good := udpLayer.(*layers.UDP)
	if !good || udp.DstPort != ClientPort {
		return nil, false
	}
	return udp.Payload, true
}
