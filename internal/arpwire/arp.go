// Package arpwire builds and parses the ARP-over-Ethernet frames used by
// the RFC 5227 conflict-detection state machine (spec §4.2). The Ethernet
// header is built with github.com/mdlayher/ethernet; the 28-byte ARP
// payload itself has no published IPv4-only codec in the dependency pack,
// so it is hand-encoded here on top of that Ethernet framing (see
// DESIGN.md).
package arpwire

import (
	"encoding/binary"
	"net"

	"github.com/mdlayher/ethernet"
)

// Hardware/protocol type and length constants (net/if_arp.h, RFC 826).
const (
	HTypeEthernet = 1
	PTypeIPv4     = 0x0800

	HLenEthernet = 6
	PLenIPv4     = 4

	OpRequest = 1
	OpReply   = 2

	// frameLen is the 28-byte ARP payload length for Ethernet/IPv4.
	frameLen = 28
	// minEthernetPayload is the Ethernet minimum frame payload size; ARP
	// frames are zero-padded up to it.
	minEthernetPayload = 46
)

// BroadcastMAC is the Ethernet broadcast address.
var BroadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ZeroMAC reports whether mac is the all-zeros sentinel meaning "unknown".
func ZeroMAC(mac net.HardwareAddr) bool {
	if len(mac) != 6 {
		return true
	}
	for _, b := range mac {
		if b != 0 {
			return false
		}
	}
	return true
}

// Frame is a decoded ARP-over-Ethernet packet.
type Frame struct {
	SrcMAC, DstMAC net.HardwareAddr // Ethernet addresses
	Op             uint16
	SenderMAC      net.HardwareAddr
	SenderIP       net.IP
	TargetMAC      net.HardwareAddr
	TargetIP       net.IP
}

// Marshal encodes f as a 60-byte (Ethernet-minimum) frame: a
// mdlayher/ethernet header wrapping a zero-padded 28-byte ARP payload.
func Marshal(f Frame) ([]byte, error) {
	payload := make([]byte, frameLen)
	binary.BigEndian.PutUint16(payload[0:2], HTypeEthernet)
	binary.BigEndian.PutUint16(payload[2:4], PTypeIPv4)
	payload[4] = HLenEthernet
	payload[5] = PLenIPv4
	binary.BigEndian.PutUint16(payload[6:8], f.Op)
	copy(payload[8:14], padMAC(f.SenderMAC))
	copy(payload[14:18], padIP(f.SenderIP))
	copy(payload[18:24], padMAC(f.TargetMAC))
	copy(payload[24:28], padIP(f.TargetIP))

	if len(payload) < minEthernetPayload {
		padded := make([]byte, minEthernetPayload)
		copy(padded, payload)
		payload = padded
	}

	eth := &ethernet.Frame{
		Destination: f.DstMAC,
		Source:      f.SrcMAC,
		EtherType:   0x0806, // ARP
		Payload:     payload,
	}
	return eth.MarshalBinary()
}

// Unmarshal validates and decodes a received ARP-over-Ethernet frame.
// Frames that fail the htype/ptype/hlen/plen checks are dropped silently
// (ok=false) per spec §4.2.
func Unmarshal(raw []byte) (Frame, bool) {
	var eth ethernet.Frame
	if err := (&eth).UnmarshalBinary(raw); err != nil {
		return Frame{}, false
	}
	if eth.EtherType != 0x0806 || len(eth.Payload) < frameLen {
		return Frame{}, false
	}
	p := eth.Payload
	htype := binary.BigEndian.Uint16(p[0:2])
	ptype := binary.BigEndian.Uint16(p[2:4])
	hlen := p[4]
	plen := p[5]
	if htype != HTypeEthernet || ptype != PTypeIPv4 || hlen != HLenEthernet || plen != PLenIPv4 {
		return Frame{}, false
	}
	return Frame{
		SrcMAC:    eth.Source,
		DstMAC:    eth.Destination,
		Op:        binary.BigEndian.Uint16(p[6:8]),
		SenderMAC: net.HardwareAddr(append([]byte(nil), p[8:14]...)),
		SenderIP:  net.IP(append([]byte(nil), p[14:18]...)),
		TargetMAC: net.HardwareAddr(append([]byte(nil), p[18:24]...)),
		TargetIP:  net.IP(append([]byte(nil), p[24:28]...)),
	}, true
}

func padMAC(mac net.HardwareAddr) []byte {
	out := make([]byte, 6)
	copy(out, mac)
	return out
}

func padIP(ip net.IP) []byte {
	out := make([]byte, 4)
	if ip4 := ip.To4(); ip4 != nil {
		copy(out, ip4)
	}
	return out
}

// Probe builds an RFC 5227 probe: sender 0.0.0.0, target = candidate.
func Probe(srcMAC net.HardwareAddr, target net.IP) Frame {
	return Frame{
		SrcMAC:    srcMAC,
		DstMAC:    BroadcastMAC,
		Op:        OpRequest,
		SenderMAC: srcMAC,
		SenderIP:  net.IPv4zero,
		TargetMAC: net.HardwareAddr{0, 0, 0, 0, 0, 0},
		TargetIP:  target,
	}
}

// Announce builds a gratuitous ARP announcement: sender == target == addr.
func Announce(srcMAC net.HardwareAddr, addr net.IP) Frame {
	return Frame{
		SrcMAC:    srcMAC,
		DstMAC:    BroadcastMAC,
		Op:        OpRequest,
		SenderMAC: srcMAC,
		SenderIP:  addr,
		TargetMAC: srcMAC,
		TargetIP:  addr,
	}
}

// Request builds a unicast/broadcast ARP request asking who has target,
// from sender src, e.g. the gateway MAC query or a GW_CHECK ping.
func Request(srcMAC net.HardwareAddr, src, target net.IP) Frame {
	return Frame{
		SrcMAC:    srcMAC,
		DstMAC:    BroadcastMAC,
		Op:        OpRequest,
		SenderMAC: srcMAC,
		SenderIP:  src,
		TargetMAC: net.HardwareAddr{0, 0, 0, 0, 0, 0},
		TargetIP:  target,
	}
}
