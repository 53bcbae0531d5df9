// Package transport implements the two mutually exclusive DHCP packet
// paths described in spec §4.4: a raw AF_PACKET socket used before an
// address is bound, and a cooked, connected UDP socket used once the
// client has a lease. Exactly one is open at any moment; switching closes
// the old one before opening the new one (Testable Property 5).
package transport

import (
	"net"
	"syscall"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/raw"

	"github.com/nkain/ndhc/internal/dhcp4"
)

// Kind identifies which of the two paths is currently open.
type Kind int

const (
	// KindNone means no transport is open yet.
	KindNone Kind = iota
	// KindRaw is the AF_PACKET path used in INIT/SELECTING/REQUESTING/
	// REBINDING.
	KindRaw
	// KindCooked is the connected-UDP path used in RENEWING and for
	// RELEASE.
	KindCooked
)

// RawOpener abstracts obtaining a bound AF_PACKET socket; in production
// this is satisfied by the raw-socket helper client (internal/sockhelper)
// rather than calling raw.ListenPacket directly, since the core runs
// unprivileged (spec §6).
type RawOpener interface {
	OpenRaw(ifaceName string) (net.PacketConn, error)
}

// directRawOpener opens the socket in-process; used only when the core
// still holds CAP_NET_RAW, e.g. tests or a non-privilege-separated build.
type directRawOpener struct{}

// OpenRaw implements RawOpener.
func (directRawOpener) OpenRaw(ifaceName string) (net.PacketConn, error) {
	ifc, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, errors.Annotate(err, "transport: resolving interface: %w")
	}
	conn, err := raw.ListenPacket(ifc, uint16(ethernet.EtherTypeIPv4), nil)
	if err != nil {
		return nil, errors.Annotate(err, "transport: opening raw socket: %w")
	}
	return conn, nil
}

// DirectRawOpener is the default RawOpener for builds that do not
// privilege-separate the raw socket open.
var DirectRawOpener RawOpener = directRawOpener{}

// Manager owns the currently open socket and enforces the one-path-at-a-
// time invariant.
type Manager struct {
	iface     string
	ifaceMAC  net.HardwareAddr
	opener    RawOpener
	kind      Kind
	rawConn   net.PacketConn
	cookedUDP *net.UDPConn
}

// NewManager returns a Manager for the named interface. mac is the
// interface's own hardware address, used to source raw frames.
func NewManager(ifaceName string, mac net.HardwareAddr, opener RawOpener) *Manager {
	if opener == nil {
		opener = DirectRawOpener
	}
	return &Manager{iface: ifaceName, ifaceMAC: mac, opener: opener, kind: KindNone}
}

// Kind reports which path is currently open.
func (m *Manager) Kind() Kind { return m.kind }

// OpenRaw closes any existing transport and opens the raw AF_PACKET path.
func (m *Manager) OpenRaw() error {
	m.Close()
	conn, err := m.opener.OpenRaw(m.iface)
	if err != nil {
		return err
	}
	m.rawConn = conn
	m.kind = KindRaw
	log.Debug("ndhc: %s: raw transport opened", m.iface)
	return nil
}

// OpenCooked closes any existing transport and opens a UDP socket bound to
// clientIP:68, connected to server:67.
func (m *Manager) OpenCooked(clientIP, server net.IP) error {
	m.Close()
	laddr := &net.UDPAddr{IP: clientIP, Port: dhcp4.ClientPort}
	raddr := &net.UDPAddr{IP: server, Port: dhcp4.ServerPort}
	conn, err := net.DialUDP("udp4", laddr, raddr)
	if err != nil {
		return errors.Annotate(err, "transport: dialing cooked UDP: %w")
	}
	m.cookedUDP = conn
	m.kind = KindCooked
	log.Debug("ndhc: %s: cooked transport opened to %s", m.iface, server)
	return nil
}

// Close closes whichever transport is open, if any. Idempotent.
func (m *Manager) Close() {
	switch m.kind {
	case KindRaw:
		if m.rawConn != nil {
			_ = m.rawConn.Close()
			m.rawConn = nil
		}
	case KindCooked:
		if m.cookedUDP != nil {
			_ = m.cookedUDP.Close()
			m.cookedUDP = nil
		}
	}
	m.kind = KindNone
}

// SendBroadcast serializes msg and broadcasts it on the raw path. The
// caller must have called OpenRaw first.
func (m *Manager) SendBroadcast(msg *dhcp4.Message) error {
	if m.kind != KindRaw {
		return errors.Error("transport: SendBroadcast requires the raw path to be open")
	}
	frame, err := dhcp4.FrameRaw(msg.Marshal(), net.IPv4zero, net.IPv4bcast, m.ifaceMAC, ethernetBroadcast)
	if err != nil {
		return errors.Annotate(err, "transport: framing broadcast: %w")
	}
	_, err = m.rawConn.WriteTo(frame, &raw.Addr{HardwareAddr: ethernetBroadcast})
	return err
}

// SendUnicastRaw sends msg over the raw path addressed to a specific
// server IP/MAC (used for REQUESTING retransmits to a known server before
// the lease is bound, if ever needed; primarily REBINDING still
// broadcasts per spec, but this is kept for INIT-REBOOT style targeted
// sends).
func (m *Manager) SendUnicastRaw(msg *dhcp4.Message, dstIP net.IP, dstMAC net.HardwareAddr) error {
	if m.kind != KindRaw {
		return errors.Error("transport: SendUnicastRaw requires the raw path to be open")
	}
	frame, err := dhcp4.FrameRaw(msg.Marshal(), net.IPv4zero, dstIP, m.ifaceMAC, dstMAC)
	if err != nil {
		return errors.Annotate(err, "transport: framing unicast: %w")
	}
	_, err = m.rawConn.WriteTo(frame, &raw.Addr{HardwareAddr: dstMAC})
	return err
}

// SendCooked sends msg over the connected UDP path.
func (m *Manager) SendCooked(msg *dhcp4.Message) error {
	if m.kind != KindCooked {
		return errors.Error("transport: SendCooked requires the cooked path to be open")
	}
	_, err := m.cookedUDP.Write(msg.Marshal())
	return err
}

// RecvRaw reads and parses one frame from the raw path, returning
// ok=false for non-DHCP traffic (spec §4.1's ParseRaw contract).
func (m *Manager) RecvRaw(buf []byte) (msg *dhcp4.Message, ok bool, err error) {
	if m.kind != KindRaw {
		return nil, false, errors.Error("transport: RecvRaw requires the raw path to be open")
	}
	n, _, err := m.rawConn.ReadFrom(buf)
	if err != nil {
		return nil, false, err
	}
	payload, ok := dhcp4.ParseRaw(buf[:n])
	if !ok {
		return nil, false, nil
	}
	parsed, err := dhcp4.Unmarshal(payload)
	if err != nil {
		return nil, false, nil
	}
	return parsed, true, nil
}

// RecvCooked reads and parses one packet from the cooked UDP path.
func (m *Manager) RecvCooked(buf []byte) (msg *dhcp4.Message, err error) {
	if m.kind != KindCooked {
		return nil, errors.Error("transport: RecvCooked requires the cooked path to be open")
	}
	n, err := m.cookedUDP.Read(buf)
	if err != nil {
		return nil, err
	}
	return dhcp4.Unmarshal(buf[:n])
}

// syscallConner is implemented by both net.UDPConn and mdlayher/raw's
// *raw.Conn; it is the portable way to obtain a socket's fd for
// registration with epoll without taking ownership of a dup via File().
type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

// FD returns the underlying file descriptor of whichever socket is open,
// for registration with the event loop's multiplexer. Returns -1 when
// nothing is open or the fd can't be determined.
func (m *Manager) FD() int {
	var sc syscallConner
	switch m.kind {
	case KindRaw:
		conn, ok := m.rawConn.(syscallConner)
		if !ok {
			return -1
		}
		sc = conn
	case KindCooked:
		sc = m.cookedUDP
	default:
		return -1
	}

	rc, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = rc.Control(func(f uintptr) { fd = int(f) })
	return fd
}

var ethernetBroadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
