package transport

import (
	"net"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/raw"

	"github.com/nkain/ndhc/internal/arpwire"
)

// ArpManager owns the single raw AF_PACKET socket used for RFC 5227 traffic
// (spec §4.2, §6): opened once at startup via its own RawOpener of the same
// kind as the DHCP path's (in production, a helper-backed opener that
// shares the DHCP path's helper client), then restricted to
// ARP frames addressed to our own MAC or broadcast by a kernel-side BPF
// filter so userspace never sees unrelated traffic.
type ArpManager struct {
	iface   string
	selfMAC net.HardwareAddr
	opener  RawOpener
	conn    net.PacketConn
}

// NewArpManager returns an ArpManager for ifaceName; selfMAC sources every
// outgoing frame and is also baked into the BPF filter.
func NewArpManager(ifaceName string, selfMAC net.HardwareAddr, opener RawOpener) *ArpManager {
	if opener == nil {
		opener = directArpOpener{}
	}
	return &ArpManager{iface: ifaceName, selfMAC: selfMAC, opener: opener}
}

// directArpOpener opens an ARP-ethertype raw socket directly; used only
// when the caller still holds CAP_NET_RAW.
type directArpOpener struct{}

func (directArpOpener) OpenRaw(ifaceName string) (net.PacketConn, error) {
	ifc, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, errors.Annotate(err, "transport: resolving interface: %w")
	}
	conn, err := raw.ListenPacket(ifc, uint16(ethernet.EtherTypeARP), nil)
	if err != nil {
		return nil, errors.Annotate(err, "transport: opening arp socket: %w")
	}
	return conn, nil
}

// Open opens the socket and attaches the BPF filter. Idempotent: a second
// call is a no-op if already open.
func (a *ArpManager) Open() error {
	if a.conn != nil {
		return nil
	}
	conn, err := a.opener.OpenRaw(a.iface)
	if err != nil {
		return err
	}
	if err := AttachARPFilter(conn, a.selfMAC); err != nil {
		_ = conn.Close()
		return err
	}
	a.conn = conn
	log.Debug("ndhc: %s: arp transport opened", a.iface)
	return nil
}

// Close closes the ARP socket, if open.
func (a *ArpManager) Close() {
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

// SendARP implements arpfsm.Sender.
func (a *ArpManager) SendARP(f arpwire.Frame) error {
	if a.conn == nil {
		return errors.Error("transport: arp socket not open")
	}
	frame, err := arpwire.Marshal(f)
	if err != nil {
		return errors.Annotate(err, "transport: marshaling arp frame: %w")
	}
	_, err = a.conn.WriteTo(frame, &raw.Addr{HardwareAddr: f.DstMAC})
	return err
}

// RecvARP reads and decodes one frame; ok is false for anything that fails
// the arpwire.Unmarshal validity checks.
func (a *ArpManager) RecvARP(buf []byte) (f arpwire.Frame, ok bool, err error) {
	if a.conn == nil {
		return arpwire.Frame{}, false, errors.Error("transport: arp socket not open")
	}
	n, _, err := a.conn.ReadFrom(buf)
	if err != nil {
		return arpwire.Frame{}, false, err
	}
	f, ok = arpwire.Unmarshal(buf[:n])
	return f, ok, nil
}

// FD exposes the ARP socket's descriptor for the event loop's multiplexer.
func (a *ArpManager) FD() int {
	sc, ok := a.conn.(syscallConner)
	if !ok {
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
