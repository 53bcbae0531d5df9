package transport

import (
	"net"
	"testing"
	"time"
)

// fakePacketConn is a minimal net.PacketConn double that only tracks
// whether it has been closed.
type fakePacketConn struct {
	closed bool
}

func (f *fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error) { return 0, nil, net.ErrClosed }
func (f *fakePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if f.closed {
		return 0, net.ErrClosed
	}
	return len(p), nil
}
func (f *fakePacketConn) Close() error                       { f.closed = true; return nil }
func (f *fakePacketConn) LocalAddr() net.Addr                 { return &net.UnixAddr{Name: "fake"} }
func (f *fakePacketConn) SetDeadline(t time.Time) error       { return nil }
func (f *fakePacketConn) SetReadDeadline(t time.Time) error   { return nil }
func (f *fakePacketConn) SetWriteDeadline(t time.Time) error  { return nil }

// fakeRawOpener hands out a fresh fakePacketConn per call and remembers
// every conn it minted so a test can inspect their closed state later.
type fakeRawOpener struct {
	opened []*fakePacketConn
}

func (o *fakeRawOpener) OpenRaw(ifaceName string) (net.PacketConn, error) {
	c := &fakePacketConn{}
	o.opened = append(o.opened, c)
	return c, nil
}

// TestTransportMutualExclusion is Property 5: at most one of the raw and
// cooked paths is open at any time; switching always closes the previous
// one first.
func TestTransportMutualExclusion(t *testing.T) {
	opener := &fakeRawOpener{}
	mac := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	m := NewManager("eth0", mac, opener)

	if m.Kind() != KindNone {
		t.Fatalf("initial kind = %v, want KindNone", m.Kind())
	}

	if err := m.OpenRaw(); err != nil {
		t.Fatalf("OpenRaw: %s", err)
	}
	if m.Kind() != KindRaw {
		t.Fatalf("kind after OpenRaw = %v, want KindRaw", m.Kind())
	}
	first := opener.opened[0]

	if err := m.OpenRaw(); err != nil {
		t.Fatalf("second OpenRaw: %s", err)
	}
	if !first.closed {
		t.Fatalf("first raw conn was not closed before reopening raw")
	}
	second := opener.opened[1]
	if second.closed {
		t.Fatalf("newly opened raw conn should not be closed")
	}

	if err := m.OpenCooked(net.IPv4zero, net.IPv4(127, 0, 0, 1)); err != nil {
		t.Fatalf("OpenCooked: %s", err)
	}
	if !second.closed {
		t.Fatalf("raw conn was not closed when switching to cooked")
	}
	if m.Kind() != KindCooked {
		t.Fatalf("kind after OpenCooked = %v, want KindCooked", m.Kind())
	}

	if err := m.OpenRaw(); err != nil {
		t.Fatalf("OpenRaw after cooked: %s", err)
	}
	if m.Kind() != KindRaw {
		t.Fatalf("kind after switching back to raw = %v, want KindRaw", m.Kind())
	}
	third := opener.opened[2]
	if third.closed {
		t.Fatalf("newly opened raw conn should not be closed")
	}

	m.Close()
	if m.Kind() != KindNone {
		t.Fatalf("kind after Close = %v, want KindNone", m.Kind())
	}
	if !third.closed {
		t.Fatalf("Close did not close the open raw conn")
	}

	m.Close()
	if m.Kind() != KindNone {
		t.Fatalf("double Close should remain idempotent")
	}
}

// TestSendRequiresMatchingPathOpen covers the guard clauses in
// SendBroadcast/SendCooked: both reject use while no path is open, and
// SendCooked also rejects use while the raw path is open.
func TestSendRequiresMatchingPathOpen(t *testing.T) {
	opener := &fakeRawOpener{}
	mac := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	m := NewManager("eth0", mac, opener)

	if err := m.SendBroadcast(nil); err == nil {
		t.Fatalf("SendBroadcast with no transport open should fail")
	}

	if err := m.SendCooked(nil); err == nil {
		t.Fatalf("SendCooked with no transport open should fail")
	}

	if err := m.OpenRaw(); err != nil {
		t.Fatalf("OpenRaw: %s", err)
	}
	if err := m.SendCooked(nil); err == nil {
		t.Fatalf("SendCooked while raw is open should fail")
	}
}
