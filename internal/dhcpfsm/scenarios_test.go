package dhcpfsm

import (
	"net"
	"testing"

	"github.com/nkain/ndhc/internal/arpfsm"
	"github.com/nkain/ndhc/internal/arpwire"
	"github.com/nkain/ndhc/internal/dhcp4"
)

type manualClock struct{ ms int64 }

func (c *manualClock) NowMS() int64 { return c.ms }

type nullSender struct{}

func (nullSender) SendARP(arpwire.Frame) error { return nil }

func testIdentity() Identity {
	return Identity{
		ClientID:      []byte{1, 0x02, 0, 0, 0, 0, 1},
		Hostname:      []byte("host1"),
		ParameterList: DefaultParameterList(),
		InterfaceMAC:  net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
	}
}

func offerLease() (net.IP, net.IP, Lease) {
	yiaddr := net.IPv4(192, 0, 2, 50).To4()
	serverID := net.IPv4(192, 0, 2, 1).To4()
	lease := Lease{
		ClientIP:     yiaddr,
		Subnet:       net.IPv4(255, 255, 255, 0).To4(),
		Router:       serverID,
		DNS:          []net.IP{net.IPv4(8, 8, 8, 8).To4(), net.IPv4(1, 1, 1, 1).To4()},
		ServerID:     serverID,
		LeaseSeconds: 3600,
		T1Seconds:    1800,
		T2Seconds:    3150,
	}
	return yiaddr, serverID, lease
}

// TestScenarioS1HappyPath is spec scenario S1: DISCOVER, OFFER, REQUEST,
// ACK, a clean ARP collision check, and a BOUND state carrying every
// option the offer supplied.
func TestScenarioS1HappyPath(t *testing.T) {
	clock := &manualClock{ms: 0}
	m := NewMachine(Config{Identity: testIdentity()}, clock)

	start := m.Start()
	if start.TransportVia != TransportRawBroadcast || len(start.Send) == 0 {
		t.Fatalf("Start() did not broadcast a DISCOVER: %+v", start)
	}
	msg, err := dhcp4.Unmarshal(start.Send)
	if err != nil || MessageType(msg) != dhcp4.MsgDiscover {
		t.Fatalf("Start() did not send a well-formed DISCOVER: %v", err)
	}

	yiaddr, serverID, lease := offerLease()
	act := m.OnOffer(m.Xid(), yiaddr, serverID)
	if m.State() != StateRequesting {
		t.Fatalf("state after OFFER = %v, want REQUESTING", m.State())
	}
	req, err := dhcp4.Unmarshal(act.Send)
	if err != nil || MessageType(req) != dhcp4.MsgRequest {
		t.Fatalf("OnOffer did not send a REQUEST: %v", err)
	}

	act = m.OnAck(m.Xid(), lease)
	if !act.StartCollisionCheck || !act.Candidate.Equal(yiaddr) {
		t.Fatalf("OnAck in REQUESTING did not request a collision check: %+v", act)
	}

	act = m.OnCollisionFree()
	if m.State() != StateBound {
		t.Fatalf("state after collision-free = %v, want BOUND", m.State())
	}
	if act.ApplyLease == nil || !act.ApplyLease.ClientIP.Equal(yiaddr) {
		t.Fatalf("BOUND transition did not apply the accepted lease: %+v", act)
	}
	if len(act.ApplyLease.DNS) != 2 {
		t.Fatalf("applied lease lost DNS servers: %+v", act.ApplyLease)
	}
	if !act.StartGWQuery {
		t.Fatalf("BOUND transition should start a gateway query")
	}
}

// TestScenarioS2Conflict is spec scenario S2: an ARP reply for the
// candidate address during collision check declines it and returns the
// client to INIT.
func TestScenarioS2Conflict(t *testing.T) {
	clock := &manualClock{ms: 0}
	m := NewMachine(Config{Identity: testIdentity()}, clock)
	m.Start()

	yiaddr, serverID, _ := offerLease()
	m.OnOffer(m.Xid(), yiaddr, serverID)

	arpCfg := arpfsm.DefaultConfig()
	arpM := arpfsm.New(arpCfg, clock, nullSender{}, testIdentity().InterfaceMAC)
	arpM.StartCollisionCheck(yiaddr)

	conflict := arpwire.Frame{
		Op:        arpwire.OpReply,
		SenderMAC: net.HardwareAddr{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee},
		SenderIP:  yiaddr,
	}
	result := arpM.HandleFrame(conflict, nil, false)
	if result != arpfsm.ResultConflict {
		t.Fatalf("arp machine result = %v, want ResultConflict", result)
	}

	act := m.OnCollisionConflict()
	if m.State() != StateInit {
		t.Fatalf("state after collision conflict = %v, want INIT", m.State())
	}
	if len(act.Send) == 0 {
		t.Fatalf("declining did not immediately send a fresh DISCOVER")
	}
}

// TestScenarioS3NakInRequesting is spec scenario S3: a NAK while
// REQUESTING deconfigures and restarts from INIT with a fresh xid.
func TestScenarioS3NakInRequesting(t *testing.T) {
	clock := &manualClock{ms: 0}
	m := NewMachine(Config{Identity: testIdentity()}, clock)
	m.Start()
	firstXid := m.Xid()

	yiaddr, serverID, _ := offerLease()
	m.OnOffer(m.Xid(), yiaddr, serverID)
	reqXid := m.Xid()

	act := m.OnNak(reqXid)
	if m.State() != StateInit {
		t.Fatalf("state after NAK = %v, want INIT", m.State())
	}
	if !act.Deconfig {
		t.Fatalf("NAK in REQUESTING must deconfigure")
	}
	if m.Xid() == firstXid || m.Xid() == reqXid {
		t.Fatalf("restart after NAK must use a fresh xid")
	}
}

// TestScenarioS4RenewEmptyDiff is spec scenario S4: T1 fires, the unicast
// REQUEST is answered with an ACK carrying identical configuration, and
// no ApplyLease action is produced.
func TestScenarioS4RenewEmptyDiff(t *testing.T) {
	clock := &manualClock{ms: 0}
	m := NewMachine(Config{Identity: testIdentity()}, clock)
	m.Start()
	yiaddr, serverID, lease := offerLease()
	m.OnOffer(m.Xid(), yiaddr, serverID)
	m.OnAck(m.Xid(), lease)
	m.OnCollisionFree()

	clock.ms = int64(lease.T1Seconds) * 1000
	act := m.OnTick()
	if m.State() != StateRenewing {
		t.Fatalf("state after T1 tick = %v, want RENEWING", m.State())
	}
	if act.TransportVia != TransportCookedUnicast {
		t.Fatalf("renew REQUEST must go out on the cooked unicast path")
	}

	act = m.OnAck(m.Xid(), lease)
	if act.ApplyLease != nil {
		t.Fatalf("renewal with unchanged configuration must not apply a lease diff: %+v", act.ApplyLease)
	}
	if m.State() != StateBound {
		t.Fatalf("state after renew ACK = %v, want BOUND", m.State())
	}
}

// TestScenarioS5CarrierBounce is spec scenario S5: a link flap while BOUND
// requests a gateway reachability check instead of restarting DHCP, and
// the lease survives.
func TestScenarioS5CarrierBounce(t *testing.T) {
	clock := &manualClock{ms: 0}
	m := NewMachine(Config{Identity: testIdentity()}, clock)
	m.Start()
	yiaddr, serverID, lease := offerLease()
	m.OnOffer(m.Xid(), yiaddr, serverID)
	m.OnAck(m.Xid(), lease)
	m.OnCollisionFree()

	clock.ms = 600_000
	m.OnLinkDown()

	clock.ms = 610_000
	act := m.OnLinkUp()
	if !act.StartGWCheck {
		t.Fatalf("link recovery while BOUND must request a GW_CHECK, got %+v", act)
	}
	if m.State() != StateBound {
		t.Fatalf("state after carrier bounce = %v, want BOUND (lease retained)", m.State())
	}
	if !m.ClientAddr().Equal(yiaddr) {
		t.Fatalf("client address lost across carrier bounce")
	}

	arpCfg := arpfsm.DefaultConfig()
	arpM := arpfsm.New(arpCfg, clock, nullSender{}, testIdentity().InterfaceMAC)
	arpM.StartGWQuery(serverID) // router IP already learned before the bounce
	arpM.StartGWCheck()
	reply := arpwire.Frame{
		Op:        arpwire.OpReply,
		SenderMAC: net.HardwareAddr{0x02, 0, 0, 0, 0, 9},
		SenderIP:  serverID,
	}
	result := arpM.HandleFrame(reply, nil, false)
	if result != arpfsm.ResultGatewayKnown {
		t.Fatalf("GW_CHECK result = %v, want ResultGatewayKnown", result)
	}
}
