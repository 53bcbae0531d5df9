package dhcpfsm

import (
	"crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"net"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/nkain/ndhc/internal/ndhcclock"
)

// Backoff tunables for INIT's DISCOVER retransmission (spec §4.6).
const (
	initBackoffStart = 4 * time.Second
	initBackoffMax   = 64 * time.Second
	initJitter       = 1 * time.Second
)

// TransportKind tells the engine which socket path an outgoing message
// requires; see spec §4.4.
type TransportKind int

const (
	TransportNone TransportKind = iota
	TransportRawBroadcast
	TransportCookedUnicast
)

// Action is what the engine must do in response to a Machine method call.
// Zero value is a no-op. Fields are populated selectively; callers check
// each meaningful field rather than a discriminant tag, matching the
// "pointer means present" convention used for optional fields elsewhere
// in the DHCP option model.
type Action struct {
	// Send, if non-nil, must be transmitted over TransportVia.
	Send        []byte
	TransportVia TransportKind

	// OpenTransport requests the engine switch socket paths before the
	// next send, even if Send is nil (e.g. BOUND doesn't send but may
	// need to close the raw socket).
	OpenTransport   bool
	TransportTarget TransportKind
	CookedServer    net.IP
	CookedClient    net.IP

	// StartCollisionCheck requests ARP collision detection for Candidate
	// (invariant 1: only set while State()==StateRequesting).
	StartCollisionCheck bool
	Candidate           net.IP

	// StartGWQuery/StartGWCheck request the corresponding ARP sub-state.
	StartGWQuery bool
	StartGWCheck bool
	Router       net.IP

	// ApplyLease, if non-nil, must be handed to the config applier
	// (C8); it is nil when a renewal changed nothing.
	ApplyLease *Lease

	// Deconfig requests the config applier emit the deconfig line.
	Deconfig bool

	// Exit requests the process terminate (LINK_REMOVED).
	Exit bool
}

// Config holds the CLI-controlled identity and lease-request parameters.
type Config struct {
	Identity    Identity
	RequestedIP net.IP // from -r/--request or a loaded lease file; may be nil
}

// Machine is the DHCP client protocol engine (spec §4.6).
type Machine struct {
	cfg   Config
	clock ndhcclock.Clock
	rng   *rand.Rand

	state State
	xid   uint32

	clientAddr net.IP
	serverAddr net.IP
	routerAddr net.IP

	candidateYiaddr net.IP
	pendingLease    Lease

	leaseStartMS  int64
	leaseT1MS     int64
	leaseT2MS     int64
	leaseExpireMS int64

	lastAccepted     Lease
	haveAcceptedOnce bool

	wakeTS int64

	backoff time.Duration

	linkState LinkState
}

// NewMachine returns a Machine in StateInit, ready for Start.
func NewMachine(cfg Config, clock ndhcclock.Clock) *Machine {
	var seed [8]byte
	_, _ = rand.Read(seed[:])
	return &Machine{
		cfg:       cfg,
		clock:     clock,
		rng:       rand.New(rand.NewPCG(binary.BigEndian.Uint64(seed[:]), uint64(clock.NowMS()))),
		state:     StateInit,
		linkState: LinkUp,
		wakeTS:    ndhcclock.NoDeadline,
	}
}

// State returns the current DHCP state.
func (m *Machine) State() State { return m.state }

// Xid returns the transaction id of the in-flight exchange.
func (m *Machine) Xid() uint32 { return m.xid }

// NextWake returns the machine's next absolute wake deadline.
func (m *Machine) NextWake() int64 { return m.wakeTS }

// HasLease reports whether last_accepted_packet is non-zero (ClientState
// invariant from spec §3).
func (m *Machine) HasLease() bool { return m.haveAcceptedOnce }

func (m *Machine) newXid() uint32 {
	m.xid = m.rng.Uint32()
	return m.xid
}

// Start begins (or restarts) the protocol from INIT, sending the first
// DISCOVER.
func (m *Machine) Start() Action {
	m.state = StateInit
	m.candidateYiaddr = nil
	m.backoff = initBackoffStart
	xid := m.newXid()
	now := m.clock.NowMS()
	m.wakeTS = now + m.backoff.Milliseconds()

	msg := BuildDiscover(m.cfg.Identity, xid, m.cfg.RequestedIP)
	log.Info("ndhc: state INIT: sending DISCOVER xid=%#08x", xid)
	return Action{
		Send:            msg.Marshal(),
		TransportVia:    TransportRawBroadcast,
		OpenTransport:   true,
		TransportTarget: TransportRawBroadcast,
	}
}

// OnTick is called when the machine's NextWake has elapsed; it drives
// retransmission and the T1/T2/expire deadlines of the bound substates.
func (m *Machine) OnTick() Action {
	now := m.clock.NowMS()
	switch m.state {
	case StateInit:
		return m.retransmitDiscover(now)
	case StateRequesting:
		return m.retransmitOrFailRequest(now)
	case StateBound:
		if now >= m.leaseT1MS {
			return m.enterRenewing()
		}
	case StateRenewing:
		if now >= m.leaseT2MS {
			return m.enterRebinding()
		}
		return m.retransmitRenew(now)
	case StateRebinding:
		if now >= m.leaseExpireMS {
			return m.expireToInit()
		}
		return m.retransmitRebind(now)
	}
	return Action{}
}

func (m *Machine) retransmitDiscover(now int64) Action {
	m.backoff *= 2
	if m.backoff > initBackoffMax {
		m.backoff = initBackoffMax
	}
	jitter := jitterMS(m.rng, initJitter)
	m.wakeTS = now + m.backoff.Milliseconds() + jitter
	xid := m.newXid()
	msg := BuildDiscover(m.cfg.Identity, xid, m.cfg.RequestedIP)
	log.Debug("ndhc: state INIT: retransmitting DISCOVER xid=%#08x", xid)
	return Action{Send: msg.Marshal(), TransportVia: TransportRawBroadcast}
}

func (m *Machine) retransmitOrFailRequest(now int64) Action {
	// spec §4.6: REQUESTING has no separately specified backoff; it
	// shares the timeout-to-INIT behavior described for the exchange.
	// A single timeout collapses back to INIT with a fresh xid.
	log.Warning("ndhc: state REQUESTING: timed out waiting for ACK/NAK, restarting")
	return m.toInit(now)
}

// OnOffer processes a DHCPOFFER while in SELECTING-eligible state
// (spec: INIT waits, first OFFER with matching xid moves through
// SELECTING straight into REQUESTING).
func (m *Machine) OnOffer(xid uint32, yiaddr, serverID net.IP) Action {
	if m.state != StateInit || xid != m.xid {
		return Action{}
	}
	log.Info("ndhc: state SELECTING: accepted OFFER %s from %s", yiaddr, serverID)

	m.state = StateRequesting
	m.candidateYiaddr = yiaddr
	m.serverAddr = serverID
	now := m.clock.NowMS()
	m.wakeTS = now + initBackoffStart.Milliseconds()

	msg := BuildRequestSelecting(m.cfg.Identity, m.xid, yiaddr, serverID)
	log.Info("ndhc: state REQUESTING: sending REQUEST for %s", yiaddr)
	return Action{Send: msg.Marshal(), TransportVia: TransportRawBroadcast}
}

// OnAck processes a DHCPACK. Behavior depends on the current state:
// REQUESTING -> hand off to ARP collision check; RENEWING/REBINDING ->
// extend the lease in place, diffing against the currently applied
// configuration (spec §4.6, §4.8, S4).
func (m *Machine) OnAck(xid uint32, lease Lease) Action {
	if xid != m.xid {
		return Action{}
	}
	switch m.state {
	case StateRequesting:
		m.candidateYiaddr = lease.ClientIP
		m.pendingLease = lease
		m.wakeTS = ndhcclock.NoDeadline
		log.Info("ndhc: state REQUESTING: ACK received for %s, starting collision check", lease.ClientIP)
		return Action{StartCollisionCheck: true, Candidate: lease.ClientIP}
	case StateRenewing, StateRebinding:
		return m.extendLease(lease)
	default:
		return Action{}
	}
}

// OnNak processes a DHCPNAK: unsolicited or expected, it always collapses
// to INIT with deconfiguration (spec §4.6).
func (m *Machine) OnNak(xid uint32) Action {
	if xid != m.xid {
		return Action{}
	}
	log.Warning("ndhc: state %s: received NAK, returning to INIT", m.state)
	act := m.toInit(m.clock.NowMS())
	act.Deconfig = true
	m.clearLease()
	return act
}

// OnCollisionFree is called by the engine when the ARP machine reports
// ResultFree: the candidate address survived probing, so the lease is
// accepted and applied (spec §4.6 "After collision check passes ->
// BOUND").
func (m *Machine) OnCollisionFree() Action {
	if m.state != StateRequesting {
		return Action{}
	}
	return m.bind(m.pendingLease)
}

// OnCollisionConflict is called when the ARP machine reports
// ResultConflict during COLLISION_CHECK: the candidate is abandoned and the
// client goes back to INIT, broadcasting a fresh DISCOVER at once. No
// DHCPDECLINE message is sent to the server.
func (m *Machine) OnCollisionConflict() Action {
	if m.state != StateRequesting {
		return Action{}
	}
	log.Warning("ndhc: state REQUESTING: address conflict detected for %s, declining", m.candidateYiaddr)
	return m.toInit(m.clock.NowMS())
}

// OnAddressLost is called when the ARP machine's DEFENSE sub-state gives
// up the address after a conflict outside the cooldown window.
func (m *Machine) OnAddressLost() Action {
	log.Warning("ndhc: state %s: address lost to a conflicting host, returning to INIT", m.state)
	act := m.toInit(m.clock.NowMS())
	act.Deconfig = true
	m.clearLease()
	return act
}

// OnGWCheckFailed is called when the ARP machine's GW_CHECK sub-state
// exhausts its pings after a carrier bounce: spec §4.5/§7 class this
// session-fatal, unlike GW_QUERY exhaustion, so the client must
// deconfigure and restart from INIT rather than stay BOUND against an
// unreachable gateway.
func (m *Machine) OnGWCheckFailed() Action {
	log.Warning("ndhc: state %s: gateway unreachable after carrier bounce, returning to INIT", m.state)
	act := m.toInit(m.clock.NowMS())
	act.Deconfig = true
	m.clearLease()
	return act
}

func (m *Machine) bind(lease Lease) Action {
	m.state = StateBound
	m.clientAddr = lease.ClientIP
	m.serverAddr = lease.ServerID
	m.routerAddr = lease.Router
	now := m.clock.NowMS()
	m.leaseStartMS = now
	m.leaseT1MS = now + int64(lease.T1Seconds)*1000
	m.leaseT2MS = now + int64(lease.T2Seconds)*1000
	m.leaseExpireMS = now + int64(lease.LeaseSeconds)*1000
	m.wakeTS = m.leaseT1MS

	m.lastAccepted = lease
	m.haveAcceptedOnce = true

	log.Info("ndhc: state BOUND: %s from %s, lease %ds (T1=%ds T2=%ds)",
		lease.ClientIP, lease.ServerID, lease.LeaseSeconds, lease.T1Seconds, lease.T2Seconds)

	l := lease
	return Action{
		ApplyLease:   &l,
		StartGWQuery: true,
		Router:       lease.Router,
	}
}

func (m *Machine) extendLease(lease Lease) Action {
	changed := leaseDiffers(m.lastAccepted, lease)
	m.state = StateBound
	now := m.clock.NowMS()
	m.leaseStartMS = now
	m.leaseT1MS = now + int64(lease.T1Seconds)*1000
	m.leaseT2MS = now + int64(lease.T2Seconds)*1000
	m.leaseExpireMS = now + int64(lease.LeaseSeconds)*1000
	m.wakeTS = m.leaseT1MS
	m.serverAddr = lease.ServerID
	m.routerAddr = lease.Router

	var act Action
	if changed {
		l := lease
		act.ApplyLease = &l
		log.Info("ndhc: state BOUND: lease for %s renewed with changed configuration", lease.ClientIP)
	} else {
		log.Debug("ndhc: state BOUND: lease for %s renewed, configuration unchanged", lease.ClientIP)
	}
	m.lastAccepted = lease
	return act
}

func (m *Machine) enterRenewing() Action {
	m.state = StateRenewing
	xid := m.newXid()
	now := m.clock.NowMS()
	m.wakeTS = renewWake(now, m.leaseT2MS)

	msg := BuildRequestRenew(m.cfg.Identity, xid, m.clientAddr)
	log.Info("ndhc: state RENEWING: unicasting REQUEST to %s", m.serverAddr)
	return Action{
		Send:            msg.Marshal(),
		TransportVia:    TransportCookedUnicast,
		OpenTransport:   true,
		TransportTarget: TransportCookedUnicast,
		CookedClient:    m.clientAddr,
		CookedServer:    m.serverAddr,
	}
}

func (m *Machine) retransmitRenew(now int64) Action {
	xid := m.newXid()
	m.wakeTS = renewWake(now, m.leaseT2MS)
	msg := BuildRequestRenew(m.cfg.Identity, xid, m.clientAddr)
	return Action{Send: msg.Marshal(), TransportVia: TransportCookedUnicast}
}

func (m *Machine) enterRebinding() Action {
	m.state = StateRebinding
	xid := m.newXid()
	now := m.clock.NowMS()
	m.wakeTS = renewWake(now, m.leaseExpireMS)

	msg := BuildRequestRebind(m.cfg.Identity, xid, m.clientAddr)
	log.Info("ndhc: state REBINDING: broadcasting REQUEST")
	return Action{
		Send:            msg.Marshal(),
		TransportVia:    TransportRawBroadcast,
		OpenTransport:   true,
		TransportTarget: TransportRawBroadcast,
	}
}

func (m *Machine) retransmitRebind(now int64) Action {
	xid := m.newXid()
	m.wakeTS = renewWake(now, m.leaseExpireMS)
	msg := BuildRequestRebind(m.cfg.Identity, xid, m.clientAddr)
	return Action{Send: msg.Marshal(), TransportVia: TransportRawBroadcast}
}

func (m *Machine) expireToInit() Action {
	log.Warning("ndhc: state REBINDING: lease expired, deconfiguring and restarting")
	act := m.toInit(m.clock.NowMS())
	act.Deconfig = true
	m.clearLease()
	return act
}

func (m *Machine) toInit(now int64) Action {
	m.state = StateInit
	m.candidateYiaddr = nil
	m.backoff = initBackoffStart
	xid := m.newXid()
	m.wakeTS = now + m.backoff.Milliseconds()

	msg := BuildDiscover(m.cfg.Identity, xid, nil)
	return Action{
		Send:            msg.Marshal(),
		TransportVia:    TransportRawBroadcast,
		OpenTransport:   true,
		TransportTarget: TransportRawBroadcast,
	}
}

func (m *Machine) clearLease() {
	m.haveAcceptedOnce = false
	m.lastAccepted = Lease{}
	m.clientAddr = nil
	m.serverAddr = nil
	m.routerAddr = nil
}

// ForceRenew implements the USR1 contract (spec §4.6, §6): from BOUND,
// jump straight to RENEWING with a fresh xid.
func (m *Machine) ForceRenew() Action {
	if m.state != StateBound {
		return Action{}
	}
	log.Info("ndhc: forced renew requested")
	return m.enterRenewing()
}

// Release implements the USR2 contract: send RELEASE, deconfigure, and
// move to RELEASED. A subsequent Start() re-enters INIT.
func (m *Machine) Release() Action {
	if !m.haveAcceptedOnce {
		return Action{}
	}
	xid := m.newXid()
	msg := BuildRelease(m.cfg.Identity, xid, m.clientAddr, m.serverAddr)
	log.Info("ndhc: releasing lease %s", m.clientAddr)
	m.state = StateReleased
	m.wakeTS = ndhcclock.NoDeadline
	m.clearLease()
	return Action{
		Send:            msg.Marshal(),
		TransportVia:    TransportCookedUnicast,
		OpenTransport:   true,
		TransportTarget: TransportCookedUnicast,
		Deconfig:        true,
	}
}

// OnLinkDown implements spec §4.7's LINK_DOWN contract on the DHCP side:
// it suspends the DHCP timers until OnLinkUp resumes them. The engine
// resets the ARP sub-state alongside this call.
func (m *Machine) OnLinkDown() {
	m.linkState = LinkDown
	m.wakeTS = ndhcclock.NoDeadline
}

// OnLinkShut implements spec §4.7's LINK_SHUT contract (identical to
// LINK_DOWN).
func (m *Machine) OnLinkShut() {
	m.linkState = LinkShut
	m.wakeTS = ndhcclock.NoDeadline
}

// OnLinkUp implements spec §4.7's LINK_UP contract: if the prior state was
// DOWN/SHUT and DHCP holds a lease, request a GW_CHECK; otherwise restart
// from INIT.
func (m *Machine) OnLinkUp() Action {
	wasDown := m.linkState == LinkDown || m.linkState == LinkShut
	m.linkState = LinkUp
	if !wasDown {
		return Action{}
	}
	if m.state == StateBound || m.state == StateRenewing || m.state == StateRebinding {
		// Resume the timers OnLinkDown/OnLinkShut suspended.
		m.wakeTS = m.clock.NowMS()
		if m.state == StateBound {
			m.wakeTS = m.leaseT1MS
		}
		return Action{StartGWCheck: true}
	}
	return m.Start()
}

// ClientAddr, ServerAddr, RouterAddr expose ClientState's address triple
// for logging and the config applier.
func (m *Machine) ClientAddr() net.IP { return m.clientAddr }
func (m *Machine) ServerAddr() net.IP { return m.serverAddr }
func (m *Machine) RouterAddr() net.IP { return m.routerAddr }

func renewWake(now, deadline int64) int64 {
	remaining := deadline - now
	interval := remaining / 2
	if interval < 60_000 {
		interval = 60_000
	}
	return now + interval
}

func jitterMS(r *rand.Rand, span time.Duration) int64 {
	ms := span.Milliseconds()
	if ms <= 0 {
		return 0
	}
	return r.Int64N(2*ms+1) - ms
}

func leaseDiffers(a, b Lease) bool {
	if !a.ClientIP.Equal(b.ClientIP) || !a.Subnet.Equal(b.Subnet) || !a.Broadcast.Equal(b.Broadcast) {
		return true
	}
	if !a.Router.Equal(b.Router) {
		return true
	}
	if !ipListEqual(a.DNS, b.DNS) || !ipListEqual(a.LPR, b.LPR) || !ipListEqual(a.NTP, b.NTP) || !ipListEqual(a.WINS, b.WINS) {
		return true
	}
	if string(a.Hostname) != string(b.Hostname) || string(a.Domain) != string(b.Domain) {
		return true
	}
	if a.HaveTZ != b.HaveTZ || a.TimeZone != b.TimeZone {
		return true
	}
	if a.HaveMTU != b.HaveMTU || a.MTU != b.MTU {
		return true
	}
	if a.HaveTTL != b.HaveTTL || a.IPTTL != b.IPTTL {
		return true
	}
	return false
}

func ipListEqual(a, b []net.IP) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
