// Package arpfsm implements the RFC 5227 conflict-detection sub-state-
// machine (spec §4.5): collision check before accepting a lease, a
// gateway MAC query once bound, a gateway reachability check after a
// carrier bounce, and passive defense of the held address.
package arpfsm

import (
	"math/rand/v2"
	"net"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/nkain/ndhc/internal/arpwire"
	"github.com/nkain/ndhc/internal/ndhcclock"
)

// State is one of the five ARP sub-states from spec §3.
type State int

const (
	StateNone State = iota
	StateCollisionCheck
	StateGWQuery
	StateGWCheck
	StateDefense
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateCollisionCheck:
		return "COLLISION_CHECK"
	case StateGWQuery:
		return "GW_QUERY"
	case StateGWCheck:
		return "GW_CHECK"
	case StateDefense:
		return "DEFENSE"
	default:
		return "UNKNOWN"
	}
}

// Result is returned by the timeout/packet handlers to tell the DHCP
// machine (C6) what happened.
type Result int

const (
	// ResultNone means no externally visible change yet.
	ResultNone Result = iota
	// ResultFree means the collision check completed with no conflict.
	ResultFree
	// ResultConflict means another host answered for our candidate
	// address during collision check, or is actively conflicting.
	ResultConflict
	// ResultGatewayKnown means GW_QUERY learned the router's MAC.
	ResultGatewayKnown
	// ResultGWQueryGone means GW_QUERY exhausted its pings; spec §4.5
	// says to proceed anyway with router_arp left unknown.
	ResultGWQueryGone
	// ResultGWCheckGone means GW_CHECK exhausted its pings after a
	// carrier bounce; spec §4.5/§7 classes this session-fatal and
	// requires a return to INIT.
	ResultGWCheckGone
	// ResultAddressLost means defense gave up the address (non-relentless
	// cooldown window already in use).
	ResultAddressLost
)

// Tunables, defaults per RFC 5227 and spec §4.5.
const (
	DefaultProbeNum           = 3
	DefaultProbeMin           = 1000 * time.Millisecond
	DefaultProbeMax           = 2000 * time.Millisecond
	DefaultAnnounceWait       = 2000 * time.Millisecond
	DefaultAnnounceNum        = 2
	DefaultAnnounceInterval   = 2000 * time.Millisecond
	DefaultDefendInterval     = 10 * time.Second
	gwQueryInitialBackoff     = 64 * time.Millisecond
	gwQueryMaxBackoff         = 2000 * time.Millisecond
	gwQueryMaxAttempts        = 3
	gwCheckMaxAttempts        = 6
	gwCheckTimeoutPerAttempt  = 1 * time.Second
)

// Sender is the subset of the ARP transport the state machine needs.
type Sender interface {
	SendARP(f arpwire.Frame) error
}

// Config holds the tunables that spec §9's CLI (-W/-m/-M/-d) controls.
type Config struct {
	ProbeNum         int
	ProbeMin         time.Duration
	ProbeMax         time.Duration
	AnnounceWait     time.Duration
	AnnounceNum      int
	AnnounceInterval time.Duration
	DefendInterval   time.Duration
	RelentlessDef    bool
}

// DefaultConfig returns spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		ProbeNum:         DefaultProbeNum,
		ProbeMin:         DefaultProbeMin,
		ProbeMax:         DefaultProbeMax,
		AnnounceWait:     DefaultAnnounceWait,
		AnnounceNum:      DefaultAnnounceNum,
		AnnounceInterval: DefaultAnnounceInterval,
		DefendInterval:   DefaultDefendInterval,
	}
}

// Machine is the ARP conflict-detection sub-state-machine.
type Machine struct {
	cfg    Config
	clock  ndhcclock.Clock
	sender Sender
	selfMAC net.HardwareAddr
	rng    *rand.Rand

	state State

	// COLLISION_CHECK
	candidate    net.IP
	probesSent   int
	announceSent int
	wakeCollide  int64

	// GW_QUERY
	routerIP      net.IP
	gwQueryTries  int
	gwQueryBackoff time.Duration
	wakeGWQuery   int64

	// GW_CHECK
	gwCheckTries int
	wakeGWCheck  int64

	// DEFENSE
	everDefended   bool
	lastConflictMS int64
	totalConflicts uint

	routerArp net.HardwareAddr
	serverArp net.HardwareAddr
}

// New returns a fresh Machine in StateNone.
func New(cfg Config, clock ndhcclock.Clock, sender Sender, selfMAC net.HardwareAddr) *Machine {
	return &Machine{
		cfg:       cfg,
		clock:     clock,
		sender:    sender,
		selfMAC:   selfMAC,
		rng:       rand.New(rand.NewPCG(uint64(clock.NowMS()), 0xa5a5a5a5)),
		state:     StateNone,
		routerArp: make(net.HardwareAddr, 6),
		serverArp: make(net.HardwareAddr, 6),
	}
}

// State returns the current sub-state.
func (m *Machine) State() State { return m.state }

// RouterMAC returns the learned gateway hardware address, or nil if
// unknown.
func (m *Machine) RouterMAC() net.HardwareAddr {
	if arpwire.ZeroMAC(m.routerArp) {
		return nil
	}
	return m.routerArp
}

// TotalConflicts returns the lifetime address-conflict counter.
func (m *Machine) TotalConflicts() uint { return m.totalConflicts }

// StartCollisionCheck enters COLLISION_CHECK for candidate (invariant 1:
// the caller must be in DHCP REQUESTING holding a candidate yiaddr).
func (m *Machine) StartCollisionCheck(candidate net.IP) {
	m.state = StateCollisionCheck
	m.candidate = candidate
	m.probesSent = 0
	m.announceSent = 0
	m.wakeCollide = m.clock.NowMS()
	log.Debug("ndhc: arp: starting collision check for %s", candidate)
}

// StartGWQuery enters GW_QUERY to learn the router's MAC (invariant 2:
// DHCP must be BOUND/RENEWING/REBINDING).
func (m *Machine) StartGWQuery(router net.IP) {
	m.state = StateGWQuery
	m.routerIP = router
	m.gwQueryTries = 0
	m.gwQueryBackoff = gwQueryInitialBackoff
	m.wakeGWQuery = m.clock.NowMS()
	m.routerArp = make(net.HardwareAddr, 6)
}

// StartGWCheck enters GW_CHECK after a carrier bounce while a lease was
// held.
func (m *Machine) StartGWCheck() {
	m.state = StateGWCheck
	m.gwCheckTries = 0
	m.wakeGWCheck = m.clock.NowMS()
}

// EnterDefense switches to passive DEFENSE mode, active for the duration
// of BOUND/RENEWING/REBINDING.
func (m *Machine) EnterDefense() {
	m.state = StateDefense
}

// Reset returns the machine to StateNone and drops the collision-check
// candidate; the router address and MAC and the defense history are kept.
func (m *Machine) Reset() {
	m.state = StateNone
	m.candidate = nil
}

// NextWake returns the machine's next absolute wake deadline, or
// ndhcclock.NoDeadline if nothing is scheduled.
func (m *Machine) NextWake() int64 {
	switch m.state {
	case StateCollisionCheck:
		return m.wakeCollide
	case StateGWQuery:
		return m.wakeGWQuery
	case StateGWCheck:
		return m.wakeGWCheck
	default:
		return ndhcclock.NoDeadline
	}
}

// Tick advances whichever sub-state has an elapsed deadline and returns
// what happened.
func (m *Machine) Tick() Result {
	now := m.clock.NowMS()
	switch m.state {
	case StateCollisionCheck:
		return m.tickCollisionCheck(now)
	case StateGWQuery:
		return m.tickGWQuery(now)
	case StateGWCheck:
		return m.tickGWCheck(now)
	default:
		return ResultNone
	}
}

func (m *Machine) tickCollisionCheck(now int64) Result {
	if now < m.wakeCollide {
		return ResultNone
	}
	if m.probesSent < m.cfg.ProbeNum {
		_ = m.sender.SendARP(arpwire.Probe(m.selfMAC, m.candidate))
		m.probesSent++
		if m.probesSent < m.cfg.ProbeNum {
			m.wakeCollide = now + randBetween(m.rng, m.cfg.ProbeMin, m.cfg.ProbeMax)
		} else {
			m.wakeCollide = now + m.cfg.AnnounceWait.Milliseconds()
		}
		return ResultNone
	}
	if m.announceSent < m.cfg.AnnounceNum {
		_ = m.sender.SendARP(arpwire.Announce(m.selfMAC, m.candidate))
		m.announceSent++
		m.wakeCollide = now + m.cfg.AnnounceInterval.Milliseconds()
		if m.announceSent >= m.cfg.AnnounceNum {
			m.state = StateNone
			return ResultFree
		}
		return ResultNone
	}
	m.state = StateNone
	return ResultFree
}

func (m *Machine) tickGWQuery(now int64) Result {
	if now < m.wakeGWQuery {
		return ResultNone
	}
	if m.gwQueryTries >= gwQueryMaxAttempts {
		m.state = StateNone
		return ResultGWQueryGone
	}
	_ = m.sender.SendARP(arpwire.Request(m.selfMAC, net.IPv4zero, m.routerIP))
	m.gwQueryTries++
	m.wakeGWQuery = now + m.gwQueryBackoff.Milliseconds()
	m.gwQueryBackoff *= 2
	if m.gwQueryBackoff > gwQueryMaxBackoff {
		m.gwQueryBackoff = gwQueryMaxBackoff
	}
	return ResultNone
}

func (m *Machine) tickGWCheck(now int64) Result {
	if now < m.wakeGWCheck {
		return ResultNone
	}
	if m.gwCheckTries >= gwCheckMaxAttempts {
		m.state = StateNone
		return ResultGWCheckGone
	}
	_ = m.sender.SendARP(arpwire.Request(m.selfMAC, net.IPv4zero, m.routerIP))
	m.gwCheckTries++
	m.wakeGWCheck = now + gwCheckTimeoutPerAttempt.Milliseconds()
	return ResultNone
}

// HandleFrame inspects an incoming ARP frame and reacts according to the
// current sub-state. held is the currently leased address (zero if none);
// it is consulted for DEFENSE even when state is StateNone, since defense
// is "always active passively while BOUND" per spec §4.5 regardless of
// what the collision/gw sub-states are doing.
func (m *Machine) HandleFrame(f arpwire.Frame, held net.IP, defenseActive bool) Result {
	switch m.state {
	case StateCollisionCheck:
		if f.Op == arpwire.OpReply && f.SenderIP.Equal(m.candidate) {
			m.state = StateNone
			return ResultConflict
		}
		if f.Op == arpwire.OpRequest && f.SenderIP.Equal(m.candidate) && !macEqual(f.SenderMAC, m.selfMAC) {
			m.state = StateNone
			return ResultConflict
		}
		// Another host probing for the same candidate (sender 0.0.0.0,
		// target == candidate) races us for it exactly as we race it;
		// RFC 5227 §4.1.1 / spec §4.5 count that probe itself as a
		// conflict, not just a reply or gratuitous announcement.
		if f.Op == arpwire.OpRequest && f.SenderIP.IsUnspecified() && f.TargetIP.Equal(m.candidate) && !macEqual(f.SenderMAC, m.selfMAC) {
			m.state = StateNone
			return ResultConflict
		}
	case StateGWQuery:
		if f.Op == arpwire.OpReply && f.SenderIP.Equal(m.routerIP) {
			m.routerArp = append(net.HardwareAddr(nil), f.SenderMAC...)
			m.state = StateNone
			return ResultGatewayKnown
		}
	case StateGWCheck:
		if f.Op == arpwire.OpReply && f.SenderIP.Equal(m.routerIP) {
			m.routerArp = append(net.HardwareAddr(nil), f.SenderMAC...)
			m.state = StateNone
			return ResultGatewayKnown
		}
	}

	if defenseActive && held != nil && !held.IsUnspecified() {
		if (f.Op == arpwire.OpReply || f.Op == arpwire.OpRequest) &&
			f.SenderIP.Equal(held) && !macEqual(f.SenderMAC, m.selfMAC) {
			return m.defend(held)
		}
	}
	return ResultNone
}

// defend implements the cooldown rule of spec §4.5/§8 property 4: reply
// with a gratuitous announcement and bump the counters if the last
// defense was more than DefendInterval ago or relentless_def is set;
// otherwise give up the address.
func (m *Machine) defend(held net.IP) Result {
	now := m.clock.NowMS()
	cooldownElapsed := !m.everDefended || now-m.lastConflictMS >= m.cfg.DefendInterval.Milliseconds()
	if cooldownElapsed || m.cfg.RelentlessDef {
		_ = m.sender.SendARP(arpwire.Announce(m.selfMAC, held))
		m.everDefended = true
		m.lastConflictMS = now
		m.totalConflicts++
		log.Info("ndhc: arp: defended %s (total conflicts: %d)", held, m.totalConflicts)
		return ResultNone
	}
	log.Warning("ndhc: arp: giving up %s after repeated conflicts within %s", held, m.cfg.DefendInterval)
	return ResultAddressLost
}

func macEqual(a, b net.HardwareAddr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func randBetween(r *rand.Rand, lo, hi time.Duration) int64 {
	if hi <= lo {
		return lo.Milliseconds()
	}
	span := hi.Milliseconds() - lo.Milliseconds()
	return lo.Milliseconds() + r.Int64N(span+1)
}
