// Package dhcpfsm implements the RFC 2131 DHCP client protocol engine
// (spec §4.6): lease acquisition, renewal, rebinding, release, and the
// link-state overlays that suspend or restart it.
package dhcpfsm

import (
	"net"

	"github.com/nkain/ndhc/internal/arpfsm"
)

// State is one of the eight DHCP client states from spec §3.
type State int

const (
	StateInit State = iota
	StateSelecting
	StateRequesting
	StateBound
	StateRenewing
	StateRebinding
	StateReleased
	StateInitReboot
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSelecting:
		return "SELECTING"
	case StateRequesting:
		return "REQUESTING"
	case StateBound:
		return "BOUND"
	case StateRenewing:
		return "RENEWING"
	case StateRebinding:
		return "REBINDING"
	case StateReleased:
		return "RELEASED"
	case StateInitReboot:
		return "INIT_REBOOT"
	default:
		return "UNKNOWN"
	}
}

// LinkState mirrors spec §3's link_state field.
type LinkState int

const (
	LinkUp LinkState = iota
	LinkDown
	LinkShut
	LinkRemoved
)

// Lease carries every option the config applier (C8) might emit, plus the
// numeric timers, matching the option set catalogued in spec §3.
type Lease struct {
	ClientIP  net.IP
	Subnet    net.IP
	Broadcast net.IP
	Router    net.IP
	DNS       []net.IP
	LPR       []net.IP
	NTP       []net.IP
	WINS      []net.IP
	Hostname  []byte
	Domain    []byte
	TimeZone  int32
	HaveTZ    bool
	MTU       uint16
	HaveMTU   bool
	IPTTL     uint8
	HaveTTL   bool

	ServerID net.IP

	LeaseSeconds uint32
	T1Seconds    uint32
	T2Seconds    uint32
}

// IsZero reports whether l represents "no lease applied" (ClientState
// invariant: last_accepted_packet is zeroed exactly when no lease is
// applied).
func (l *Lease) IsZero() bool {
	return l == nil || l.ClientIP == nil || l.ClientIP.IsUnspecified()
}

// arpResultSource lets the DHCP machine query the ARP machine's learned
// router MAC without importing engine-level wiring concerns.
type arpResultSource interface {
	RouterMAC() net.HardwareAddr
}

var _ arpResultSource = (*arpfsm.Machine)(nil)
