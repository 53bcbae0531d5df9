package dhcpfsm

import (
	"encoding/binary"
	"net"

	"github.com/nkain/ndhc/internal/dhcp4"
)

// Identity is the static client identity baked into every outgoing
// packet: client-id, hostname, vendor-id, and the parameter request list.
type Identity struct {
	ClientID      []byte // already includes the type-prefix byte (spec §4.1 alloc_dhcp_client_id_option)
	Hostname      []byte
	VendorID      []byte
	ParameterList []byte
	InterfaceMAC  net.HardwareAddr
}

// DefaultParameterList requests the options the core understands (spec
// §3's recognized-codes table), in ascending order.
func DefaultParameterList() []byte {
	return []byte{
		dhcp4.OptionSubnetMask,
		dhcp4.OptionTimeOffset,
		dhcp4.OptionRouter,
		dhcp4.OptionDNS,
		dhcp4.OptionHostname,
		dhcp4.OptionDomain,
		dhcp4.OptionBroadcast,
		dhcp4.OptionNTP,
		dhcp4.OptionWINS,
		dhcp4.OptionRenewalT1,
		dhcp4.OptionRebindingT2,
	}
}

func newBaseMessage(id Identity, xid uint32) *dhcp4.Message {
	m := &dhcp4.Message{
		Op:    dhcp4.OpBootRequest,
		Htype: 1, // ARPHRD_ETHER
		Hlen:  6,
		Xid:   xid,
	}
	copy(m.Chaddr[:6], id.InterfaceMAC)
	if len(id.ClientID) > 0 {
		m.Options.Set(dhcp4.OptionClientID, id.ClientID)
	}
	if len(id.Hostname) > 0 {
		m.Options.Set(dhcp4.OptionHostname, id.Hostname)
	}
	if len(id.VendorID) > 0 {
		m.Options.Set(dhcp4.OptionVendorID, id.VendorID)
	}
	if len(id.ParameterList) > 0 {
		m.Options.Set(dhcp4.OptionParameterList, id.ParameterList)
	}
	return m
}

// BuildDiscover constructs a DHCPDISCOVER. requestedIP may be nil.
func BuildDiscover(id Identity, xid uint32, requestedIP net.IP) *dhcp4.Message {
	m := newBaseMessage(id, xid)
	m.Flags = dhcp4.BroadcastFlag
	m.Options.Set(dhcp4.OptionMessageType, []byte{dhcp4.MsgDiscover})
	if requestedIP != nil {
		m.Options.Set(dhcp4.OptionRequestedIP, requestedIP.To4())
	}
	return m
}

// BuildRequestSelecting constructs the REQUESTING-state REQUEST sent in
// response to an OFFER: broadcast, carrying requested-ip and server-id.
func BuildRequestSelecting(id Identity, xid uint32, yiaddr, serverID net.IP) *dhcp4.Message {
	m := newBaseMessage(id, xid)
	m.Flags = dhcp4.BroadcastFlag
	m.Options.Set(dhcp4.OptionMessageType, []byte{dhcp4.MsgRequest})
	m.Options.Set(dhcp4.OptionRequestedIP, yiaddr.To4())
	m.Options.Set(dhcp4.OptionServerID, serverID.To4())
	return m
}

// BuildRequestRenew constructs the RENEWING-state unicast REQUEST: no
// requested-ip/server-id options, ciaddr filled in per RFC 2131 §4.3.2.
func BuildRequestRenew(id Identity, xid uint32, ciaddr net.IP) *dhcp4.Message {
	m := newBaseMessage(id, xid)
	copy(m.Ciaddr[:], ciaddr.To4())
	m.Options.Set(dhcp4.OptionMessageType, []byte{dhcp4.MsgRequest})
	return m
}

// BuildRequestRebind constructs the REBINDING-state broadcast REQUEST.
func BuildRequestRebind(id Identity, xid uint32, ciaddr net.IP) *dhcp4.Message {
	m := newBaseMessage(id, xid)
	m.Flags = dhcp4.BroadcastFlag
	copy(m.Ciaddr[:], ciaddr.To4())
	m.Options.Set(dhcp4.OptionMessageType, []byte{dhcp4.MsgRequest})
	return m
}

// BuildRelease constructs a DHCPRELEASE unicast to the server.
func BuildRelease(id Identity, xid uint32, ciaddr, serverID net.IP) *dhcp4.Message {
	m := newBaseMessage(id, xid)
	copy(m.Ciaddr[:], ciaddr.To4())
	m.Options.Set(dhcp4.OptionMessageType, []byte{dhcp4.MsgRelease})
	m.Options.Set(dhcp4.OptionServerID, serverID.To4())
	return m
}

// MessageType returns the DHCP message type option, or 0 if absent.
func MessageType(m *dhcp4.Message) uint8 {
	t, _ := m.Options.GetUint8(dhcp4.OptionMessageType)
	return t
}

// LeaseFromMessage extracts a Lease from an OFFER/ACK, applying the T1/T2/
// lease clamp (spec §4.6).
func LeaseFromMessage(m *dhcp4.Message) Lease {
	var l Lease
	l.ClientIP = net.IP(append([]byte(nil), m.Yiaddr[:]...))
	l.Subnet, _ = m.Options.GetIP(dhcp4.OptionSubnetMask)
	l.Broadcast, _ = m.Options.GetIP(dhcp4.OptionBroadcast)
	l.Router, _ = m.Options.GetIP(dhcp4.OptionRouter)
	l.DNS = m.Options.GetIPList(dhcp4.OptionDNS)
	l.LPR = m.Options.GetIPList(dhcp4.OptionLPR)
	l.NTP = m.Options.GetIPList(dhcp4.OptionNTP)
	l.WINS = m.Options.GetIPList(dhcp4.OptionWINS)
	if hn, ok := m.Options.Get(dhcp4.OptionHostname); ok {
		l.Hostname = append([]byte(nil), hn...)
	}
	if dom, ok := m.Options.Get(dhcp4.OptionDomain); ok {
		l.Domain = append([]byte(nil), dom...)
	}
	if tz, ok := m.Options.GetUint32(dhcp4.OptionTimeOffset); ok {
		l.TimeZone = int32(tz)
		l.HaveTZ = true
	}
	if data, ok := m.Options.Get(dhcp4.OptionMTU); ok && len(data) >= 2 {
		l.MTU = binary.BigEndian.Uint16(data)
		l.HaveMTU = true
	}
	if ttl, ok := m.Options.GetUint8(dhcp4.OptionIPTTL); ok {
		l.IPTTL = ttl
		l.HaveTTL = true
	}

	serverID, _ := m.Options.GetIP(dhcp4.OptionServerID)
	l.ServerID = serverID

	lease, haveLease := m.Options.GetUint32(dhcp4.OptionLeaseTime)
	t1, haveT1 := m.Options.GetUint32(dhcp4.OptionRenewalT1)
	t2, haveT2 := m.Options.GetUint32(dhcp4.OptionRebindingT2)
	l.LeaseSeconds, l.T1Seconds, l.T2Seconds = ClampLease(lease, t1, t2, haveLease, haveT1, haveT2)

	return l
}
