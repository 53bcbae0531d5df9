// Package ifchange formats DHCP lease decisions as the flat text command
// stream consumed by the external network-configuration worker (spec
// §4.8, §6): one "<key>:<value>;" line per field, diffed against the
// currently applied configuration so unchanged fields are never resent.
package ifchange

import (
	"bytes"
	"fmt"
	"net"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"

	"github.com/nkain/ndhc/internal/dhcpfsm"
)

// defaultSubnet is the class-C fallback used when a lease omits the
// subnet mask (spec §4.8).
var defaultSubnet = net.IPv4(255, 255, 255, 0).To4()

// Writer is the minimal contract the applier needs against the outbound
// half of the two-pipe config-worker channel (spec §6).
type Writer interface {
	Write([]byte) (int, error)
}

// Client formats and sends ifchange commands. It does not track acks, so
// the "ifch-busy" invariant is the caller's to keep: callers must not start
// a new batch before the previous one's ack has been observed by the
// caller's event loop.
type Client struct {
	w       Writer
	applied dhcpfsm.Lease
	haveAny bool
}

// NewClient wraps w.
func NewClient(w Writer) *Client {
	return &Client{w: w}
}

// Apply diffs lease against the last applied configuration and writes
// only the commands for fields that changed, per spec §4.8's "suppresses
// transmission of unchanged fields" rule. It is the caller's
// responsibility to wait for the '+' ack before calling Apply or
// Deconfig again.
func (c *Client) Apply(lease *dhcpfsm.Lease) error {
	var buf bytes.Buffer

	subnet := lease.Subnet
	if subnet == nil || subnet.IsUnspecified() {
		log.Warning("ifchange: lease for %s has no subnet mask, assuming %s", lease.ClientIP, net.IP(defaultSubnet))
		subnet = defaultSubnet
	}

	if !c.haveAny || !c.applied.ClientIP.Equal(lease.ClientIP) || !equalSubnetBcast(c.applied, lease, subnet) {
		writeIP4(&buf, lease.ClientIP, subnet, lease.Broadcast)
	}
	if !c.haveAny || !c.applied.Router.Equal(lease.Router) {
		writeSingleIP(&buf, "routr", lease.Router)
	}
	if !c.haveAny || !ipListEqual(c.applied.DNS, lease.DNS) {
		writeIPList(&buf, "dns", lease.DNS)
	}
	if !c.haveAny || !ipListEqual(c.applied.LPR, lease.LPR) {
		writeIPList(&buf, "lpr", lease.LPR)
	}
	if !c.haveAny || !ipListEqual(c.applied.NTP, lease.NTP) {
		writeIPList(&buf, "ntp", lease.NTP)
	}
	if !c.haveAny || !ipListEqual(c.applied.WINS, lease.WINS) {
		writeIPList(&buf, "wins", lease.WINS)
	}
	if !c.haveAny || !bytes.Equal(c.applied.Hostname, lease.Hostname) {
		writeRaw(&buf, "host", lease.Hostname)
	}
	if !c.haveAny || !bytes.Equal(c.applied.Domain, lease.Domain) {
		writeRaw(&buf, "dom", lease.Domain)
	}
	if lease.HaveTZ && (!c.haveAny || !c.applied.HaveTZ || c.applied.TimeZone != lease.TimeZone) {
		fmt.Fprintf(&buf, "tzone:%d;", lease.TimeZone)
	}
	if lease.HaveMTU && (!c.haveAny || !c.applied.HaveMTU || c.applied.MTU != lease.MTU) {
		fmt.Fprintf(&buf, "mtu:%d;", lease.MTU)
	}
	if lease.HaveTTL && (!c.haveAny || !c.applied.HaveTTL || c.applied.IPTTL != lease.IPTTL) {
		fmt.Fprintf(&buf, "ipttl:%d;", lease.IPTTL)
	}

	c.applied = *lease
	c.haveAny = true

	if buf.Len() == 0 {
		return nil
	}
	_, err := c.w.Write(buf.Bytes())
	if err != nil {
		return errors.Annotate(err, "ifchange: write: %w")
	}
	return nil
}

// Deconfig writes the fixed "ip4:0.0.0.0,255.255.255.255;" line and
// resets the diff baseline so the next Apply resends everything.
func (c *Client) Deconfig() error {
	c.applied = dhcpfsm.Lease{}
	c.haveAny = false
	_, err := c.w.Write([]byte("ip4:0.0.0.0,255.255.255.255;"))
	if err != nil {
		return errors.Annotate(err, "ifchange: write deconfig: %w")
	}
	return nil
}

func equalSubnetBcast(applied, lease dhcpfsm.Lease, subnet net.IP) bool {
	appliedSubnet := applied.Subnet
	if appliedSubnet == nil || appliedSubnet.IsUnspecified() {
		appliedSubnet = defaultSubnet
	}
	return appliedSubnet.Equal(subnet) && applied.Broadcast.Equal(lease.Broadcast)
}

func writeIP4(buf *bytes.Buffer, ip, mask, bcast net.IP) {
	fmt.Fprintf(buf, "ip4:%s,%s", ip, mask)
	if bcast != nil && !bcast.IsUnspecified() {
		fmt.Fprintf(buf, ",%s", bcast)
	}
	buf.WriteByte(';')
}

func writeSingleIP(buf *bytes.Buffer, key string, ip net.IP) {
	if ip == nil || ip.IsUnspecified() {
		return
	}
	fmt.Fprintf(buf, "%s:%s;", key, ip)
}

func writeIPList(buf *bytes.Buffer, key string, ips []net.IP) {
	if len(ips) == 0 {
		return
	}
	strs := make([]string, len(ips))
	for i, ip := range ips {
		strs[i] = ip.String()
	}
	fmt.Fprintf(buf, "%s:%s;", key, strings.Join(strs, ","))
}

func writeRaw(buf *bytes.Buffer, key string, data []byte) {
	if len(data) == 0 {
		return
	}
	fmt.Fprintf(buf, "%s:%s;", key, data)
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
