package transport

import (
	"net"

	"github.com/AdguardTeam/golibs/errors"

	"github.com/nkain/ndhc/internal/sockhelper"
)

// HelperOpener obtains the raw socket from the external helper process
// (spec §6) instead of opening it directly, so the core can run without
// CAP_NET_RAW after its initial privilege drop. One HelperOpener is bound
// to a single link-layer protocol; the DHCP and ARP managers each get
// their own, sharing the same dialed Client.
type HelperOpener struct {
	client *sockhelper.Client
	proto  sockhelper.Proto
}

// NewHelperOpener wraps an already-dialed helper client, requesting proto
// sockets on every OpenRaw call.
func NewHelperOpener(client *sockhelper.Client, proto sockhelper.Proto) *HelperOpener {
	return &HelperOpener{client: client, proto: proto}
}

// OpenRaw implements RawOpener by requesting a pre-bound fd over
// SCM_RIGHTS and wrapping it as a net.PacketConn.
func (h *HelperOpener) OpenRaw(ifaceName string) (net.PacketConn, error) {
	f, err := h.client.RequestRawSocket(h.proto)
	if err != nil {
		return nil, errors.Annotate(err, "transport: requesting raw socket from helper: %w")
	}
	conn, err := net.FilePacketConn(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.Annotate(err, "transport: wrapping helper fd: %w")
	}
	// FilePacketConn dups the descriptor; release our copy.
	_ = f.Close()
	return conn, nil
}
