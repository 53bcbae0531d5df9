// Package sockhelper implements the core's half of the raw-socket helper
// protocol (spec §6): a two-byte request (purpose + link-layer protocol)
// over an AF_UNIX socket, answered with a pre-bound file descriptor via
// SCM_RIGHTS, so the core can obtain DHCP/ARP sockets after dropping
// CAP_NET_RAW.
package sockhelper

import (
	"net"
	"os"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/sys/unix"
)

// RequestByte is the request's first byte, meaning "supply a raw socket
// for interface" (spec §6).
const RequestByte = 'r'

// Proto selects which Ethernet protocol the requested socket is bound to,
// since the DHCP and ARP sockets need different ethertypes.
type Proto byte

const (
	// ProtoDHCP requests an EtherTypeIPv4-bound socket.
	ProtoDHCP Proto = 'd'
	// ProtoARP requests an EtherTypeARP-bound socket.
	ProtoARP Proto = 'a'
)

// Client talks to the raw-socket helper over a connected AF_UNIX socket.
type Client struct {
	conn *net.UnixConn
}

// NewClient wraps an already-connected unix socket to the helper process.
func NewClient(conn *net.UnixConn) *Client {
	return &Client{conn: conn}
}

// Dial connects to the helper's listening socket path.
func Dial(path string) (*Client, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, errors.Annotate(err, "sockhelper: resolving %q: %w", path)
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, errors.Annotate(err, "sockhelper: dialing %q: %w", path)
	}
	return NewClient(conn), nil
}

// RequestRawSocket sends the two-byte request for proto and returns the fd
// handed back over SCM_RIGHTS, wrapped as an *os.File the caller can turn
// into a net.PacketConn (e.g. via mdlayher/raw or net.FilePacketConn).
func (c *Client) RequestRawSocket(proto Proto) (*os.File, error) {
	if _, err := c.conn.Write([]byte{RequestByte, byte(proto)}); err != nil {
		return nil, errors.Annotate(err, "sockhelper: sending request: %w")
	}

	oob := make([]byte, unix.CmsgSpace(4))
	buf := make([]byte, 1)
	n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, errors.Annotate(err, "sockhelper: reading response: %w")
	}
	if n < 1 {
		return nil, errors.Error("sockhelper: empty response from helper")
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, errors.Annotate(err, "sockhelper: parsing control message: %w")
	}
	if len(scms) == 0 {
		return nil, errors.Error("sockhelper: helper response carried no file descriptor")
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil {
		return nil, errors.Annotate(err, "sockhelper: parsing rights: %w")
	}
	if len(fds) == 0 {
		return nil, errors.Error("sockhelper: helper response carried no file descriptor")
	}
	for _, extra := range fds[1:] {
		_ = unix.Close(extra)
	}
	return os.NewFile(uintptr(fds[0]), "ndhc-raw-socket"), nil
}

// Close closes the unix socket to the helper.
func (c *Client) Close() error {
	return c.conn.Close()
}
