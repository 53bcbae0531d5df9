package sockhelper

import (
	"net"
	"syscall"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/raw"
	"golang.org/x/sys/unix"
)

// Server answers raw-socket requests on behalf of the privilege-dropped
// core (spec §6). It keeps CAP_NET_RAW (or runs as root) for the lifetime
// of the process so the core never needs to.
type Server struct {
	ifaceName string
}

// NewServer returns a Server that opens sockets on ifaceName.
func NewServer(ifaceName string) *Server {
	return &Server{ifaceName: ifaceName}
}

// Serve accepts connections on l forever, serving each connection's
// requests sequentially until the connection fails or closes; a single
// helper process is not expected to see concurrent requests in the
// daemon's normal lifecycle (one core, sending every DHCP and ARP socket
// request over one connection).
func (s *Server) Serve(l *net.UnixListener) error {
	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			return errors.Annotate(err, "sockhelper: accept: %w")
		}
		for {
			if err := s.handleConn(conn); err != nil {
				log.Warning("sockhelper: %s", err)
				break
			}
		}
		_ = conn.Close()
	}
}

func (s *Server) handleConn(conn *net.UnixConn) error {
	buf := make([]byte, 2)
	n, err := conn.Read(buf)
	if err != nil {
		return errors.Annotate(err, "sockhelper: reading request: %w")
	}
	if n < 2 || buf[0] != RequestByte {
		return errors.Error("sockhelper: unrecognized request")
	}

	var etherType ethernet.EtherType
	switch Proto(buf[1]) {
	case ProtoDHCP:
		etherType = ethernet.EtherTypeIPv4
	case ProtoARP:
		etherType = ethernet.EtherTypeARP
	default:
		return errors.Error("sockhelper: unrecognized protocol request")
	}

	ifc, err := net.InterfaceByName(s.ifaceName)
	if err != nil {
		return errors.Annotate(err, "sockhelper: resolving %q: %w", s.ifaceName)
	}
	rawConn, err := raw.ListenPacket(ifc, uint16(etherType), nil)
	if err != nil {
		return errors.Annotate(err, "sockhelper: opening raw socket: %w")
	}
	defer rawConn.Close()

	fd, err := fdOf(rawConn)
	if err != nil {
		return err
	}

	rights := unix.UnixRights(fd)
	_, _, err = conn.WriteMsgUnix([]byte{'r'}, rights, nil)
	if err != nil {
		return errors.Annotate(err, "sockhelper: sending fd: %w")
	}
	return nil
}

// fdOf extracts the underlying descriptor of a raw-backed net.PacketConn
// without taking ownership of a dup, matching the pattern used by
// transport.Manager.FD.
func fdOf(conn net.PacketConn) (int, error) {
	sc, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return -1, errors.Error("sockhelper: connection does not expose a raw fd")
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, errors.Annotate(err, "sockhelper: obtaining raw conn: %w")
	}
	fd := -1
	if err := rc.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, errors.Annotate(err, "sockhelper: controlling raw fd: %w")
	}
	return fd, nil
}
