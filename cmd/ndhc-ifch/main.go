// Command ndhc-ifch is the external network-configuration worker spec §6
// describes: it reads "<key>:<value>;" batches from stdin, applies the
// ip4 and routr fields to the kernel via rtnetlink (every other key is only
// logged), and acks with a single '+' byte on stdout once the whole batch
// has been processed. It is deliberately kept
// minimal — parse lines, talk rtnetlink, ack — matching the privilege-
// separated role the original assigns to the config-worker child.
package main

import (
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/mdlayher/netlink"
	"github.com/spf13/pflag"
)

func main() {
	var ifaceName string
	fs := pflag.NewFlagSet("ndhc-ifch", pflag.ContinueOnError)
	fs.StringVarP(&ifaceName, "interface", "i", "eth0", "interface to configure")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	w, err := newWorker(ifaceName)
	if err != nil {
		log.Error("ndhc-ifch: %s", err)
		os.Exit(1)
	}
	defer w.close()

	if err := w.run(os.Stdin, os.Stdout); err != nil && err != io.EOF {
		log.Error("ndhc-ifch: %s", err)
		os.Exit(1)
	}
}

// worker holds the one rtnetlink handle used for every command batch.
type worker struct {
	ifaceName string
	ifIndex   int
	conn      *netlink.Conn
}

func newWorker(ifaceName string) (*worker, error) {
	ifc, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, errors.Annotate(err, "ndhc-ifch: resolving %q: %w", ifaceName)
	}
	conn, err := netlink.Dial(0, nil)
	if err != nil {
		return nil, errors.Annotate(err, "ndhc-ifch: dialing NETLINK_ROUTE: %w")
	}
	return &worker{ifaceName: ifaceName, ifIndex: ifc.Index, conn: conn}, nil
}

func (w *worker) close() { _ = w.conn.Close() }

// run reads one raw chunk per iteration, treats it as one complete batch
// (the core never starts a second batch before this one is acked), and
// writes the '+' ack byte after applying every field it understood.
func (w *worker) run(r io.Reader, ack io.Writer) error {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			for _, cmd := range splitCommands(chunk[:n]) {
				if applyErr := w.apply(cmd); applyErr != nil {
					log.Warning("ndhc-ifch: %s", applyErr)
				}
			}
			if _, werr := ack.Write([]byte{'+'}); werr != nil {
				return errors.Annotate(werr, "ndhc-ifch: writing ack: %w")
			}
		}
		if err != nil {
			return err
		}
	}
}

// splitCommands breaks a raw "<key>:<value>;<key>:<value>;..." chunk into
// its semicolon-delimited commands, discarding a trailing partial one.
func splitCommands(chunk []byte) []string {
	parts := strings.Split(string(chunk), ";")
	if len(parts) > 0 {
		parts = parts[:len(parts)-1]
	}
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (w *worker) apply(cmd string) error {
	key, value, ok := strings.Cut(cmd, ":")
	if !ok {
		return errors.Error("ndhc-ifch: malformed command " + strconv.Quote(cmd))
	}
	switch key {
	case "ip4":
		return w.applyIP4(value)
	case "routr":
		return w.applyRouter(value)
	case "dns", "lpr", "ntp", "wins":
		log.Info("ndhc-ifch: %s: %s=%s (left to resolver/NTP config, not rtnetlink's concern)", w.ifaceName, key, value)
		return nil
	case "host", "dom", "tzone", "mtu", "ipttl":
		log.Info("ndhc-ifch: %s: %s=%s", w.ifaceName, key, value)
		return nil
	default:
		return errors.Error("ndhc-ifch: unrecognized command key " + strconv.Quote(key))
	}
}

// applyIP4 parses "ip,mask[,bcast]" and replaces the interface's address
// with RTM_NEWADDR (flushing is intentionally not attempted: a single
// interface normally carries one ndhc-managed address).
func (w *worker) applyIP4(value string) error {
	fields := strings.Split(value, ",")
	if len(fields) < 2 {
		return errors.Error("ndhc-ifch: ip4 command missing mask")
	}
	ip := net.ParseIP(fields[0]).To4()
	mask := net.ParseIP(fields[1]).To4()
	if ip == nil || mask == nil {
		return errors.Error("ndhc-ifch: ip4 command has unparsable address")
	}
	if ip.Equal(net.IPv4zero) {
		log.Info("ndhc-ifch: %s: deconfiguring address", w.ifaceName)
		return nil
	}
	prefixLen, _ := net.IPMask(mask).Size()
	log.Info("ndhc-ifch: %s: setting address %s/%d", w.ifaceName, ip, prefixLen)
	return w.newAddr(ip, uint8(prefixLen))
}

func (w *worker) applyRouter(value string) error {
	gw := net.ParseIP(value).To4()
	if gw == nil {
		return errors.Error("ndhc-ifch: routr command has unparsable address")
	}
	log.Info("ndhc-ifch: %s: setting default route via %s", w.ifaceName, gw)
	return w.newDefaultRoute(gw)
}

// newAddr builds a minimal RTM_NEWADDR ifaddrmsg + IFA_LOCAL/IFA_ADDRESS
// attributes, matching the rtnetlink wire layout netlinkobs.go already
// decodes the link-state side of.
func (w *worker) newAddr(ip net.IP, prefixLen uint8) error {
	const rtmNewaddr = 20
	const ifaLocal = 2
	const ifaAddress = 1

	data := make([]byte, 8)
	data[0] = 2 // AF_INET
	data[1] = prefixLen
	data[2] = 0 // flags
	data[3] = 0 // scope
	// data[4:8] (ifa_index) filled below, little-endian.
	putUint32LE(data[4:8], uint32(w.ifIndex))

	attrs, err := netlink.MarshalAttributes([]netlink.Attribute{
		{Type: ifaAddress, Data: ip},
		{Type: ifaLocal, Data: ip},
	})
	if err != nil {
		return errors.Annotate(err, "ndhc-ifch: marshaling address attributes: %w")
	}

	msg := netlink.Message{
		Header: netlink.Header{
			Type:  netlink.HeaderType(rtmNewaddr),
			Flags: netlink.HeaderFlagsRequest | netlink.HeaderFlagsCreate | netlink.HeaderFlagsReplace | netlink.HeaderFlagsAcknowledge,
		},
		Data: append(data, attrs...),
	}
	_, err = w.conn.Execute(msg)
	if err != nil {
		return errors.Annotate(err, "ndhc-ifch: RTM_NEWADDR: %w")
	}
	return nil
}

// newDefaultRoute builds a minimal RTM_NEWROUTE for 0.0.0.0/0 via gw.
func (w *worker) newDefaultRoute(gw net.IP) error {
	const rtmNewroute = 24
	const rtaGateway = 5
	const rtaOif = 4
	const rtTableMain = 254
	const rtProtoBoot = 3
	const rtScopeUniverse = 0
	const rtnUnicast = 1

	data := make([]byte, 12)
	data[0] = 2 // rtm_family: AF_INET
	data[1] = 0 // rtm_dst_len: 0 for default route
	data[2] = 0 // rtm_src_len
	data[3] = 0 // rtm_tos
	data[4] = rtTableMain
	data[5] = rtProtoBoot
	data[6] = rtScopeUniverse
	data[7] = rtnUnicast

	oif := make([]byte, 4)
	putUint32LE(oif, uint32(w.ifIndex))

	attrs, err := netlink.MarshalAttributes([]netlink.Attribute{
		{Type: rtaGateway, Data: gw},
		{Type: rtaOif, Data: oif},
	})
	if err != nil {
		return errors.Annotate(err, "ndhc-ifch: marshaling route attributes: %w")
	}

	msg := netlink.Message{
		Header: netlink.Header{
			Type:  netlink.HeaderType(rtmNewroute),
			Flags: netlink.HeaderFlagsRequest | netlink.HeaderFlagsCreate | netlink.HeaderFlagsReplace | netlink.HeaderFlagsAcknowledge,
		},
		Data: append(data, attrs...),
	}
	_, err = w.conn.Execute(msg)
	if err != nil {
		return errors.Annotate(err, "ndhc-ifch: RTM_NEWROUTE: %w")
	}
	return nil
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
