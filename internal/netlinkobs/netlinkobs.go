// Package netlinkobs translates NETLINK_ROUTE link-state deltas into the
// DHCP/ARP state machines' link events (spec §4.7, §6). It is grounded on
// github.com/mdlayher/netlink's request/response conventions rather than
// hand-rolled rtnetlink socket code.
package netlinkobs

import (
	"encoding/binary"
	"net"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/mdlayher/netlink"
)

// rtnetlink message/attribute constants (linux/rtnetlink.h, linux/if_link.h).
const (
	rtmNewlink = 16
	rtmDellink = 17
	rtmGetlink = 18

	iflaAddress = 1
	iflaIfname  = 3

	iffUp      = 0x1
	iffRunning = 0x40
)

// Event is one of the four link-state deltas from spec §4.7.
type Event int

const (
	EventNone Event = iota
	EventUp
	EventDown
	EventShut
	EventRemoved
)

func (e Event) String() string {
	switch e {
	case EventUp:
		return "LINK_UP"
	case EventDown:
		return "LINK_DOWN"
	case EventShut:
		return "LINK_SHUT"
	case EventRemoved:
		return "LINK_REMOVED"
	default:
		return "NONE"
	}
}

type ifState int

const (
	ifUnknown ifState = iota
	ifUp
	ifDown
	ifShut
	ifRemoved
)

// Observer watches one named interface's link state over RTMGRP_LINK.
type Observer struct {
	conn    *netlink.Conn
	ifName  string
	ifIndex int
	ifMAC   net.HardwareAddr
	prev    ifState
}

// New opens a netlink route socket subscribed to RTMGRP_LINK (group 1) and
// issues the startup RTM_GETLINK dump (spec §6) to learn the interface's
// index and MAC by name.
func New(ifName string) (*Observer, error) {
	conn, err := netlink.Dial(0, &netlink.Config{Groups: 1})
	if err != nil {
		return nil, errors.Annotate(err, "netlinkobs: dialing NETLINK_ROUTE: %w")
	}
	o := &Observer{conn: conn, ifName: ifName}
	if err := o.dumpLinks(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if o.ifIndex == 0 {
		_ = conn.Close()
		return nil, errors.Error("netlinkobs: interface " + ifName + " not found")
	}
	if len(o.ifMAC) != 6 {
		_ = conn.Close()
		return nil, errors.Error("netlinkobs: interface " + ifName + " lacks a hardware address")
	}
	return o, nil
}

// InterfaceMAC returns the hardware address discovered at startup.
func (o *Observer) InterfaceMAC() net.HardwareAddr { return o.ifMAC }

// InterfaceIndex returns the kernel ifindex discovered at startup.
func (o *Observer) InterfaceIndex() int { return o.ifIndex }

// FD exposes the netlink socket's descriptor for the event loop's
// multiplexer.
func (o *Observer) FD() int {
	sc, err := o.conn.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = sc.Control(func(f uintptr) { fd = int(f) })
	return fd
}

// Close releases the netlink socket.
func (o *Observer) Close() error { return o.conn.Close() }

func (o *Observer) dumpLinks() error {
	req := netlink.Message{
		Header: netlink.Header{
			Type:  netlink.HeaderType(rtmGetlink),
			Flags: netlink.HeaderFlagsRequest | netlink.HeaderFlagsDump,
		},
		// ifinfomsg with all-zero fields: dump every link.
		Data: make([]byte, 16),
	}
	msgs, err := o.conn.Execute(req)
	if err != nil {
		return errors.Annotate(err, "netlinkobs: RTM_GETLINK: %w")
	}
	for _, msg := range msgs {
		o.handleLinkMsg(rtmNewlink, msg.Data)
	}
	return nil
}

// Receive blocks for the next netlink message and returns the resulting
// event, if any (EventNone for link updates unrelated to our interface or
// to attributes we don't act on).
func (o *Observer) Receive() (Event, error) {
	msgs, err := o.conn.Receive()
	if err != nil {
		return EventNone, errors.Annotate(err, "netlinkobs: receive: %w")
	}
	ev := EventNone
	for _, msg := range msgs {
		switch msg.Header.Type {
		case rtmNewlink:
			if e := o.handleLinkMsg(rtmNewlink, msg.Data); e != EventNone {
				ev = e
			}
		case rtmDellink:
			if e := o.handleLinkMsg(rtmDellink, msg.Data); e != EventNone {
				ev = e
			}
		}
	}
	return ev, nil
}

func (o *Observer) handleLinkMsg(msgType uint16, data []byte) Event {
	if len(data) < 16 {
		return EventNone
	}
	ifiIndex := int(int32(binary.LittleEndian.Uint32(data[4:8])))
	ifiFlags := binary.LittleEndian.Uint32(data[8:12])

	attrs, err := netlink.UnmarshalAttributes(data[16:])
	if err != nil {
		return EventNone
	}

	if o.ifIndex == 0 {
		for _, a := range attrs {
			if a.Type == iflaIfname && nullTerminated(a.Data) == o.ifName {
				o.ifIndex = ifiIndex
				for _, a2 := range attrs {
					if a2.Type == iflaAddress && len(a2.Data) == 6 {
						o.ifMAC = net.HardwareAddr(append([]byte(nil), a2.Data...))
					}
				}
				log.Info("ndhc: %s: hardware address %s", o.ifName, o.ifMAC)
			}
		}
	}

	if ifiIndex != o.ifIndex {
		return EventNone
	}

	if msgType == rtmDellink {
		if o.prev != ifRemoved {
			o.prev = ifRemoved
			log.Info("ndhc: %s: interface removed", o.ifName)
			return EventRemoved
		}
		return EventNone
	}

	switch {
	case ifiFlags&iffUp != 0 && ifiFlags&iffRunning != 0:
		if o.prev != ifUp {
			o.prev = ifUp
			return EventUp
		}
	case ifiFlags&iffUp != 0:
		if o.prev != ifDown {
			o.prev = ifDown
			return EventDown
		}
	default:
		if o.prev != ifShut {
			o.prev = ifShut
			return EventShut
		}
	}
	return EventNone
}

func nullTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
