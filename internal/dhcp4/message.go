// Package dhcp4 implements the RFC 2131 wire format: the fixed-layout DHCP
// message, its option area, and the checksummed IPv4/UDP framing used on the
// raw-socket transport path before a lease is bound.
package dhcp4

import (
	"encoding/binary"

	"github.com/AdguardTeam/golibs/errors"
)

// Message sizes per RFC 2131 §2.
const (
	chaddrLen  = 16
	snameLen   = 64
	fileLen    = 128
	optionsLen = 308

	// MagicCookie is the fixed DHCP option-area cookie.
	MagicCookie = 0x63825363

	headerLen = 240 // everything up to and including the cookie
)

// Op codes (RFC 2131 §2).
const (
	OpBootRequest = 1
	OpBootReply   = 2
)

// ErrTruncated is returned when a buffer is too short to hold a Message.
var ErrTruncated = errors.Error("dhcp4: buffer too short for a DHCP message")

// Message is the fixed-layout RFC 2131 DHCP packet.
type Message struct {
	Op      uint8
	Htype   uint8
	Hlen    uint8
	Hops    uint8
	Xid     uint32
	Secs    uint16
	Flags   uint16
	Ciaddr  [4]byte
	Yiaddr  [4]byte
	Siaddr  [4]byte
	Giaddr  [4]byte
	Chaddr  [chaddrLen]byte
	Sname   [snameLen]byte
	File    [fileLen]byte
	Options Options
}

// BroadcastFlag is bit 15 of the flags field (RFC 2131 §2).
const BroadcastFlag uint16 = 1 << 15

// Marshal encodes m into a newly allocated byte slice: fixed header,
// options (each appended, terminated by OptionEnd, the remainder of the
// options area zero-padded).
func (m *Message) Marshal() []byte {
	buf := make([]byte, headerLen+optionsLen)

	buf[0] = m.Op
	buf[1] = m.Htype
	buf[2] = m.Hlen
	buf[3] = m.Hops
	binary.BigEndian.PutUint32(buf[4:8], m.Xid)
	binary.BigEndian.PutUint16(buf[8:10], m.Secs)
	binary.BigEndian.PutUint16(buf[10:12], m.Flags)
	copy(buf[12:16], m.Ciaddr[:])
	copy(buf[16:20], m.Yiaddr[:])
	copy(buf[20:24], m.Siaddr[:])
	copy(buf[24:28], m.Giaddr[:])
	copy(buf[28:28+chaddrLen], m.Chaddr[:])
	copy(buf[44:44+snameLen], m.Sname[:])
	copy(buf[108:108+fileLen], m.File[:])
	binary.BigEndian.PutUint32(buf[236:240], MagicCookie)

	opts := m.Options.encode()
	n := copy(buf[240:], opts)
	end := 240 + n
	if end < len(buf) {
		buf[end] = OptionEnd
	}
	return buf
}

// Unmarshal parses a wire-format DHCP message, honoring option-overload
// (option 52) into the file/sname regions per the four hardening rules:
// pad/end scanning, overrun-discards-and-continues, last-duplicate-wins,
// and each overloaded region read exactly once, in file-then-sname order.
func Unmarshal(buf []byte) (*Message, error) {
	if len(buf) < headerLen {
		return nil, ErrTruncated
	}
	m := &Message{}
	m.Op = buf[0]
	m.Htype = buf[1]
	m.Hlen = buf[2]
	m.Hops = buf[3]
	m.Xid = binary.BigEndian.Uint32(buf[4:8])
	m.Secs = binary.BigEndian.Uint16(buf[8:10])
	m.Flags = binary.BigEndian.Uint16(buf[10:12])
	copy(m.Ciaddr[:], buf[12:16])
	copy(m.Yiaddr[:], buf[16:20])
	copy(m.Siaddr[:], buf[20:24])
	copy(m.Giaddr[:], buf[24:28])
	copy(m.Chaddr[:], buf[28:28+chaddrLen])
	copy(m.Sname[:], buf[44:44+snameLen])
	copy(m.File[:], buf[108:108+fileLen])

	rest := buf[240:]
	m.Options = decodeOptions(rest, m.File[:], m.Sname[:])
	return m, nil
}

// XidSeed derives a reasonably unpredictable 32-bit seed candidate from
// wall-clock time; the caller mixes it with crypto/rand for the actual xid.
func XidSeed(nowUnixNano int64) uint32 {
	return uint32(nowUnixNano) ^ uint32(nowUnixNano>>32)
}
