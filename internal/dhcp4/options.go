package dhcp4

import (
	"encoding/binary"
	"net"

	"github.com/AdguardTeam/golibs/log"
)

// Option codes recognized by the core (spec §3).
const (
	OptionPad            = 0
	OptionSubnetMask     = 1
	OptionTimeOffset     = 2
	OptionRouter         = 3
	OptionDNS            = 6
	OptionLPR            = 9
	OptionHostname       = 12
	OptionDomain         = 15
	OptionBroadcast      = 28
	OptionIPTTL          = 23
	OptionMTU            = 26
	OptionNTP            = 42
	OptionWINS           = 44
	OptionRequestedIP    = 50
	OptionLeaseTime      = 51
	OptionOverload       = 52
	OptionMessageType    = 53
	OptionServerID       = 54
	OptionParameterList  = 55
	OptionMessage        = 56
	OptionMaxMsgSize     = 57
	OptionRenewalT1      = 58
	OptionRebindingT2    = 59
	OptionVendorID       = 60
	OptionClientID       = 61
	OptionEnd            = 255
)

// Overload bit values for OptionOverload (RFC 2131 §4.1.1).
const (
	OverloadFile  = 1
	OverloadSname = 2
	OverloadBoth  = 3
)

// MessageType values for OptionMessageType.
const (
	MsgDiscover = 1
	MsgOffer    = 2
	MsgRequest  = 3
	MsgDecline  = 4
	MsgAck      = 5
	MsgNak      = 6
	MsgRelease  = 7
	MsgInform   = 8
)

// Option is a single (code, data) DHCP option. Length is implicit in
// len(Data) when encoding; on decode it reflects what was on the wire.
type Option struct {
	Code uint8
	Data []byte
}

// Options is an ordered option list. Lookups return the last occurrence of
// a code, per the "duplicate codes: last wins" hardening rule.
type Options []Option

// Get returns the data of the last option with the given code. The
// returned slice aliases the original decode buffer; callers that need to
// retain or mutate it must copy.
func (o Options) Get(code uint8) ([]byte, bool) {
	var data []byte
	found := false
	for _, opt := range o {
		if opt.Code == code {
			data = opt.Data
			found = true
		}
	}
	return data, found
}

// Set replaces (or appends) the option with the given code.
func (o *Options) Set(code uint8, data []byte) {
	for i := range *o {
		if (*o)[i].Code == code {
			(*o)[i].Data = data
			return
		}
	}
	*o = append(*o, Option{Code: code, Data: data})
}

// GetIP returns an option's data interpreted as a single IPv4 address.
func (o Options) GetIP(code uint8) (net.IP, bool) {
	data, ok := o.Get(code)
	if !ok || len(data) < 4 {
		return nil, false
	}
	return net.IP(data[:4]), true
}

// GetIPList returns an option's data as a comma-joinable list of IPv4
// addresses (RFC 2131 repeats fixed-width entries back to back).
func (o Options) GetIPList(code uint8) []net.IP {
	data, ok := o.Get(code)
	if !ok {
		return nil
	}
	var out []net.IP
	for len(data) >= 4 {
		out = append(out, net.IP(data[:4]))
		data = data[4:]
	}
	return out
}

// GetUint32 returns an option's data as a big-endian uint32.
func (o Options) GetUint32(code uint8) (uint32, bool) {
	data, ok := o.Get(code)
	if !ok || len(data) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(data), true
}

// GetUint8 returns an option's single-byte data.
func (o Options) GetUint8(code uint8) (uint8, bool) {
	data, ok := o.Get(code)
	if !ok || len(data) < 1 {
		return 0, false
	}
	return data[0], true
}

// encode serializes the option list in order, each as (code, len, data),
// skipping PAD/END (the caller appends END itself).
func (o Options) encode() []byte {
	var buf []byte
	for _, opt := range o {
		if opt.Code == OptionPad || opt.Code == OptionEnd {
			continue
		}
		n := len(opt.Data)
		if n > 255 {
			n = 255
		}
		buf = append(buf, opt.Code, uint8(n))
		buf = append(buf, opt.Data[:n]...)
	}
	return buf
}

// decodeOptions scans buf (the fixed options area), following option
// overload into file/sname exactly once each, in that order, and
// tolerating the hardening cases from spec §4.1: a truncated length
// discards just that option and continues scanning; PAD advances one
// byte; END stops the *current* region.
func decodeOptions(buf, file, sname []byte) Options {
	var out Options
	overload := uint8(0)

	scan := func(b []byte) {
		for len(b) > 0 {
			code := b[0]
			if code == OptionPad {
				b = b[1:]
				continue
			}
			if code == OptionEnd {
				return
			}
			if len(b) < 2 {
				log.Warning("dhcp4: option %d truncated (missing length byte)", code)
				return
			}
			length := int(b[1])
			if len(b) < 2+length {
				log.Warning("dhcp4: option %d length %d overruns remaining buffer", code, length)
				return
			}
			data := make([]byte, length)
			copy(data, b[2:2+length])
			if code == OptionOverload && length >= 1 {
				overload = data[0]
			}
			out = append(out, Option{Code: code, Data: data})
			b = b[2+length:]
		}
	}

	scan(buf)
	if overload&OverloadFile != 0 {
		scan(file)
	}
	if overload&OverloadSname != 0 {
		scan(sname)
	}
	return out
}
