package dhcp4

import (
	"net"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/require"
)

// TestMarshalUnmarshalRoundTrip is Property 1/2: any Message built from
// well-formed options survives Marshal/Unmarshal with every option and
// every fixed field intact.
func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	f := func(xid uint32, secs, flags uint16, ciaddr, yiaddr, siaddr, giaddr [4]byte, optVals []uint32) bool {
		m := &Message{
			Op:     OpBootRequest,
			Htype:  1,
			Hlen:   6,
			Xid:    xid,
			Secs:   secs,
			Flags:  flags,
			Ciaddr: ciaddr,
			Yiaddr: yiaddr,
			Siaddr: siaddr,
			Giaddr: giaddr,
		}
		m.Options.Set(OptionMessageType, []byte{MsgDiscover})
		for i, v := range optVals {
			if i >= 8 {
				break // stay well inside the 308-byte options area
			}
			data := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
			m.Options.Set(uint8(10+i), data)
		}

		wire := m.Marshal()
		got, err := Unmarshal(wire)
		if err != nil {
			return false
		}
		if got.Xid != m.Xid || got.Secs != m.Secs || got.Flags != m.Flags {
			return false
		}
		if got.Ciaddr != m.Ciaddr || got.Yiaddr != m.Yiaddr || got.Siaddr != m.Siaddr || got.Giaddr != m.Giaddr {
			return false
		}
		for _, opt := range m.Options {
			gotData, ok := got.Options.Get(opt.Code)
			if !ok || string(gotData) != string(opt.Data) {
				return false
			}
		}
		return true
	}
	require.NoError(t, quick.Check(f, &quick.Config{MaxCount: 200}))
}

// TestDecodeOptionsOverload exercises option-overload chaining: codes that
// don't fit the fixed options area are split into file/sname and must be
// read back file-then-sname, exactly once each.
func TestDecodeOptionsOverload(t *testing.T) {
	file := make([]byte, fileLen)
	file[0], file[1], file[2] = OptionRouter, 4, 0
	copy(file[2:6], net.IPv4(10, 0, 0, 1).To4())
	file[6] = OptionEnd

	sname := make([]byte, snameLen)
	sname[0], sname[1], sname[2] = OptionDNS, 4, 0
	copy(sname[2:6], net.IPv4(8, 8, 8, 8).To4())
	sname[6] = OptionEnd

	opts := make([]byte, 0, 16)
	opts = append(opts, OptionOverload, 1, OverloadBoth)
	opts = append(opts, OptionMessageType, 1, MsgOffer)
	opts = append(opts, OptionEnd)

	got := decodeOptions(opts, file, sname)

	router, ok := got.GetIP(OptionRouter)
	require.True(t, ok)
	require.True(t, router.Equal(net.IPv4(10, 0, 0, 1)))

	dns, ok := got.GetIP(OptionDNS)
	require.True(t, ok)
	require.True(t, dns.Equal(net.IPv4(8, 8, 8, 8)))
}

// TestDecodeOptionsTruncatedLengthStopsRegion covers the "overrun
// discards and continues" hardening rule: a length byte claiming more
// data than remains must not panic and must stop scanning that region.
func TestDecodeOptionsTruncatedLengthStopsRegion(t *testing.T) {
	buf := []byte{OptionRouter, 10, 1, 2, 3} // claims 10 bytes, only 3 present
	got := decodeOptions(buf, nil, nil)
	require.Empty(t, got)
}

// TestOptionsLastDuplicateWins covers the "duplicate codes: last wins"
// hardening rule.
func TestOptionsLastDuplicateWins(t *testing.T) {
	buf := []byte{
		OptionRouter, 4, 1, 1, 1, 1,
		OptionRouter, 4, 2, 2, 2, 2,
		OptionEnd,
	}
	got := decodeOptions(buf, nil, nil)
	ip, ok := got.GetIP(OptionRouter)
	require.True(t, ok)
	require.True(t, ip.Equal(net.IPv4(2, 2, 2, 2)))
}
