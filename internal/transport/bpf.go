package transport

import (
	"net"
	"syscall"
	"unsafe"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// arpFilterProgram builds a classic BPF program that accepts only
// ARP-over-Ethernet frames addressed to ourMAC or the Ethernet broadcast
// address (spec §6: "installs a BPF program that accepts only
// ARP-over-Ethernet frames addressed to its MAC or broadcast").
func arpFilterProgram(ourMAC net.HardwareAddr) ([]bpf.RawInstruction, error) {
	const ethTypeOffset = 12
	const etherTypeARP = 0x0806

	mac32 := macPrefix32(ourMAC)
	mac16 := uint32(macSuffix16(ourMAC))

	// Instruction indices below are spelled out because bpf.JumpIf's
	// Skip fields count instructions relative to the jump itself.
	insns := []bpf.Instruction{
		/*0*/ bpf.LoadAbsolute{Off: ethTypeOffset, Size: 2},
		/*1*/ bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeARP, SkipFalse: 11}, // false -> 13 (reject)

		// Our-MAC branch: dst[0:4]==mac32 && dst[4:6]==mac16 -> accept.
		/*2*/ bpf.LoadAbsolute{Off: 0, Size: 4},
		/*3*/ bpf.JumpIf{Cond: bpf.JumpEqual, Val: mac32, SkipFalse: 4}, // false -> 8 (broadcast branch)
		/*4*/ bpf.LoadAbsolute{Off: 4, Size: 2},
		/*5*/ bpf.JumpIf{Cond: bpf.JumpEqual, Val: mac16, SkipFalse: 2}, // false -> 8 (broadcast branch)
		/*6*/ bpf.RetConstant{Val: 0xffff},                             // accept
		/*7*/ bpf.Jump{Skip: 5},                                        // -> 13 (reject), unreachable padding after Ret

		// Broadcast branch: dst[0:4]==0xffffffff && dst[4:6]==0xffff.
		/*8*/ bpf.LoadAbsolute{Off: 0, Size: 4},
		/*9*/ bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0xffffffff, SkipFalse: 3}, // false -> 13 (reject)
		/*10*/ bpf.LoadAbsolute{Off: 4, Size: 2},
		/*11*/ bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0xffff, SkipFalse: 1}, // false -> 13 (reject)
		/*12*/ bpf.RetConstant{Val: 0xffff},                              // accept

		/*13*/ bpf.RetConstant{Val: 0}, // reject
	}

	raw, err := bpf.Assemble(insns)
	if err != nil {
		return nil, errors.Annotate(err, "transport: assembling BPF filter: %w")
	}
	return raw, nil
}

func macPrefix32(mac net.HardwareAddr) uint32 {
	if len(mac) < 4 {
		return 0
	}
	return uint32(mac[0])<<24 | uint32(mac[1])<<16 | uint32(mac[2])<<8 | uint32(mac[3])
}

func macSuffix16(mac net.HardwareAddr) uint16 {
	if len(mac) < 6 {
		return 0
	}
	return uint16(mac[4])<<8 | uint16(mac[5])
}

// syscallConnAttacher is satisfied by any net.PacketConn backed by a
// syscall.RawConn, which is all the raw AF_PACKET conns this package hands
// out (mdlayher/raw's *raw.Conn and net.FilePacketConn's *net.UnixConn /
// *net.IPConn alike).
type syscallConnAttacher interface {
	SyscallConn() (syscall.RawConn, error)
}

// AttachARPFilter installs the classic BPF program built by
// arpFilterProgram on conn's underlying socket via SO_ATTACH_FILTER, so the
// kernel drops everything except ARP frames addressed to ourMAC or
// broadcast before they ever reach userspace (spec §6).
func AttachARPFilter(conn net.PacketConn, ourMAC net.HardwareAddr) error {
	sc, ok := conn.(syscallConnAttacher)
	if !ok {
		return errors.Error("transport: connection does not expose a raw fd for BPF attach")
	}
	raw, err := arpFilterProgram(ourMAC)
	if err != nil {
		return err
	}

	prog := unix.SockFprog{
		Len:    uint16(len(raw)),
		Filter: (*unix.SockFilter)(unsafe.Pointer(&raw[0])),
	}

	rc, err := sc.SyscallConn()
	if err != nil {
		return errors.Annotate(err, "transport: obtaining raw conn for BPF attach: %w")
	}
	var setErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		setErr = unix.SetsockoptSockFprog(int(fd), syscall.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog)
	})
	if ctrlErr != nil {
		return errors.Annotate(ctrlErr, "transport: controlling raw fd for BPF attach: %w")
	}
	if setErr != nil {
		return errors.Annotate(setErr, "transport: SO_ATTACH_FILTER: %w")
	}
	return nil
}
