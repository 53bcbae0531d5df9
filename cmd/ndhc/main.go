// Command ndhc is a DHCPv4 client daemon implementing RFC 2131 lease
// acquisition/renewal and RFC 5227 address conflict detection (spec §1).
// It runs as three cooperating processes: this core (which drops
// privileges once its sockets are open), a raw-socket helper that keeps
// CAP_NET_RAW for the process lifetime, and a config-worker that applies
// the negotiated lease to the kernel (spec §6). The helper is this same
// binary re-executed with a hidden flag, since the pack names no separate
// helper binary; the config worker is cmd/ndhc-ifch.
package main

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"

	"github.com/nkain/ndhc/internal/arpfsm"
	"github.com/nkain/ndhc/internal/dhcpfsm"
	"github.com/nkain/ndhc/internal/ifchange"
	"github.com/nkain/ndhc/internal/leasestore"
	"github.com/nkain/ndhc/internal/ndhcclock"
	"github.com/nkain/ndhc/internal/ndhcconfig"
	"github.com/nkain/ndhc/internal/ndhcengine"
	"github.com/nkain/ndhc/internal/ndhcmetrics"
	"github.com/nkain/ndhc/internal/netlinkobs"
	"github.com/nkain/ndhc/internal/privdrop"
	"github.com/nkain/ndhc/internal/sockhelper"
	"github.com/nkain/ndhc/internal/transport"
)

// sockHelperFlag is the hidden self-exec flag that turns this binary into
// the raw-socket helper server instead of the core daemon. It is
// deliberately absent from ndhcconfig's flag set.
const sockHelperFlag = "--sockhelper-listen"

func main() {
	if len(os.Args) >= 4 && os.Args[1] == sockHelperFlag {
		if err := runSockHelper(os.Args[2], os.Args[3]); err != nil {
			log.Error("ndhc: helper: %s", err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		log.Error("ndhc: %s", err)
		os.Exit(1)
	}
}

func runSockHelper(sockPath, ifaceName string) error {
	_ = os.Remove(sockPath)
	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		return errors.Annotate(err, "ndhc: helper: resolving %q: %w", sockPath)
	}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return errors.Annotate(err, "ndhc: helper: listening on %q: %w", sockPath)
	}
	defer l.Close()
	defer os.Remove(sockPath)

	return sockhelper.NewServer(ifaceName).Serve(l)
}

// run is the core daemon's entire lifecycle: parse flags, spawn the
// helper and worker children, build every collaborator, drop privileges,
// then hand off to the event loop.
func run(argv []string) error {
	cfg, err := ndhcconfig.ParseFlags(argv)
	if err != nil {
		return err
	}

	ifc, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return errors.Annotate(err, "ndhc: resolving interface %q: %w", cfg.Interface)
	}
	mac := ifc.HardwareAddr

	if cfg.PidFile != "" {
		if err := os.WriteFile(cfg.PidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
			return errors.Annotate(err, "ndhc: writing pidfile: %w")
		}
	}

	leases := leasestore.New(cfg.StateDir, cfg.Interface)
	duid, err := leases.LoadOrCreateDUID(mac)
	if err != nil {
		return err
	}
	log.Debug("ndhc: %s: duid %s", cfg.Interface, duid)

	helperClient, stopHelper, err := spawnSockHelper(cfg.Interface)
	if err != nil {
		return err
	}
	defer stopHelper()

	ifchDone, ifchWriter, ifchAck, ackFD, err := spawnIfchWorker()
	if err != nil {
		return err
	}
	defer ifchDone()

	dhcpOpener := transport.NewHelperOpener(helperClient, sockhelper.ProtoDHCP)
	arpOpener := transport.NewHelperOpener(helperClient, sockhelper.ProtoARP)

	xp := transport.NewManager(cfg.Interface, mac, dhcpOpener)
	arpConn := transport.NewArpManager(cfg.Interface, mac, arpOpener)

	nl, err := netlinkobs.New(cfg.Interface)
	if err != nil {
		return err
	}

	arpCfg := arpfsm.DefaultConfig()
	if cfg.ProbeNum > 0 {
		arpCfg.ProbeNum = cfg.ProbeNum
	}
	if cfg.ProbeMinMS > 0 {
		arpCfg.ProbeMin = time.Duration(cfg.ProbeMinMS) * time.Millisecond
	}
	if cfg.ProbeMaxMS > 0 {
		arpCfg.ProbeMax = time.Duration(cfg.ProbeMaxMS) * time.Millisecond
	}
	arpCfg.RelentlessDef = cfg.RelentlessDef

	clock := ndhcclock.NewSystem()
	arpMachine := arpfsm.New(arpCfg, clock, arpConn, mac)

	var requestedIP net.IP
	if cfg.RequestIP != "" {
		requestedIP = net.ParseIP(cfg.RequestIP)
	} else if lease, ok, lerr := leases.LoadLease(); lerr == nil && ok {
		requestedIP = lease.ClientIP
	}

	identity := dhcpfsm.Identity{
		ClientID:      buildClientID(cfg.ClientID, mac),
		Hostname:      []byte(cfg.Hostname),
		VendorID:      []byte(cfg.VendorID),
		ParameterList: dhcpfsm.DefaultParameterList(),
		InterfaceMAC:  mac,
	}
	dhcpMachine := dhcpfsm.NewMachine(dhcpfsm.Config{
		Identity:    identity,
		RequestedIP: requestedIP,
	}, clock)

	var metrics *ndhcmetrics.Metrics
	if cfg.MetricsAddr != "" {
		metrics = ndhcmetrics.New()
		go func() {
			if serr := ndhcmetrics.Serve(cfg.MetricsAddr, metrics); serr != nil {
				log.Error("ndhc: metrics server: %s", serr)
			}
		}()
	}

	if cfg.Chroot != "" || cfg.User != "" {
		if err := privdrop.Drop(cfg.Chroot, cfg.User); err != nil {
			return err
		}
		log.Info("ndhc: %s: dropped privileges (chroot=%q user=%q)", cfg.Interface, cfg.Chroot, cfg.User)
	}

	eng := ndhcengine.New(ndhcengine.Deps{
		Interface: cfg.Interface,
		Clock:     clock,
		DHCP:      dhcpMachine,
		ARP:       arpMachine,
		Transport: xp,
		ArpConn:   arpConn,
		Netlink:   nl,
		IfchOut:   ifchWriter,
		IfchAck:   ifchAck,
		AckFD:     ackFD,
		Leases:    leases,
		Metrics:   metrics,
	})

	code, err := eng.Run()
	if err != nil {
		return err
	}
	if code != ndhcengine.ExitOK {
		return errors.Error("ndhc: exiting with failure status")
	}
	return nil
}

// buildClientID implements the original's get_clientid: an explicit
// string is tagged with type 0, otherwise the interface's MAC is sent
// tagged with type 1 (Ethernet).
func buildClientID(explicit string, mac net.HardwareAddr) []byte {
	if explicit != "" {
		return append([]byte{0}, []byte(explicit)...)
	}
	return append([]byte{1}, []byte(mac)...)
}

// spawnSockHelper re-execs this binary as the raw-socket helper (spec
// §6), listening on a unix socket under os.TempDir unique to this
// process, then dials it and returns a connected Client plus a stop func.
func spawnSockHelper(ifaceName string) (*sockhelper.Client, func(), error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, nil, errors.Annotate(err, "ndhc: resolving own executable path: %w")
	}
	sockPath := fmt.Sprintf("%s/ndhc-helper-%d.sock", os.TempDir(), os.Getpid())

	cmd := exec.Command(exe, sockHelperFlag, sockPath, ifaceName)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, errors.Annotate(err, "ndhc: starting raw-socket helper: %w")
	}

	var client *sockhelper.Client
	for i := 0; i < 50; i++ {
		client, err = sockhelper.Dial(sockPath)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if client == nil {
		_ = cmd.Process.Kill()
		return nil, nil, errors.Annotate(err, "ndhc: dialing raw-socket helper: %w")
	}

	stop := func() {
		_ = client.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		_ = os.Remove(sockPath)
	}
	return client, stop, nil
}

// spawnIfchWorker starts cmd/ndhc-ifch wired over two os.Pipe()s: the
// core writes ifchange commands on one, and reads '+' acks on the other
// (spec §6). Both ends handed to the child are closed here once Start
// returns, so the parent sees EOF on the ack pipe if the child dies.
func spawnIfchWorker() (stop func(), w ifchange.Writer, ack ifchange.Reader, ackFD int, err error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, -1, errors.Annotate(err, "ndhc: creating command pipe: %w")
	}
	ackR, ackW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, -1, errors.Annotate(err, "ndhc: creating ack pipe: %w")
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, nil, nil, -1, errors.Annotate(err, "ndhc: resolving own executable path: %w")
	}
	ifchExe := ifchWorkerPath(exe)

	cmd := exec.Command(ifchExe)
	cmd.Stdin = outR
	cmd.Stdout = ackW
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, -1, errors.Annotate(err, "ndhc: starting config worker: %w")
	}

	_ = outR.Close()
	_ = ackW.Close()

	stop = func() {
		_ = outW.Close()
		_ = ackR.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	return stop, outW, ackR, int(ackR.Fd()), nil
}

// ifchWorkerPath assumes cmd/ndhc-ifch is installed alongside this binary,
// matching a normal package/install layout rather than requiring a
// separate PATH lookup.
func ifchWorkerPath(selfExe string) string {
	return filepath.Join(filepath.Dir(selfExe), "ndhc-ifch")
}
