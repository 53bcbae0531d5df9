// Package ndhcengine is the single-threaded, epoll-driven event loop (spec
// §5) that wires the DHCP and ARP state machines to their sockets, the
// netlink link observer, and the external config-worker channel. Go's
// goroutine scheduler deliberately plays no part in the core's timing: one
// goroutine owns every state machine, matching the cooperative,
// event-loop-driven scheduling model the protocol state machines assume.
package ndhcengine

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/sys/unix"

	"github.com/nkain/ndhc/internal/arpfsm"
	"github.com/nkain/ndhc/internal/dhcpfsm"
	"github.com/nkain/ndhc/internal/ifchange"
	"github.com/nkain/ndhc/internal/leasestore"
	"github.com/nkain/ndhc/internal/ndhcclock"
	"github.com/nkain/ndhc/internal/ndhcmetrics"
	"github.com/nkain/ndhc/internal/netlinkobs"
	"github.com/nkain/ndhc/internal/transport"
)

// DHCPStates and ARPStates enumerate the label sets the metrics gauges use.
var DHCPStates = []string{"INIT", "SELECTING", "REQUESTING", "BOUND", "RENEWING", "REBINDING", "RELEASED", "INIT_REBOOT"}
var ARPStates = []string{"NONE", "COLLISION_CHECK", "GW_QUERY", "GW_CHECK", "DEFENSE"}

// ExitCode is returned by Run to tell cmd/ndhc's main what process exit
// status to use, per spec §5's fatal/non-fatal taxonomy.
type ExitCode int

const (
	ExitOK ExitCode = iota
	ExitFatal
)

const noFD = -1

// Engine owns every collaborator the core needs at runtime and drives them
// from a single goroutine.
type Engine struct {
	iface string
	clock ndhcclock.Clock

	dhcp *dhcpfsm.Machine
	arp  *arpfsm.Machine

	transport *transport.Manager
	arpConn   *transport.ArpManager
	nl        *netlinkobs.Observer

	ifch    *ifchange.Client
	ifchAck ifchange.Reader
	ackFD   int // -1 if ifchAck is not an *os.File and can't be epoll-registered

	leases  *leasestore.Store
	metrics *ndhcmetrics.Metrics

	epfd  int
	sigCh chan os.Signal

	// ifch-busy invariant (spec §6): at most one unacked batch at a time.
	// A second Apply/Deconfig that arrives while busy is queued here and
	// flushed when the ack for the in-flight batch arrives.
	ifchBusy      bool
	pendingLease  *dhcpfsm.Lease
	pendingDeconf bool

	registeredDHCP, registeredARP, registeredNL, registeredAck int

	done     bool
	exitCode ExitCode
}

// Deps bundles the collaborators New needs. cmd/ndhc is responsible for
// privilege drop and helper/worker process startup before building these.
type Deps struct {
	Interface string
	Clock     ndhcclock.Clock
	DHCP      *dhcpfsm.Machine
	ARP       *arpfsm.Machine
	Transport *transport.Manager
	ArpConn   *transport.ArpManager
	Netlink   *netlinkobs.Observer
	IfchOut   ifchange.Writer
	IfchAck   ifchange.Reader
	AckFD     int // fd backing IfchAck for epoll registration, or -1
	Leases    *leasestore.Store
	Metrics   *ndhcmetrics.Metrics // nil disables metrics updates
}

// New constructs an Engine from already-wired collaborators.
func New(d Deps) *Engine {
	return &Engine{
		iface:          d.Interface,
		clock:          d.Clock,
		dhcp:           d.DHCP,
		arp:            d.ARP,
		transport:      d.Transport,
		arpConn:        d.ArpConn,
		nl:             d.Netlink,
		ifch:           ifchange.NewClient(d.IfchOut),
		ifchAck:        d.IfchAck,
		ackFD:          d.AckFD,
		leases:         d.Leases,
		metrics:        d.Metrics,
		epfd:           noFD,
		registeredDHCP: noFD,
		registeredARP:  noFD,
		registeredNL:   noFD,
		registeredAck:  noFD,
	}
}

// Run blocks until a fatal condition, SIGTERM, or a closed ack pipe ends
// the loop, returning the exit code spec §5 assigns to that ending.
func (e *Engine) Run() (ExitCode, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return ExitFatal, errors.Annotate(err, "ndhcengine: epoll_create1: %w")
	}
	e.epfd = epfd
	defer unix.Close(e.epfd)

	if err := e.arpConn.Open(); err != nil {
		return ExitFatal, errors.Annotate(err, "ndhcengine: opening arp transport: %w")
	}
	defer e.arpConn.Close()

	if err := e.nlRegister(); err != nil {
		return ExitFatal, err
	}

	e.sigCh = make(chan os.Signal, 8)
	signal.Notify(e.sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGPIPE, syscall.SIGCHLD)
	defer signal.Stop(e.sigCh)

	if err := e.apply(e.dhcp.Start()); err != nil {
		return ExitFatal, err
	}

	for !e.done {
		if err := e.syncRegistrations(); err != nil {
			return ExitFatal, err
		}

		now := e.clock.NowMS()
		next := ndhcclock.Min(e.dhcp.NextWake(), e.arp.NextWake())
		timeoutMS := epollTimeoutMS(ndhcclock.SleepDuration(next, now))

		var events [8]unix.EpollEvent
		n, err := unix.EpollWait(e.epfd, events[:], timeoutMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return ExitFatal, errors.Annotate(err, "ndhcengine: epoll_wait: %w")
		}

		for i := 0; i < n && !e.done; i++ {
			if err := e.handleReadyFD(int(events[i].Fd)); err != nil {
				return ExitFatal, err
			}
		}
		if e.done {
			break
		}

		if err := e.drainSignals(); err != nil {
			return ExitFatal, err
		}
		if e.done {
			break
		}

		if err := e.advanceClocks(); err != nil {
			return ExitFatal, err
		}
	}
	return e.exitCode, nil
}

// advanceClocks implements phase (b) of spec §5's loop: tick whichever
// state machine's deadline has elapsed, repeating without blocking for as
// long as ticking one produces another already-elapsed deadline.
func (e *Engine) advanceClocks() error {
	for {
		now := e.clock.NowMS()
		ticked := false

		if dw := e.dhcp.NextWake(); dw != ndhcclock.NoDeadline && now >= dw {
			if err := e.apply(e.dhcp.OnTick()); err != nil {
				return err
			}
			ticked = true
		}
		if aw := e.arp.NextWake(); aw != ndhcclock.NoDeadline && now >= aw {
			if err := e.handleARPResult(e.arp.Tick()); err != nil {
				return err
			}
			ticked = true
		}
		if !ticked {
			return nil
		}
	}
}

func (e *Engine) handleReadyFD(fd int) error {
	switch fd {
	case e.registeredDHCP:
		return e.handleDHCPReadable()
	case e.registeredARP:
		return e.handleARPReadable()
	case e.registeredNL:
		return e.handleNetlinkReadable()
	case e.registeredAck:
		return e.handleAckReadable()
	default:
		return nil
	}
}

// syncRegistrations keeps the epoll set in step with the DHCP transport,
// which opens, closes, and reopens as the state machine switches between
// the raw and cooked paths (Testable Property 5). The ARP, netlink, and
// ack fds are stable for the process lifetime.
func (e *Engine) syncRegistrations() error {
	want := e.transport.FD()
	if want == e.registeredDHCP {
		return nil
	}
	if e.registeredDHCP != noFD {
		_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, e.registeredDHCP, nil)
	}
	if want != noFD {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(want)}
		if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, want, &ev); err != nil {
			return errors.Annotate(err, "ndhcengine: registering dhcp fd: %w")
		}
	}
	e.registeredDHCP = want

	if e.registeredARP == noFD {
		if fd := e.arpConn.FD(); fd != noFD {
			ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
			if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
				return errors.Annotate(err, "ndhcengine: registering arp fd: %w")
			}
			e.registeredARP = fd
		}
	}
	if e.registeredAck == noFD && e.ackFD != noFD {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(e.ackFD)}
		if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, e.ackFD, &ev); err != nil {
			return errors.Annotate(err, "ndhcengine: registering ack fd: %w")
		}
		e.registeredAck = e.ackFD
	}
	return nil
}

func (e *Engine) nlRegister() error {
	fd := e.nl.FD()
	if fd == noFD {
		return errors.Error("ndhcengine: netlink observer has no usable fd")
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Annotate(err, "ndhcengine: registering netlink fd: %w")
	}
	e.registeredNL = fd
	return nil
}

func (e *Engine) drainSignals() error {
	for {
		select {
		case sig := <-e.sigCh:
			if err := e.handleSignal(sig); err != nil {
				return err
			}
			if e.done {
				return nil
			}
		default:
			return nil
		}
	}
}

func (e *Engine) handleSignal(sig os.Signal) error {
	switch sig {
	case syscall.SIGUSR1:
		return e.apply(e.dhcp.ForceRenew())
	case syscall.SIGUSR2:
		return e.apply(e.dhcp.Release())
	case syscall.SIGTERM:
		e.stop(ExitOK)
		return nil
	case syscall.SIGPIPE:
		e.stop(ExitOK)
		return nil
	case syscall.SIGCHLD:
		return errors.Error("ndhcengine: helper process died")
	default:
		return nil
	}
}

func (e *Engine) stop(code ExitCode) {
	e.done = true
	e.exitCode = code
}

func epollTimeoutMS(d interface{ Milliseconds() int64 }) int {
	ms := d.Milliseconds()
	if ms < 0 {
		return -1
	}
	const maxInt32 = int64(1)<<31 - 1
	if ms > maxInt32 {
		return int(maxInt32)
	}
	return int(ms)
}
