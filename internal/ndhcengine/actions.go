package ndhcengine

import (
	"net"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"

	"github.com/nkain/ndhc/internal/arpfsm"
	"github.com/nkain/ndhc/internal/dhcp4"
	"github.com/nkain/ndhc/internal/dhcpfsm"
	"github.com/nkain/ndhc/internal/leasestore"
	"github.com/nkain/ndhc/internal/netlinkobs"
	"github.com/nkain/ndhc/internal/transport"
)

// apply carries out everything a dhcpfsm.Action asks for: opening or
// switching transports, sending the built message, starting an ARP
// sub-state, handing a lease to the config applier, or terminating.
func (e *Engine) apply(act dhcpfsm.Action) error {
	if act.OpenTransport {
		switch act.TransportTarget {
		case dhcpfsm.TransportRawBroadcast:
			if err := e.transport.OpenRaw(); err != nil {
				return err
			}
		case dhcpfsm.TransportCookedUnicast:
			if err := e.transport.OpenCooked(act.CookedClient, act.CookedServer); err != nil {
				return err
			}
		}
	}

	if act.Send != nil {
		if err := e.sendDHCP(act.Send, act.TransportVia); err != nil {
			log.Warning("ndhc: %s: send failed: %s", e.iface, err)
		}
	}

	if act.StartCollisionCheck {
		e.arp.StartCollisionCheck(act.Candidate)
	}
	if act.StartGWQuery {
		e.arp.StartGWQuery(act.Router)
	}
	if act.StartGWCheck {
		e.arp.StartGWCheck()
	}

	if act.ApplyLease != nil {
		e.queueApply(act.ApplyLease)
	}
	if act.Deconfig {
		e.queueDeconfig()
	}

	if act.Exit {
		e.stop(ExitOK)
	}
	e.updateStateMetrics()
	return nil
}

// updateStateMetrics refreshes the one-hot state gauges; a no-op when no
// metrics registry was wired (spec §9's --metrics-addr is optional).
func (e *Engine) updateStateMetrics() {
	if e.metrics == nil {
		return
	}
	e.metrics.SetDHCPState(DHCPStates, e.dhcp.State().String())
	e.metrics.SetARPState(ARPStates, e.arp.State().String())
}

func (e *Engine) sendDHCP(payload []byte, via dhcpfsm.TransportKind) error {
	msg, err := dhcp4.Unmarshal(payload)
	if err != nil {
		return err
	}
	switch via {
	case dhcpfsm.TransportRawBroadcast:
		return e.transport.SendBroadcast(msg)
	case dhcpfsm.TransportCookedUnicast:
		return e.transport.SendCooked(msg)
	default:
		return errors.Error("ndhcengine: action requested send with no transport kind")
	}
}

// queueApply and queueDeconfig enforce the "ifch-busy" invariant from spec
// §6: only one unacked batch may be outstanding. A second request that
// arrives before the ack replaces any still-pending one rather than being
// sent immediately, since only the most recent configuration matters.
func (e *Engine) queueApply(l *dhcpfsm.Lease) {
	if e.ifchBusy {
		e.pendingLease = l
		e.pendingDeconf = false
		return
	}
	if err := e.ifch.Apply(l); err != nil {
		log.Warning("ndhc: %s: ifchange apply failed: %s", e.iface, err)
		return
	}
	e.ifchBusy = true

	if e.leases != nil {
		rec := leasestore.Lease{ClientIP: l.ClientIP, ServerID: l.ServerID, Seconds: l.LeaseSeconds}
		if err := e.leases.SaveLease(rec); err != nil {
			log.Warning("ndhc: %s: saving lease file failed: %s", e.iface, err)
		}
	}
}

func (e *Engine) queueDeconfig() {
	if e.ifchBusy {
		e.pendingLease = nil
		e.pendingDeconf = true
		return
	}
	if err := e.ifch.Deconfig(); err != nil {
		log.Warning("ndhc: %s: ifchange deconfig failed: %s", e.iface, err)
		return
	}
	e.ifchBusy = true

	if e.leases != nil {
		if err := e.leases.RemoveLease(); err != nil {
			log.Warning("ndhc: %s: removing lease file failed: %s", e.iface, err)
		}
	}
}

func (e *Engine) handleAckReadable() error {
	buf := make([]byte, 1)
	n, err := e.ifchAck.Read(buf)
	if err != nil {
		// Closed ack pipe is the SIGPIPE-equivalent fatal-but-clean exit
		// spec §6 assigns to the config worker dying.
		e.stop(ExitOK)
		return nil
	}
	if n < 1 || buf[0] != '+' {
		return nil
	}
	e.ifchBusy = false
	switch {
	case e.pendingDeconf:
		e.pendingDeconf = false
		e.queueDeconfig()
	case e.pendingLease != nil:
		l := e.pendingLease
		e.pendingLease = nil
		e.queueApply(l)
	}
	return nil
}

func (e *Engine) handleNetlinkReadable() error {
	ev, err := e.nl.Receive()
	if err != nil {
		return err
	}
	if e.metrics != nil && ev != netlinkobs.EventNone {
		e.metrics.LinkFlaps.Inc()
	}
	switch ev {
	case netlinkobs.EventUp:
		return e.apply(e.dhcp.OnLinkUp())
	case netlinkobs.EventDown:
		e.arp.Reset()
		e.dhcp.OnLinkDown()
	case netlinkobs.EventShut:
		e.arp.Reset()
		e.dhcp.OnLinkShut()
	case netlinkobs.EventRemoved:
		// spec §4.7: LINK_REMOVED at runtime is terminal but not an
		// error — the interface the kernel was configuring is simply
		// gone, so the process exits cleanly rather than failing.
		log.Info("ndhc: %s: interface removed, exiting", e.iface)
		e.stop(ExitOK)
		return nil
	}
	return nil
}

func (e *Engine) handleARPReadable() error {
	buf := make([]byte, 128)
	f, ok, err := e.arpConn.RecvARP(buf)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	held := e.dhcp.ClientAddr()
	defenseActive := e.dhcp.HasLease()
	return e.handleARPResult(e.arp.HandleFrame(f, held, defenseActive))
}

func (e *Engine) handleARPResult(res arpfsm.Result) error {
	switch res {
	case arpfsm.ResultFree:
		if e.metrics != nil {
			e.metrics.LeasesTotal.Inc()
		}
		return e.apply(e.dhcp.OnCollisionFree())
	case arpfsm.ResultConflict:
		if e.metrics != nil {
			e.metrics.Conflicts.Inc()
		}
		return e.apply(e.dhcp.OnCollisionConflict())
	case arpfsm.ResultGatewayKnown, arpfsm.ResultGWQueryGone:
		// Router MAC (or its absence) is consulted lazily via RouterMAC();
		// no DHCP-side transition follows either result directly (spec
		// §4.5: GW_QUERY exhaustion proceeds with router_arp unknown).
		return nil
	case arpfsm.ResultGWCheckGone:
		if e.metrics != nil {
			e.metrics.AddressesLost.Inc()
		}
		return e.apply(e.dhcp.OnGWCheckFailed())
	case arpfsm.ResultAddressLost:
		if e.metrics != nil {
			e.metrics.AddressesLost.Inc()
		}
		return e.apply(e.dhcp.OnAddressLost())
	default:
		return nil
	}
}

func (e *Engine) handleDHCPReadable() error {
	buf := make([]byte, 1500)
	var msg *dhcp4.Message
	var err error
	switch e.transport.Kind() {
	case transport.KindRaw:
		var ok bool
		msg, ok, err = e.transport.RecvRaw(buf)
		if err != nil || !ok {
			return nil
		}
	case transport.KindCooked:
		msg, err = e.transport.RecvCooked(buf)
		if err != nil {
			return nil
		}
	default:
		return nil
	}
	return e.dispatchDHCP(msg)
}

func (e *Engine) dispatchDHCP(msg *dhcp4.Message) error {
	switch dhcpfsm.MessageType(msg) {
	case dhcp4.MsgOffer:
		yiaddr := net.IP(msg.Yiaddr[:])
		serverID, _ := msg.Options.GetIP(dhcp4.OptionServerID)
		return e.apply(e.dhcp.OnOffer(msg.Xid, yiaddr, serverID))
	case dhcp4.MsgAck:
		if e.metrics != nil && (e.dhcp.State() == dhcpfsm.StateRenewing || e.dhcp.State() == dhcpfsm.StateRebinding) {
			e.metrics.RenewsTotal.Inc()
		}
		lease := dhcpfsm.LeaseFromMessage(msg)
		return e.apply(e.dhcp.OnAck(msg.Xid, lease))
	case dhcp4.MsgNak:
		if e.metrics != nil {
			e.metrics.NaksTotal.Inc()
		}
		return e.apply(e.dhcp.OnNak(msg.Xid))
	default:
		return nil
	}
}
