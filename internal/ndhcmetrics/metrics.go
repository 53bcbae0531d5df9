// Package ndhcmetrics exposes the daemon's Prometheus counters and gauges
// (spec §9's optional --metrics-addr) so an operator can watch lease
// churn, ARP conflicts, and state-machine transitions without scraping
// logs.
package ndhcmetrics

import (
	"net/http"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors registered against a private registry, so
// multiple test Engines never collide on the default global one.
type Metrics struct {
	reg *prometheus.Registry

	DHCPState     *prometheus.GaugeVec
	ARPState      *prometheus.GaugeVec
	LeasesTotal   prometheus.Counter
	RenewsTotal   prometheus.Counter
	NaksTotal     prometheus.Counter
	Conflicts     prometheus.Counter
	AddressesLost prometheus.Counter
	LinkFlaps     prometheus.Counter
}

// New constructs and registers the collector set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		DHCPState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ndhc",
			Name:      "dhcp_state",
			Help:      "1 for the currently active DHCP client state, 0 for all others.",
		}, []string{"state"}),
		ARPState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ndhc",
			Name:      "arp_state",
			Help:      "1 for the currently active ARP sub-state, 0 for all others.",
		}, []string{"state"}),
		LeasesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ndhc",
			Name:      "leases_acquired_total",
			Help:      "Number of leases acquired via DISCOVER/OFFER/REQUEST/ACK.",
		}),
		RenewsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ndhc",
			Name:      "renews_total",
			Help:      "Number of successful RENEWING/REBINDING extensions.",
		}),
		NaksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ndhc",
			Name:      "naks_total",
			Help:      "Number of DHCPNAK messages received.",
		}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ndhc",
			Name:      "arp_conflicts_total",
			Help:      "Number of RFC 5227 address conflicts detected.",
		}),
		AddressesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ndhc",
			Name:      "addresses_lost_total",
			Help:      "Number of times a held address was given up, after repeated conflicts or a failed gateway check.",
		}),
		LinkFlaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ndhc",
			Name:      "link_flaps_total",
			Help:      "Number of LINK_DOWN/LINK_SHUT/LINK_UP transitions observed.",
		}),
	}
	reg.MustRegister(m.DHCPState, m.ARPState, m.LeasesTotal, m.RenewsTotal,
		m.NaksTotal, m.Conflicts, m.AddressesLost, m.LinkFlaps)
	return m
}

// SetDHCPState zeroes every other label and sets cur to 1, so the gauge
// vector always reads as a one-hot encoding of the current state.
func (m *Metrics) SetDHCPState(all []string, cur string) {
	for _, s := range all {
		v := 0.0
		if s == cur {
			v = 1.0
		}
		m.DHCPState.WithLabelValues(s).Set(v)
	}
}

// SetARPState is SetDHCPState's counterpart for the ARP sub-state.
func (m *Metrics) SetARPState(all []string, cur string) {
	for _, s := range all {
		v := 0.0
		if s == cur {
			v = 1.0
		}
		m.ARPState.WithLabelValues(s).Set(v)
	}
}

// Serve starts the blocking HTTP server for /metrics on addr. Callers run
// it in its own goroutine; the core event loop (spec §5) otherwise avoids
// goroutines entirely, but this endpoint is deliberately off that loop
// since it has no interaction with the state machines' timing.
func Serve(addr string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	log.Info("ndhc: serving metrics on %s", addr)
	err := http.ListenAndServe(addr, mux)
	if err != nil {
		return errors.Annotate(err, "ndhcmetrics: serving %q: %w", addr)
	}
	return nil
}
