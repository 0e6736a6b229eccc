// Package metrics defines the Prometheus instrumentation surface for the
// router. All metrics use the "router_" prefix.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "router"

// Metrics holds every counter/gauge the router updates while processing
// packets. A Metrics is registered once, at construction, against the
// prometheus.Registerer the caller supplies, rather than through
// package-level promauto vars, so multiple router instances in a test
// process don't collide on the default registry.
type Metrics struct {
	ARPRequestsSent prometheus.Counter
	ARPRepliesSent  prometheus.Counter
	ARPResolutions  prometheus.Counter
	ARPFailures     prometheus.Counter

	NATMappingsCreated    *prometheus.CounterVec
	NATMappingsDestroyed  *prometheus.CounterVec
	NATConnectionsCreated prometheus.Counter
	NATConnectionsClosed  *prometheus.CounterVec
	NATActiveMappings     prometheus.Gauge

	PacketsForwarded prometheus.Counter
	PacketsForUs     prometheus.Counter
	PacketsDropped   *prometheus.CounterVec
}

// New builds and registers a Metrics against reg. reg must not be nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ARPRequestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arp_requests_sent_total",
			Help:      "Total ARP requests broadcast, including retries.",
		}),
		ARPRepliesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arp_replies_sent_total",
			Help:      "Total ARP replies sent for the router's own interfaces.",
		}),
		ARPResolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arp_resolutions_total",
			Help:      "Total ARP requests resolved by a reply.",
		}),
		ARPFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arp_failures_total",
			Help:      "Total queued frames dropped because their next hop's ARP request exhausted its retry budget.",
		}),
		NATMappingsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nat_mappings_created_total",
			Help:      "Total NAT mappings created, by kind (icmp, tcp).",
		}, []string{"kind"}),
		NATMappingsDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nat_mappings_destroyed_total",
			Help:      "Total NAT mappings destroyed, by kind (icmp, tcp).",
		}, []string{"kind"}),
		NATConnectionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nat_connections_created_total",
			Help:      "Total TCP connection records created under a NAT mapping.",
		}),
		NATConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nat_connections_closed_total",
			Help:      "Total TCP connection records destroyed, by reason (timeout, syn_pending_timeout).",
		}, []string{"reason"}),
		NATActiveMappings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nat_active_mappings",
			Help:      "Current number of live NAT mappings.",
		}),
		PacketsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_forwarded_total",
			Help:      "Total IPv4 datagrams forwarded toward their destination.",
		}),
		PacketsForUs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_for_us_total",
			Help:      "Total IPv4 datagrams addressed to one of the router's own interfaces.",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Total packets dropped, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.ARPRequestsSent, m.ARPRepliesSent, m.ARPResolutions, m.ARPFailures,
		m.NATMappingsCreated, m.NATMappingsDestroyed, m.NATConnectionsCreated, m.NATConnectionsClosed, m.NATActiveMappings,
		m.PacketsForwarded, m.PacketsForUs, m.PacketsDropped,
	)
	return m
}
