// Package router wires every other package into a single IPv4 router with
// an optional NAPT gateway: the interface/route tables, the ARP cache, the
// IPv4 forwarding core, and (when enabled) the NAT mapping table and
// translator. HandlePacket and SendFrame are the only entry points a
// transport needs to drive it.
package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vnetbed/router/arpcache"
	"github.com/vnetbed/router/ethernet"
	"github.com/vnetbed/router/forwarding"
	"github.com/vnetbed/router/iface"
	"github.com/vnetbed/router/internal/slogx"
	"github.com/vnetbed/router/ipv4"
	"github.com/vnetbed/router/ipv4/icmpv4"
	"github.com/vnetbed/router/metrics"
	"github.com/vnetbed/router/nat"
	"github.com/vnetbed/router/routing"
)

// FrameSender emits a fully-formed Ethernet frame out a named interface;
// the transport (TAP device, raw socket, in-memory bridge in tests)
// implements this. arpcache.Cache also consumes it directly.
type FrameSender = arpcache.FrameSender

// Config holds everything needed to build a Router.
type Config struct {
	// NATEnabled switches on the translator; when false the router is a
	// plain IPv4 forwarder and ip_dst/interface ownership alone decides
	// FOR_US vs forward.
	NATEnabled bool

	ICMPTimeout            time.Duration
	TCPEstablishedTimeout  time.Duration
	TCPTransitoryTimeout   time.Duration
	SimultaneousOpenWindow time.Duration

	Sender   FrameSender
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Registry prometheus.Registerer // used to build Metrics if Metrics is nil and Registry is not
}

func (cfg Config) natConfig() nat.Config {
	def := nat.DefaultConfig()
	c := nat.Config{
		ICMPTimeout:            cfg.ICMPTimeout,
		TCPEstablishedTimeout:  cfg.TCPEstablishedTimeout,
		TCPTransitoryTimeout:   cfg.TCPTransitoryTimeout,
		SimultaneousOpenWindow: cfg.SimultaneousOpenWindow,
	}
	if c.ICMPTimeout == 0 {
		c.ICMPTimeout = def.ICMPTimeout
	}
	if c.TCPEstablishedTimeout == 0 {
		c.TCPEstablishedTimeout = def.TCPEstablishedTimeout
	}
	if c.TCPTransitoryTimeout == 0 {
		c.TCPTransitoryTimeout = def.TCPTransitoryTimeout
	}
	if c.SimultaneousOpenWindow == 0 {
		c.SimultaneousOpenWindow = def.SimultaneousOpenWindow
	}
	return c
}

var errNoSender = errors.New("router: Config.Sender must not be nil")

// Router owns the interface/route tables and the ARP/forwarding/NAT
// engines built from them. A Router is safe for concurrent use by its
// ingress worker and its background timers (ARP retry, NAT expiry), which
// it starts and stops itself via Run/Stop.
type Router struct {
	cfg     Config
	ifaces  *iface.Table
	routes  *routing.Table
	arp     *arpcache.Cache
	fwd     *forwarding.Core
	nat     *nat.Table
	natxlat *nat.Translator
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New validates cfg and builds a Router over the given interfaces and
// routes.
func New(cfg Config, ifaces []iface.Interface, routes []routing.Route) (*Router, error) {
	if cfg.Sender == nil {
		return nil, errNoSender
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil && cfg.Registry != nil {
		cfg.Metrics = metrics.New(cfg.Registry)
	}

	ifaceTable, err := iface.NewTable(ifaces)
	if err != nil {
		return nil, err
	}
	routeTable := routing.NewTable(routes)

	r := &Router{cfg: cfg, ifaces: ifaceTable, routes: routeTable, log: cfg.Logger, metrics: cfg.Metrics}

	r.arp = arpcache.New(cfg.Sender, r.onARPResolutionFailed, cfg.Clock, cfg.Logger, cfg.Metrics)
	r.fwd = forwarding.New(ifaceTable, routeTable, r.arp, cfg.Metrics, cfg.Logger)
	if cfg.NATEnabled {
		r.nat = nat.New(cfg.natConfig(), cfg.Clock, cfg.Logger, cfg.Metrics, r.onSYNPendingExpired)
		r.natxlat = nat.NewTranslator(r.nat, r.fwd, cfg.Logger)
	}
	return r, nil
}

// Run starts the background ARP retry and (if NAT is enabled) NAT expiry
// timers; it blocks until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	if r.nat != nil {
		go r.nat.Run(ctx)
	}
	r.arp.Run(ctx)
}

// Stop halts the background timers started by Run.
func (r *Router) Stop() {
	if r.nat != nil {
		r.nat.Stop()
	}
	r.arp.Stop()
}

// SendFrame hands frame to the configured transport for egress on ifaceName.
func (r *Router) SendFrame(ifaceName string, frame []byte) error {
	return r.cfg.Sender.SendFrame(ifaceName, frame)
}

// onARPResolutionFailed turns an exhausted ARP request into the ICMP
// host-unreachable its queued frame's original IP sender is owed.
func (r *Router) onARPResolutionFailed(ifc iface.Interface, pending arpcache.PendingFrame) {
	efrm, err := ethernet.NewFrame(pending.Bytes)
	if err != nil {
		return
	}
	ipfrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		return
	}
	if r.metrics != nil {
		r.metrics.ARPFailures.Inc()
	}
	r.fwd.SendICMPError(ipfrm, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodeHostUnreachable))
}

// onSYNPendingExpired turns a stranded simultaneous-open candidate's
// queued SYN into the ICMP port-unreachable its sender is owed.
func (r *Router) onSYNPendingExpired(queuedSYN []byte) {
	ipfrm, err := ipv4.NewFrame(queuedSYN)
	if err != nil {
		return
	}
	r.fwd.SendICMPError(ipfrm, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodePortUnreachable))
}

// HandlePacket processes one Ethernet frame received on the named
// interface. buf must start at the Ethernet header. Frames addressed to a
// MAC other than the receiving interface's own or the broadcast address
// are dropped before any further parsing.
func (r *Router) HandlePacket(ifaceName string, buf []byte) {
	ingress, err := r.ifaces.ByName(ifaceName)
	if err != nil {
		r.log.Debug("router: packet on unknown interface, dropping", "iface", ifaceName)
		return
	}
	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		r.log.Debug("router: short ethernet frame, dropping", "err", err)
		return
	}
	dst := *efrm.DestinationHardwareAddr()
	if dst != ingress.MAC && !efrm.IsBroadcast() {
		return
	}

	switch efrm.EtherType() {
	case ethernet.TypeARP:
		if err := r.arp.HandleFrame(efrm.Payload(), ingress); err != nil {
			r.log.Debug("router: arp handling failed", "err", err)
		}
	case ethernet.TypeIPv4:
		r.handleIPv4(efrm.Payload(), ingress)
	default:
		// Unrecognised ethertype; nothing in this router's scope consumes it.
	}
}

func (r *Router) handleIPv4(buf []byte, ingress iface.Interface) {
	frm, err := forwarding.ValidateIPv4(buf)
	if err != nil {
		r.log.Debug("router: dropping invalid ip datagram", "err", err, slogx.IPv4("src", frameSourceOrZero(buf)))
		return
	}

	if !r.cfg.NATEnabled {
		r.handlePlain(frm, ingress)
		return
	}
	r.handleNAT(frm, ingress)
}

func frameSourceOrZero(buf []byte) (zero [4]byte) {
	if len(buf) < 16 {
		return zero
	}
	return [4]byte(buf[12:16])
}

// handlePlain implements the NAT-disabled classifier: for-us by
// destination-ownership goes to the router's own ICMP handler, everything
// else is forwarded plainly.
func (r *Router) handlePlain(frm ipv4.Frame, ingress iface.Interface) {
	if _, owned := r.ifaces.Owns(*frm.DestinationAddr()); owned {
		r.fwd.HandleForUs(frm, ingress)
		return
	}
	r.fwd.Forward(frm, ingress)
}

// handleNAT implements the NAT-enabled direction classifier across
// internal/external ingress and FOR_US/OUTBOUND/INBOUND/DEFLECTED/DROP.
func (r *Router) handleNAT(frm ipv4.Frame, ingress iface.Interface) {
	dst := *frm.DestinationAddr()
	_, owned := r.ifaces.Owns(dst)

	if ingress.Internal() {
		if owned {
			r.fwd.HandleForUs(frm, ingress)
			return
		}
		r.natxlat.Outbound(frm, ingress)
		return
	}

	// External ingress.
	if !owned {
		r.fwd.Forward(frm, ingress) // DEFLECTED: ordinary forwarding, no translation.
		return
	}
	if r.natxlat.Inbound(frm, ingress) {
		return
	}
	// Not claimed by any NAT mapping: falls back to FOR_US, except an
	// external host may never address the internal interface directly.
	if dst == r.ifaces.InternalInterface().IPv4 {
		if r.metrics != nil {
			r.metrics.PacketsDropped.WithLabelValues("external_to_internal_iface").Inc()
		}
		return
	}
	r.fwd.HandleForUs(frm, ingress)
}
