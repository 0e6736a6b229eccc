// Package forwarding implements the router's IPv4 forwarding core: ingress
// validation, TTL handling, longest-prefix-match routing, and ICMP error
// generation, plus the ICMP handler for traffic addressed to the router
// itself.
package forwarding

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/vnetbed/router/iface"
	"github.com/vnetbed/router/internal/checksum"
	"github.com/vnetbed/router/internal/slogx"
	"github.com/vnetbed/router/internal/wire"
	"github.com/vnetbed/router/ipv4"
	"github.com/vnetbed/router/ipv4/icmpv4"
	"github.com/vnetbed/router/metrics"
	"github.com/vnetbed/router/routing"
)

const (
	// RouterTTL is the TTL set on every self-generated packet (echo
	// replies, ICMP errors).
	RouterTTL   = 64
	minIPHeader = 20
)

var (
	errTooShort    = errors.New("forwarding: frame shorter than minimum IP header")
	errBadChecksum = errors.New("forwarding: bad IP header checksum")
)

// LinkSender is the link/ARP resolution layer a Core delegates egress MAC
// resolution to. arpcache.Cache implements this.
type LinkSender interface {
	SendIPViaRoute(frame []byte, ifc iface.Interface, gateway [4]byte) error
}

// Core is the IPv4 forwarding and router-ICMP engine. It holds no NAT
// state: nat.Translator calls into Core to perform the actual TTL
// decrement, route lookup and egress after rewriting addresses.
type Core struct {
	ifaces  *iface.Table
	routes  *routing.Table
	link    LinkSender
	metrics *metrics.Metrics
	log     *slog.Logger
	ipID    atomic.Uint32
}

// New constructs a Core. log defaults to slog.Default if nil; metrics may
// be nil to disable instrumentation.
func New(ifaces *iface.Table, routes *routing.Table, link LinkSender, m *metrics.Metrics, log *slog.Logger) *Core {
	if log == nil {
		log = slog.Default()
	}
	return &Core{ifaces: ifaces, routes: routes, link: link, metrics: m, log: log}
}

// NextID returns the next value of the router's free-running IP
// identification counter.
func (c *Core) NextID() uint16 {
	return uint16(c.ipID.Add(1))
}

// ValidateIPv4 performs ingress validation: minimum length, version/IHL
// sanity, and header checksum (computed with the checksum field treated
// as zero, per [ipv4.Frame.CalculateHeaderCRC]). Any failure is a silent
// drop.
func ValidateIPv4(buf []byte) (ipv4.Frame, error) {
	if len(buf) < minIPHeader {
		return ipv4.Frame{}, errTooShort
	}
	frm, err := ipv4.NewFrame(buf)
	if err != nil {
		return ipv4.Frame{}, err
	}
	var v wire.Validator
	frm.ValidateExceptCRC(&v)
	if v.HasError() {
		return ipv4.Frame{}, v.Err()
	}
	if frm.CRC() != frm.CalculateHeaderCRC() {
		return ipv4.Frame{}, errBadChecksum
	}
	return frm, nil
}

// RouteFor resolves the egress route and interface for destination dst via
// longest-prefix match, for use both by Forward and by NAT's outbound
// rewriter, which sets ip_src to the egress-interface IP this selects.
func (c *Core) RouteFor(dst [4]byte) (route routing.Route, egress iface.Interface, ok bool) {
	route, ok = c.routes.Lookup(dst)
	if !ok {
		return routing.Route{}, iface.Interface{}, false
	}
	egress, err := c.ifaces.ByName(route.InterfaceName)
	if err != nil {
		return routing.Route{}, iface.Interface{}, false
	}
	return route, egress, true
}

// Forward decrements TTL (sending ICMP time-exceeded and dropping on
// exhaustion), recomputes the header checksum, and looks up the
// destination by longest-prefix match. A missing route, or a route
// whose egress interface is the ingress interface, draws an ICMP
// network-unreachable. Otherwise the datagram is hit off to the link layer
// for MAC resolution and egress.
func (c *Core) Forward(frm ipv4.Frame, ingress iface.Interface) {
	ttl := frm.TTL()
	if ttl <= 1 {
		c.log.Debug("forwarding: ttl exceeded", slogx.IPv4("dst", *frm.DestinationAddr()))
		c.SendICMPError(frm, icmpv4.TypeTimeExceeded, uint8(icmpv4.CodeExceededInTransit))
		c.countDrop("ttl_exceeded")
		return
	}
	frm.SetTTL(ttl - 1)
	frm.SetCRC(0)
	frm.SetCRC(frm.CalculateHeaderCRC())

	dst := *frm.DestinationAddr()
	route, egress, ok := c.RouteFor(dst)
	if !ok {
		c.log.Debug("forwarding: no route", slogx.IPv4("dst", dst))
		c.SendICMPError(frm, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodeNetUnreachable))
		c.countDrop("no_route")
		return
	}
	if egress.Name == ingress.Name {
		c.log.Debug("forwarding: route loops back to ingress", "iface", ingress.Name)
		c.SendICMPError(frm, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodeNetUnreachable))
		c.countDrop("route_loop")
		return
	}
	// The link layer writes the Ethernet header in front of the datagram.
	buf := make([]byte, 14+len(frm.RawData()))
	copy(buf[14:], frm.RawData())
	if err := c.link.SendIPViaRoute(buf, egress, route.Gateway); err != nil {
		c.log.Warn("forwarding: egress failed", "err", err, "iface", egress.Name)
		return
	}
	c.countForwarded()
}

// HandleForUs answers ICMP echo requests addressed to the router in
// place; any other ICMP type is logged and discarded; non-ICMP protocols
// addressed to the router draw an ICMP port-unreachable.
func (c *Core) HandleForUs(frm ipv4.Frame, ingress iface.Interface) {
	c.countForUs()
	if frm.Protocol() != ipv4.ProtoICMP {
		c.log.Debug("forwarding: non-ICMP to router, replying port-unreachable", "proto", frm.Protocol())
		c.SendICMPError(frm, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodePortUnreachable))
		return
	}
	payload := frm.Payload()
	icmpFrm, err := icmpv4.NewFrame(payload)
	if err != nil {
		c.log.Debug("forwarding: short ICMP to router, dropping", "err", err)
		return
	}
	var crc checksum.CRC791
	icmpFrm.CRCWrite(&crc)
	if crc.Sum16() != icmpFrm.CRC() {
		c.log.Debug("forwarding: bad ICMP checksum to router, dropping")
		return
	}
	if icmpFrm.Type() != icmpv4.TypeEcho {
		c.log.Info("forwarding: unhandled ICMP to router, dropping", "type", icmpFrm.Type())
		return
	}
	c.replyEcho(icmpv4.FrameEcho{Frame: icmpFrm}, frm, ingress)
}

func (c *Core) replyEcho(req icmpv4.FrameEcho, origIP ipv4.Frame, ingress iface.Interface) {
	srcIP := *origIP.SourceAddr()
	dstIP := *origIP.DestinationAddr()

	ipTotalLen := origIP.HeaderLength() + len(req.RawData())
	buf := make([]byte, 14+ipTotalLen)
	ipfrm, _ := ipv4.NewFrame(buf[14:])
	ipfrm.ClearHeader()
	ipfrm.SetVersionAndIHL(4, 5)
	ipfrm.SetTotalLength(uint16(ipTotalLen))
	ipfrm.SetID(c.NextID())
	ipfrm.SetFlags(ipv4.FlagDontFragment)
	ipfrm.SetTTL(RouterTTL)
	ipfrm.SetProtocol(ipv4.ProtoICMP)
	*ipfrm.SourceAddr() = dstIP
	*ipfrm.DestinationAddr() = srcIP

	reply := icmpv4.FrameEcho{Frame: mustICMPFrame(ipfrm.Payload())}
	reply.SetType(icmpv4.TypeEchoReply)
	reply.SetCode(0)
	reply.SetIdentifier(req.Identifier())
	reply.SetSequenceNumber(req.SequenceNumber())
	copy(reply.Data(), req.Data())

	var crc checksum.CRC791
	reply.CRCWrite(&crc)
	reply.SetCRC(crc.Sum16())

	ipfrm.SetCRC(0)
	ipfrm.SetCRC(ipfrm.CalculateHeaderCRC())

	route, egress, ok := c.RouteFor(srcIP)
	if !ok {
		c.log.Warn("forwarding: no route for echo reply destination, dropping", slogx.IPv4("dst", srcIP))
		return
	}
	if err := c.link.SendIPViaRoute(buf, egress, route.Gateway); err != nil {
		c.log.Debug("forwarding: echo reply ARP resolution failed, discarding (self-sourced)", "err", err)
	}
}

// SendICMPError builds a type-3/type-11 error packet carrying orig's IP
// header plus the first 8 bytes of its payload (28
// bytes total, zero-padded), sourced from the interface the routing table
// selects for orig's sender (so the error appears to come from the router
// face nearest the original sender) and destined back to that sender. If
// the chosen source interface is also the destination (the original
// sender is the router itself), the packet is dropped to avoid a loop.
func (c *Core) SendICMPError(orig ipv4.Frame, icmpType icmpv4.Type, code uint8) {
	sender := *orig.SourceAddr()
	route, egress, ok := c.RouteFor(sender)
	if !ok {
		c.log.Debug("forwarding: no route to source, cannot send ICMP error", slogx.IPv4("src", sender))
		return
	}
	if egress.IPv4 == sender {
		c.log.Debug("forwarding: ICMP error would loop back to router, dropping")
		return
	}

	const embeddedLen = 28
	var embedded [embeddedLen]byte
	copy(embedded[:], orig.RawData()) // remaining bytes stay zero

	ipTotalLen := 20 + 8 + embeddedLen
	buf := make([]byte, 14+ipTotalLen)
	ipfrm, _ := ipv4.NewFrame(buf[14:])
	ipfrm.ClearHeader()
	ipfrm.SetVersionAndIHL(4, 5)
	ipfrm.SetTotalLength(uint16(ipTotalLen))
	ipfrm.SetID(c.NextID())
	ipfrm.SetFlags(ipv4.FlagDontFragment)
	ipfrm.SetTTL(RouterTTL)
	ipfrm.SetProtocol(ipv4.ProtoICMP)
	*ipfrm.SourceAddr() = egress.IPv4
	*ipfrm.DestinationAddr() = sender

	icmpFrm := mustICMPFrame(ipfrm.Payload())
	icmpFrm.SetType(icmpType)
	icmpFrm.SetCode(code)
	binary.BigEndian.PutUint32(icmpFrm.RawData()[4:8], 0) // unused rest-of-header
	copy(icmpFrm.RawData()[8:], embedded[:])

	var crc checksum.CRC791
	icmpFrm.CRCWrite(&crc)
	icmpFrm.SetCRC(crc.Sum16())

	ipfrm.SetCRC(0)
	ipfrm.SetCRC(ipfrm.CalculateHeaderCRC())

	if err := c.link.SendIPViaRoute(buf, egress, route.Gateway); err != nil {
		c.log.Debug("forwarding: ICMP error ARP resolution failed, discarding (self-sourced)", "err", err)
	}
}

func mustICMPFrame(buf []byte) icmpv4.Frame {
	frm, err := icmpv4.NewFrame(buf)
	if err != nil {
		panic(err) // buf is always sized by this package; a short buffer is a bug here.
	}
	return frm
}

func (c *Core) countForwarded() {
	if c.metrics != nil {
		c.metrics.PacketsForwarded.Inc()
	}
}

func (c *Core) countForUs() {
	if c.metrics != nil {
		c.metrics.PacketsForUs.Inc()
	}
}

func (c *Core) countDrop(reason string) {
	if c.metrics != nil {
		c.metrics.PacketsDropped.WithLabelValues(reason).Inc()
	}
}
