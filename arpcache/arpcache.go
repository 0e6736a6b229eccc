// Package arpcache implements the router's link-layer resolution: a cache
// mapping next-hop IPv4 addresses to MAC addresses, a FIFO of frames
// pending resolution per next-hop, and the 1 Hz retry timer that gives up
// after five attempts.
package arpcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vnetbed/router/arp"
	"github.com/vnetbed/router/ethernet"
	"github.com/vnetbed/router/iface"
	"github.com/vnetbed/router/internal/slogx"
	"github.com/vnetbed/router/metrics"
)

const (
	// EntryTTL is how long a learned ARP entry remains valid.
	EntryTTL = 15 * time.Second
	// RetryInterval is how often a pending request is re-broadcast.
	RetryInterval = 1 * time.Second
	// MaxAttempts is the number of broadcasts sent before a request fails.
	MaxAttempts = 5
	// minFrameLen is the Ethernet minimum frame length (header+payload,
	// excluding FCS); ARP requests/replies are padded out to it.
	minFrameLen = 60
)

// PendingFrame is a frame copied and held while its next hop's MAC address
// is being resolved.
type PendingFrame struct {
	Bytes    []byte
	IfaceOut string
}

// FrameSender emits a fully-formed Ethernet frame out a named interface.
type FrameSender interface {
	SendFrame(ifaceName string, frame []byte) error
}

// ResolutionFailed is invoked once per queued frame when its next hop's
// request exhausts its retry budget, so the caller can synthesize an ICMP
// host-unreachable response for each.
type ResolutionFailed func(ifc iface.Interface, pending PendingFrame)

type entry struct {
	mac        [6]byte
	insertedAt time.Time
}

func (e entry) expired(now time.Time) bool { return now.Sub(e.insertedAt) > EntryTTL }

type request struct {
	ip        [4]byte
	iface     iface.Interface
	firstSent time.Time
	lastSent  time.Time
	timesSent uint8
	queued    []PendingFrame
}

// Cache is the ARP table plus its pending-request queues. A Cache is safe
// for concurrent use: the ingress worker and the retry timer both acquire
// its single lock. Callers that also hold the NAT table's lock must take
// this one first, never the reverse, to avoid lock-ordering deadlocks.
type Cache struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	log      *slog.Logger
	sender   FrameSender
	onFail   ResolutionFailed
	metrics  *metrics.Metrics
	entries  map[[4]byte]entry
	requests map[[4]byte]*request

	stop chan struct{}
	done chan struct{}
}

// New constructs a Cache. clock defaults to the real clock, log to
// slog.Default, if nil. m may be nil to disable instrumentation.
func New(sender FrameSender, onFail ResolutionFailed, clock clockwork.Clock, log *slog.Logger, m *metrics.Metrics) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		clock:    clock,
		log:      log,
		sender:   sender,
		onFail:   onFail,
		metrics:  m,
		entries:  make(map[[4]byte]entry),
		requests: make(map[[4]byte]*request),
	}
}

// Lookup returns the MAC address cached for ip, if any unexpired entry
// exists.
func (c *Cache) Lookup(ip [4]byte) (mac [6]byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[ip]
	if !found || e.expired(c.clock.Now()) {
		return [6]byte{}, false
	}
	return e.mac, true
}

// SendIPViaRoute fills the Ethernet header of frame (source MAC, EtherType
// IPv4) and either emits it
// immediately, if gateway's MAC is cached, or queues a copy behind an ARP
// request for gateway, broadcasting the first request if none was already
// outstanding.
func (c *Cache) SendIPViaRoute(frame []byte, ifc iface.Interface, gateway [4]byte) error {
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		return err
	}
	*efrm.SourceHardwareAddr() = ifc.MAC
	efrm.SetEtherType(ethernet.TypeIPv4)

	c.mu.Lock()
	mac, ok := c.lookupLocked(gateway)
	if ok {
		*efrm.DestinationHardwareAddr() = mac
		c.mu.Unlock()
		return c.sender.SendFrame(ifc.Name, frame)
	}

	pending := PendingFrame{Bytes: append([]byte(nil), frame...), IfaceOut: ifc.Name}
	req, exists := c.requests[gateway]
	if !exists {
		now := c.clock.Now()
		req = &request{ip: gateway, iface: ifc, firstSent: now, lastSent: now, timesSent: 1}
		c.requests[gateway] = req
	}
	req.queued = append(req.queued, pending)
	c.mu.Unlock()

	if !exists {
		return c.broadcastRequest(req)
	}
	return nil
}

func (c *Cache) lookupLocked(ip [4]byte) (mac [6]byte, ok bool) {
	e, found := c.entries[ip]
	if !found || e.expired(c.clock.Now()) {
		return [6]byte{}, false
	}
	return e.mac, true
}

func (c *Cache) broadcastRequest(req *request) error {
	var buf [minFrameLen]byte
	efrm, _ := ethernet.NewFrame(buf[:])
	dst := ethernet.BroadcastAddr()
	*efrm.DestinationHardwareAddr() = dst
	*efrm.SourceHardwareAddr() = req.iface.MAC
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, _ := arp.NewFrame(efrm.Payload())
	afrm.ClearHeader()
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpRequest)
	shw, sip := afrm.Sender()
	*shw = req.iface.MAC
	*sip = req.iface.IPv4
	_, tip := afrm.Target()
	*tip = req.ip

	c.log.Debug("arp: broadcasting request", slogx.IPv4("target", req.ip), "iface", req.iface.Name)
	if c.metrics != nil {
		c.metrics.ARPRequestsSent.Inc()
	}
	return c.sender.SendFrame(req.iface.Name, buf[:])
}

// HandleFrame processes a received ARP frame arriving on ifc. buf must
// begin at the ARP header (the Ethernet header already consumed).
func (c *Cache) HandleFrame(buf []byte, ifc iface.Interface) error {
	afrm, err := arp.NewFrame(buf)
	if err != nil {
		c.log.Debug("arp: dropping malformed frame", "err", err)
		return nil
	}
	switch afrm.Operation() {
	case arp.OpRequest:
		return c.handleRequest(afrm, ifc)
	case arp.OpReply:
		return c.handleReply(afrm, ifc)
	default:
		c.log.Debug("arp: unknown operation, dropping")
		return nil
	}
}

func (c *Cache) handleRequest(afrm arp.Frame, ifc iface.Interface) error {
	_, tip := afrm.Target()
	if *tip != ifc.IPv4 {
		return nil // not addressed to us; silently ignored (includes gratuitous ARP).
	}
	shw, sip := afrm.Sender()

	var buf [minFrameLen]byte
	efrm, _ := ethernet.NewFrame(buf[:])
	*efrm.DestinationHardwareAddr() = *shw
	*efrm.SourceHardwareAddr() = ifc.MAC
	efrm.SetEtherType(ethernet.TypeARP)

	reply, _ := arp.NewFrame(efrm.Payload())
	reply.ClearHeader()
	reply.SetHardware(1, 6)
	reply.SetProtocol(ethernet.TypeIPv4, 4)
	reply.SetOperation(arp.OpReply)
	rshw, rsip := reply.Sender()
	*rshw = ifc.MAC
	*rsip = ifc.IPv4
	rthw, rtip := reply.Target()
	*rthw = *shw
	*rtip = *sip

	if c.metrics != nil {
		c.metrics.ARPRepliesSent.Inc()
	}
	return c.sender.SendFrame(ifc.Name, buf[:])
}

func (c *Cache) handleReply(afrm arp.Frame, ifc iface.Interface) error {
	_, tip := afrm.Target()
	if *tip != ifc.IPv4 {
		return nil
	}
	shw, sip := afrm.Sender()
	senderIP, senderMAC := *sip, *shw

	c.mu.Lock()
	c.entries[senderIP] = entry{mac: senderMAC, insertedAt: c.clock.Now()}
	req, ok := c.requests[senderIP]
	if ok {
		delete(c.requests, senderIP)
	}
	c.mu.Unlock()

	c.log.Debug("arp: learned entry", slogx.IPv4("ip", senderIP), slogx.MAC("mac", senderMAC))
	if !ok {
		return nil
	}
	if c.metrics != nil {
		c.metrics.ARPResolutions.Inc()
	}
	for _, pending := range req.queued {
		efrm, err := ethernet.NewFrame(pending.Bytes)
		if err != nil {
			continue
		}
		*efrm.DestinationHardwareAddr() = senderMAC
		if err := c.sender.SendFrame(pending.IfaceOut, pending.Bytes); err != nil {
			c.log.Warn("arp: failed to flush queued frame", "err", err)
		}
	}
	return nil
}

// Tick drives one retry-timer pass at time now: any request whose
// last_sent is at least RetryInterval old is re-broadcast; requests that
// have exhausted MaxAttempts fail all queued frames via onFail and are
// destroyed. Exported so tests can drive it deterministically instead of
// starting the goroutine loop.
func (c *Cache) Tick(now time.Time) {
	var toRebroadcast []*request
	var toFail []*request

	c.mu.Lock()
	for ip, req := range c.requests {
		if now.Sub(req.lastSent) < RetryInterval {
			continue
		}
		req.timesSent++
		req.lastSent = now
		if req.timesSent > MaxAttempts {
			toFail = append(toFail, req)
			delete(c.requests, ip)
		} else {
			toRebroadcast = append(toRebroadcast, req)
		}
	}
	c.mu.Unlock()

	for _, req := range toRebroadcast {
		if err := c.broadcastRequest(req); err != nil {
			c.log.Warn("arp: retry broadcast failed", "err", err)
		}
	}
	for _, req := range toFail {
		c.log.Warn("arp: resolution failed", slogx.IPv4("ip", req.ip), "attempts", req.timesSent)
		for _, pending := range req.queued {
			if c.onFail != nil {
				c.onFail(req.iface, pending)
			}
		}
	}
}

// Run starts the 1 Hz retry-timer goroutine; it returns once ctx is
// cancelled or Stop is called.
func (c *Cache) Run(ctx context.Context) {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	defer close(c.done)
	ticker := c.clock.NewTicker(RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case now := <-ticker.Chan():
			c.Tick(now)
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (c *Cache) Stop() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
}
