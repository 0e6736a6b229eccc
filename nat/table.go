// Package nat implements the router's endpoint-independent NAPT gateway:
// the mapping table with its port/identifier allocator and expiry timer,
// the per-connection TCP state machine, and the direction classifier and
// translator in translator.go.
package nat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vnetbed/router/metrics"
)

// Kind distinguishes the two mapping families sharing the table.
type Kind uint8

const (
	KindICMP Kind = iota
	KindTCP
)

func (k Kind) String() string {
	if k == KindTCP {
		return "tcp"
	}
	return "icmp"
}

// ConnState is a TCP connection record's position in the NAT
// connection-tracking state machine.
type ConnState uint8

const (
	StateOutboundSYN ConnState = iota
	StateConnected
	StateTimeWait
	StateInboundSynPending
)

func (s ConnState) String() string {
	switch s {
	case StateOutboundSYN:
		return "OUTBOUND_SYN"
	case StateConnected:
		return "CONNECTED"
	case StateTimeWait:
		return "TIME_WAIT"
	case StateInboundSynPending:
		return "INBOUND_SYN_PENDING"
	default:
		return "UNKNOWN"
	}
}

// Connection is one per-destination TCP connection record living under a
// mapping.
type Connection struct {
	State            ConnState
	LastAccessed     time.Time
	QueuedInboundSYN []byte // owned copy; only set in INBOUND_SYN_PENDING
	PeerIP           [4]byte
	PeerPort         uint16
}

// Mapping is one NAT translation entry. Conns is nil/empty for ICMP
// mappings.
type Mapping struct {
	Kind        Kind
	IPInt       [4]byte
	AuxInt      uint16
	AuxExt      uint16
	LastUpdated time.Time
	Conns       map[connKey]*Connection
}

type mapKey struct {
	kind   Kind
	ip     [4]byte
	auxInt uint16
}

type extKey struct {
	kind   Kind
	auxExt uint16
}

type connKey struct {
	peerIP   [4]byte
	peerPort uint16
}

// pendingInbound holds an unsolicited inbound TCP SYN received before any
// mapping exists for its destination port: a simultaneous-open candidate.
// It is promoted into a real Mapping (at the SAME external port the
// inbound SYN already named) by a matching outbound SYN to the same peer
// within SimultaneousOpenWindow.
type pendingInbound struct {
	auxExt    uint16
	peerIP    [4]byte
	peerPort  uint16
	queuedSYN []byte
	createdAt time.Time
}

// Config holds the NAT table's timeouts.
type Config struct {
	ICMPTimeout            time.Duration
	TCPEstablishedTimeout  time.Duration
	TCPTransitoryTimeout   time.Duration
	SimultaneousOpenWindow time.Duration
}

// DefaultConfig returns the testbed's default timeouts.
func DefaultConfig() Config {
	return Config{
		ICMPTimeout:            60 * time.Second,
		TCPEstablishedTimeout:  7440 * time.Second,
		TCPTransitoryTimeout:   300 * time.Second,
		SimultaneousOpenWindow: 6 * time.Second,
	}
}

// PortUnreachableFunc is invoked by the timer when an INBOUND_SYN_PENDING
// connection's grace window expires, so the caller can emit an ICMP
// port-unreachable toward the external peer that sent the stranded SYN.
type PortUnreachableFunc func(queuedSYN []byte)

// Table is the NAT mapping table plus its port allocators, protected by a
// single lock covering all reads and mutations: any pointer obtained by a
// lookup becomes invalid as soon as the lock is released. Every exported
// method that touches the table (Tick included) takes the lock itself and
// returns plain values, never a pointer into the table.
type Table struct {
	mu  sync.Mutex
	cfg Config

	clock   clockwork.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	onSYNPendingExpired PortUnreachableFunc

	byInternal map[mapKey]*Mapping
	byExternal map[extKey]*Mapping
	pending    map[uint16]*pendingInbound // keyed by the inbound SYN's destination (external) port

	tcpPort  uint16
	icmpPort uint16

	stop chan struct{}
	done chan struct{}
}

const (
	portRangeStart = 50000
	portRangeEnd   = 59999
)

// New constructs a Table. clock defaults to the real clock, log to
// slog.Default, if nil. onSYNPendingExpired is called (outside the table
// lock) once per INBOUND_SYN_PENDING connection that times out before a
// matching outbound SYN arrives.
func New(cfg Config, clock clockwork.Clock, log *slog.Logger, m *metrics.Metrics, onSYNPendingExpired PortUnreachableFunc) *Table {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Table{
		cfg:                 cfg,
		clock:               clock,
		log:                 log,
		metrics:             m,
		onSYNPendingExpired: onSYNPendingExpired,
		byInternal:          make(map[mapKey]*Mapping),
		byExternal:          make(map[extKey]*Mapping),
		pending:             make(map[uint16]*pendingInbound),
		tcpPort:             portRangeStart,
		icmpPort:            portRangeStart,
	}
}

// allocPort returns the next port/identifier in kind's rolling counter,
// wrapping from 59999 back to 50000. Collision with an in-use port is not
// checked after the range wraps; acceptable for the testbed's expected
// flow volume.
func (t *Table) allocPort(kind Kind) uint16 {
	ctr := &t.icmpPort
	if kind == KindTCP {
		ctr = &t.tcpPort
	}
	port := *ctr
	if *ctr == portRangeEnd {
		*ctr = portRangeStart
	} else {
		*ctr++
	}
	return port
}

func (t *Table) newMapping(kind Kind, ipInt [4]byte, auxInt, auxExt uint16, now time.Time) *Mapping {
	m := &Mapping{Kind: kind, IPInt: ipInt, AuxInt: auxInt, AuxExt: auxExt, LastUpdated: now}
	if kind == KindTCP {
		m.Conns = make(map[connKey]*Connection)
	}
	t.byInternal[mapKey{kind, ipInt, auxInt}] = m
	t.byExternal[extKey{kind, auxExt}] = m
	if t.metrics != nil {
		t.metrics.NATMappingsCreated.WithLabelValues(kind.String()).Inc()
		t.metrics.NATActiveMappings.Inc()
	}
	return m
}

func (t *Table) destroyMapping(m *Mapping) {
	delete(t.byInternal, mapKey{m.Kind, m.IPInt, m.AuxInt})
	delete(t.byExternal, extKey{m.Kind, m.AuxExt})
	if t.metrics != nil {
		t.metrics.NATMappingsDestroyed.WithLabelValues(m.Kind.String()).Inc()
		t.metrics.NATActiveMappings.Dec()
	}
}

// OutboundICMP handles the outbound ICMP-echo path: look up (internal IP,
// id) under ICMP; create on miss. Always succeeds (ICMP outbound never
// drops for lack of a mapping).
func (t *Table) OutboundICMP(ipInt [4]byte, id uint16) (auxExt uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	key := mapKey{KindICMP, ipInt, id}
	m, ok := t.byInternal[key]
	if !ok {
		auxExt = t.allocPort(KindICMP)
		m = t.newMapping(KindICMP, ipInt, id, auxExt, now)
	}
	m.LastUpdated = now
	return m.AuxExt
}

// InboundICMP handles the inbound ICMP-echo path: look up by identifier;
// ok is false if no mapping matches (caller then treats the datagram as
// FOR_US/drop).
func (t *Table) InboundICMP(id uint16) (ipInt [4]byte, auxInt uint16, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, found := t.byExternal[extKey{KindICMP, id}]
	if !found {
		return [4]byte{}, 0, false
	}
	m.LastUpdated = t.clock.Now()
	return m.IPInt, m.AuxInt, true
}

// Tick drives one pass of the mapping/connection expiry timer. For ICMP
// mappings idle beyond ICMPTimeout, destroy. For TCP,
// destroy connections past their state-appropriate timeout — firing the
// INBOUND_SYN_PENDING side effect — and destroy the mapping once its
// connection list empties. Also expires simultaneous-open candidates that
// never saw a matching outbound SYN.
func (t *Table) Tick(now time.Time) {
	var expiredSYNs [][]byte

	t.mu.Lock()
	for port, p := range t.pending {
		if now.Sub(p.createdAt) >= t.cfg.SimultaneousOpenWindow {
			expiredSYNs = append(expiredSYNs, p.queuedSYN)
			delete(t.pending, port)
		}
	}

	for _, m := range t.byInternal {
		if m.Kind == KindICMP {
			if now.Sub(m.LastUpdated) > t.cfg.ICMPTimeout {
				t.destroyMapping(m)
			}
			continue
		}
		for ck, conn := range m.Conns {
			var timeout time.Duration
			switch conn.State {
			case StateConnected:
				timeout = t.cfg.TCPEstablishedTimeout
			default:
				timeout = t.cfg.TCPTransitoryTimeout
			}
			if now.Sub(conn.LastAccessed) < timeout {
				continue
			}
			if conn.State == StateInboundSynPending && conn.QueuedInboundSYN != nil {
				expiredSYNs = append(expiredSYNs, conn.QueuedInboundSYN)
			}
			delete(m.Conns, ck)
			if t.metrics != nil {
				t.metrics.NATConnectionsClosed.WithLabelValues(connCloseReason(conn.State)).Inc()
			}
		}
		if len(m.Conns) == 0 {
			t.destroyMapping(m)
		}
	}
	t.mu.Unlock()

	if t.onSYNPendingExpired != nil {
		for _, syn := range expiredSYNs {
			t.onSYNPendingExpired(syn)
		}
	}
}

func connCloseReason(s ConnState) string {
	if s == StateInboundSynPending {
		return "syn_pending_timeout"
	}
	return "timeout"
}

// Run starts the 1 Hz mapping/connection timer goroutine; it returns once
// ctx is cancelled or Stop is called.
func (t *Table) Run(ctx context.Context) {
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	defer close(t.done)
	ticker := t.clock.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case now := <-ticker.Chan():
			t.Tick(now)
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (t *Table) Stop() {
	if t.stop == nil {
		return
	}
	close(t.stop)
	<-t.done
}
