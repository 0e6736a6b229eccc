package nat

import (
	"github.com/vnetbed/router/tcp"
)

// OutboundTCP handles the outbound TCP path: look up (internal IP,
// internal port) under TCP. On a miss with SYN set, first check whether a
// simultaneous-open candidate (an unsolicited inbound SYN queued under
// pendingInbound) is already waiting for this exact peer; if so the new
// mapping reuses that candidate's external port and the connection goes
// straight to CONNECTED, discarding the queued SYN. Otherwise a fresh
// mapping is allocated and the connection starts at OUTBOUND_SYN. A miss
// with SYN unset has no flow to attach to and is dropped.
func (t *Table) OutboundTCP(ipInt [4]byte, port uint16, peerIP [4]byte, peerPort uint16, flags tcp.Flags) (auxExt uint16, forward bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()

	key := mapKey{KindTCP, ipInt, port}
	m, ok := t.byInternal[key]
	if !ok {
		if !flags.HasAny(tcp.FlagSYN) {
			return 0, false
		}
		if cand := t.takeMatchingCandidate(peerIP, peerPort); cand != nil {
			m = t.newMapping(KindTCP, ipInt, port, cand.auxExt, now)
			ck := connKey{peerIP, peerPort}
			m.Conns[ck] = &Connection{State: StateConnected, LastAccessed: now, PeerIP: peerIP, PeerPort: peerPort}
			if t.metrics != nil {
				t.metrics.NATConnectionsCreated.Inc()
			}
			return m.AuxExt, true
		}
		m = t.newMapping(KindTCP, ipInt, port, t.allocPort(KindTCP), now)
	}
	m.LastUpdated = now

	ck := connKey{peerIP, peerPort}
	conn, exists := m.Conns[ck]
	if !exists {
		m.Conns[ck] = &Connection{State: StateOutboundSYN, LastAccessed: now, PeerIP: peerIP, PeerPort: peerPort}
		if t.metrics != nil {
			t.metrics.NATConnectionsCreated.Inc()
		}
		return m.AuxExt, true
	}

	switch {
	case conn.State == StateTimeWait && flags.HasAny(tcp.FlagSYN):
		conn.State = StateOutboundSYN
	case conn.State == StateInboundSynPending && flags.HasAny(tcp.FlagSYN):
		conn.State = StateConnected
		conn.QueuedInboundSYN = nil
	case conn.State == StateConnected && flags.HasAny(tcp.FlagFIN):
		conn.State = StateTimeWait
	}
	conn.LastAccessed = now
	return m.AuxExt, true
}

// takeMatchingCandidate removes and returns the pending simultaneous-open
// candidate addressed from peerIP:peerPort, if any. Must be called under
// t.mu.
func (t *Table) takeMatchingCandidate(peerIP [4]byte, peerPort uint16) *pendingInbound {
	for port, p := range t.pending {
		if p.peerIP == peerIP && p.peerPort == peerPort {
			delete(t.pending, port)
			return p
		}
	}
	return nil
}

// InboundTCP handles the inbound TCP path: look up by destination
// (external) port.
//
//   - Hit, with a connection record already tracking this peer: advance
//     its state and forward translated.
//   - Hit, no connection record for this peer yet: a new peer is
//     addressing an existing mapping. If this segment is a SYN, open an
//     INBOUND_SYN_PENDING record and queue a copy (mirroring the no-hit
//     simultaneous-open path below) rather than forwarding immediately,
//     since the internal host has not agreed to this peer yet. Otherwise
//     there is nothing to forward to, so reply port-unreachable.
//   - Miss entirely: if SYN, register a simultaneous-open candidate at
//     this external port and queue a copy of synCopy; otherwise
//     port-unreachable.
func (t *Table) InboundTCP(auxExt uint16, peerIP [4]byte, peerPort uint16, flags tcp.Flags, synCopy []byte) (ipInt [4]byte, portInt uint16, forward, portUnreachable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()

	m, ok := t.byExternal[extKey{KindTCP, auxExt}]
	if !ok {
		if !flags.HasAny(tcp.FlagSYN) {
			return [4]byte{}, 0, false, true
		}
		if _, exists := t.pending[auxExt]; !exists {
			t.pending[auxExt] = &pendingInbound{auxExt: auxExt, peerIP: peerIP, peerPort: peerPort, queuedSYN: synCopy, createdAt: now}
		}
		return [4]byte{}, 0, false, false
	}

	m.LastUpdated = now
	ck := connKey{peerIP, peerPort}
	conn, exists := m.Conns[ck]
	if !exists {
		if !flags.HasAny(tcp.FlagSYN) {
			return [4]byte{}, 0, false, true
		}
		m.Conns[ck] = &Connection{State: StateInboundSynPending, LastAccessed: now, QueuedInboundSYN: synCopy, PeerIP: peerIP, PeerPort: peerPort}
		if t.metrics != nil {
			t.metrics.NATConnectionsCreated.Inc()
		}
		return [4]byte{}, 0, false, false
	}

	switch {
	case conn.State == StateOutboundSYN:
		conn.State = StateConnected
	case conn.State == StateConnected && flags.HasAny(tcp.FlagFIN):
		conn.State = StateTimeWait
	}
	conn.LastAccessed = now
	return m.IPInt, m.AuxInt, true, false
}
