package nat

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vnetbed/router/tcp"
)

var (
	internalIP = [4]byte{10, 0, 0, 5}
	peerIP     = [4]byte{198, 51, 100, 9}
)

func TestOutboundICMPCreatesAndReusesMapping(t *testing.T) {
	tbl := New(DefaultConfig(), clockwork.NewFakeClock(), nil, nil, nil)

	aux1 := tbl.OutboundICMP(internalIP, 42)
	aux2 := tbl.OutboundICMP(internalIP, 42)
	if aux1 != aux2 {
		t.Fatal("repeated outbound echo from the same (ip, id) should reuse its mapping")
	}
	aux3 := tbl.OutboundICMP(internalIP, 43)
	if aux3 == aux1 {
		t.Fatal("a different ICMP identifier should get its own mapping")
	}
}

func TestInboundICMPMissReturnsNotOK(t *testing.T) {
	tbl := New(DefaultConfig(), clockwork.NewFakeClock(), nil, nil, nil)
	if _, _, ok := tbl.InboundICMP(999); ok {
		t.Fatal("inbound echo with no prior outbound mapping should miss")
	}
}

func TestInboundICMPRoundTrips(t *testing.T) {
	tbl := New(DefaultConfig(), clockwork.NewFakeClock(), nil, nil, nil)
	aux := tbl.OutboundICMP(internalIP, 42)

	gotIP, gotAux, ok := tbl.InboundICMP(aux)
	if !ok {
		t.Fatal("expected the mapping created by OutboundICMP to resolve")
	}
	if gotIP != internalIP || gotAux != 42 {
		t.Fatalf("expected (%v, 42), got (%v, %d)", internalIP, gotIP, gotAux)
	}
}

func TestOutboundTCPSYNThenReplyConnectsThenFINMovesToTimeWait(t *testing.T) {
	tbl := New(DefaultConfig(), clockwork.NewFakeClock(), nil, nil, nil)

	aux, forward := tbl.OutboundTCP(internalIP, 5000, peerIP, 80, tcp.FlagSYN)
	if !forward {
		t.Fatal("outbound SYN should always forward")
	}
	m, ok := tbl.byInternal[mapKey{KindTCP, internalIP, 5000}]
	if !ok {
		t.Fatal("expected a mapping to be created")
	}
	conn := m.Conns[connKey{peerIP, 80}]
	if conn.State != StateOutboundSYN {
		t.Fatalf("expected OUTBOUND_SYN, got %s", conn.State)
	}

	aux2, _ := tbl.OutboundTCP(internalIP, 5000, peerIP, 80, tcp.FlagACK)
	if aux2 != aux {
		t.Fatal("same internal flow should keep its external port across segments")
	}

	tbl.InboundTCP(aux, peerIP, 80, tcp.FlagSYN|tcp.FlagACK, nil)
	if conn.State != StateConnected {
		t.Fatalf("an inbound reply should move OUTBOUND_SYN to CONNECTED, got %s", conn.State)
	}

	tbl.OutboundTCP(internalIP, 5000, peerIP, 80, tcp.FlagFIN|tcp.FlagACK)
	if conn.State != StateTimeWait {
		t.Fatalf("FIN on a connected flow should move to TIME_WAIT, got %s", conn.State)
	}
}

func TestOutboundTCPWithoutSYNOnMissDoesNotForward(t *testing.T) {
	tbl := New(DefaultConfig(), clockwork.NewFakeClock(), nil, nil, nil)
	_, forward := tbl.OutboundTCP(internalIP, 5001, peerIP, 80, tcp.FlagACK)
	if forward {
		t.Fatal("a non-SYN segment with no existing mapping has nothing to attach to")
	}
}

func TestInboundTCPMissRegistersSimultaneousOpenCandidate(t *testing.T) {
	tbl := New(DefaultConfig(), clockwork.NewFakeClock(), nil, nil, nil)
	syn := []byte("syn")

	_, _, forward, portUnreachable := tbl.InboundTCP(55000, peerIP, 443, tcp.FlagSYN, syn)
	if forward || portUnreachable {
		t.Fatal("a queued simultaneous-open candidate is neither forwarded nor an error")
	}
	if _, ok := tbl.pending[55000]; !ok {
		t.Fatal("expected a pending simultaneous-open candidate")
	}
}

func TestInboundTCPMissWithoutSYNIsPortUnreachable(t *testing.T) {
	tbl := New(DefaultConfig(), clockwork.NewFakeClock(), nil, nil, nil)
	_, _, forward, portUnreachable := tbl.InboundTCP(55001, peerIP, 443, tcp.FlagACK, nil)
	if forward || !portUnreachable {
		t.Fatal("an inbound non-SYN segment with no mapping and no candidate should be port-unreachable")
	}
}

func TestSimultaneousOpenMatchedByOutboundSYNGoesStraightToConnected(t *testing.T) {
	tbl := New(DefaultConfig(), clockwork.NewFakeClock(), nil, nil, nil)
	syn := []byte("syn")

	tbl.InboundTCP(55002, peerIP, 443, tcp.FlagSYN, syn)

	auxExt, forward := tbl.OutboundTCP(internalIP, 6000, peerIP, 443, tcp.FlagSYN)
	if !forward {
		t.Fatal("expected the matching outbound SYN to forward")
	}
	if auxExt != 55002 {
		t.Fatalf("expected the new mapping to reuse the candidate's external port 55002, got %d", auxExt)
	}
	m := tbl.byExternal[extKey{KindTCP, 55002}]
	conn := m.Conns[connKey{peerIP, 443}]
	if conn.State != StateConnected {
		t.Fatalf("simultaneous open should resolve directly to CONNECTED, got %s", conn.State)
	}
	if _, stillPending := tbl.pending[55002]; stillPending {
		t.Fatal("the candidate should be consumed, not left pending")
	}
}

func TestTickExpiresIdleICMPMapping(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := New(DefaultConfig(), clock, nil, nil, nil)
	tbl.OutboundICMP(internalIP, 1)

	clock.Advance(DefaultConfig().ICMPTimeout + time.Second)
	tbl.Tick(clock.Now())

	if _, ok := tbl.byInternal[mapKey{KindICMP, internalIP, 1}]; ok {
		t.Fatal("expected the idle ICMP mapping to be destroyed")
	}
}

func TestTickExpiresStrandedSimultaneousOpenCandidate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var expired [][]byte
	cfg := DefaultConfig()
	tbl := New(cfg, clock, nil, nil, func(syn []byte) {
		expired = append(expired, syn)
	})
	tbl.InboundTCP(55003, peerIP, 443, tcp.FlagSYN, []byte("queued-syn"))

	clock.Advance(cfg.SimultaneousOpenWindow + time.Second)
	tbl.Tick(clock.Now())

	if len(expired) != 1 || string(expired[0]) != "queued-syn" {
		t.Fatalf("expected the stranded candidate's SYN to be reported expired, got %v", expired)
	}
	if _, ok := tbl.pending[55003]; ok {
		t.Fatal("expired candidate should be removed from pending")
	}
}
