package arpcache

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vnetbed/router/arp"
	"github.com/vnetbed/router/ethernet"
	"github.com/vnetbed/router/iface"
)

type fakeSender struct {
	frames []sentFrame
}

type sentFrame struct {
	ifaceName string
	bytes     []byte
}

func (f *fakeSender) SendFrame(ifaceName string, frame []byte) error {
	f.frames = append(f.frames, sentFrame{ifaceName, append([]byte(nil), frame...)})
	return nil
}

var eth3 = iface.Interface{Name: "eth3", MAC: [6]byte{0x0e, 0x20, 0xab, 0x92, 0xe8, 0xb1}, IPv4: [4]byte{10, 0, 1, 11}}

func TestHandleFrameRequestForOwnedIP(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, nil, nil, nil, nil)

	var buf [28]byte
	afrm, _ := arp.NewFrame(buf[:])
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpRequest)
	shw, sip := afrm.Sender()
	*shw = [6]byte{0x0e, 0x20, 0xab, 0x80, 0x00, 0x02}
	*sip = [4]byte{10, 0, 1, 1}
	_, tip := afrm.Target()
	*tip = eth3.IPv4

	if err := c.HandleFrame(buf[:], eth3); err != nil {
		t.Fatal(err)
	}
	if len(sender.frames) != 1 {
		t.Fatalf("expected exactly one emitted frame, got %d", len(sender.frames))
	}
	reply, _ := ethernet.NewFrame(sender.frames[0].bytes)
	if *reply.SourceHardwareAddr() != eth3.MAC {
		t.Fatal("reply source MAC should be the interface MAC")
	}
	if *reply.DestinationHardwareAddr() != *shw {
		t.Fatal("reply destination MAC should be the requester's MAC")
	}
	replyArp, _ := arp.NewFrame(reply.Payload())
	if replyArp.Operation() != arp.OpReply {
		t.Fatal("expected an ARP reply")
	}
	_, rsip := replyArp.Sender()
	if *rsip != eth3.IPv4 {
		t.Fatal("reply sender IP should be the interface IP")
	}
}

func TestHandleFrameRequestForUnownedIPIgnored(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, nil, nil, nil, nil)

	var buf [28]byte
	afrm, _ := arp.NewFrame(buf[:])
	afrm.SetOperation(arp.OpRequest)
	_, tip := afrm.Target()
	*tip = [4]byte{10, 0, 1, 99}

	if err := c.HandleFrame(buf[:], eth3); err != nil {
		t.Fatal(err)
	}
	if len(sender.frames) != 0 {
		t.Fatal("request for unowned IP should be silently ignored")
	}
}

func TestSendIPViaRouteQueuesAndResolves(t *testing.T) {
	sender := &fakeSender{}
	clock := clockwork.NewFakeClock()
	c := New(sender, nil, clock, nil, nil)

	gateway := [4]byte{10, 0, 1, 1}
	payload := make([]byte, 14+20)
	if err := c.SendIPViaRoute(payload, eth3, gateway); err != nil {
		t.Fatal(err)
	}
	if len(sender.frames) != 1 {
		t.Fatalf("expected one ARP broadcast to be sent, got %d", len(sender.frames))
	}
	bcast, _ := ethernet.NewFrame(sender.frames[0].bytes)
	if !bcast.IsBroadcast() {
		t.Fatal("expected a broadcast ARP request")
	}

	// Reply arrives; queued IP frame should now flush.
	var replyBuf [28]byte
	reply, _ := arp.NewFrame(replyBuf[:])
	reply.SetOperation(arp.OpReply)
	shw, sip := reply.Sender()
	*shw = [6]byte{1, 2, 3, 4, 5, 6}
	*sip = gateway
	_, tip := reply.Target()
	*tip = eth3.IPv4

	if err := c.HandleFrame(replyBuf[:], eth3); err != nil {
		t.Fatal(err)
	}
	if len(sender.frames) != 2 {
		t.Fatalf("expected the queued frame to flush, got %d frames", len(sender.frames))
	}
	flushed, _ := ethernet.NewFrame(sender.frames[1].bytes)
	if *flushed.DestinationHardwareAddr() != *shw {
		t.Fatal("flushed frame should carry the newly learned MAC")
	}

	if mac, ok := c.Lookup(gateway); !ok || mac != *shw {
		t.Fatal("gateway MAC should now be cached")
	}
}

func TestTickExhaustsRetriesAndFails(t *testing.T) {
	sender := &fakeSender{}
	clock := clockwork.NewFakeClock()
	var failed []PendingFrame
	c := New(sender, func(ifc iface.Interface, pending PendingFrame) {
		failed = append(failed, pending)
	}, clock, nil, nil)

	gateway := [4]byte{10, 0, 1, 1}
	payload := make([]byte, 14+20)
	if err := c.SendIPViaRoute(payload, eth3, gateway); err != nil {
		t.Fatal(err)
	}

	now := clock.Now()
	for i := 0; i < MaxAttempts; i++ {
		now = now.Add(RetryInterval)
		c.Tick(now)
	}

	if len(failed) != 1 {
		t.Fatalf("expected exactly one failed pending frame, got %d", len(failed))
	}
	if _, ok := c.Lookup(gateway); ok {
		t.Fatal("gateway should not resolve after exhausting retries")
	}
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	sender := &fakeSender{}
	clock := clockwork.NewFakeClock()
	c := New(sender, nil, clock, nil, nil)
	c.entries[[4]byte{1, 1, 1, 1}] = entry{mac: [6]byte{1}, insertedAt: clock.Now()}

	clock.Advance(EntryTTL + time.Second)
	if _, ok := c.Lookup([4]byte{1, 1, 1, 1}); ok {
		t.Fatal("entry should have expired")
	}
}
