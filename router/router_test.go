package router

import (
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/vnetbed/router/arp"
	"github.com/vnetbed/router/ethernet"
	"github.com/vnetbed/router/iface"
	"github.com/vnetbed/router/internal/checksum"
	"github.com/vnetbed/router/ipv4"
	"github.com/vnetbed/router/ipv4/icmpv4"
	"github.com/vnetbed/router/routing"
)

type fakeSender struct {
	sent []sentFrame
}

type sentFrame struct {
	iface string
	bytes []byte
}

func (f *fakeSender) SendFrame(ifaceName string, frame []byte) error {
	f.sent = append(f.sent, sentFrame{ifaceName, append([]byte(nil), frame...)})
	return nil
}

var (
	rExt = iface.Interface{Name: "eth0", MAC: [6]byte{1, 1, 1, 1, 1, 1}, IPv4: [4]byte{203, 0, 113, 1}}
	rInt = iface.Interface{Name: "eth1", MAC: [6]byte{2, 2, 2, 2, 2, 2}, IPv4: [4]byte{10, 0, 0, 1}}

	rInternalHost = [4]byte{10, 0, 0, 5}
	rInternalMAC  = [6]byte{0xaa, 0, 0, 0, 0, 5}
	rPeer         = [4]byte{198, 51, 100, 9}
)

func testRoutes() []routing.Route {
	return []routing.Route{
		{Dest: [4]byte{10, 0, 0, 0}, Mask: [4]byte{255, 255, 255, 0}, Gateway: [4]byte{10, 0, 0, 2}, InterfaceName: "eth1"},
		{Dest: [4]byte{198, 51, 100, 0}, Mask: [4]byte{255, 255, 255, 0}, Gateway: [4]byte{203, 0, 113, 2}, InterfaceName: "eth0"},
	}
}

func newTestRouter(t *testing.T, natEnabled bool) (*Router, *fakeSender, clockwork.FakeClock) {
	t.Helper()
	sender := &fakeSender{}
	clock := clockwork.NewFakeClock()
	r, err := New(Config{
		NATEnabled: natEnabled,
		Sender:     sender,
		Clock:      clock,
	}, []iface.Interface{rExt, rInt}, testRoutes())
	if err != nil {
		t.Fatal(err)
	}
	return r, sender, clock
}

func buildEthernetARPRequest(dst, src [6]byte, senderIP, targetIP [4]byte, senderMAC [6]byte) []byte {
	buf := make([]byte, 14+28)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = dst
	*efrm.SourceHardwareAddr() = src
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, _ := arp.NewFrame(efrm.Payload())
	afrm.ClearHeader()
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpRequest)
	shw, sip := afrm.Sender()
	*shw = senderMAC
	*sip = senderIP
	_, tip := afrm.Target()
	*tip = targetIP
	return buf
}

func buildEthernetIP(dstMAC, srcMAC [6]byte, src, dst [4]byte, proto ipv4.Proto, payload []byte) []byte {
	buf := make([]byte, 14+20+len(payload))
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = dstMAC
	*efrm.SourceHardwareAddr() = srcMAC
	efrm.SetEtherType(ethernet.TypeIPv4)

	ipfrm, _ := ipv4.NewFrame(efrm.Payload())
	ipfrm.ClearHeader()
	ipfrm.SetVersionAndIHL(4, 5)
	ipfrm.SetTotalLength(uint16(20 + len(payload)))
	ipfrm.SetTTL(64)
	ipfrm.SetProtocol(proto)
	*ipfrm.SourceAddr() = src
	*ipfrm.DestinationAddr() = dst
	copy(ipfrm.Payload(), payload)
	ipfrm.SetCRC(ipfrm.CalculateHeaderCRC())
	return buf
}

func buildEcho(id uint16) []byte {
	buf := make([]byte, 8)
	frm, _ := icmpv4.NewFrame(buf)
	echo := icmpv4.FrameEcho{Frame: frm}
	echo.SetType(icmpv4.TypeEcho)
	echo.SetIdentifier(id)
	var crc checksum.CRC791
	echo.CRCWrite(&crc)
	echo.SetCRC(crc.Sum16())
	return buf
}

func TestHandlePacketAnswersARPForOwnIP(t *testing.T) {
	r, sender, _ := newTestRouter(t, false)

	requesterMAC := [6]byte{9, 9, 9, 9, 9, 9}
	buf := buildEthernetARPRequest(ethernet.BroadcastAddr(), requesterMAC, rInternalHost, rInt.IPv4, requesterMAC)
	r.HandlePacket("eth1", buf)

	if len(sender.sent) != 1 {
		t.Fatalf("expected one ARP reply sent, got %d", len(sender.sent))
	}
	reply, _ := ethernet.NewFrame(sender.sent[0].bytes)
	if *reply.DestinationHardwareAddr() != requesterMAC {
		t.Fatal("ARP reply should go back to the requester's MAC")
	}
	replyARP, _ := arp.NewFrame(reply.Payload())
	if replyARP.Operation() != arp.OpReply {
		t.Fatal("expected an ARP reply")
	}
}

func TestHandlePacketDropsFrameForWrongMAC(t *testing.T) {
	r, sender, _ := newTestRouter(t, false)

	otherMAC := [6]byte{7, 7, 7, 7, 7, 7}
	buf := buildEthernetARPRequest(otherMAC, [6]byte{9, 9, 9, 9, 9, 9}, rInternalHost, rInt.IPv4, [6]byte{9, 9, 9, 9, 9, 9})
	r.HandlePacket("eth1", buf)

	if len(sender.sent) != 0 {
		t.Fatal("a frame addressed to neither our MAC nor broadcast should be dropped")
	}
}

func TestHandlePacketPingToRouterColdARPCacheQueuesReply(t *testing.T) {
	r, sender, _ := newTestRouter(t, false)

	buf := buildEthernetIP(rInt.MAC, rInternalMAC, rInternalHost, rInt.IPv4, ipv4.ProtoICMP, buildEcho(7))
	r.HandlePacket("eth1", buf)

	if len(sender.sent) != 1 {
		t.Fatalf("expected one ARP request broadcast while the reply's next hop resolves, got %d", len(sender.sent))
	}
	arpReq, _ := ethernet.NewFrame(sender.sent[0].bytes)
	if !arpReq.IsBroadcast() {
		t.Fatal("expected a broadcast ARP request for the unresolved echo-reply destination")
	}

	// Reply to the ARP request; the queued echo reply should now flush.
	arpFrm, _ := arp.NewFrame(arpReq.Payload())
	_, tip := arpFrm.Target()
	nextHopMAC := [6]byte{0xaa, 0xaa, 0, 0, 0, 1}
	replyBuf := buildEthernetARPReply(rInt.MAC, nextHopMAC, rInt.IPv4, *tip, nextHopMAC)
	r.HandlePacket("eth1", replyBuf)

	if len(sender.sent) != 2 {
		t.Fatalf("expected the queued echo reply to flush, got %d frames sent", len(sender.sent))
	}
	echoReplyEth, _ := ethernet.NewFrame(sender.sent[1].bytes)
	echoReplyIP, _ := ipv4.NewFrame(echoReplyEth.Payload())
	if *echoReplyIP.DestinationAddr() != rInternalHost {
		t.Fatal("echo reply should be destined back to the pinging host")
	}
}

func buildEthernetARPReply(dst, src [6]byte, targetIP, senderIP [4]byte, senderMAC [6]byte) []byte {
	buf := make([]byte, 14+28)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = dst
	*efrm.SourceHardwareAddr() = src
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, _ := arp.NewFrame(efrm.Payload())
	afrm.ClearHeader()
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpReply)
	shw, sip := afrm.Sender()
	*shw = senderMAC
	*sip = senderIP
	rthw, rtip := afrm.Target()
	*rthw = src
	*rtip = targetIP
	return buf
}

func TestHandlePacketNATOutboundICMPEchoTranslates(t *testing.T) {
	r, sender, _ := newTestRouter(t, true)

	// Prime the ARP cache for the external next hop so the translated echo
	// is emitted directly instead of queued behind an ARP request.
	gatewayMAC := [6]byte{0xbb, 0, 0, 0, 0, 2}
	r.HandlePacket("eth0", buildEthernetARPReply(rExt.MAC, gatewayMAC, rExt.IPv4, [4]byte{203, 0, 113, 2}, gatewayMAC))

	buf := buildEthernetIP(rInt.MAC, rInternalMAC, rInternalHost, rPeer, ipv4.ProtoICMP, buildEcho(0xabcd))
	r.HandlePacket("eth1", buf)

	if len(sender.sent) != 1 {
		t.Fatalf("expected the translated echo to be sent toward the peer, got %d frames", len(sender.sent))
	}
	if sender.sent[0].iface != "eth0" {
		t.Fatalf("expected egress via eth0, got %s", sender.sent[0].iface)
	}
	out, _ := ethernet.NewFrame(sender.sent[0].bytes)
	outIP, _ := ipv4.NewFrame(out.Payload())
	if *outIP.SourceAddr() != rExt.IPv4 {
		t.Fatal("outbound NAT echo should be sourced from the external interface address")
	}
}

func TestHandlePacketExternalCannotAddressInternalInterface(t *testing.T) {
	r, sender, _ := newTestRouter(t, true)

	buf := buildEthernetIP(rExt.MAC, [6]byte{5, 5, 5, 5, 5, 5}, rPeer, rInt.IPv4, ipv4.ProtoICMP, buildEcho(1))
	r.HandlePacket("eth0", buf)

	if len(sender.sent) != 0 {
		t.Fatal("an external host addressing the internal interface directly should be dropped, not answered")
	}
}

func TestHandlePacketPlainForwardingWithoutNAT(t *testing.T) {
	r, sender, _ := newTestRouter(t, false)

	buf := buildEthernetIP(rInt.MAC, rInternalMAC, rInternalHost, rPeer, ipv4.ProtoICMP, buildEcho(1))
	r.HandlePacket("eth1", buf)

	// No ARP entry cached for the next hop yet: expect a broadcast ARP
	// request to be queued rather than an immediate forward.
	if len(sender.sent) != 1 {
		t.Fatalf("expected one ARP request for the unresolved next hop, got %d", len(sender.sent))
	}
	arpReq, _ := ethernet.NewFrame(sender.sent[0].bytes)
	if !arpReq.IsBroadcast() {
		t.Fatal("expected a broadcast ARP request")
	}
}
