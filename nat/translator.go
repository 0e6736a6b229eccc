package nat

import (
	"encoding/binary"
	"log/slog"

	"github.com/vnetbed/router/forwarding"
	"github.com/vnetbed/router/iface"
	"github.com/vnetbed/router/internal/checksum"
	"github.com/vnetbed/router/ipv4"
	"github.com/vnetbed/router/ipv4/icmpv4"
	"github.com/vnetbed/router/tcp"
)

// Translator implements the direction classifier and bidirectional
// rewriting, on top of a Table holding the mapping state and a
// forwarding.Core that performs the generic TTL/route/egress step once a
// datagram's addressing has been rewritten.
type Translator struct {
	table *Table
	fwd   *forwarding.Core
	log   *slog.Logger
}

// NewTranslator constructs a Translator over table, delegating egress to
// fwd.
func NewTranslator(table *Table, fwd *forwarding.Core, log *slog.Logger) *Translator {
	if log == nil {
		log = slog.Default()
	}
	return &Translator{table: table, fwd: fwd, log: log}
}

// Outbound handles a datagram arriving on the internal interface that is
// not addressed to the router itself. It dispatches by protocol and, for
// an unrecognised protocol or ICMP type, drops silently — only TCP and
// ICMP echo/error flow through NAT.
func (tr *Translator) Outbound(frm ipv4.Frame, ingress iface.Interface) {
	switch frm.Protocol() {
	case ipv4.ProtoTCP:
		tr.outboundTCP(frm, ingress)
	case ipv4.ProtoICMP:
		tr.outboundICMP(frm, ingress)
	default:
		tr.log.Debug("nat: unsupported outbound protocol, dropping", "proto", frm.Protocol())
	}
}

// Inbound handles a datagram arriving on an external interface addressed
// to one of the router's own interfaces, for the TCP/ICMP echo/error
// protocols NAT tracks. ok reports whether the datagram was
// recognised as NAT traffic at all; when ok is false the caller should
// fall back to treating the datagram as FOR_US.
func (tr *Translator) Inbound(frm ipv4.Frame, ingress iface.Interface) (ok bool) {
	switch frm.Protocol() {
	case ipv4.ProtoTCP:
		return tr.inboundTCP(frm, ingress)
	case ipv4.ProtoICMP:
		return tr.inboundICMP(frm, ingress)
	default:
		return false
	}
}

func (tr *Translator) outboundICMP(frm ipv4.Frame, ingress iface.Interface) {
	icmpFrm, err := icmpv4.NewFrame(frm.Payload())
	if err != nil {
		return
	}
	switch icmpFrm.Type() {
	case icmpv4.TypeEcho, icmpv4.TypeEchoReply:
		tr.outboundICMPEcho(frm, icmpv4.FrameEcho{Frame: icmpFrm}, ingress)
	case icmpv4.TypeDestinationUnreachable, icmpv4.TypeTimeExceeded:
		tr.outboundICMPError(frm, icmpFrm, ingress)
	default:
		tr.log.Debug("nat: unhandled outbound ICMP type, dropping", "type", icmpFrm.Type())
	}
}

func (tr *Translator) outboundICMPEcho(frm ipv4.Frame, echo icmpv4.FrameEcho, ingress iface.Interface) {
	ipInt := *frm.SourceAddr()
	auxExt := tr.table.OutboundICMP(ipInt, echo.Identifier())

	_, egress, ok := tr.fwd.RouteFor(*frm.DestinationAddr())
	if !ok {
		return
	}
	echo.SetIdentifier(auxExt)
	var crc checksum.CRC791
	echo.CRCWrite(&crc)
	echo.SetCRC(crc.Sum16())
	*frm.SourceAddr() = egress.IPv4

	tr.fwd.Forward(frm, ingress)
}

func (tr *Translator) inboundICMP(frm ipv4.Frame, ingress iface.Interface) bool {
	icmpFrm, err := icmpv4.NewFrame(frm.Payload())
	if err != nil {
		return false
	}
	switch icmpFrm.Type() {
	case icmpv4.TypeEcho, icmpv4.TypeEchoReply:
		return tr.inboundICMPEcho(frm, icmpv4.FrameEcho{Frame: icmpFrm}, ingress)
	case icmpv4.TypeDestinationUnreachable, icmpv4.TypeTimeExceeded:
		return tr.inboundICMPError(frm, icmpFrm, ingress)
	default:
		return false
	}
}

func (tr *Translator) inboundICMPEcho(frm ipv4.Frame, echo icmpv4.FrameEcho, ingress iface.Interface) bool {
	ipInt, auxInt, ok := tr.table.InboundICMP(echo.Identifier())
	if !ok {
		return false // no mapping: caller falls back to treating this as FOR_US.
	}
	echo.SetIdentifier(auxInt)
	var crc checksum.CRC791
	echo.CRCWrite(&crc)
	echo.SetCRC(crc.Sum16())
	*frm.DestinationAddr() = ipInt

	tr.fwd.Forward(frm, ingress)
	return true
}

func (tr *Translator) outboundTCP(frm ipv4.Frame, ingress iface.Interface) {
	tfrm, err := tcp.NewFrame(frm.Payload())
	if err != nil {
		return
	}
	_, flags := tfrm.OffsetAndFlags()
	ipInt := *frm.SourceAddr()
	peerIP := *frm.DestinationAddr()

	auxExt, forward := tr.table.OutboundTCP(ipInt, tfrm.SourcePort(), peerIP, tfrm.DestinationPort(), flags)
	if !forward {
		return
	}
	_, egress, ok := tr.fwd.RouteFor(peerIP)
	if !ok {
		return
	}
	tfrm.SetSourcePort(auxExt)
	*frm.SourceAddr() = egress.IPv4
	recomputeTCPChecksum(frm, tfrm)

	tr.fwd.Forward(frm, ingress)
}

func (tr *Translator) inboundTCP(frm ipv4.Frame, ingress iface.Interface) bool {
	tfrm, err := tcp.NewFrame(frm.Payload())
	if err != nil {
		return false
	}
	_, flags := tfrm.OffsetAndFlags()
	auxExt := tfrm.DestinationPort()
	peerIP := *frm.SourceAddr()
	peerPort := tfrm.SourcePort()

	var synCopy []byte
	if flags.HasAny(tcp.FlagSYN) {
		synCopy = append([]byte(nil), frm.RawData()[:frm.TotalLength()]...)
	}

	ipInt, auxInt, forward, portUnreachable := tr.table.InboundTCP(auxExt, peerIP, peerPort, flags, synCopy)
	if portUnreachable {
		tr.fwd.SendICMPError(frm, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodePortUnreachable))
		return true
	}
	if !forward {
		return true // queued as a simultaneous-open candidate or pending connection; not an error.
	}

	tfrm.SetDestinationPort(auxInt)
	*frm.DestinationAddr() = ipInt
	recomputeTCPChecksum(frm, tfrm)

	tr.fwd.Forward(frm, ingress)
	return true
}

func recomputeTCPChecksum(frm ipv4.Frame, tfrm tcp.Frame) {
	var crc checksum.CRC791
	frm.CRCWriteTCPPseudo(&crc)
	tfrm.CRCWrite(&crc)
	tfrm.SetCRC(crc.Sum16())
}

// embeddedLen is the fixed size of the original-datagram data field a
// type-3/type-11 ICMP error carries: the (assumed option-less, 20-byte)
// embedded IP header plus the first 8 bytes of its payload.
const embeddedLen = 28

// embeddedPayload returns the slice of embIP's own (embeddedLen-byte,
// truncated) backing buffer that holds the leading bytes of the original
// datagram's payload — embIP's header length, taken from the embedded
// header's own IHL field, bounds where it starts. This deliberately never
// goes through [ipv4.Frame.Payload], which slices up to the embedded
// header's TotalLength field: that field describes the original,
// untruncated datagram (e.g. 40 bytes for a bare TCP SYN) and slicing up
// to it would run past the end of the embeddedLen-byte copy for any
// datagram longer than the truncation — which is the common case. ok is
// false if the embedded header's IHL is out of range for the truncated
// copy (a short/malformed embedded header, or one carrying IP options this
// router does not account for here).
func embeddedPayload(embIP ipv4.Frame) (payload []byte, ok bool) {
	hdrLen := embIP.HeaderLength()
	buf := embIP.RawData()
	if hdrLen < 20 || hdrLen > len(buf) {
		return nil, false
	}
	return buf[hdrLen:], true
}

// outboundICMPError handles an ICMP error referencing a prior flow,
// arriving on the internal interface: the embedded datagram is what the
// internal host received (already translated on its way in, so its
// destination is the internal IP/aux, untouched), and this error is the
// internal host reporting a problem with it back toward the original
// external sender. The mapping is located by the embedded datagram's own
// destination address/port, and both the outer packet and the embedded
// header are rewritten to external addressing so the external peer still
// recognises the error as belonging to its own flow. Rewrite direction
// follows whichever mapping the embedded datagram resolves to.
func (tr *Translator) outboundICMPError(frm ipv4.Frame, icmpFrm icmpv4.Frame, ingress iface.Interface) {
	embedded := icmpFrm.RawData()[8:]
	if len(embedded) < embeddedLen {
		return
	}
	embIP, err := ipv4.NewFrame(append([]byte(nil), embedded[:embeddedLen]...))
	if err != nil {
		return
	}
	embPayload, ok := embeddedPayload(embIP)
	if !ok {
		return
	}

	switch embIP.Protocol() {
	case ipv4.ProtoICMP:
		embICMP, err := icmpv4.NewFrame(embPayload)
		if err != nil {
			return
		}
		id := icmpv4.FrameEcho{Frame: embICMP}.Identifier()
		ipInt := *embIP.DestinationAddr()
		m, found := tr.table.lookupByInternal(KindICMP, ipInt, id)
		if !found {
			return
		}
		icmpv4.FrameEcho{Frame: embICMP}.SetIdentifier(m.AuxExt)
	case ipv4.ProtoTCP:
		// Only the destination port (the embedded segment's second
		// 2-byte field) falls within the first 8 bytes of payload this
		// error carries; there is no room here for the rest of a TCP
		// header, so the port is read/written directly rather than via
		// [tcp.NewFrame], which requires a full 20-byte segment.
		if len(embPayload) < 4 {
			return
		}
		dstPort := binary.BigEndian.Uint16(embPayload[2:4])
		ipInt := *embIP.DestinationAddr()
		m, found := tr.table.lookupByInternal(KindTCP, ipInt, dstPort)
		if !found {
			return
		}
		binary.BigEndian.PutUint16(embPayload[2:4], m.AuxExt)
	default:
		return
	}
	copy(embedded[:embeddedLen], embIP.RawData())

	_, egress, routed := tr.fwd.RouteFor(*frm.DestinationAddr())
	if !routed {
		return
	}
	*frm.SourceAddr() = egress.IPv4
	// Patch the embedded destination address to the same egress IP now
	// that it is known, matching the outer rewrite.
	binary.BigEndian.PutUint32(embedded[16:20], binary.BigEndian.Uint32(egress.IPv4[:]))

	var crc checksum.CRC791
	icmpFrm.CRCWrite(&crc)
	icmpFrm.SetCRC(crc.Sum16())

	tr.fwd.Forward(frm, ingress)
}

// inboundICMPError is outboundICMPError's mirror for the external
// ingress case: the embedded datagram is what the external peer received
// from the internal host (its source already externalized to the egress
// IP and external aux), so the mapping is located by that external aux
// and both the outer and embedded addressing are rewritten back to the
// internal IP.
func (tr *Translator) inboundICMPError(frm ipv4.Frame, icmpFrm icmpv4.Frame, ingress iface.Interface) bool {
	embedded := icmpFrm.RawData()[8:]
	if len(embedded) < embeddedLen {
		return false
	}
	embIP, err := ipv4.NewFrame(append([]byte(nil), embedded[:embeddedLen]...))
	if err != nil {
		return false
	}
	embPayload, ok := embeddedPayload(embIP)
	if !ok {
		return false
	}

	var ipInt [4]byte
	var auxInt uint16
	var found bool
	switch embIP.Protocol() {
	case ipv4.ProtoICMP:
		embICMP, err := icmpv4.NewFrame(embPayload)
		if err != nil {
			return false
		}
		id := icmpv4.FrameEcho{Frame: embICMP}.Identifier()
		var m *Mapping
		m, found = tr.table.lookupByExternal(KindICMP, id)
		if !found {
			return false
		}
		ipInt, auxInt = m.IPInt, m.AuxInt
		icmpv4.FrameEcho{Frame: embICMP}.SetIdentifier(auxInt)
	case ipv4.ProtoTCP:
		// As in outboundICMPError: only the source port (the embedded
		// segment's first 2-byte field) falls within the first 8 bytes of
		// payload this error carries.
		if len(embPayload) < 2 {
			return false
		}
		srcPort := binary.BigEndian.Uint16(embPayload[0:2])
		var m *Mapping
		m, found = tr.table.lookupByExternal(KindTCP, srcPort)
		if !found {
			return false
		}
		ipInt, auxInt = m.IPInt, m.AuxInt
		binary.BigEndian.PutUint16(embPayload[0:2], auxInt)
	default:
		return false
	}

	copy(embedded[:embeddedLen], embIP.RawData())
	binary.BigEndian.PutUint32(embedded[12:16], binary.BigEndian.Uint32(ipInt[:]))

	*frm.DestinationAddr() = ipInt

	var crc checksum.CRC791
	icmpFrm.CRCWrite(&crc)
	icmpFrm.SetCRC(crc.Sum16())

	tr.fwd.Forward(frm, ingress)
	return true
}

// lookupByInternal and lookupByExternal give the embedded-datagram error
// path read-only access to a mapping without creating one or touching its
// timeout — ICMP errors never create mappings. They return a copy's
// worth of information (just value fields) so callers never hold a
// pointer past the lock.
func (t *Table) lookupByInternal(kind Kind, ip [4]byte, auxInt uint16) (Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byInternal[mapKey{kind, ip, auxInt}]
	if !ok {
		return Mapping{}, false
	}
	return *m, true
}

func (t *Table) lookupByExternal(kind Kind, auxExt uint16) (*Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byExternal[extKey{kind, auxExt}]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}
