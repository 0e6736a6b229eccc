package arp

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/vnetbed/router/ethernet"
	"github.com/vnetbed/router/internal/wire"
)

// NewFrame returns a Frame over buf. An error is returned if buf is shorter
// than the fixed 28-byte IPv4-over-Ethernet ARP packet.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderv4 {
		return Frame{}, errShortARP
	}
	return Frame{buf: buf[:sizeHeaderv4]}, nil
}

// Frame encapsulates the raw data of an ARP packet restricted to the
// IPv4-over-Ethernet case (hardware type Ethernet, protocol type IPv4,
// hardware length 6, protocol length 4), which is the only ARP variant this
// router ever originates or terminates. See [RFC826].
//
// [RFC826]: https://tools.ietf.org/html/rfc826
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (afrm Frame) RawData() []byte { return afrm.buf }

// Hardware returns the hardware type and address length fields.
func (afrm Frame) Hardware() (htype uint16, hlen uint8) {
	return binary.BigEndian.Uint16(afrm.buf[0:2]), afrm.buf[4]
}

// SetHardware sets the hardware type and address length fields.
func (afrm Frame) SetHardware(htype uint16, hlen uint8) {
	binary.BigEndian.PutUint16(afrm.buf[0:2], htype)
	afrm.buf[4] = hlen
}

// Protocol returns the protocol type and address length fields.
func (afrm Frame) Protocol() (ptype ethernet.Type, plen uint8) {
	return ethernet.Type(binary.BigEndian.Uint16(afrm.buf[2:4])), afrm.buf[5]
}

// SetProtocol sets the protocol type and address length fields.
func (afrm Frame) SetProtocol(ptype ethernet.Type, plen uint8) {
	binary.BigEndian.PutUint16(afrm.buf[2:4], uint16(ptype))
	afrm.buf[5] = plen
}

// Operation returns the ARP operation field.
func (afrm Frame) Operation() Operation { return Operation(binary.BigEndian.Uint16(afrm.buf[6:8])) }

// SetOperation sets the ARP operation field.
func (afrm Frame) SetOperation(op Operation) { binary.BigEndian.PutUint16(afrm.buf[6:8], uint16(op)) }

// Sender returns pointers to the sender hardware (MAC) and protocol (IPv4)
// addresses. In a request, the hardware address is that of the host sending
// the request; in a reply, that of the host the request was looking for.
func (afrm Frame) Sender() (hwAddr *[6]byte, proto *[4]byte) {
	return (*[6]byte)(afrm.buf[8:14]), (*[4]byte)(afrm.buf[14:18])
}

// Target returns pointers to the target hardware (MAC) and protocol (IPv4)
// addresses. The target hardware address is ignored in a request.
func (afrm Frame) Target() (hwAddr *[6]byte, proto *[4]byte) {
	return (*[6]byte)(afrm.buf[18:24]), (*[4]byte)(afrm.buf[24:28])
}

// SwapTargetSender exchanges the sender and target fields in place; used to
// turn a received request into a reply skeleton.
func (afrm Frame) SwapTargetSender() {
	shw, sip := afrm.Sender()
	thw, tip := afrm.Target()
	*shw, *thw = *thw, *shw
	*sip, *tip = *tip, *sip
}

// ClearHeader zeros out the fixed header contents.
func (afrm Frame) ClearHeader() {
	for i := range afrm.buf[:sizeHeader] {
		afrm.buf[i] = 0
	}
}

// ValidateSize checks only that the backing buffer holds the fixed 28-byte
// IPv4-over-Ethernet packet; the declared address lengths are not inspected.
func (afrm Frame) ValidateSize(v *wire.Validator) {
	if len(afrm.buf) < sizeHeaderv4 {
		v.AddError(errShortARP)
	}
}

func (afrm Frame) String() string {
	op := afrm.Operation()
	shw, sip := afrm.Sender()
	thw, tip := afrm.Target()
	return fmt.Sprintf("ARP %s SENDER=(%s,%s) TARGET=(%s,%s)", op,
		net.HardwareAddr(shw[:]), netip.AddrFrom4(*sip),
		net.HardwareAddr(thw[:]), netip.AddrFrom4(*tip))
}
