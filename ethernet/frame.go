package ethernet

import (
	"encoding/binary"
	"errors"

	"github.com/vnetbed/router/internal/wire"
)

// NewFrame returns a Frame over buf. An error is returned if buf is shorter
// than the fixed 14-byte Ethernet II header.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of an untagged Ethernet II frame
// (destination MAC, source MAC, EtherType, payload) — no preamble, no
// 802.1Q VLAN tag, no 802.3 length field. This is the only framing the
// router's links use.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (efrm Frame) RawData() []byte { return efrm.buf }

// HeaderLength returns the fixed Ethernet II header length, 14.
func (efrm Frame) HeaderLength() int { return sizeHeader }

// Payload returns the data portion of the frame following the header.
func (efrm Frame) Payload() []byte { return efrm.buf[sizeHeader:] }

// DestinationHardwareAddr returns the target's MAC/hardware address for the ethernet packet.
func (efrm Frame) DestinationHardwareAddr() (dst *[6]byte) {
	return (*[6]byte)(efrm.buf[0:6])
}

// IsBroadcast returns true if the destination is the broadcast address ff:ff:ff:ff:ff:ff, false otherwise.
func (efrm Frame) IsBroadcast() bool {
	return efrm.buf[0] == 0xff && efrm.buf[1] == 0xff && efrm.buf[2] == 0xff &&
		efrm.buf[3] == 0xff && efrm.buf[4] == 0xff && efrm.buf[5] == 0xff
}

// SourceHardwareAddr returns the sender's MAC/hardware address of the ethernet packet.
func (efrm Frame) SourceHardwareAddr() (src *[6]byte) {
	return (*[6]byte)(efrm.buf[6:12])
}

// EtherType returns the EtherType field of the ethernet packet.
func (efrm Frame) EtherType() Type {
	return Type(binary.BigEndian.Uint16(efrm.buf[12:14]))
}

// SetEtherType sets the EtherType field of the ethernet packet.
func (efrm Frame) SetEtherType(v Type) {
	binary.BigEndian.PutUint16(efrm.buf[12:14], uint16(v))
}

// ClearHeader zeros out the header contents.
func (efrm Frame) ClearHeader() {
	for i := range efrm.buf[:sizeHeader] {
		efrm.buf[i] = 0
	}
}

//
// Validation API.
//

var errShort = errors.New("ethernet: too short")

// ValidateSize checks the frame's declared payload fits the backing buffer.
// Since this router never interprets the EtherType field as a size (as
// legacy 802.3 frames do), there is nothing to cross-check beyond the
// fixed header length NewFrame already enforces; kept for symmetry with
// the other wire-format packages' validation API.
func (efrm Frame) ValidateSize(v *wire.Validator) {
	if len(efrm.buf) < sizeHeader {
		v.AddError(errShort)
	}
}
