// Package wire holds the small cross-protocol helpers shared by the
// ethernet/arp/ipv4/icmpv4/tcp frame views: a validation accumulator and the
// handful of sentinel errors common to all of them.
package wire

import "errors"

// ErrPacketDrop is returned by demux-style functions to indicate the packet
// should be silently dropped; it carries no diagnostic value of its own and
// callers should have already logged the real reason.
var ErrPacketDrop = errors.New("wire: drop packet")

// Validator accumulates validation errors found while inspecting a frame's
// size and field invariants, mirroring the two-phase ValidateSize/
// ValidateExceptCRC pattern used across the frame views. Byte-exact frame
// layout is the whole point of this package, so validation stays structural
// rather than reflective.
type Validator struct {
	err error
}

// AddError records err if no error has been recorded yet; first error wins.
func (v *Validator) AddError(err error) {
	if v.err == nil {
		v.err = err
	}
}

// HasError reports whether any error has been recorded.
func (v *Validator) HasError() bool { return v.err != nil }

// Err returns the first recorded error, or nil.
func (v *Validator) Err() error { return v.err }

// ErrPop returns the first recorded error and clears it.
func (v *Validator) ErrPop() error {
	err := v.err
	v.err = nil
	return err
}

// Reset clears the accumulator for reuse.
func (v *Validator) Reset() { v.err = nil }
