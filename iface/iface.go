// Package iface holds the router's interface table: the fixed set of named
// links, each with a MAC and an IPv4 address, that every other package
// consults to answer "is this address mine" and "what address do I present
// on egress X".
package iface

import (
	"errors"
	"fmt"
)

// internalName is the conventional name of the NAT-internal interface.
// Any interface with this name is treated as internal; all others are
// external.
const internalName = "eth1"

// Interface describes one of the router's network attachment points.
type Interface struct {
	Name string
	MAC  [6]byte
	IPv4 [4]byte
}

// Internal reports whether ifc is the NAT-internal interface.
func (ifc Interface) Internal() bool { return ifc.Name == internalName }

func (ifc Interface) String() string {
	return fmt.Sprintf("%s(%d.%d.%d.%d)", ifc.Name, ifc.IPv4[0], ifc.IPv4[1], ifc.IPv4[2], ifc.IPv4[3])
}

var (
	errNoSuchInterface  = errors.New("iface: no such interface")
	errDuplicateName    = errors.New("iface: duplicate interface name")
	errNoInternal       = errors.New("iface: no internal interface")
	errMultipleInternal = errors.New("iface: more than one internal interface")
)

// Table is the ordered, immutable-after-construction list of interfaces a
// Router owns. Interfaces are created at startup and never destroyed during
// normal operation, so Table performs no locking.
type Table struct {
	ifaces   []Interface
	internal int // index into ifaces, or -1
}

// NewTable builds a Table from ifaces, validating that names are unique and
// that exactly one interface is the NAT-internal one.
func NewTable(ifaces []Interface) (*Table, error) {
	t := &Table{ifaces: append([]Interface(nil), ifaces...), internal: -1}
	seen := make(map[string]struct{}, len(ifaces))
	for i, ifc := range t.ifaces {
		if _, ok := seen[ifc.Name]; ok {
			return nil, fmt.Errorf("%w: %q", errDuplicateName, ifc.Name)
		}
		seen[ifc.Name] = struct{}{}
		if ifc.Internal() {
			if t.internal >= 0 {
				return nil, errMultipleInternal
			}
			t.internal = i
		}
	}
	if t.internal < 0 {
		return nil, errNoInternal
	}
	return t, nil
}

// All returns the interfaces in the table in declaration order. Callers
// must not mutate the returned slice.
func (t *Table) All() []Interface { return t.ifaces }

// ByName returns the interface with the given name.
func (t *Table) ByName(name string) (Interface, error) {
	for _, ifc := range t.ifaces {
		if ifc.Name == name {
			return ifc, nil
		}
	}
	return Interface{}, fmt.Errorf("%w: %q", errNoSuchInterface, name)
}

// Owns reports whether ip belongs to any of the router's interfaces, and if
// so returns that interface.
func (t *Table) Owns(ip [4]byte) (Interface, bool) {
	for _, ifc := range t.ifaces {
		if ifc.IPv4 == ip {
			return ifc, true
		}
	}
	return Interface{}, false
}

// InternalInterface returns the NAT-internal interface.
func (t *Table) InternalInterface() Interface { return t.ifaces[t.internal] }
