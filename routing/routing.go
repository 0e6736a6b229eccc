// Package routing holds the router's static forwarding table: an ordered
// list of (destination, netmask, gateway, egress-interface) rows searched
// by longest-prefix match. The table is supplied by the transport at
// startup (loading it from a file is explicitly the transport's job, not
// this package's) and is read-only thereafter.
package routing

import (
	"encoding/binary"
	"math/bits"
)

// Route is one row of the routing table.
type Route struct {
	Dest          [4]byte
	Mask          [4]byte
	Gateway       [4]byte
	InterfaceName string
}

func u32(b [4]byte) uint32 { return binary.BigEndian.Uint32(b[:]) }

// Table is an ordered, immutable-after-construction set of routes.
type Table struct {
	routes []Route
}

// NewTable builds a Table preserving the given declaration order, which
// matters only as the tie-break between routes of equal prefix length.
func NewTable(routes []Route) *Table {
	return &Table{routes: append([]Route(nil), routes...)}
}

// All returns the routes in declaration order. Callers must not mutate the
// returned slice.
func (t *Table) All() []Route { return t.routes }

// Lookup returns the route whose mask has the greatest number of leading
// 1-bits among those satisfying (dst & mask) == (route.Dest & mask). Ties
// are resolved by declaration order (first match wins). ok is false if no
// route matches.
func (t *Table) Lookup(dst [4]byte) (route Route, ok bool) {
	dstN := u32(dst)
	bestLen := -1
	for _, r := range t.routes {
		maskN := u32(r.Mask)
		if dstN&maskN != u32(r.Dest)&maskN {
			continue
		}
		prefixLen := bits.OnesCount32(maskN)
		if prefixLen > bestLen {
			bestLen = prefixLen
			route = r
			ok = true
		}
	}
	return route, ok
}
