// Package slogx provides allocation-free slog.Attr helpers for the address
// types used throughout the router's hot path.
package slogx

import (
	"encoding/binary"
	"log/slog"
)

// IPv4 returns a slog.Attr for a 4-byte IPv4 address packed into a uint64,
// avoiding the string allocation a net.IP/netip.Addr formatter would need.
func IPv4(key string, addr [4]byte) slog.Attr {
	return slog.Uint64(key, uint64(binary.BigEndian.Uint32(addr[:])))
}

// MAC returns a slog.Attr for a 6-byte hardware address packed into a uint64.
func MAC(key string, addr [6]byte) slog.Attr {
	var buf [8]byte
	copy(buf[2:], addr[:])
	return slog.Uint64(key, binary.BigEndian.Uint64(buf[:]))
}
