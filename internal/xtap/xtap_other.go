//go:build !linux || baremetal

package xtap

import (
	"errors"
	"net/netip"
)

// Device is a stub on non-Linux platforms; TAP devices are a Linux-specific
// concept.
type Device struct{}

func Open(name string, addr netip.Prefix) (*Device, error) {
	return nil, errors.ErrUnsupported
}

func (d *Device) Name() string                   { return "" }
func (d *Device) Read(b []byte) (int, error)     { return 0, errors.ErrUnsupported }
func (d *Device) Write(b []byte) (int, error)    { return 0, errors.ErrUnsupported }
func (d *Device) Close() error                   { return errors.ErrUnsupported }
func (d *Device) HardwareAddr6() ([6]byte, error) { return [6]byte{}, errors.ErrUnsupported }
