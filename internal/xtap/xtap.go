//go:build linux && !baremetal

// Package xtap provides a Linux TAP-device transport for wiring a
// router.Router to real frames without involving an out-of-scope testbed
// transport. It exists for cmd/routerdemo: a runnable illustration, not
// part of the core contract.
package xtap

import (
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Device is a Linux TAP network device: an io.ReadWriteCloser that carries
// raw Ethernet frames exactly like the frames router.Router.HandlePacket
// expects.
type Device struct {
	fd   int
	name string
}

// Open creates (or attaches to) a TAP device named name. If addr is valid,
// the device is brought up and assigned that address via the "ip" command
// line tool.
func Open(name string, addr netip.Prefix) (*Device, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, fmt.Errorf("xtap: interface name %q too long", name)
	}
	fd, err := unix.Open("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("xtap: open /dev/net/tun: %w", err)
	}
	ifr := makeIfreq(name)
	ifr.setFlags(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := ioctl(fd, unix.TUNSETIFF, ifr.ptr()); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("xtap: TUNSETIFF: %w", err)
	}
	if addr.IsValid() {
		if err := exec.Command("ip", "link", "set", "dev", name, "up").Run(); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("xtap: ip link set up: %w", err)
		}
		if err := exec.Command("ip", "addr", "add", addr.String(), "dev", name).Run(); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("xtap: ip addr add: %w", err)
		}
	}
	return &Device{fd: fd, name: name}, nil
}

// Name returns the TAP device's interface name.
func (d *Device) Name() string { return d.name }

// Read reads one raw Ethernet frame into b.
func (d *Device) Read(b []byte) (int, error) { return unix.Read(d.fd, b) }

// Write writes one raw Ethernet frame from b.
func (d *Device) Write(b []byte) (int, error) { return unix.Write(d.fd, b) }

// Close releases the underlying file descriptor.
func (d *Device) Close() error { return unix.Close(d.fd) }

// HardwareAddr6 queries the kernel for the device's MAC address over a
// throwaway AF_INET datagram socket, the standard ioctl path for reading
// interface properties that are not exposed through /dev/net/tun itself.
func (d *Device) HardwareAddr6() (hw [6]byte, err error) {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return hw, fmt.Errorf("xtap: open query socket: %w", err)
	}
	defer unix.Close(sock)

	ifr := makeIfreq(d.name)
	if err := ioctl(sock, unix.SIOCGIFHWADDR, ifr.ptr()); err != nil {
		return hw, fmt.Errorf("xtap: SIOCGIFHWADDR: %w", err)
	}
	const safamilyEther = 1
	family := ifr.dataUint16(0)
	if family != safamilyEther {
		return hw, fmt.Errorf("xtap: unexpected sa_family %d reading hwaddr", family)
	}
	copy(hw[:], ifr.data[2:8])
	return hw, nil
}

func ioctl(fd int, request uintptr, argp unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, uintptr(argp))
	if errno != 0 {
		return errno
	}
	return nil
}

// ifreq is the fixed-layout struct the TUNSETIFF/SIOCGIFHWADDR ioctls
// expect: a null-padded interface name followed by a union of
// request-specific data.
type ifreq struct {
	name [unix.IFNAMSIZ]byte
	data [64]byte
}

func makeIfreq(name string) ifreq {
	var ifr ifreq
	copy(ifr.name[:], name)
	return ifr
}

func (ifr *ifreq) setFlags(flags uint16) {
	*(*uint16)(unsafe.Pointer(&ifr.data[0])) = flags
}

func (ifr *ifreq) dataUint16(off int) uint16 {
	return *(*uint16)(unsafe.Pointer(&ifr.data[off]))
}

func (ifr *ifreq) ptr() unsafe.Pointer { return unsafe.Pointer(ifr) }
