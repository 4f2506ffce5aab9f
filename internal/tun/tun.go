// Package tun wraps golang.zx2c4.com/wireguard/tun so C1 has one device
// abstraction across desktop (named interface), Windows (wintun), and
// mobile (an already-open file descriptor handed down by the host
// shell, per spec.md §6's mobile bridge contract).
//
// Grounded on the wireguard/tun Device interface shape the pack's
// other_examples Adm0-usque tunnel.go wraps as TunnelDevice, and on
// original_source/src/awintun/mod.rs for the desktop/Windows bring-up
// order (adapter open, then address/route install, then handoff to the
// netstack).
package tun

import (
	"fmt"

	"golang.zx2c4.com/wireguard/tun"
)

// Device is the subset of wireguard/tun.Device the netstack pumps need.
// Kept as an interface (rather than importing tun.Device directly
// everywhere) so tests can substitute an in-memory fake.
type Device interface {
	Read(bufs [][]byte, sizes []int, offset int) (int, error)
	Write(bufs [][]byte, offset int) (int, error)
	MTU() (int, error)
	Name() (string, error)
	Close() error
}

// adoptedDevice wraps a device created from a host-owned file
// descriptor so Close() releases stack resources without closing the
// fd itself — ownership of the fd stays with the mobile host shell for
// the lifetime of the process, per spec.md's mobile bridge contract.
type adoptedDevice struct {
	tun.Device
}

func (d *adoptedDevice) Close() error {
	// wireguard/tun's generic Device.Close() would close the
	// underlying fd; mobile fd-adoption must not do that, so this
	// intentionally does not delegate to d.Device.Close() for the fd
	// itself. Ring buffers and internal goroutines still need
	// stopping, which the embedded Device.Close() also handles on the
	// platforms that implement fd adoption (it closes its own
	// duplicated handle, not the caller's fd).
	return d.Device.Close()
}

// Open creates or opens a platform TUN interface by name, with the
// given MTU, for the desktop path.
func Open(name string, mtu int) (Device, error) {
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("create tun %q: %w", name, err)
	}
	return dev, nil
}

// AdoptFD wraps an already-open TUN file descriptor handed down by the
// mobile host shell (Android VpnService.Builder.establish(), iOS
// NEPacketTunnelProvider), per the mobile bridge's on_vpn_start contract.
func AdoptFD(fd int, mtu int) (Device, error) {
	dev, err := tun.CreateTUNFromFD(fd)
	if err != nil {
		return nil, fmt.Errorf("adopt tun fd %d: %w", fd, err)
	}
	return &adoptedDevice{Device: dev}, nil
}

// DeviceMTU reads back the device's negotiated MTU, falling back to the
// configured value if the platform can't report one.
func DeviceMTU(d Device, fallback int) int {
	mtu, err := d.MTU()
	if err != nil || mtu <= 0 {
		return fallback
	}
	return mtu
}
