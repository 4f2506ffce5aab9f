//go:build windows

package tun

import (
	"fmt"

	"golang.zx2c4.com/wintun"
)

// OpenWintunAdapter opens the named adapter for the `wintun` CLI
// subcommand's explicit driver path (spec.md §6 -w flag). When
// driverPath is non-empty it first calls wintun.Ensure and names
// driverPath in any error it reports; driverPath is not otherwise used.
// The adapter itself is opened through Open (wireguard/tun's generic
// CreateTUN), and no addresses or routes are installed here.
func OpenWintunAdapter(name, driverPath string, mtu int) (Device, error) {
	if driverPath != "" {
		if err := wintun.Ensure(); err != nil {
			return nil, fmt.Errorf("ensure wintun driver at %q: %w", driverPath, err)
		}
	}
	return Open(name, mtu)
}
