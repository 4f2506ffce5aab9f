//go:build linux

package routing

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// NetlinkSink installs host routes (a /32 or /128 per bypassed
// destination) via the physical link's gateway, so a bypassed
// destination leaves through the normal default route instead of the
// TUN device. This is the netlink-route equivalent of the original's
// ipset+policy-routing pair: one route per decision rather than one
// set membership plus a single ip-rule, which keeps the dependency
// surface to netlink alone.
type NetlinkSink struct {
	link    netlink.Link
	gateway net.IP
	table   int
}

// NewNetlinkSink resolves linkName once at startup; gateway is the
// physical default gateway learned before the TUN device replaced the
// default route, and table is the routing table id bypass routes are
// installed into (0 means the main table).
func NewNetlinkSink(linkName string, gateway net.IP, table int) (*NetlinkSink, error) {
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return nil, fmt.Errorf("netlink sink: resolve link %q: %w", linkName, err)
	}
	return &NetlinkSink{link: link, gateway: gateway, table: table}, nil
}

func (s *NetlinkSink) route(ip net.IP) *netlink.Route {
	mask := net.CIDRMask(32, 32)
	if ip.To4() == nil {
		mask = net.CIDRMask(128, 128)
	}
	return &netlink.Route{
		LinkIndex: s.link.Attrs().Index,
		Dst:       &net.IPNet{IP: ip, Mask: mask},
		Gw:        s.gateway,
		Table:     s.table,
	}
}

func (s *NetlinkSink) Add(ip net.IP) error {
	if err := netlink.RouteReplace(s.route(ip)); err != nil {
		return fmt.Errorf("add bypass route for %s: %w", ip, err)
	}
	return nil
}

func (s *NetlinkSink) Del(ip net.IP) error {
	if err := netlink.RouteDel(s.route(ip)); err != nil {
		return fmt.Errorf("remove bypass route for %s: %w", ip, err)
	}
	return nil
}

func (s *NetlinkSink) Test(ip net.IP) (bool, error) {
	routes, err := netlink.RouteList(s.link, netlink.FAMILY_ALL)
	if err != nil {
		return false, err
	}
	for _, r := range routes {
		if r.Dst != nil && r.Dst.IP.Equal(ip) {
			return true, nil
		}
	}
	return false, nil
}

func (s *NetlinkSink) Flush() error {
	routes, err := netlink.RouteList(s.link, netlink.FAMILY_ALL)
	if err != nil {
		return err
	}
	for _, r := range routes {
		if r.Table == s.table && s.table != 0 {
			_ = netlink.RouteDel(&r)
		}
	}
	return nil
}
