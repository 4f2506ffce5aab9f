// Package routing defines the routing sink C8's reconciliation loop
// writes bypass/no-bypass decisions into, and a Linux implementation
// backed by netlink routes (rather than the Linux ipset kernel module
// the original uses, since the pack carries vishvananda/netlink and
// not an ipset binding).
//
// Grounded on original_source/src/proxy/net_profiler.rs's
// start_response (an add/del/flush session keyed by destination IP,
// gated #[cfg(unix)], no-op elsewhere).
package routing

import "net"

// Sink is what the bypass profiler writes its verdicts into: add a
// destination to mean "route this around the tunnel", del to mean
// "send it back through the tunnel".
type Sink interface {
	Add(ip net.IP) error
	Del(ip net.IP) error
	Test(ip net.IP) (bool, error)
	Flush() error
}

// NoopSink discards every call; used on platforms with no routing
// table integration (matching the original's #[cfg(unix)] gate, which
// compiles start_response's ipset calls out entirely elsewhere).
type NoopSink struct{}

func (NoopSink) Add(net.IP) error         { return nil }
func (NoopSink) Del(net.IP) error         { return nil }
func (NoopSink) Test(net.IP) (bool, error) { return false, nil }
func (NoopSink) Flush() error             { return nil }
