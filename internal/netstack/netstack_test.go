package netstack

import (
	"net/netip"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

type fakeDevice struct{}

func (fakeDevice) Read(bufs [][]byte, sizes []int, offset int) (int, error) { return 0, nil }
func (fakeDevice) Write(bufs [][]byte, offset int) (int, error)             { return 0, nil }
func (fakeDevice) MTU() (int, error)                                       { return 1500, nil }
func (fakeDevice) Name() (string, error)                                   { return "fake0", nil }
func (fakeDevice) Close() error                                            { return nil }

func endpointID(t *testing.T, ip string) stack.TransportEndpointID {
	t.Helper()
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		t.Fatalf("parse addr: %v", err)
	}
	return stack.TransportEndpointID{RemoteAddress: tcpip.AddrFromSlice(addr.AsSlice())}
}

func TestIsRelayMatchesConfiguredRelayAddr(t *testing.T) {
	relay := netip.MustParseAddr("203.0.113.9")
	s, err := New(fakeDevice{}, Config{MTU: 1500, RelayAddr: relay})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !s.isRelay(endpointID(t, "203.0.113.9")) {
		t.Fatal("expected relay address to be flagged")
	}
	if s.isRelay(endpointID(t, "198.51.100.1")) {
		t.Fatal("expected non-relay address to pass through")
	}
}

func TestIsRelayAlwaysFalseWithoutConfiguredRelay(t *testing.T) {
	s, err := New(fakeDevice{}, Config{MTU: 1500})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.isRelay(endpointID(t, "203.0.113.9")) {
		t.Fatal("expected isRelay to be false when RelayAddr is unset")
	}
}
