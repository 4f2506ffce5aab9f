package bypass

import (
	"bufio"
	"net"
	"net/netip"
	"testing"
	"time"

	"trojan-tun/internal/trojan"
)

func TestTLSPingChannelSendsPreambleThenRequests(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		r := bufio.NewReader(server)
		p, err := trojan.DecodePreamble(r)
		if err != nil {
			t.Errorf("decode preamble: %v", err)
			return
		}
		if p.Cmd != trojan.CmdPing {
			t.Errorf("Cmd = %v, want CmdPing", p.Cmd)
		}

		hdr := make([]byte, 1)
		if _, err := r.Read(hdr); err != nil {
			t.Errorf("read marker: %v", err)
			return
		}
		if hdr[0] != markerIPv4 {
			t.Errorf("marker = %x, want IPv4 marker", hdr[0])
		}
		addr := make([]byte, 4)
		if _, err := r.Read(addr); err != nil {
			t.Errorf("read addr: %v", err)
		}
	}()

	ch, err := NewTLSPingChannel(client)
	if err != nil {
		t.Fatalf("NewTLSPingChannel: %v", err)
	}
	if err := ch.RequestRemote(netip.MustParseAddr("8.8.8.8")); err != nil {
		t.Fatalf("RequestRemote: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
}

func TestRequestRemoteUsesSpecATYPMarkers(t *testing.T) {
	if markerIPv4 != 0x01 {
		t.Fatalf("markerIPv4 = %#x, want 0x01", markerIPv4)
	}
	if markerIPv6 != 0x04 {
		t.Fatalf("markerIPv6 = %#x, want 0x04", markerIPv6)
	}

	server, client := net.Pipe()
	defer server.Close()

	read := make(chan byte, 1)
	go func() {
		r := bufio.NewReader(server)
		if _, err := trojan.DecodePreamble(r); err != nil {
			return
		}
		hdr := make([]byte, 1)
		if _, err := r.Read(hdr); err != nil {
			return
		}
		read <- hdr[0]
	}()

	ch, err := NewTLSPingChannel(client)
	if err != nil {
		t.Fatalf("NewTLSPingChannel: %v", err)
	}
	if err := ch.RequestRemote(netip.MustParseAddr("2001:db8::1")); err != nil {
		t.Fatalf("RequestRemote: %v", err)
	}

	select {
	case marker := <-read:
		if marker != markerIPv6 {
			t.Fatalf("marker = %#x, want markerIPv6 (%#x)", marker, markerIPv6)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for marker byte")
	}
}
