package bypass

import (
	"context"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"trojan-tun/internal/metrics"
)

// ICMPProber measures the direct path to a destination with plain
// ICMP echo, matching net_profiler.rs's do_check: pingSamples echoes,
// one per pingInterval, each bounded by pingTimeout, averaging the
// round-trip of every reply and counting everything else as loss.
//
// Uses golang.org/x/net/icmp rather than a raw socket opened by hand,
// since the pack's doublezero uping tooling already standardizes on it
// for the same kind of active probing.
type ICMPProber struct {
	id uint16
}

func NewICMPProber() *ICMPProber { return &ICMPProber{} }

func (p *ICMPProber) Probe(ctx context.Context, ip netip.Addr) (avgMillis uint16, lossPercent uint8) {
	network, proto := "ip4:icmp", ipv4.ICMPTypeEcho
	listenAddr := "0.0.0.0"
	if ip.Is6() {
		network, listenAddr = "ip6:ipv6-icmp", "::"
	}

	conn, err := icmp.ListenPacket(network, listenAddr)
	if err != nil {
		return maxUint16, maxUint8
	}
	defer conn.Close()

	p.id++
	id := int(p.id)

	var totalMillis int64
	var received int

	for seq := 0; seq < pingSamples; seq++ {
		select {
		case <-ctx.Done():
			return finalize(totalMillis, received, seq)
		case <-time.After(pingInterval):
		}

		msg := icmp.Message{
			Type: proto,
			Code: 0,
			Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("trojan-tun-probe")},
		}
		if ip.Is6() {
			msg.Type = ipv6.ICMPTypeEchoRequest
		}
		wb, err := msg.Marshal(nil)
		if err != nil {
			continue
		}
		dst := &net.IPAddr{IP: net.IP(ipBytes(ip))}
		if _, err := conn.WriteTo(wb, dst); err != nil {
			continue
		}

		_ = conn.SetReadDeadline(time.Now().Add(pingTimeout))
		rb := make([]byte, 1500)
		start := time.Now()
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			continue
		}
		protoNum := 1
		if ip.Is6() {
			protoNum = 58
		}
		if _, err := icmp.ParseMessage(protoNum, rb[:n]); err != nil {
			continue
		}
		received++
		rtt := time.Since(start)
		totalMillis += rtt.Milliseconds()
		metrics.ProbeRTTMilliseconds.Observe(float64(rtt.Milliseconds()))
	}

	return finalize(totalMillis, received, pingSamples)
}

func finalize(totalMillis int64, received, attempted int) (uint16, uint8) {
	if attempted == 0 {
		return maxUint16, maxUint8
	}
	lossPercent := uint8(100 * (attempted - received) / attempted)
	if received == 0 {
		return maxUint16 - 1, lossPercent
	}
	avg := uint16(totalMillis / int64(received))
	return avg, lossPercent
}

func ipBytes(addr netip.Addr) []byte {
	if addr.Is4() {
		b := addr.As4()
		return b[:]
	}
	b := addr.As16()
	return b[:]
}
