package bypass

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"trojan-tun/internal/trojan"
)

// Wire markers for the ping channel's remote-measurement records:
// [marker][addr bytes][ping uint16][lost uint8]. These reuse the exact
// ATYP values spec.md §4.3's ping record names (IPv4=0x01, IPv6=0x04),
// which are the same values SOCKS5 uses for those two address families.
const (
	markerIPv4 byte = 0x01
	markerIPv6 byte = 0x04
)

// TLSPingChannel implements PingChannel over a single TLS connection
// opened with CmdPing, framed the way net_profiler.rs's send_remote_ip
// and decode() do: a one-byte address-family marker, the raw address
// bytes, then (on the reply direction only) a ping/loss pair.
type TLSPingChannel struct {
	conn net.Conn

	mu      sync.Mutex
	results chan RemoteResult
}

// NewTLSPingChannel sends the CmdPing preamble over conn and starts the
// reply-reading goroutine.
func NewTLSPingChannel(conn net.Conn) (*TLSPingChannel, error) {
	if err := trojan.EncodePreamble(conn, trojan.Preamble{Cmd: trojan.CmdPing, Addr: trojan.PingAddr}); err != nil {
		return nil, fmt.Errorf("ping channel preamble: %w", err)
	}
	ch := &TLSPingChannel{conn: conn, results: make(chan RemoteResult, 32)}
	go ch.readLoop()
	return ch, nil
}

// RequestRemote asks the relay to measure its own round-trip to ip and
// report back on this same channel.
func (c *TLSPingChannel) RequestRemote(ip netip.Addr) error {
	buf := make([]byte, 0, 17)
	if ip.Is4() {
		b := ip.As4()
		buf = append(buf, markerIPv4)
		buf = append(buf, b[:]...)
	} else {
		b := ip.As16()
		buf = append(buf, markerIPv6)
		buf = append(buf, b[:]...)
	}
	c.mu.Lock()
	_, err := c.conn.Write(buf)
	c.mu.Unlock()
	return err
}

func (c *TLSPingChannel) Results() <-chan RemoteResult { return c.results }

func (c *TLSPingChannel) readLoop() {
	defer close(c.results)
	hdr := make([]byte, 1)
	for {
		if _, err := readFull(c.conn, hdr); err != nil {
			return
		}
		var addrLen int
		switch hdr[0] {
		case markerIPv4:
			addrLen = 4
		case markerIPv6:
			addrLen = 16
		default:
			return
		}
		body := make([]byte, addrLen+3) // addr + ping(2) + lost(1)
		if _, err := readFull(c.conn, body); err != nil {
			return
		}
		addrBytes := body[:addrLen]
		ping := binary.BigEndian.Uint16(body[addrLen : addrLen+2])
		lost := body[addrLen+2]

		ip, ok := netip.AddrFromSlice(addrBytes)
		if !ok {
			continue
		}
		c.results <- RemoteResult{IP: ip, Ping: ping, Lost: lost}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
