// Package netstack wires a gVisor userspace TCP/IP stack directly over
// a TUN device (C2): a single NIC backed by a channel.Endpoint, TCP and
// UDP forwarders that hand each accepted flow to caller-supplied
// handlers, and the two pump goroutines that move raw packets between
// the TUN device and the stack's endpoint.
//
// Grounded on the teacher's internal/tun_native.go, which wires gVisor
// over a water.Interface the same way; generalized here to the
// wireguard/tun Device interface and to caller-supplied flow handlers
// instead of hardcoding the Outline-specific dial logic inline.
package netstack

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"trojan-tun/internal/tun"
)

const nicID tcpip.NICID = 1

// TCPHandler is called once per accepted TCP flow, with the gVisor
// userspace conn and the 4-tuple gVisor parsed off the TUN packet.
type TCPHandler func(ctx context.Context, conn *gonet.TCPConn, id stack.TransportEndpointID)

// UDPHandler is called once per UDP flow's first packet seen by the
// forwarder (gVisor has no UDP "accept"; the forwarder fires per new
// 4-tuple the same way it does for TCP).
type UDPHandler func(ctx context.Context, conn *gonet.UDPConn, id stack.TransportEndpointID)

// Config configures New.
type Config struct {
	MTU int
	// RelayAddr, if valid, is blacklisted from the stack's routable
	// destinations: TUN traffic aimed at the relay itself is dropped
	// rather than forwarded, which would otherwise recurse the TLS
	// connection to the relay back through the tunnel
	// (original_source/src/awintun/mod.rs).
	RelayAddr netip.Addr
}

// Stack owns the gVisor stack, its single NIC, and the pump goroutines
// moving bytes between it and a tun.Device.
type Stack struct {
	st  *stack.Stack
	ep  *channel.Endpoint
	dev tun.Device
	cfg Config
}

// New creates the stack and its NIC over dev, but does not start the
// pumps or forwarders; call SetTCPHandler/SetUDPHandler then Run.
func New(dev tun.Device, cfg Config) (*Stack, error) {
	if cfg.MTU <= 0 {
		cfg.MTU = 1500
	}
	st := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	ep := channel.New(4096, uint32(cfg.MTU), "")
	if err := st.CreateNIC(nicID, ep); err != nil {
		return nil, fmt.Errorf("create nic: %v", err)
	}
	_ = st.SetPromiscuousMode(nicID, true)
	_ = st.SetSpoofing(nicID, true)
	st.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})
	return &Stack{st: st, ep: ep, dev: dev, cfg: cfg}, nil
}

func (s *Stack) isRelay(id stack.TransportEndpointID) bool {
	if !s.cfg.RelayAddr.IsValid() {
		return false
	}
	addr, ok := netip.AddrFromSlice(id.RemoteAddress.AsSlice())
	return ok && addr.Unmap() == s.cfg.RelayAddr.Unmap()
}

// SetTCPHandler installs the TCP forwarder. Connections whose
// destination is the relay's own address are refused outright.
func (s *Stack) SetTCPHandler(ctx context.Context, h TCPHandler) {
	fwd := tcp.NewForwarder(s.st, 0, 65535, func(r *tcp.ForwarderRequest) {
		id := r.ID()
		if s.isRelay(id) {
			r.Complete(true)
			return
		}
		var wq waiter.Queue
		ep, err := r.CreateEndpoint(&wq)
		if err != nil {
			r.Complete(true)
			return
		}
		r.Complete(false)
		conn := gonet.NewTCPConn(&wq, ep)
		go h(ctx, conn, id)
	})
	s.st.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)
}

// SetUDPHandler installs the UDP forwarder analogously to SetTCPHandler.
func (s *Stack) SetUDPHandler(ctx context.Context, h UDPHandler) {
	fwd := udp.NewForwarder(s.st, func(r *udp.ForwarderRequest) {
		id := r.ID()
		if s.isRelay(id) {
			return
		}
		var wq waiter.Queue
		ep, err := r.CreateEndpoint(&wq)
		if err != nil {
			return
		}
		conn := gonet.NewUDPConn(&wq, ep)
		go h(ctx, conn, id)
	})
	s.st.SetTransportProtocolHandler(udp.ProtocolNumber, fwd.HandlePacket)
}

// Run starts the TUN<->stack pumps and blocks until ctx is cancelled or
// either pump returns an error.
func (s *Stack) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.tunToStack(ctx) }()
	go func() { errCh <- s.stackToTun(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Stack) tunToStack(ctx context.Context) error {
	bufs := [][]byte{make([]byte, 65535)}
	sizes := make([]int, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := s.dev.Read(bufs, sizes, 0)
		if err != nil {
			return fmt.Errorf("tun read: %w", err)
		}
		if n == 0 {
			continue
		}
		pkt := bufs[0][:sizes[0]]
		var proto tcpip.NetworkProtocolNumber
		switch pkt[0] >> 4 {
		case 4:
			proto = ipv4.ProtocolNumber
		case 6:
			proto = ipv6.ProtocolNumber
		default:
			continue
		}
		pb := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(append([]byte(nil), pkt...)),
		})
		s.ep.InjectInbound(proto, pb)
		pb.DecRef()
	}
}

func (s *Stack) stackToTun(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		pb := s.ep.Read()
		if pb == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		v := pb.ToView()
		b := append([]byte(nil), v.AsSlice()...)
		pb.DecRef()

		if _, err := s.dev.Write([][]byte{b}, 0); err != nil {
			return fmt.Errorf("tun write: %w", err)
		}
	}
}
