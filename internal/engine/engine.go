// Package engine wires C1-C9 together: the TUN device, the gVisor
// netstack, the TLS pool, the TCP/UDP flow workers, the bypass
// profiler, routing sink, and event bus, into one Start/Stop lifecycle
// driven by a single cancellable context.
//
// Grounded on the teacher's cmd/outline-cli-ws/main.go (signal-driven
// cancellation, optional metrics server, TUN goroutine wired to the
// same cancel func), generalized into a reusable type so both the
// desktop CLI and a future mobile bridge entrypoint can drive it.
package engine

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"trojan-tun/internal/bypass"
	"trojan-tun/internal/config"
	"trojan-tun/internal/eventbus"
	"trojan-tun/internal/flow"
	"trojan-tun/internal/metrics"
	"trojan-tun/internal/netstack"
	"trojan-tun/internal/pool"
	"trojan-tun/internal/routing"
	"trojan-tun/internal/tun"
	"trojan-tun/internal/udpflow"
)

// Engine owns every component's lifetime for one tunnel session.
type Engine struct {
	cfg *config.InterfaceConfig
	log *zap.Logger
	bus *eventbus.Bus

	dev   tun.Device
	stack *netstack.Stack
	pool  *pool.Pool
	table *flow.Table
	udp   *udpflow.Table
	prof  *bypass.Profiler
	sink  routing.Sink

	cancel context.CancelFunc
}

// New constructs an Engine but does not open the TUN device or dial
// anything yet; call Start to do that.
func New(cfg *config.InterfaceConfig, log *zap.Logger, bus *eventbus.Bus, sink routing.Sink) *Engine {
	if sink == nil {
		sink = routing.NoopSink{}
	}
	return &Engine{cfg: cfg, log: log, bus: bus, sink: sink}
}

// Start opens the TUN device, builds the netstack and pool, and begins
// serving flows. It returns once setup succeeds; Run then blocks.
func (e *Engine) Start(ctx context.Context) error {
	e.bus.StatusChanged(eventbus.StatusStarting, nil)

	dev, err := tun.Open(e.cfg.IfaceName, e.cfg.MTU)
	if err != nil {
		e.bus.StatusChanged(eventbus.StatusError, err)
		return fmt.Errorf("engine start: %w", err)
	}
	e.dev = dev

	relayHost, _, err := net.SplitHostPort(e.cfg.RelayAddr)
	var relayIP netip.Addr
	if err == nil {
		if ip, perr := netip.ParseAddr(relayHost); perr == nil {
			relayIP = ip
		}
	}

	st, err := netstack.New(dev, netstack.Config{MTU: e.cfg.MTU, RelayAddr: relayIP})
	if err != nil {
		_ = dev.Close()
		e.bus.StatusChanged(eventbus.StatusError, err)
		return fmt.Errorf("engine start: %w", err)
	}
	e.stack = st

	dialer := pool.DefaultDialer(e.cfg.RelayAddr, e.cfg.RelaySNI)
	e.pool = pool.New(dialer, e.cfg.PoolSize, e.log)
	e.table = flow.NewTable()
	e.udp = udpflow.NewTable(e.pool.Acquire)

	var pingChan bypass.PingChannel
	if pingConn, perr := dialer(ctx); perr != nil {
		if e.log != nil {
			e.log.Warn("ping channel dial failed, bypass profiler limited to local measurements", zap.Error(perr))
		}
	} else if pc, perr := bypass.NewTLSPingChannel(pingConn); perr != nil {
		_ = pingConn.Close()
		if e.log != nil {
			e.log.Warn("ping channel handshake failed, bypass profiler limited to local measurements", zap.Error(perr))
		}
	} else {
		pingChan = pc
	}
	e.prof = bypass.New(pingChan, bypass.NewICMPProber(), e.sink, e.log)
	worker := &flow.Worker{
		Acquire: e.pool.Acquire,
		Table:   e.table,
		Log:     e.log,
	}

	st.SetTCPHandler(ctx, func(hctx context.Context, conn *gonet.TCPConn, id stack.TransportEndpointID) {
		dst := net.JoinHostPort(net.IP(id.RemoteAddress.AsSlice()).String(), fmt.Sprintf("%d", id.RemotePort))
		if err := worker.Serve(hctx, conn, dst); err != nil && e.log != nil {
			e.log.Debug("flow closed", zap.Error(err))
		}
	})

	st.SetUDPHandler(ctx, func(hctx context.Context, conn *gonet.UDPConn, id stack.TransportEndpointID) {
		e.serveUDP(hctx, conn, id)
	})

	return nil
}

// serveUDP pumps one netstack UDP 4-tuple through the shared UDP
// association table: client datagrams go out as Trojan UDP records,
// and records the table routes back to this source endpoint are
// written back onto the netstack conn.
func (e *Engine) serveUDP(ctx context.Context, conn *gonet.UDPConn, id stack.TransportEndpointID) {
	key := udpflow.Key{SrcAddr: net.IP(id.LocalAddress.AsSlice()).String(), SrcPort: id.LocalPort}
	dst := net.JoinHostPort(net.IP(id.RemoteAddress.AsSlice()).String(), fmt.Sprintf("%d", id.RemotePort))
	f, err := e.udp.GetOrCreate(ctx, key)
	if err != nil {
		if e.log != nil {
			e.log.Debug("udp flow dial failed", zap.Error(err))
		}
		return
	}

	go func() {
		for rec := range f.Inbound() {
			_, _ = conn.Write(rec.Payload)
		}
	}()

	buf := make([]byte, 65535)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		if err := e.udp.Send(ctx, key, dst, append([]byte(nil), buf[:n]...)); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Run drives the pool refill loop, the netstack pumps, the bypass
// reconciliation loop, and the flow table sweep until ctx is cancelled
// or the netstack stops with an error, then closes the TUN device. All
// of these loops and the flow workers share one context, so they are
// cancelled together rather than in sequence, and Run does not wait for
// them to exit before closing the device.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer cancel()

	errC := make(chan error, 1)
	go func() { errC <- e.stack.Run(ctx) }()
	go e.pool.Run(ctx)
	go e.prof.Run(ctx)
	go e.sweepLoop(ctx)

	select {
	case <-ctx.Done():
	case err := <-errC:
		e.bus.StatusChanged(eventbus.StatusError, err)
	}

	e.shutdown()
	e.bus.StatusChanged(eventbus.StatusStopped, nil)
	return nil
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.FlowSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := e.table.Sweep(e.cfg.FlowIdleTimeout)
			if n > 0 {
				metrics.TCPFlowsActive.Set(float64(e.table.Len()))
			}
			if e.udp != nil {
				e.udp.GC()
				metrics.UDPFlowsActive.Set(float64(e.udp.Len()))
			}
		}
	}
}

// shutdown releases the TUN device after everything feeding it has
// stopped; called only after Run's context is cancelled.
func (e *Engine) shutdown() {
	if e.dev != nil {
		_ = e.dev.Close()
	}
}

// Stop cancels the running Engine, triggering the ordered shutdown in
// Run.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}
