// Package flow implements C5 (TCP flow worker) and C7 (the shared
// flow table/lifecycle bookkeeping): one TLS connection per accepted
// TCP flow, a Trojan preamble, then a bidirectional copy with active
// half-close propagation so neither side of io.Copy blocks forever
// after the other has gone away.
//
// Grounded on the teacher's internal/outline_tcp.go
// (ProxyTCPOverOutlineWS's dual io.Copy + closeWrite pattern, carried
// over essentially unchanged since it is transport-agnostic), with the
// Shadowsocks cipher/target-header step of outline_tcp_common.go
// replaced by the Trojan preamble from internal/trojan.
package flow

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shadowsocks/go-shadowsocks2/socks"
	"go.uber.org/zap"

	"trojan-tun/internal/errs"
	"trojan-tun/internal/trojan"
)

// State is a TCP flow's position in its lifecycle (spec §3/§4.5).
type State int

const (
	StateAccepted State = iota
	StateConnectingTLS
	StatePreambleSent
	StateStreaming
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

// Acquirer hands out a ready TLS connection for a new flow; satisfied
// by *pool.Pool without flow importing pool directly, keeping the
// dependency direction one-way.
type Acquirer func(ctx context.Context) (net.Conn, error)

// Flow tracks one accepted TCP connection's correlation id and state
// for the table's idle sweep and for metrics/logging.
type Flow struct {
	ID       uuid.UUID
	LocalKey string // net.Conn.RemoteAddr().String() of the TUN side
	State    State
	started  time.Time
	lastSeen time.Time

	mu sync.Mutex
}

func (f *Flow) touch() {
	f.mu.Lock()
	f.lastSeen = time.Now()
	f.mu.Unlock()
}

func (f *Flow) setState(s State) {
	f.mu.Lock()
	f.State = s
	f.mu.Unlock()
}

// Table is the shared by_local/by_token registry C7 names: every live
// flow is reachable by its TUN-side local key and by its correlation
// token, and a periodic sweep evicts anything idle past the timeout.
type Table struct {
	mu      sync.Mutex
	byLocal map[string]*Flow
	byToken map[uuid.UUID]*Flow
}

func NewTable() *Table {
	return &Table{
		byLocal: make(map[string]*Flow),
		byToken: make(map[uuid.UUID]*Flow),
	}
}

func (t *Table) register(f *Flow) {
	t.mu.Lock()
	t.byLocal[f.LocalKey] = f
	t.byToken[f.ID] = f
	t.mu.Unlock()
}

func (t *Table) remove(f *Flow) {
	t.mu.Lock()
	delete(t.byLocal, f.LocalKey)
	delete(t.byToken, f.ID)
	t.mu.Unlock()
}

// ByToken looks up a live flow by its correlation id, for metrics and
// the bypass profiler's per-destination accounting.
func (t *Table) ByToken(id uuid.UUID) (*Flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.byToken[id]
	return f, ok
}

// Len reports the number of live flows, for metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byLocal)
}

// Sweep evicts flows untouched for longer than idle. Intended to run
// off a 1s ticker per spec §5.
func (t *Table) Sweep(idle time.Duration) int {
	now := time.Now()
	var stale []*Flow
	t.mu.Lock()
	for _, f := range t.byLocal {
		f.mu.Lock()
		expired := now.Sub(f.lastSeen) > idle
		f.mu.Unlock()
		if expired {
			stale = append(stale, f)
		}
	}
	t.mu.Unlock()
	for _, f := range stale {
		t.remove(f)
	}
	return len(stale)
}

// Worker proxies one accepted TCP flow from the netstack to the relay.
// Idle eviction is the Table's job (see Sweep), driven by the engine's
// own ticker against config's FlowIdleTimeout.
type Worker struct {
	Acquire Acquirer
	Table   *Table
	Log     *zap.Logger
}

// Serve dials (or reuses) a TLS connection, sends the Trojan preamble
// for dst, and copies bytes bidirectionally until either side closes.
// client is the netstack-side gonet.TCPConn (or any net.Conn for tests).
func (w *Worker) Serve(ctx context.Context, client net.Conn, dst string) error {
	f := &Flow{
		ID:       uuid.New(),
		LocalKey: client.RemoteAddr().String(),
		State:    StateAccepted,
		started:  time.Now(),
		lastSeen: time.Now(),
	}
	w.Table.register(f)
	defer w.Table.remove(f)

	f.setState(StateConnectingTLS)
	relay, err := w.Acquire(ctx)
	if err != nil {
		return errs.New(errs.Unreachable, "flow.Serve", err)
	}
	defer relay.Close()

	addr := socks.ParseAddr(dst)
	if addr == nil {
		return errs.New(errs.Protocol, "flow.Serve", fmt.Errorf("unsupported address %q", dst))
	}
	if err := trojan.EncodePreamble(relay, trojan.Preamble{Cmd: trojan.CmdConnect, Addr: addr}); err != nil {
		return errs.New(errs.TLS, "flow.Serve", err)
	}
	f.setState(StatePreambleSent)
	f.setState(StateStreaming)

	errC := make(chan error, 2)
	go func() {
		_, e := io.Copy(relay, client)
		_ = closeWrite(relay)
		f.setState(StateHalfClosedLocal)
		errC <- e
	}()
	go func() {
		_, e := io.Copy(client, relay)
		_ = closeWrite(client)
		f.setState(StateHalfClosedRemote)
		errC <- e
	}()

	firstErr := <-errC
	f.touch()
	_ = relay.Close()
	_ = client.Close()

	select {
	case <-ctx.Done():
		f.setState(StateClosed)
		return firstErr
	default:
	}

	secondErr := <-errC
	f.setState(StateClosed)
	if firstErr != nil {
		return firstErr
	}
	return secondErr
}

func closeWrite(c net.Conn) error {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}
