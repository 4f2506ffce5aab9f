// Package pool maintains a bounded, pre-warmed set of TLS connections
// to the relay (C4): a refill loop that keeps the pool topped up with
// exponential backoff on dial failure, plus a single always-warm
// standby connection fast-pathed for the very next acquire.
//
// Grounded on the teacher's internal/lb.go (healthy/cooldown bookkeeping,
// generalized from per-upstream selection to per-pool backoff) and
// internal/warm_standby.go (EnsureStandbyTCP / wsAliveCheck), translated
// from WebSocket ping/pong liveness to a TLS zero-length-write probe.
package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"trojan-tun/internal/metrics"
)

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Dialer opens a new TLS connection to the relay. Implemented by the
// caller so pool stays ignorant of the Trojan preamble; it only owns
// connection lifecycle, not protocol framing. Returns net.Conn (rather
// than *tls.Conn) so tests can substitute an in-memory pipe.
type Dialer func(ctx context.Context) (net.Conn, error)

// Pool keeps idle, pre-warmed TLS connections ready for C5/C6 flow
// workers to acquire without paying handshake latency on the hot path.
type Pool struct {
	dial   Dialer
	size   int
	log    *zap.Logger

	mu      sync.Mutex
	idle    []net.Conn
	backoff time.Duration
	standby net.Conn
}

// New builds a pool that will maintain up to size idle connections.
func New(dial Dialer, size int, log *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{dial: dial, size: size, log: log, backoff: minBackoff}
}

// Run keeps refilling the idle set and the warm standby connection
// until ctx is cancelled. It never returns an error; dial failures only
// back off and retry.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refill(ctx)
			p.ensureStandby(ctx)
		}
	}
}

func (p *Pool) refill(ctx context.Context) {
	p.mu.Lock()
	need := p.size - len(p.idle)
	backoff := p.backoff
	p.mu.Unlock()
	if need <= 0 {
		return
	}

	for i := 0; i < need; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		c, err := p.dial(dctx)
		cancel()
		if err != nil {
			if p.log != nil {
				p.log.Debug("pool dial failed", zap.Error(err), zap.Duration("backoff", backoff))
			}
			metrics.PoolDialFailuresTotal.Inc()
			p.growBackoff()
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			return
		}
		p.resetBackoff()
		p.mu.Lock()
		p.idle = append(p.idle, c)
		n := len(p.idle)
		p.mu.Unlock()
		metrics.PoolIdleConnections.Set(float64(n))
	}
}

func (p *Pool) growBackoff() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backoff *= 2
	if p.backoff > maxBackoff {
		p.backoff = maxBackoff
	}
}

func (p *Pool) resetBackoff() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backoff = minBackoff
}

// ensureStandby keeps one always-warm preferred connection on hand so
// the very next Acquire skips both the idle-pool pop and a fresh dial.
func (p *Pool) ensureStandby(ctx context.Context) {
	p.mu.Lock()
	exists := p.standby != nil
	p.mu.Unlock()
	if exists {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := p.dial(dctx)
	cancel()
	if err != nil {
		metrics.PoolDialFailuresTotal.Inc()
		return
	}
	p.mu.Lock()
	if p.standby != nil {
		_ = c.Close()
	} else {
		p.standby = c
	}
	p.mu.Unlock()
}

// Acquire returns a TLS connection ready for a new flow: the warm
// standby if alive, else an idle pooled connection, else a fresh dial.
func (p *Pool) Acquire(ctx context.Context) (net.Conn, error) {
	p.mu.Lock()
	c := p.standby
	p.standby = nil
	p.mu.Unlock()
	if c != nil {
		checkCtx, cancel := context.WithTimeout(ctx, 1200*time.Millisecond)
		alive := aliveCheck(checkCtx, c)
		cancel()
		if alive {
			return c, nil
		}
		_ = c.Close()
	}

	p.mu.Lock()
	popped := false
	if n := len(p.idle); n > 0 {
		c = p.idle[n-1]
		p.idle = p.idle[:n-1]
		popped = true
	}
	remaining := len(p.idle)
	p.mu.Unlock()
	if popped {
		metrics.PoolIdleConnections.Set(float64(remaining))
	}
	if c != nil {
		return c, nil
	}

	return p.dial(ctx)
}

// aliveCheck probes an idle connection with a zero-length write, the
// TLS-stream analogue of the teacher's WebSocket ping/pong
// wsAliveCheck. It reports a connection that has already failed or
// been closed on this side; a zero-length write puts no bytes on the
// wire, so a peer that has gone away is not detected here.
func aliveCheck(ctx context.Context, c net.Conn) bool {
	deadline, ok := ctx.Deadline()
	if ok {
		_ = c.SetWriteDeadline(deadline)
		defer c.SetWriteDeadline(time.Time{})
	}
	_, err := c.Write(nil)
	return err == nil
}

// DefaultDialer builds a Dialer connecting to relayAddr with the given
// TLS ServerName, for callers that don't need a custom transport.
func DefaultDialer(relayAddr, sni string) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		d := tls.Dialer{Config: &tls.Config{ServerName: sni}}
		conn, err := d.DialContext(ctx, "tcp", relayAddr)
		if err != nil {
			return nil, fmt.Errorf("dial relay %s: %w", relayAddr, err)
		}
		return conn, nil
	}
}
