// Package metrics exposes a Prometheus /metrics endpoint for the
// engine's pool, flow, and bypass-profiler counters (spec.md §11's
// supplemented observability surface): the ambient concern the
// teacher's hand-rolled metrics.go also always ships, wired here
// against a real client instead of reimplementing a registry by hand.
//
// Counted quantities follow what the teacher's metrics.go tracks
// (selections, failures, healthy gauge, byte counters), renamed from
// per-upstream WebSocket terms to this engine's pool/flow/bypass terms.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PoolIdleConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trojan_tun_pool_idle_connections",
		Help: "Idle TLS connections currently held by the pool.",
	})
	PoolDialFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trojan_tun_pool_dial_failures_total",
		Help: "Total relay dial attempts that failed.",
	})
	TCPFlowsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trojan_tun_tcp_flows_active",
		Help: "Currently open TCP flows.",
	})
	UDPFlowsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trojan_tun_udp_flows_active",
		Help: "Currently tracked UDP flows.",
	})
	BypassDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trojan_tun_bypass_decisions_total",
		Help: "Bypass profiler verdicts, partitioned by outcome.",
	}, []string{"decision"})
	ProbeRTTMilliseconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trojan_tun_probe_rtt_milliseconds",
		Help:    "Observed local ICMP probe round-trip time.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 12),
	})
)

// Serve starts the Prometheus HTTP endpoint and blocks until ctx is
// cancelled, the way the teacher's StartMetricsServer does for its own
// hand-rolled handler.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("empty metrics address")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
