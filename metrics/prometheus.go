// Package metrics exposes the system's Prometheus surface: SOCKS request
// counters, upstream per-proxy counters, and pool/orchestrator gauges wired
// to the events bus so the core itself never imports prometheus directly.
package metrics

import (
	"context"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sequring/chameleon/events"
	"github.com/sequring/chameleon/pool"
)

const namespace = "chameleon"

var (
	SocksRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "socks",
		Name:      "requests_total",
		Help:      "Total number of SOCKS requests processed.",
	})
	SocksRequestsSuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "socks",
		Name:      "requests_success_total",
		Help:      "Total number of successful SOCKS connections.",
	})
	SocksRequestsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "socks",
		Name:      "requests_failed_total",
		Help:      "Total number of failed SOCKS connections.",
	})
)

var (
	UpstreamProxySuccessTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream_proxy",
		Name:      "success_total",
		Help:      "Total number of successful connections via an upstream proxy.",
	}, []string{"proxy_address"})
	UpstreamProxyFailTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream_proxy",
		Name:      "fail_total",
		Help:      "Total number of failed connections via an upstream proxy.",
	}, []string{"proxy_address"})
)

var (
	PoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "size",
		Help:      "Current number of items held by the pool.",
	})
	PoolUnused = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "unused",
		Help:      "Current number of unused (not in-use) items held by the pool.",
	})
	PoolRefilling = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "refilling",
		Help:      "1 while a background refill is outstanding, 0 otherwise.",
	})
	SourceFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "failures_total",
		Help:      "Total number of fetch/release failures per source.",
	}, []string{"source", "kind"})
	PoolReplenishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "replenished_total",
		Help:      "Total number of successful background refill cycles.",
	})
	PoolReplenishFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "replenish_failed_total",
		Help:      "Total number of failed background refill cycles.",
	})
)

// SubscribeEvents wires a *events.Bus to the pool/source counters above, so
// the core stays free of any prometheus import: it only ever calls
// bus.Publish, and this package is the one translating events into metrics.
func SubscribeEvents(bus *events.Bus) {
	bus.SubscribeAll(func(ev events.Event) {
		switch ev.Kind {
		case events.PoolReplenished:
			PoolReplenishedTotal.Inc()
		case events.PoolReplenishFailed:
			PoolReplenishFailedTotal.Inc()
		case events.SourceFailed:
			SourceFailuresTotal.WithLabelValues(ev.Source, "fetch").Inc()
		case events.SourceReleaseFailed:
			SourceFailuresTotal.WithLabelValues(ev.Source, "release").Inc()
		}
	})
}

// ReportPoolStats snapshots the pool's coarse stats into gauges. Call this
// periodically (see dialer.PrintMetrics' cadence) rather than on every
// acquisition, since these are gauges, not counters.
func ReportPoolStats(stats pool.Stats) {
	PoolSize.Set(float64(stats.Size))
	PoolUnused.Set(float64(stats.UnusedCount))
	if stats.Refilling {
		PoolRefilling.Set(1)
	} else {
		PoolRefilling.Set(0)
	}
}

// Exporter serves the Prometheus /metrics endpoint.
type Exporter struct {
	listenAddress string
}

func NewExporter(listenAddress string) *Exporter {
	return &Exporter{listenAddress: listenAddress}
}

// Start runs the metrics HTTP server in the background. A no-op when no
// listen address is configured.
func (e *Exporter) Start(ctx context.Context) {
	if e.listenAddress == "" {
		log.Println("Prometheus metrics endpoint is disabled (no listen address specified).")
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: e.listenAddress, Handler: mux}

	go func() {
		log.Printf("Starting Prometheus metrics HTTP server on %s/metrics", e.listenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Error starting Prometheus metrics HTTP server: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
}
