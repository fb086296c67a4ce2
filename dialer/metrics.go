package dialer

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sequring/chameleon/metrics"
	"github.com/sequring/chameleon/pool"
)

// PrintMetrics periodically logs a human-readable summary and refreshes the
// Prometheus pool gauges (counters update inline as events fire; gauges
// reflecting current pool size are cheapest sampled on a ticker).
func PrintMetrics(ctx context.Context, interval time.Duration, p *pool.Manager, m *Metrics, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("metrics printer started")
	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&m.TotalRequests)
			success := atomic.LoadUint64(&m.TotalSuccess)
			failed := atomic.LoadUint64(&m.TotalFailed)
			var successRate float64
			if total > 0 {
				successRate = float64(success) / float64(total) * 100
			}

			stats := p.Stats()
			metrics.ReportPoolStats(stats)

			log.Info("pool metrics",
				zap.Uint64("total_requests", total),
				zap.Uint64("success", success),
				zap.Uint64("failed", failed),
				zap.Float64("success_rate_pct", successRate),
				zap.Int("pool_size", stats.Size),
				zap.Int("pool_unused", stats.UnusedCount),
				zap.Bool("refilling", stats.Refilling),
			)
		case <-ctx.Done():
			log.Info("metrics printer stopping")
			return
		}
	}
}
