// Package dialer is the SOCKS5 server's downstream collaborator: for every
// inbound client connection it acquires a proxy from the pool, dials the
// requested address through it, and reports the outcome back to the pool —
// Reject on a client-side dial failure, never Discard. A timeout dialing
// through a fresh proxy might be the target's fault, not the proxy's, so
// the source is never notified for it.
package dialer

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	px "golang.org/x/net/proxy"
	"go.uber.org/zap"

	"github.com/sequring/chameleon/metrics"
	"github.com/sequring/chameleon/netutil"
	"github.com/sequring/chameleon/pool"
)

// upstreamDialerFor builds the px.Dialer appropriate to an item's protocol.
// pool.ProtocolHTTP/HTTPS items (oculus's default when enable_socks5 isn't
// set) go through an HTTP CONNECT handshake rather than a SOCKS5 one —
// dialing a HTTP-classified proxy as if it spoke SOCKS5 just fails the
// handshake and gets the item wrongly Rejected.
func upstreamDialerFor(protocol pool.Protocol, network, upstreamAddr string, auth *px.Auth) (px.Dialer, error) {
	switch protocol {
	case pool.ProtocolHTTP, pool.ProtocolHTTPS:
		return newHTTPConnectDialer(upstreamAddr, auth), nil
	case pool.ProtocolSOCKS5:
		return px.SOCKS5(network, upstreamAddr, auth, px.Direct)
	default:
		return nil, fmt.Errorf("unsupported upstream protocol %q", protocol)
	}
}

// Metrics is the process-local request tally kept alongside the Prometheus
// counters in metrics/prometheus.go for the periodic human-readable log
// line.
type Metrics struct {
	TotalRequests uint64
	TotalSuccess  uint64
	TotalFailed   uint64
}

// Dialer implements the socks5.Dial signature, bridging inbound SOCKS5
// requests to the proxy pool.
type Dialer struct {
	pool           *pool.Manager
	commonMetrics  *Metrics
	upstreamTimeout time.Duration
	log            *zap.Logger
}

func New(p *pool.Manager, m *Metrics, log *zap.Logger) *Dialer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dialer{
		pool:            p,
		commonMetrics:   m,
		upstreamTimeout: 15 * time.Second,
		log:             log,
	}
}

// Dial acquires a proxy exclusively, dials addr through it, and either
// leaves the proxy in the pool for reuse (success) or rejects it
// (client-side dial failure).
func (d *Dialer) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	metrics.SocksRequestsTotal.Inc()
	atomic.AddUint64(&d.commonMetrics.TotalRequests, 1)

	conn, err := d.pool.AcquireExclusive(ctx)
	if err != nil {
		metrics.SocksRequestsFailedTotal.Inc()
		atomic.AddUint64(&d.commonMetrics.TotalFailed, 1)
		d.log.Warn("failed to acquire proxy", zap.Error(err))
		return nil, err
	}

	var auth *px.Auth
	if conn.Endpoint.Username != "" {
		auth = &px.Auth{User: conn.Endpoint.Username, Password: conn.Endpoint.Password}
	}

	upstreamAddr := net.JoinHostPort(conn.Endpoint.Host, conn.Endpoint.Port)
	upstreamDialer, err := upstreamDialerFor(conn.Endpoint.Protocol, network, upstreamAddr, auth)
	if err != nil {
		metrics.SocksRequestsFailedTotal.Inc()
		atomic.AddUint64(&d.commonMetrics.TotalFailed, 1)
		metrics.UpstreamProxyFailTotal.WithLabelValues(upstreamAddr).Inc()
		d.log.Warn("failed to build upstream dialer", zap.String("proxy", upstreamAddr), zap.Error(err))
		d.pool.Reject(conn)
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.upstreamTimeout)
	defer cancel()

	upstreamConn, dialErr := netutil.DialThroughContext(dialCtx, upstreamDialer, network, addr)
	if dialErr != nil {
		metrics.SocksRequestsFailedTotal.Inc()
		atomic.AddUint64(&d.commonMetrics.TotalFailed, 1)
		metrics.UpstreamProxyFailTotal.WithLabelValues(upstreamAddr).Inc()

		wrapped := fmt.Errorf("dialing %s via proxy %s: %w", addr, upstreamAddr, dialErr)
		d.log.Warn("upstream dial failed", zap.String("target", addr), zap.String("proxy", upstreamAddr), zap.Error(dialErr))
		d.pool.Reject(conn)
		return nil, wrapped
	}

	metrics.SocksRequestsSuccessTotal.Inc()
	atomic.AddUint64(&d.commonMetrics.TotalSuccess, 1)
	metrics.UpstreamProxySuccessTotal.WithLabelValues(upstreamAddr).Inc()
	d.pool.MarkSuccess(conn)
	d.log.Debug("connected via proxy", zap.String("target", addr), zap.String("proxy", upstreamAddr))
	return upstreamConn, nil
}
