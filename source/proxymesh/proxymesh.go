// Package proxymesh implements a single-endpoint ProxySource: a statically
// configured host/port shared across all callers, active until explicitly
// released, reactivatable by ops/tests.
package proxymesh

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	px "golang.org/x/net/proxy"

	"github.com/sequring/chameleon/netutil"
	"github.com/sequring/chameleon/pool"
	"github.com/sequring/chameleon/source"
)

// Config configures the ProxyMesh adapter.
type Config struct {
	Name     string // defaults to "proxymesh" when empty
	Host     string
	Port     string
	Username string
	Password string
	Protocol pool.Protocol // defaults to socks5

	// ProbeTarget is dialed *through* the endpoint to confirm it is
	// actually forwarding traffic, not just accepting TCP connections.
	ProbeTarget   string
	ProbeAttempts uint
	ProbeTimeout  time.Duration
}

// Source is a ProxySource backed by one static, shared endpoint.
type Source struct {
	cfg    Config
	active atomic.Bool
}

// New builds a ProxyMesh Source, active by default.
func New(cfg Config) *Source {
	if cfg.Name == "" {
		cfg.Name = "proxymesh"
	}
	if cfg.Protocol == "" {
		cfg.Protocol = pool.ProtocolSOCKS5
	}
	if cfg.ProbeAttempts == 0 {
		cfg.ProbeAttempts = 3
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.ProbeTarget == "" {
		cfg.ProbeTarget = "www.google.com:443"
	}
	s := &Source{cfg: cfg}
	s.active.Store(true)
	return s
}

func (s *Source) Name() string { return s.cfg.Name }

// Fetch returns exactly one item describing the shared endpoint regardless
// of count, provided the endpoint is active and a bounded reachability
// probe (this source's own I/O, not the orchestrator's) succeeds.
func (s *Source) Fetch(ctx context.Context, count int) ([]pool.Item, error) {
	if !s.active.Load() {
		return nil, &source.FetchError{Source: s.cfg.Name, Cause: fmt.Errorf("endpoint inactive")}
	}

	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)
	err := retry.Do(
		func() error { return s.probe(ctx, addr) },
		retry.Attempts(s.cfg.ProbeAttempts),
		retry.Delay(100*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, &source.FetchError{Source: s.cfg.Name, Cause: fmt.Errorf("endpoint not forwarding traffic: %w", err)}
	}

	id, err := pool.NewID()
	if err != nil {
		return nil, &source.FetchError{Source: s.cfg.Name, Cause: err}
	}

	item := pool.Item{
		ID:     id,
		Source: s.cfg.Name,
		Endpoint: pool.Endpoint{
			Host:     s.cfg.Host,
			Port:     s.cfg.Port,
			Protocol: s.cfg.Protocol,
			Username: s.cfg.Username,
			Password: s.cfg.Password,
		},
		CreatedAt: time.Now(),
	}
	return []pool.Item{item}, nil
}

// probe dials the SOCKS5 endpoint and, through it, the configured test
// target — confirming the endpoint actually forwards traffic rather than
// merely accepting TCP connections.
func (s *Source) probe(ctx context.Context, addr string) error {
	var auth *px.Auth
	if s.cfg.Username != "" {
		auth = &px.Auth{User: s.cfg.Username, Password: s.cfg.Password}
	}

	dialer, err := px.SOCKS5("tcp", addr, auth, px.Direct)
	if err != nil {
		return fmt.Errorf("build socks5 dialer: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	conn, err := netutil.DialThroughContext(probeCtx, dialer, "tcp", s.cfg.ProbeTarget)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Release flips active to false — the one endpoint this source represents
// is now considered unusable until Reactivate.
func (s *Source) Release(ctx context.Context, id string) error {
	s.active.Store(false)
	return nil
}

// Reactivate restores the endpoint, for ops/tests.
func (s *Source) Reactivate() {
	s.active.Store(true)
}

var (
	_ source.ProxySource    = (*Source)(nil)
	_ source.ReleaseCapable = (*Source)(nil)
)
