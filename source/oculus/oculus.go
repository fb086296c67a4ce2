// Package oculus implements a multi-pull, API-based ProxySource: a vendor
// endpoint that accepts an order token and a requested count, and returns up
// to that many proxies per call.
package oculus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/sequring/chameleon/pool"
	"github.com/sequring/chameleon/source"
)

// Config configures the Oculus adapter.
type Config struct {
	Name          string // defaults to "oculus" when empty
	Endpoint      string // vendor order URL
	OrderToken    string
	PlanType      string
	Country       string
	EnableSocks5  bool
	WhiteListIP   []string
	RequestTimeout time.Duration
}

// Source is a ProxySource backed by a multi-pull vendor API.
type Source struct {
	cfg    Config
	client *retryablehttp.Client
}

// New builds an Oculus Source. The retryablehttp client owns this source's
// bounded retry/backoff budget; the pool and orchestrator never impose
// timeouts of their own on a fetch.
func New(cfg Config) *Source {
	if cfg.Name == "" {
		cfg.Name = "oculus"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = cfg.RequestTimeout
	client.Logger = nil // vendor noise is swallowed; caller logs via events

	return &Source{cfg: cfg, client: client}
}

func (s *Source) Name() string { return s.cfg.Name }

type orderRequest struct {
	OrderToken      string   `json:"orderToken"`
	PlanType        string   `json:"planType"`
	NumberOfProxies int      `json:"numberOfProxies"`
	Country         string   `json:"country,omitempty"`
	EnableSocks5    bool     `json:"enableSocks5"`
	WhiteListIP     []string `json:"whiteListIP,omitempty"`
}

// Fetch POSTs an order for up to count proxies and parses the vendor's
// "host:port:user:pass" string array into pool.Items.
func (s *Source) Fetch(ctx context.Context, count int) ([]pool.Item, error) {
	body, err := json.Marshal(orderRequest{
		OrderToken:      s.cfg.OrderToken,
		PlanType:        s.cfg.PlanType,
		NumberOfProxies: count,
		Country:         s.cfg.Country,
		EnableSocks5:    s.cfg.EnableSocks5,
		WhiteListIP:     s.cfg.WhiteListIP,
	})
	if err != nil {
		return nil, &source.FetchError{Source: s.cfg.Name, Cause: fmt.Errorf("encode order: %w", err)}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &source.FetchError{Source: s.cfg.Name, Cause: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.OrderToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &source.FetchError{Source: s.cfg.Name, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &source.FetchError{Source: s.cfg.Name, Cause: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := resp.Header.Get("x-tlp-err-code")
		msg := resp.Header.Get("x-tlp-err-msg")
		return nil, &source.FetchError{
			Source: s.cfg.Name,
			Cause:  fmt.Errorf("vendor error %s: %s (http %d)", code, msg, resp.StatusCode),
		}
	}

	var raw []string
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, &source.FetchError{Source: s.cfg.Name, Cause: fmt.Errorf("malformed response: %w", err)}
	}

	items := make([]pool.Item, 0, len(raw))
	for _, line := range raw {
		if len(items) == count {
			break
		}
		item, err := s.parseItem(line)
		if err != nil {
			log.Printf("[source:%s] skipping malformed proxy entry %q: %v", s.cfg.Name, line, err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// parseItem parses a vendor-formatted "host:port:user:pass" line.
func (s *Source) parseItem(line string) (pool.Item, error) {
	parts := strings.SplitN(line, ":", 4)
	if len(parts) != 4 {
		return pool.Item{}, fmt.Errorf("expected host:port:user:pass, got %q", line)
	}
	if _, err := strconv.Atoi(parts[1]); err != nil {
		return pool.Item{}, fmt.Errorf("invalid port in %q: %w", line, err)
	}

	id, err := pool.NewID()
	if err != nil {
		return pool.Item{}, err
	}

	protocol := pool.ProtocolHTTP
	if s.cfg.EnableSocks5 {
		protocol = pool.ProtocolSOCKS5
	}

	return pool.Item{
		ID:     id,
		Source: s.cfg.Name,
		Endpoint: pool.Endpoint{
			Host:     parts[0],
			Port:     parts[1],
			Protocol: protocol,
			Username: parts[2],
			Password: parts[3],
			Country:  s.cfg.Country,
		},
		CreatedAt: time.Now(),
	}, nil
}

// Release is a documented no-op: Oculus sessions expire server-side, so the
// core's eviction has nothing to tell the vendor.
func (s *Source) Release(ctx context.Context, id string) error {
	return nil
}

var (
	_ source.ProxySource    = (*Source)(nil)
	_ source.ReleaseCapable = (*Source)(nil)
)
