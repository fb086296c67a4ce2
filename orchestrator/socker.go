// Package orchestrator implements Socker, the multi-source orchestrator
// that presents a single fetch/release surface over a heterogeneous,
// strictly-ordered list of ProxySource adapters. It never retries
// internally — retry discipline belongs to the pool manager (which simply
// asks again on the next refill cycle) or the caller.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sequring/chameleon/events"
	"github.com/sequring/chameleon/pool"
	"github.com/sequring/chameleon/source"
)

// SourceHealth is the diagnostic result of probing one source.
type SourceHealth struct {
	Source   string
	Healthy  bool
	ProbedAt time.Time
	Error    string
}

// Socker multiplexes an ordered source list behind one replenish/release
// surface. Source order is semantic: the first source is primary, subsequent
// ones are strict fallbacks.
type Socker struct {
	sources []source.ProxySource
	bus     *events.Bus

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a Socker over sources in the given (significant) order. Each
// source gets its own circuit breaker so a degraded source stops paying its
// own I/O timeout on every replenish attempt once it has tripped open —
// callers still see the same try-in-order fallback behavior; the breaker
// only changes how fast a known-bad source is skipped.
func New(sources []source.ProxySource, bus *events.Bus) *Socker {
	s := &Socker{
		sources: sources,
		bus:     bus,
	}
	s.breakers = s.freshBreakers()
	return s
}

func (s *Socker) freshBreakers() map[string]*gobreaker.CircuitBreaker {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(s.sources))
	for _, src := range s.sources {
		name := src.Name()
		breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	return breakers
}

// ResetBreakers discards accumulated failure counts for every source,
// letting a source an operator has just fixed be tried again immediately
// instead of waiting out its breaker's open-state timeout.
func (s *Socker) ResetBreakers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers = s.freshBreakers()
}

// Replenish tries sources in order until one yields >=1 item, returning
// that batch immediately without aggregating across sources. Every failure
// or empty batch emits a source.failed event before advancing.
func (s *Socker) Replenish(ctx context.Context, n int) ([]pool.Item, error) {
	for _, src := range s.sources {
		name := src.Name()
		breaker := s.breakerFor(name)

		result, err := breaker.Execute(func() (interface{}, error) {
			return src.Fetch(ctx, n)
		})
		if err != nil {
			s.publish(events.Event{Kind: events.SourceFailed, At: time.Now(), Source: name, Error: err.Error()})
			continue
		}

		items, _ := result.([]pool.Item)
		if len(items) == 0 {
			s.publish(events.Event{Kind: events.SourceFailed, At: time.Now(), Source: name, Error: "empty batch"})
			continue
		}
		return items, nil
	}
	return nil, ErrAllSourcesExhausted
}

// Release dispatches release(id) to every source that implements
// ReleaseCapable, concurrently, and awaits all completions. Per-source
// failures become source.release.failed events and never fail the call by
// themselves; Release returns a non-nil error only in aggregate, so the
// pool manager can turn that into its own proxy.release.failed event.
func (s *Socker) Release(ctx context.Context, id string) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures int

	for _, src := range s.sources {
		rc, ok := src.(source.ReleaseCapable)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(rc source.ReleaseCapable, name string) {
			defer wg.Done()
			if err := rc.Release(ctx, id); err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
				s.publish(events.Event{Kind: events.SourceReleaseFailed, At: time.Now(), Source: name, Error: err.Error()})
			}
		}(rc, src.Name())
	}
	wg.Wait()

	if failures > 0 {
		return fmt.Errorf("[orchestrator] %d source(s) failed to release %s", failures, id)
	}
	return nil
}

// Health probes every source with a diagnostic fetch(1), bypassing the
// breaker since this call is never on the hot path and exists precisely to
// observe the true current state of a source, breaker-tripped or not.
func (s *Socker) Health(ctx context.Context) []SourceHealth {
	out := make([]SourceHealth, 0, len(s.sources))
	for _, src := range s.sources {
		probedAt := time.Now()
		_, err := src.Fetch(ctx, 1)
		h := SourceHealth{Source: src.Name(), Healthy: err == nil, ProbedAt: probedAt}
		if err != nil {
			h.Error = err.Error()
		}
		out = append(out, h)
	}
	return out
}

func (s *Socker) breakerFor(name string) *gobreaker.CircuitBreaker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.breakers[name]
}

func (s *Socker) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}
