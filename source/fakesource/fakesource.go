// Package fakesource is an in-memory ProxySource test double used to drive
// orchestrator fallback and pool exhaustion scenarios without real network
// I/O.
package fakesource

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sequring/chameleon/pool"
)

// Source is a scriptable ProxySource: it either fails every Fetch (when Fail
// is set) or hands out items from Items in order, up to count per call.
type Source struct {
	NameTag string
	Fail    bool
	Items   []pool.Item

	mu        sync.Mutex
	released  []string
	fetches   int
	ReleaseFn func(id string) error
}

func New(name string, items ...pool.Item) *Source {
	return &Source{NameTag: name, Items: items}
}

func (s *Source) Name() string { return s.NameTag }

func (s *Source) Fetch(ctx context.Context, count int) ([]pool.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++

	if s.Fail {
		return nil, errors.New("fakesource: configured to fail")
	}
	if count > len(s.Items) {
		count = len(s.Items)
	}
	batch := make([]pool.Item, count)
	copy(batch, s.Items[:count])
	s.Items = s.Items[count:]
	return batch, nil
}

func (s *Source) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, id)
	if s.ReleaseFn != nil {
		return s.ReleaseFn(id)
	}
	return nil
}

func (s *Source) Released() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.released))
	copy(out, s.released)
	return out
}

func (s *Source) FetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// NewItem is a convenience constructor for test fixtures.
func NewItem(id, src string) pool.Item {
	return pool.Item{
		ID:        id,
		Source:    src,
		Endpoint:  pool.Endpoint{Host: "10.0.0.1", Port: "1080", Protocol: pool.ProtocolSOCKS5},
		CreatedAt: time.Now(),
	}
}
