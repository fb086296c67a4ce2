// Package pool implements a bounded, partially-consumed pool of proxy Items
// with low-water refill, an exclusivity discipline for acquisition, and
// reject/discard eviction semantics. It never talks to a provider directly —
// replenishment and release are delegated to an injected Replenisher (the
// orchestrator).
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/sequring/chameleon/events"
)

// Replenisher is the orchestrator surface PoolManager depends on. Defined
// here (rather than imported from the orchestrator package) so pool has no
// dependency on the orchestrator's concrete type — orchestrator.Socker
// satisfies this interface.
type Replenisher interface {
	// Replenish asks for up to n items, trying sources in order until one
	// yields at least one. Returns AllSourcesExhausted-shaped error on total
	// failure.
	Replenish(ctx context.Context, n int) ([]Item, error)
	// Release best-effort notifies sources an item was dropped. The
	// returned error is non-nil only when at least one source's release
	// call failed; it never blocks on a single slow source indefinitely in
	// excess of the orchestrator's own per-source timeout budget.
	Release(ctx context.Context, id string) error
}

// Config configures a Manager at construction time.
type Config struct {
	PoolSize         int
	LowWaterFraction float64
	Validator        Validator
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 20
	}
	if c.LowWaterFraction <= 0 {
		c.LowWaterFraction = 0.3
	}
	if c.Validator == nil {
		c.Validator = AlwaysInvalid{}
	}
	return c
}

// Manager owns the pool: the item slice, the initialized latch, and the
// refilling latch, all guarded by one mutex.
type Manager struct {
	cfg    Config
	orch   Replenisher
	bus    *events.Bus

	mu          sync.Mutex
	items       []Item
	initialized bool
	refilling   bool
	lastRefresh time.Time
}

// New constructs a Manager. Init must be called before any acquisition.
func New(orch Replenisher, bus *events.Bus, cfg Config) *Manager {
	return &Manager{
		cfg:  cfg.withDefaults(),
		orch: orch,
		bus:  bus,
	}
}

// Init is idempotent: once initialized succeeds, subsequent calls return
// immediately. On failure, initialized remains false and Init is retryable.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	items, err := m.orch.Replenish(ctx, m.cfg.PoolSize)
	if err != nil {
		m.publish(events.Event{Kind: events.PoolInitFailed, At: time.Now(), Error: err.Error()})
		return &InitError{Cause: err}
	}

	m.mu.Lock()
	// Another caller may have raced us to completion; idempotence means we
	// just keep whichever result landed first rather than double-appending.
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.items = items
	m.initialized = true
	m.lastRefresh = time.Now()
	m.mu.Unlock()

	m.publish(events.Event{Kind: events.PoolInitialized, At: time.Now(), ItemCount: len(items)})
	return nil
}

// Acquire returns the projection of the first unused item without mutating
// state — safe to call repeatedly for "inspect before commit" patterns.
func (m *Manager) Acquire() (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return Connection{}, ErrNotInitialized
	}
	for i := range m.items {
		if !m.items[i].InUse {
			return m.items[i].connection(), nil
		}
	}
	return Connection{}, ErrPoolExhausted
}

// AcquireExclusive selects the same item Acquire would, flips its in_use
// flag, and — inside the same critical section — evaluates the low-water
// condition to (maybe) spawn a background refill. It never waits on I/O.
func (m *Manager) AcquireExclusive(ctx context.Context) (Connection, error) {
	m.mu.Lock()

	if !m.initialized {
		m.mu.Unlock()
		return Connection{}, ErrNotInitialized
	}

	idx := -1
	for i := range m.items {
		if !m.items[i].InUse {
			idx = i
			break
		}
	}
	if idx == -1 {
		m.mu.Unlock()
		return Connection{}, ErrPoolExhausted
	}

	m.items[idx].InUse = true
	conn := m.items[idx].connection()

	unused := 0
	for i := range m.items {
		if !m.items[i].InUse {
			unused++
		}
	}
	shouldRefill := !m.refilling && float64(unused) <= float64(m.cfg.PoolSize)*m.cfg.LowWaterFraction
	if shouldRefill {
		m.refilling = true
	}
	m.mu.Unlock()

	if shouldRefill {
		go m.refill(context.WithoutCancel(ctx))
	}
	return conn, nil
}

// refill computes the deficit under the refilling latch, replenishes via the
// orchestrator, and clears the latch on every exit path — including panics,
// via defer — so a fault never permanently blocks future refills.
func (m *Manager) refill(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.refilling = false
		m.mu.Unlock()
	}()

	m.mu.Lock()
	deficit := m.cfg.PoolSize - len(m.items)
	m.mu.Unlock()

	if deficit <= 0 {
		return
	}

	added, err := m.orch.Replenish(ctx, deficit)
	if err != nil {
		m.publish(events.Event{Kind: events.PoolReplenishFailed, At: time.Now(), Error: err.Error()})
		return
	}

	m.mu.Lock()
	m.items = append(m.items, added...)
	m.lastRefresh = time.Now()
	m.mu.Unlock()

	m.publish(events.Event{Kind: events.PoolReplenished, At: time.Now(), ItemCount: len(added)})
}

// MarkSuccess increments the item's SuccessCount. A no-op if the item has
// since been evicted — a caller that raced a concurrent Reject/Discard of
// the same connection has nothing left to record a success against.
func (m *Manager) MarkSuccess(c Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == c.ID {
			m.items[i].SuccessCount++
			return
		}
	}
}

// Reject removes the item locally. It never notifies sources — a freshly
// failed proxy leaves the pool instantly without punishing the provider for
// what might be a client-side or target-side symptom.
func (m *Manager) Reject(c Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(c.ID)
}

// Discard removes the item locally and dispatches a best-effort source
// release, fire-and-forget. Failure becomes a proxy.release.failed event,
// never a caller-visible error.
func (m *Manager) Discard(ctx context.Context, c Connection) {
	m.mu.Lock()
	m.removeLocked(c.ID)
	m.mu.Unlock()

	go func() {
		if err := m.orch.Release(context.WithoutCancel(ctx), c.ID); err != nil {
			m.publish(events.Event{Kind: events.ProxyReleaseFailed, At: time.Now(), Error: err.Error()})
		}
	}()
}

func (m *Manager) removeLocked(id string) {
	for i := range m.items {
		if m.items[i].ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return
		}
	}
}

// Validate delegates to the injected Validator.
func (m *Manager) Validate(c Connection) bool {
	return m.cfg.Validator.Validate(c)
}

func (m *Manager) publish(ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}
