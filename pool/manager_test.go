package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sequring/chameleon/events"
)

type fakeReplenisher struct {
	mu         sync.Mutex
	batches    [][]Item
	err        error
	released   []string
	releaseErr error
	calls      int

	// blockOn, when non-nil, makes Replenish wait until the channel is
	// closed — used to hold a background refill open mid-test.
	blockOn chan struct{}
}

func (f *fakeReplenisher) Replenish(ctx context.Context, n int) ([]Item, error) {
	f.mu.Lock()
	f.calls++
	block := f.blockOn
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	if len(batch) > n {
		batch = batch[:n]
	}
	return batch, nil
}

func (f *fakeReplenisher) Release(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return f.releaseErr
}

func (f *fakeReplenisher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func mkItems(ids ...string) []Item {
	out := make([]Item, len(ids))
	for i, id := range ids {
		out[i] = Item{ID: id, Source: "test", Endpoint: Endpoint{Host: "h", Port: "1", Protocol: ProtocolSOCKS5}, CreatedAt: time.Now()}
	}
	return out
}

func TestInitSucceedsAndIsIdempotent(t *testing.T) {
	r := &fakeReplenisher{batches: [][]Item{mkItems("a", "b")}}
	m := New(r, events.NewBus(), Config{PoolSize: 2})

	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if r.calls != 1 {
		t.Fatalf("expected exactly 1 Replenish call, got %d", r.calls)
	}
}

func TestInitFailurePropagatesAndStaysRetryable(t *testing.T) {
	r := &fakeReplenisher{err: errors.New("boom")}
	m := New(r, events.NewBus(), Config{PoolSize: 2})

	err := m.Init(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected *InitError, got %T", err)
	}

	r.err = nil
	r.batches = [][]Item{mkItems("a")}
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("retry Init: %v", err)
	}
}

func TestAcquireBeforeInitReturnsErrNotInitialized(t *testing.T) {
	m := New(&fakeReplenisher{}, events.NewBus(), Config{})
	if _, err := m.Acquire(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := m.AcquireExclusive(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestAcquireExclusiveMarksInUseAndExhausts(t *testing.T) {
	r := &fakeReplenisher{batches: [][]Item{mkItems("a", "b")}}
	m := New(r, events.NewBus(), Config{PoolSize: 2, LowWaterFraction: 0.01})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	c1, err := m.AcquireExclusive(context.Background())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	c2, err := m.AcquireExclusive(context.Background())
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if c1.ID == c2.ID {
		t.Fatal("expected distinct items")
	}

	if _, err := m.AcquireExclusive(context.Background()); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestLowWaterTriggersBackgroundRefill(t *testing.T) {
	r := &fakeReplenisher{batches: [][]Item{mkItems("a", "b", "c", "d"), mkItems("e", "f")}}
	m := New(r, events.NewBus(), Config{PoolSize: 4, LowWaterFraction: 0.5})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// A reject opens a deficit; the next acquisition crosses the low-water
	// line (2 unused of target 4) and must spawn a refill that closes it.
	c, err := m.AcquireExclusive(context.Background())
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	m.Reject(c)
	if _, err := m.AcquireExclusive(context.Background()); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for background refill")
		default:
		}
		stats := m.Stats()
		if stats.Size == 4 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRefillIsNoopWithoutDeficit(t *testing.T) {
	r := &fakeReplenisher{batches: [][]Item{mkItems("a", "b"), mkItems("c")}}
	m := New(r, events.NewBus(), Config{PoolSize: 2, LowWaterFraction: 0.5})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Crossing the low-water line with nothing removed spawns a refill, but
	// in-use items still count toward pool size: deficit is zero and the
	// orchestrator must not be asked for more.
	if _, err := m.AcquireExclusive(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if stats := m.Stats(); !stats.Refilling {
			break
		}
		select {
		case <-deadline:
			t.Fatal("refilling latch never cleared")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	if got := r.Calls(); got != 1 {
		t.Fatalf("expected only the Init replenish call, got %d", got)
	}
	if stats := m.Stats(); stats.Size != 2 {
		t.Fatalf("expected pool size unchanged at 2, got %d", stats.Size)
	}
}

func TestRefillLatchSuppressesSecondTrigger(t *testing.T) {
	r := &fakeReplenisher{batches: [][]Item{mkItems("a", "b", "c", "d"), mkItems("e")}}
	m := New(r, events.NewBus(), Config{PoolSize: 4, LowWaterFraction: 0.5})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	c1, err := m.AcquireExclusive(context.Background())
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	m.Reject(c1)

	// Hold the refill spawned by the next acquisition open, then keep
	// acquiring below the low-water line: the latch must suppress any
	// second replenish while the first is outstanding.
	block := make(chan struct{})
	r.mu.Lock()
	r.blockOn = block
	r.mu.Unlock()

	c2, err := m.AcquireExclusive(context.Background())
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	m.Reject(c2)
	if _, err := m.AcquireExclusive(context.Background()); err != nil {
		t.Fatalf("acquire 3: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := r.Calls(); got != 2 {
		t.Fatalf("expected 1 init + 1 outstanding refill call, got %d", got)
	}

	r.mu.Lock()
	r.blockOn = nil
	r.mu.Unlock()
	close(block)

	deadline := time.After(time.Second)
	for {
		if stats := m.Stats(); !stats.Refilling {
			break
		}
		select {
		case <-deadline:
			t.Fatal("refilling latch never cleared after the refill completed")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestAcquireIsPureAndRepeatable(t *testing.T) {
	r := &fakeReplenisher{batches: [][]Item{mkItems("a", "b")}}
	m := New(r, events.NewBus(), Config{PoolSize: 2, LowWaterFraction: 0.01})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	before := m.Stats()
	c1, err := m.Acquire()
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	c2, err := m.Acquire()
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("consecutive Acquire calls returned different items: %s vs %s", c1.ID, c2.ID)
	}
	after := m.Stats()
	if before != after {
		t.Fatalf("Acquire mutated pool stats: %+v -> %+v", before, after)
	}
}

func TestReplenishFailureEmitsEventAndClearsLatch(t *testing.T) {
	r := &fakeReplenisher{batches: [][]Item{mkItems("a", "b")}}
	bus := events.NewBus()
	failed := make(chan events.Event, 1)
	bus.Subscribe(events.PoolReplenishFailed, func(ev events.Event) {
		select {
		case failed <- ev:
		default:
		}
	})

	m := New(r, bus, Config{PoolSize: 2, LowWaterFraction: 0.3})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	c1, err := m.AcquireExclusive(context.Background())
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	m.Reject(c1)

	r.mu.Lock()
	r.err = errors.New("all sources down")
	r.mu.Unlock()

	// unused drops to zero, below 2*0.3: the refill runs, fails, and must
	// surface as an event rather than an error anywhere.
	if _, err := m.AcquireExclusive(context.Background()); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	select {
	case ev := <-failed:
		if ev.Error == "" {
			t.Fatal("expected pool.replenish.failed event to carry the cause")
		}
	case <-time.After(time.Second):
		t.Fatal("pool.replenish.failed event never emitted")
	}

	deadline := time.After(time.Second)
	for {
		if stats := m.Stats(); !stats.Refilling {
			if stats.Size != 1 {
				t.Fatalf("expected pool unchanged at size 1, got %d", stats.Size)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("refilling latch never cleared after failed refill")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestValidateDelegatesToStubValidator(t *testing.T) {
	m := New(&fakeReplenisher{}, events.NewBus(), Config{})
	if m.Validate(Connection{ID: "x"}) {
		t.Fatal("expected the default validator to report false")
	}
}

func TestDiscardOfUnknownIDStillDispatchesRelease(t *testing.T) {
	r := &fakeReplenisher{batches: [][]Item{mkItems("a")}}
	m := New(r, events.NewBus(), Config{PoolSize: 1, LowWaterFraction: 0.01})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	m.Discard(context.Background(), Connection{ID: "ghost"})

	deadline := time.After(time.Second)
	for {
		r.mu.Lock()
		n := len(r.released)
		r.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("release for an unknown id was never dispatched")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	if stats := m.Stats(); stats.Size != 1 {
		t.Fatalf("expected pool untouched by unknown-id discard, got size %d", stats.Size)
	}
}

func TestRejectRemovesWithoutNotifyingSource(t *testing.T) {
	r := &fakeReplenisher{batches: [][]Item{mkItems("a")}}
	m := New(r, events.NewBus(), Config{PoolSize: 1, LowWaterFraction: 0.01})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	c, err := m.AcquireExclusive(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	m.Reject(c)

	if stats := m.Stats(); stats.Size != 0 {
		t.Fatalf("expected pool size 0 after reject, got %d", stats.Size)
	}
	if len(r.released) != 0 {
		t.Fatalf("expected no release calls after Reject, got %v", r.released)
	}
}

func TestMarkSuccessIncrementsCounterAndIgnoresEvictedItem(t *testing.T) {
	r := &fakeReplenisher{batches: [][]Item{mkItems("a")}}
	m := New(r, events.NewBus(), Config{PoolSize: 1, LowWaterFraction: 0.01})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	c, err := m.AcquireExclusive(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	m.MarkSuccess(c)
	m.MarkSuccess(c)

	status := m.Status()
	if len(status.Items) != 1 || status.Items[0].SuccessCount != 2 {
		t.Fatalf("expected success_count 2, got %+v", status.Items)
	}

	m.Reject(c)
	m.MarkSuccess(c) // must not panic or resurrect the evicted item
	if stats := m.Stats(); stats.Size != 0 {
		t.Fatalf("expected pool to stay empty after MarkSuccess on an evicted item, got %d", stats.Size)
	}
}

func TestDiscardRemovesAndNotifiesSource(t *testing.T) {
	r := &fakeReplenisher{batches: [][]Item{mkItems("a")}}
	m := New(r, events.NewBus(), Config{PoolSize: 1, LowWaterFraction: 0.01})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	c, err := m.AcquireExclusive(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	m.Discard(context.Background(), c)

	deadline := time.After(time.Second)
	for {
		r.mu.Lock()
		n := len(r.released)
		r.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for release dispatch")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	if stats := m.Stats(); stats.Size != 0 {
		t.Fatalf("expected pool size 0 after discard, got %d", stats.Size)
	}
}

func TestDiscardSurvivesContextCancellation(t *testing.T) {
	r := &fakeReplenisher{batches: [][]Item{mkItems("a")}}
	m := New(r, events.NewBus(), Config{PoolSize: 1, LowWaterFraction: 0.01})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	c, err := m.AcquireExclusive(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.Discard(ctx, c)
	cancel()

	deadline := time.After(time.Second)
	for {
		r.mu.Lock()
		n := len(r.released)
		r.mu.Unlock()
		if n == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("release never dispatched despite canceled request context")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}
