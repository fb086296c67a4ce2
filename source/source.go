// Package source defines the ProxySource contract the orchestrator
// multiplexes over. Concrete adapters (source/oculus, source/proxymesh) are
// external collaborators from the core's perspective — this package only
// pins the interface and its capability extensions.
package source

import (
	"context"
	"fmt"

	"github.com/sequring/chameleon/pool"
)

// ProxySource is a per-provider adapter. Fetch requests up to count items;
// it may return fewer but must never return more than requested.
type ProxySource interface {
	// Name is the source tag used in events, errors, and metrics labels.
	Name() string
	Fetch(ctx context.Context, count int) ([]pool.Item, error)
}

// ReleaseCapable is implemented by sources that want to be told when the
// core has dropped an item. Best-effort: callers swallow errors into events.
type ReleaseCapable interface {
	Release(ctx context.Context, id string) error
}

// ValidateCapable is implemented by sources that can sanity-check that an
// item still belongs to them. Not used for active liveness in this design.
type ValidateCapable interface {
	Validate(item pool.Item) bool
}

// FetchError reports that a source's Fetch failed: unreachable provider,
// denied request (auth/quota), malformed response, or nothing to serve.
type FetchError struct {
	Source string
	Cause  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("[source:%s] fetch failed: %v", e.Source, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// ReleaseError reports that a source's Release call failed. Event-only —
// never surfaced to a caller of the core's public operations.
type ReleaseError struct {
	Source string
	Cause  error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("[source:%s] release failed: %v", e.Source, e.Cause)
}

func (e *ReleaseError) Unwrap() error { return e.Cause }
