package orchestrator

import "errors"

// ErrAllSourcesExhausted is returned by Replenish when every configured
// source failed or yielded an empty batch.
var ErrAllSourcesExhausted = errors.New("[orchestrator] all sources exhausted")
