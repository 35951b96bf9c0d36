// Package adapter implements the model synthesis boundary (spec §4.4,
// §9): `synthesize(text, voice, params) → (bytes, codec, duration_ms) |
// error`. Adapters never touch Redis or the variant cache — that is the
// worker and consumer's job.
package adapter

import (
	"context"
	"errors"
)

// ErrFatal wraps adapter errors that are not worth retrying: malformed
// text, unsupported voice (spec §7 "adapter fatal errors").
var ErrFatal = errors.New("adapter: fatal synthesis error")

// ErrExhausted wraps adapter errors that exhausted their own retry policy
// against a transient upstream failure (spec §7 "adapter_exhausted").
var ErrExhausted = errors.New("adapter: retries exhausted")

// Output is what a successful synthesis call returns.
type Output struct {
	Audio      []byte
	Codec      string
	DurationMs int64
}

// Adapter is the per-model synthesis function. Implementations own their
// own retry/backoff policy for transient upstream errors; callers treat
// a non-nil error as terminal for this attempt.
type Adapter interface {
	Synthesize(ctx context.Context, text, voice string, params map[string]string) (Output, error)
}

// Registry resolves a model slug to its Adapter. Worker loops and the
// overflow scanner do not use it; each is given its Adapter directly.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds an empty registry; call Register for each configured
// model.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register associates a model slug with its Adapter.
func (r *Registry) Register(model string, a Adapter) {
	r.adapters[model] = a
}

// Get returns the Adapter for model, or (nil, false) if unconfigured.
func (r *Registry) Get(model string) (Adapter, bool) {
	a, ok := r.adapters[model]
	return a, ok
}
