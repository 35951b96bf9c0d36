package adapter

import "context"

// SynthesizeFunc adapts a plain function to the Adapter interface, the way
// net/http's HandlerFunc adapts a function to http.Handler. Serial-mode
// models (local GPU engines) plug their binding in here; no ecosystem
// library spans the diversity of local TTS engines, so this stays a thin
// function-typed seam rather than a concrete client (see DESIGN.md).
type SynthesizeFunc func(ctx context.Context, text, voice string, params map[string]string) (Output, error)

// Synthesize implements Adapter.
func (f SynthesizeFunc) Synthesize(ctx context.Context, text, voice string, params map[string]string) (Output, error) {
	return f(ctx, text, voice, params)
}
