// Package warmer runs a one-shot pass over a manifest of (text, model,
// voice) tuples, synthesizing and pinning each into the variant cache so
// the first real request for it is always a cache hit (spec §4.9,
// SPEC_FULL.md §A.3 WarmerConfig). It takes the same path an ordinary
// request would — adapter.Synthesize, then cache.Put — minus the
// websocket and queue hop, since a warmer run happens before traffic
// exists to queue against.
package warmer

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/yapit-tts/yapit-sub004/internal/adapter"
	"github.com/yapit-tts/yapit-sub004/internal/cache"
	"github.com/yapit-tts/yapit-sub004/internal/wire"
)

// Entry is one manifest line: a variant to pre-synthesize and pin.
type Entry struct {
	Text        string            `yaml:"text"`
	Model       string            `yaml:"model"`
	Voice       string            `yaml:"voice"`
	VoiceParams map[string]string `yaml:"voice_params"`
}

// Manifest is the full warm set, grouped only by file order.
type Manifest struct {
	Entries []Entry `yaml:"entries"`
}

// LoadManifest reads and parses a warmer manifest file.
func LoadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("warmer: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("warmer: parse manifest: %w", err)
	}
	return m, nil
}

// Warmer synthesizes and pins every manifest entry.
type Warmer struct {
	Cache    *cache.Store
	Adapters map[string]adapter.Adapter // model -> adapter
}

// Result summarizes one run for an operator or a test.
type Result struct {
	Warmed  int
	Skipped int
	Failed  int
}

// Run synthesizes every manifest entry not already cached, then pins it
// so ordinary LRU eviction never reclaims it.
func (w *Warmer) Run(ctx context.Context, manifest Manifest) Result {
	var res Result
	for _, e := range manifest.Entries {
		variantHash := wire.VariantHash(e.Text, e.Model, e.Voice, e.VoiceParams)

		if ok, err := w.Cache.Exists(variantHash); err == nil && ok {
			if err := w.Cache.Pin(variantHash); err != nil {
				slog.Warn("warmer: pin of already-cached variant failed", "variant_hash", variantHash, "error", err)
			}
			res.Skipped++
			continue
		}

		a, ok := w.Adapters[e.Model]
		if !ok {
			slog.Error("warmer: no adapter configured for model", "model", e.Model)
			res.Failed++
			continue
		}

		out, err := a.Synthesize(ctx, e.Text, e.Voice, e.VoiceParams)
		if err != nil {
			slog.Error("warmer: synthesize failed", "model", e.Model, "voice", e.Voice, "error", err)
			res.Failed++
			continue
		}

		if err := w.Cache.Put(variantHash, out.Audio, out.Codec, out.DurationMs); err != nil {
			slog.Error("warmer: cache put failed", "variant_hash", variantHash, "error", err)
			res.Failed++
			continue
		}
		if err := w.Cache.Pin(variantHash); err != nil {
			slog.Warn("warmer: pin failed", "variant_hash", variantHash, "error", err)
		}
		res.Warmed++
	}
	return res
}
