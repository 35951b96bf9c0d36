// Command warmer runs a one-shot cache-warming pass from a manifest file,
// synthesizing and pinning any entry not already cached (spec §4.9).
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/yapit-tts/yapit-sub004/internal/adapter"
	"github.com/yapit-tts/yapit-sub004/internal/cache"
	"github.com/yapit-tts/yapit-sub004/internal/config"
	"github.com/yapit-tts/yapit-sub004/internal/warmer"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("warmer: no .env file found, using process environment")
	}

	cfg := config.Get()

	if cfg.Warmer.ManifestPath == "" {
		slog.Error("warmer: no manifest_path configured")
		os.Exit(1)
	}

	manifest, err := warmer.LoadManifest(cfg.Warmer.ManifestPath)
	if err != nil {
		slog.Error("warmer: failed to load manifest", "path", cfg.Warmer.ManifestPath, "error", err)
		os.Exit(1)
	}

	store, err := cache.Open(
		cfg.VariantCache.Path, cfg.VariantCache.TargetSizeBytes,
		time.Duration(cfg.VariantCache.FlushIntervalSec)*time.Second,
		time.Duration(cfg.VariantCache.EvictIntervalSec)*time.Second,
	)
	if err != nil {
		slog.Error("warmer: variant cache open failed", "path", cfg.VariantCache.Path, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	adapters := make(map[string]adapter.Adapter, len(cfg.Models))
	for slug, mc := range cfg.Models {
		if mc.AdapterKind != "http" {
			slog.Warn("warmer: skipping model with no http adapter configured", "model", slug)
			continue
		}
		adapters[slug] = adapter.NewHTTPAdapter(slug, mc.AdapterEndpoint, 30*time.Second)
	}

	w := &warmer.Warmer{Cache: store, Adapters: adapters}

	result := w.Run(context.Background(), manifest)
	slog.Info("warmer: pass complete", "warmed", result.Warmed, "skipped", result.Skipped, "failed", result.Failed)

	if result.Failed > 0 {
		os.Exit(1)
	}
}
