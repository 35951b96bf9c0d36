// Command worker runs one synthesis worker loop per configured model,
// plus that model's visibility and overflow scanners (spec §4.4, §4.7,
// §4.8).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/yapit-tts/yapit-sub004/internal/adapter"
	"github.com/yapit-tts/yapit-sub004/internal/config"
	"github.com/yapit-tts/yapit-sub004/internal/queue"
	"github.com/yapit-tts/yapit-sub004/internal/scanner"
	"github.com/yapit-tts/yapit-sub004/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("worker: no .env file found, using process environment")
	}

	cfg := config.Get()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		slog.Error("worker: redis connection failed", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	client := queue.Wrap(rdb)

	if len(cfg.Models) == 0 {
		slog.Error("worker: no models configured")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for slug, mc := range cfg.Models {
		a, ok := buildAdapter(slug, mc)
		if !ok {
			slog.Error("worker: skipping model, no usable adapter binding", "model", slug, "adapter_kind", mc.AdapterKind)
			continue
		}

		w := &worker.Worker{
			Model:             slug,
			Client:            client,
			Adapter:           a,
			Dispatch:          worker.Dispatch(mc.Dispatch),
			VisibilityTimeout: mc.VisibilityTimeout(),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("worker: loop started", "model", slug, "dispatch", mc.Dispatch)
			w.Run(ctx)
		}()

		vs := &scanner.VisibilityScanner{Client: client, Model: slug, MaxRetries: mc.MaxRetries}
		wg.Add(1)
		go func() {
			defer wg.Done()
			vs.Run(ctx)
		}()

		if mc.OverflowAdapter != "" {
			overflowAdapter, _ := buildAdapter(slug, config.ModelConfig{AdapterKind: "http", AdapterEndpoint: mc.OverflowAdapter})
			ofs := &scanner.OverflowScanner{
				Client: client, Model: slug, Adapter: overflowAdapter,
				Threshold: mc.OverflowThreshold(),
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				ofs.Run(ctx)
			}()
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	slog.Info("worker: shutting down")
	cancel()
	wg.Wait()
}

// buildAdapter resolves the configured binding for a model. "local"
// bindings (in-process GPU engines, see internal/adapter.SynthesizeFunc)
// have no generic shape this binary can construct on their behalf, so
// only "http" is handled here; a local engine ships as a fork of this
// command with its own SynthesizeFunc wired in.
func buildAdapter(model string, mc config.ModelConfig) (adapter.Adapter, bool) {
	if mc.AdapterKind == "http" {
		return adapter.NewHTTPAdapter(model, mc.AdapterEndpoint, 30*time.Second), true
	}
	return nil, false
}
