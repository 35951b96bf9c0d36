// Command server runs the synthesis core's orchestrator: the websocket
// admission endpoint, the audio HTTP surface, and the hot result
// consumer that closes the loop back to connected clients (spec §4.3,
// §4.5, §4.11).
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/yapit-tts/yapit-sub004/internal/cache"
	"github.com/yapit-tts/yapit-sub004/internal/config"
	"github.com/yapit-tts/yapit-sub004/internal/consumer"
	"github.com/yapit-tts/yapit-sub004/internal/httpapi"
	"github.com/yapit-tts/yapit-sub004/internal/notify"
	"github.com/yapit-tts/yapit-sub004/internal/orchestrator"
	"github.com/yapit-tts/yapit-sub004/internal/queue"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("server: no .env file found, using process environment")
	}

	cfg := config.Get()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		slog.Error("server: redis connection failed", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	slog.Info("server: redis connected", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)

	store, err := cache.Open(
		cfg.VariantCache.Path, cfg.VariantCache.TargetSizeBytes,
		time.Duration(cfg.VariantCache.FlushIntervalSec)*time.Second,
		time.Duration(cfg.VariantCache.EvictIntervalSec)*time.Second,
	)
	if err != nil {
		slog.Error("server: variant cache open failed", "path", cfg.VariantCache.Path, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	store.Run()

	client := queue.Wrap(rdb)
	bus := notify.NewBus(rdb)

	var docs orchestrator.DocumentStore
	if cfg.Documents.BaseURL != "" {
		docs = orchestrator.NewHTTPDocumentStore(cfg.Documents.BaseURL, 5*time.Second)
	} else {
		slog.Warn("server: DOCUMENT_SERVICE_BASE_URL not set, synthesize requests will fail get_block")
		docs = orchestrator.NewHTTPDocumentStore("http://localhost:0", time.Second)
	}

	hub := orchestrator.NewHub(
		client, store, bus, docs, orchestrator.AllowAllUsageGate{},
		cfg.Queue.VariantTimeout(), cfg.Queue.CursorRetentionBehind, cfg.Queue.CursorRetentionAhead,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resultConsumer := &consumer.ResultConsumer{Client: client, Cache: store, Bus: bus}
	go resultConsumer.Run(ctx)
	slog.Info("server: result consumer started")

	router := mux.NewRouter()
	router.Use(corsMiddleware(cfg.Server.CORSAllowOrigins))

	router.HandleFunc("/v1/ws/tts", func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			http.Error(w, "missing X-User-ID", http.StatusUnauthorized)
			return
		}
		hub.ServeHTTP(w, r, userID)
	})
	router.HandleFunc("/audio/{variant_hash}", httpapi.GetAudio(store)).Methods(http.MethodGet)
	router.HandleFunc("/audio", httpapi.PostAudio(store, client)).Methods(http.MethodPost)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.GetPort(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		slog.Info("server: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server: listen failed", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	slog.Info("server: shutting down")

	cancel() // stop the result consumer

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server: graceful shutdown failed", "error", err)
	}
}

func corsMiddleware(allowOrigins []string) mux.MiddlewareFunc {
	allowAll := false
	exact := make(map[string]bool, len(allowOrigins))
	for _, o := range allowOrigins {
		if o == "*" {
			allowAll = true
		} else {
			exact[o] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && exact[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
