// ingestd is the HTTP edge of the pixel ingest pipeline.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/config"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/ingest"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/observability"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/queue"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/ratelimit"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/shop"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Error("policy load failed", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("database open failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("redis url invalid", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	provider, err := observability.New(ctx, observability.Config{
		ServiceName:  "tracking-guardian-ingestd",
		Environment:  cfg.Environment(),
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	cipher, err := shop.NewCipher(cfg.SecretsKey)
	if err != nil {
		logger.Error("secrets key invalid", "error", err)
		os.Exit(1)
	}
	shopStore := shop.NewPostgresStore(db)
	loader := shop.NewLoader(shopStore, cipher, logger)

	var fallback ratelimit.Store
	if cfg.AllowRedisFallback {
		fallback = ratelimit.NewMemoryStore()
	}
	limitStore := ratelimit.NewBreakerStore("ingest-rate-limit", ratelimit.NewRedisStore(rdb), logger)

	q := queue.NewRedisQueue(rdb, cfg.Limits.MaxQueueSize)
	if err := provider.RegisterQueueDepth(func(ctx context.Context) (int64, int64, error) {
		return q.Depth(ctx)
	}); err != nil {
		logger.Warn("queue depth gauge not registered", "error", err)
	}

	chain := ingest.NewPipeline(cfg, policy, ingest.Deps{
		Loader:         loader,
		ShopStore:      shopStore,
		Queue:          q,
		RateLimitStore: limitStore,
		Fallback:       fallback,
		Logger:         logger,
		Metrics:        provider,
	})

	mux := http.NewServeMux()
	mux.Handle("/ingest", chain.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		readyCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rdb.Ping(readyCtx).Err(); err != nil {
			http.Error(w, `{"status":"redis unreachable"}`, http.StatusServiceUnavailable)
			return
		}
		if err := db.PingContext(readyCtx); err != nil {
			http.Error(w, `{"status":"database unreachable"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ingest edge listening", "port", cfg.Port, "production", cfg.Production)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
