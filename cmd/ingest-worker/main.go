// ingest-worker drains the durable ingest queue, either once or on a
// cron interval.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/config"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/consent"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/dedup"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/observability"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/queue"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/receipt"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/worker"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	once := flag.Bool("once", false, "run a single drain pass and exit")
	interval := flag.String("interval", envOr("INGEST_WORKER_INTERVAL", "1m"), "drain interval (cron @every duration)")
	flag.Parse()

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
		ServiceName:  "tracking-guardian-worker",
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

	receipts := receipt.NewPostgresStore(db)
	w := worker.New(
		queue.NewRedisQueue(rdb, cfg.Limits.MaxQueueSize),
		dedup.New(receipts, dedup.NewRedisNonceStore(rdb, 0), logger),
		consent.NewTable(consentOverrides(policy)),
		receipts,
		worker.NewPostgresPersister(db),
		worker.Config{
			MaxBatchesPerRun: cfg.Limits.MaxBatchesPerRun,
			Budget:           cfg.Limits.WorkerBudget,
			Window:           cfg.TimestampWindow,
		},
		logger,
		provider,
	)

	runOnce := func() {
		stats, err := w.Run(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("worker run failed", "error", err)
		}
		logger.Info("worker run complete",
			"processed", stats.Processed, "persisted", stats.Persisted,
			"poisoned", stats.Poisoned, "failed", stats.Failed,
			"duplicates", stats.Duplicates, "replays", stats.Replays,
			"consent_drops", stats.ConsentDrops)
	}

	if *once {
		runOnce()
		return
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every "+*interval, runOnce); err != nil {
		logger.Error("invalid worker interval", "interval", *interval, "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	logger.Info("worker scheduled", "interval", *interval)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	<-scheduler.Stop().Done()
}

func consentOverrides(policy *config.Policy) []consent.Override {
	out := make([]consent.Override, 0, len(policy.Consent))
	for _, e := range policy.Consent {
		out = append(out, consent.Override{
			Platform:           e.Platform,
			Category:           e.Category,
			RequiresSaleOfData: e.RequiresSaleOfData,
		})
	}
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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
