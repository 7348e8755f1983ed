package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/crawlq/internal/config"
	"github.com/you/crawlq/internal/executor"
	"github.com/you/crawlq/internal/lease"
	"github.com/you/crawlq/internal/queue"
	"github.com/you/crawlq/internal/storage"
	"github.com/you/crawlq/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := newLogger(cfg.AppEnv)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect failed", zap.Error(err))
	}
	defer db.Close()

	var wake *queue.RedisQ
	if cfg.RedisAddr != "" {
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		wake = queue.New(rdb)
	}

	var exec worker.Executor
	if cfg.ScraperURL != "" {
		exec = executor.NewScraper(cfg.ScraperURL, cfg.LeaseDuration)
	} else {
		log.Warn("SCRAPER_URL unset, running simulated executor")
		exec = executor.Simulated{}
	}

	store := storage.New(db)
	mgr := lease.NewManager(store, wake, log, cfg.LeaseDuration, cfg.MaxAttempts)
	pool := worker.NewPool(mgr, exec, wake, log, worker.PoolConfig{
		Concurrency:   cfg.Concurrency,
		PollInterval:  cfg.PollInterval,
		SweepInterval: cfg.SweepInterval,
		GracePeriod:   cfg.GracePeriod,
		LeaseDuration: cfg.LeaseDuration,
	})

	if err := pool.Run(ctx); err != nil {
		log.Fatal("pool exited", zap.Error(err))
	}
}

func newLogger(appEnv string) *zap.Logger {
	if appEnv == "prod" {
		log, _ := zap.NewProduction()
		return log
	}
	log, _ := zap.NewDevelopment()
	return log
}
