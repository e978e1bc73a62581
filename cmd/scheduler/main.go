package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/richardliu001/escrow-service/internal/config"
	"github.com/richardliu001/escrow-service/internal/escrow"
	"github.com/richardliu001/escrow-service/internal/ledger"
	"github.com/richardliu001/escrow-service/internal/logger"
	"github.com/richardliu001/escrow-service/internal/repo"
	"github.com/richardliu001/escrow-service/internal/scheduler"
)

// scheduler auto-releases delivered escrows and flags overdue disputes.
func main() {
	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// events go through the outbox; the poller publishes them
	r := repo.NewRepository(gdb, rdb, nil, log)
	l := ledger.New(r, log)
	engine := escrow.NewEngine(r, l, log)
	l.WithEscrow(engine)

	sweeper := scheduler.NewSweeper(r, engine, scheduler.NewOutboxAlerter(r, cfg.Escrow.DisputeWindow()), scheduler.Config{
		Interval:      cfg.Scheduler.Interval,
		Batch:         cfg.Scheduler.Batch,
		AutoRelease:   cfg.Escrow.AutoRelease(),
		DisputeWindow: cfg.Escrow.DisputeWindow(),
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infow("escrow-scheduler started", "interval", cfg.Scheduler.Interval, "auto_release", cfg.Escrow.AutoRelease())
	sweeper.Run(ctx)
	log.Info("escrow-scheduler stopped")
}
