package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/escrow-service/internal/config"
	"github.com/richardliu001/escrow-service/internal/logger"
	"github.com/richardliu001/escrow-service/internal/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/segmentio/kafka-go"
)

const batch = 100

// poller relays escrow and transaction events from the outbox table to kafka.
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

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.Hash{},
	}
	defer kw.Close()

	r := repo.NewRepository(gdb, nil, kw, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	log.Info("escrow-poller started")
	for {
		select {
		case <-ctx.Done():
			log.Info("escrow-poller stopped")
			return
		case <-ticker.C:
		}
		events, err := r.PollOutbox(ctx, batch)
		if err != nil {
			log.Errorf("poll outbox: %v", err)
			continue
		}
		for _, evt := range events {
			if err := r.PublishEvent(ctx, evt); err != nil {
				// later events for the same aggregate must not overtake this one
				log.Errorf("publish id=%d type=%s: %v", evt.ID, evt.EventType, err)
				break
			}
			if err := r.MarkOutboxProcessed(ctx, evt.ID); err != nil {
				log.Errorf("mark processed id=%d: %v", evt.ID, err)
				break
			}
			log.Debugf("event %d %s sent", evt.ID, evt.EventType)
		}
	}
}
