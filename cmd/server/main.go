package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/richardliu001/escrow-service/internal/config"
	"github.com/richardliu001/escrow-service/internal/escrow"
	"github.com/richardliu001/escrow-service/internal/ledger"
	"github.com/richardliu001/escrow-service/internal/logger"
	"github.com/richardliu001/escrow-service/internal/marketplace"
	"github.com/richardliu001/escrow-service/internal/model"
	"github.com/richardliu001/escrow-service/internal/money"
	"github.com/richardliu001/escrow-service/internal/payment"
	"github.com/richardliu001/escrow-service/internal/repo"
	"github.com/richardliu001/escrow-service/internal/service"
	"github.com/richardliu001/escrow-service/internal/subscription"
	httptransport "github.com/richardliu001/escrow-service/internal/transport/http"
	"github.com/richardliu001/escrow-service/internal/webhook"
)

func main() {
	// 1. load config
	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(model.All()...); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	defer kw.Close()

	// 6. providers
	hc := &http.Client{Timeout: cfg.Providers.Timeout}
	providers := payment.NewRegistry(
		payment.NewPayme(cfg.Providers.Payme, hc, log),
		payment.NewClick(cfg.Providers.Click, hc, log),
		payment.NewPaynet(cfg.Providers.Paynet, hc, log),
		payment.NewStripe(cfg.Providers.Stripe, hc, log),
	)

	// 7. domain
	rates, err := money.NewRates(cfg.Commission.Default, cfg.Commission.Rates)
	if err != nil {
		log.Fatalf("commission rates: %v", err)
	}
	plans, err := subscription.NewPlans(cfg.Subscriptions.Plans)
	if err != nil {
		log.Fatalf("subscription plans: %v", err)
	}
	repository := repo.NewRepository(gdb, rdb, kw, log)
	l := ledger.New(repository, log)
	engine := escrow.NewEngine(repository, l, log)
	l.WithEscrow(engine).WithSubscriptions(subscription.NewActivator(plans))

	svc := service.NewPaymentService(service.Deps{
		Repo:                 repository,
		Ledger:               l,
		Escrow:               engine,
		Providers:            providers,
		Listings:             marketplace.NewCatalog(gdb),
		SellerPlans:          subscription.NewDirectory(gdb),
		Rates:                rates,
		Plans:                plans,
		SubscriptionProvider: cfg.Subscriptions.Provider,
		Currency:             cfg.Escrow.Currency,
		Logger:               log,
	})
	ingestor := webhook.NewIngestor(providers, repository, l, cfg.Webhook.Timeout, log)

	// 8. gin router
	router := httptransport.NewRouter(httptransport.NewHandler(svc, ingestor, log), cfg.RateLimit, cfg.Auth, log)

	// 9. serve
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: router}
	go func() {
		log.Infof("escrow-server listening on %s (providers %v)", srv.Addr, providers.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	log.Info("escrow-server stopped")
}
