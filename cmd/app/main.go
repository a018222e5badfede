// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"subscription-billing/internal/config"
	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/infra/api"
	pg "subscription-billing/internal/infra/db/postgres"
	"subscription-billing/internal/infra/logging"
	"subscription-billing/internal/infra/metrics"
	"subscription-billing/internal/infra/notify"
	"subscription-billing/internal/infra/payment"
	red "subscription-billing/internal/infra/redis"
	"subscription-billing/internal/infra/sched"
	"subscription-billing/internal/infra/security"
	"subscription-billing/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (noop gateway allowed, verbose logs)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("dev mode enabled")
	}

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()
	locker := red.NewLocker(redisClient)

	// ---- Encryption ----
	cipher, err := security.NewSecretCipher(cfg.Security.EncryptionKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("secret cipher")
	}

	// ---- Payment gateway ----
	var gateway adapter.PaymentGateway
	switch cfg.Payment.Provider {
	case "paystack":
		gateway = payment.NewPaystackGateway(
			cfg.Payment.Paystack.SecretKey,
			cfg.Payment.Paystack.BaseURL,
			cfg.Payment.Currency,
			cfg.Payment.RequestTimeout,
		)
	case "noop":
		if !cfg.Runtime.Dev {
			logger.Fatal().Msg("noop gateway is dev-only")
		}
		gateway = payment.NewNoopGateway()
	default:
		logger.Fatal().Str("provider", cfg.Payment.Provider).Msg("unknown payment provider")
	}
	logger.Info().Str("gateway", gateway.Name()).Msg("payment gateway ready")

	// ---- Repositories ----
	txm := pg.NewTxManager(pool)
	planRepo := pg.NewPlanRepoCacheDecorator(pg.NewPlanRepo(pool), redisClient, cfg.Redis.TTL)
	subRepo := pg.NewSubscriptionRepo(pool)
	txnRepo := pg.NewTransactionRepo(pool)

	// ---- Use cases ----
	clock := domain.SystemClock()
	notifier := notify.NewLogNotifier(logger)
	catalog := usecase.NewPlanCatalog(planRepo, subRepo, clock, logger)
	ledger := usecase.NewTransactionLedger(txnRepo, gateway, cipher, clock, usecase.LedgerOptions{
		Currency:    cfg.Payment.Currency,
		MaxAttempts: cfg.Payment.MaxAttempts,
		BackoffBase: cfg.Payment.RetryBackoff,
	}, logger)
	lifecycle := usecase.NewSubscriptionLifecycleManager(subRepo, catalog, ledger, txm, notifier, clock, logger)

	// ---- Renewal scheduler ----
	scheduler := sched.NewRenewalScheduler(subRepo, lifecycle, notifier, locker, clock,
		cfg.Scheduler.ReminderDays, cfg.Scheduler.LockTTL, logger)
	go func() { _ = scheduler.Run(ctx, cfg.Scheduler.SweepInterval) }()

	// ---- HTTP API ----
	metrics.MustRegister()
	server := api.NewServer(catalog, lifecycle, ledger,
		cfg.API.AdminSecret, cfg.Payment.Paystack.SecretKey, cfg.API.Port, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
}
