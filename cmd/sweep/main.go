// File: cmd/sweep/main.go
//
// One-shot renewal sweep, for cron-style scheduling and manual replays.
// Exits non-zero only on a partition-level failure; individual renewal
// declines are reported per subscription and do not fail the run.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"subscription-billing/internal/config"
	"subscription-billing/internal/domain"
	pg "subscription-billing/internal/infra/db/postgres"
	"subscription-billing/internal/infra/logging"
	"subscription-billing/internal/infra/notify"
	"subscription-billing/internal/infra/payment"
	red "subscription-billing/internal/infra/redis"
	"subscription-billing/internal/infra/sched"
	"subscription-billing/internal/infra/security"
	"subscription-billing/internal/usecase"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)

	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()

	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()

	cipher, err := security.NewSecretCipher(cfg.Security.EncryptionKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("secret cipher")
	}

	gateway := payment.NewPaystackGateway(
		cfg.Payment.Paystack.SecretKey,
		cfg.Payment.Paystack.BaseURL,
		cfg.Payment.Currency,
		cfg.Payment.RequestTimeout,
	)

	txm := pg.NewTxManager(pool)
	planRepo := pg.NewPlanRepoCacheDecorator(pg.NewPlanRepo(pool), redisClient, cfg.Redis.TTL)
	subRepo := pg.NewSubscriptionRepo(pool)
	txnRepo := pg.NewTransactionRepo(pool)

	clock := domain.SystemClock()
	notifier := notify.NewLogNotifier(logger)
	catalog := usecase.NewPlanCatalog(planRepo, subRepo, clock, logger)
	ledger := usecase.NewTransactionLedger(txnRepo, gateway, cipher, clock, usecase.LedgerOptions{
		Currency:    cfg.Payment.Currency,
		MaxAttempts: cfg.Payment.MaxAttempts,
		BackoffBase: cfg.Payment.RetryBackoff,
	}, logger)
	lifecycle := usecase.NewSubscriptionLifecycleManager(subRepo, catalog, ledger, txm, notifier, clock, logger)

	scheduler := sched.NewRenewalScheduler(subRepo, lifecycle, notifier, red.NewLocker(redisClient), clock,
		cfg.Scheduler.ReminderDays, cfg.Scheduler.LockTTL, logger)

	report := scheduler.RunSweep(ctx)
	for _, res := range report.Results {
		logger.Info().
			Str("subscription_id", res.SubscriptionID).
			Str("outcome", string(res.Outcome)).
			Str("detail", res.Detail).
			Msg("sweep result")
	}
	if report.SystemErr != nil {
		logger.Error().Err(report.SystemErr).Msg("sweep finished with system error")
		os.Exit(1)
	}
	logger.Info().Int("processed", len(report.Results)).Msg("sweep complete")
}
