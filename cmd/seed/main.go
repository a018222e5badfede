// File: cmd/seed/main.go
//
// Creates the billing schema if missing and seeds a few sample plans for
// local development and payment-flow testing.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"subscription-billing/internal/config"
	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	pg "subscription-billing/internal/infra/db/postgres"
	"subscription-billing/internal/infra/logging"
	"subscription-billing/internal/usecase"
)

const schema = `
CREATE TABLE IF NOT EXISTS plans (
  id            TEXT PRIMARY KEY,
  name          TEXT NOT NULL,
  slug          TEXT NOT NULL UNIQUE,
  monthly_price NUMERIC(20,2) NOT NULL,
  yearly_price  NUMERIC(20,2) NOT NULL,
  trial_active  BOOLEAN NOT NULL DEFAULT FALSE,
  trial_days    INT NOT NULL DEFAULT 0,
  is_enabled    BOOLEAN NOT NULL DEFAULT TRUE,
  version       INT NOT NULL DEFAULT 1,
  created_at    TIMESTAMPTZ NOT NULL,
  updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
  id           TEXT PRIMARY KEY,
  code         TEXT NOT NULL UNIQUE,
  user_id      TEXT NOT NULL,
  plan_id      TEXT NOT NULL REFERENCES plans(id),
  status       TEXT NOT NULL,
  is_paid      BOOLEAN NOT NULL DEFAULT FALSE,
  auto_renew   BOOLEAN NOT NULL DEFAULT TRUE,
  amount       NUMERIC(20,2) NOT NULL,
  start_date   TIMESTAMPTZ NOT NULL,
  paid_date    TIMESTAMPTZ NOT NULL,
  due_date     TIMESTAMPTZ NOT NULL,
  grace_date   TIMESTAMPTZ NOT NULL,
  frequency    TEXT NOT NULL,
  transactions TEXT[] NOT NULL DEFAULT '{}',
  metadata     JSONB NOT NULL DEFAULT '{}',
  version      INT NOT NULL DEFAULT 1,
  created_at   TIMESTAMPTZ NOT NULL,
  updated_at   TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_current_user_plan
  ON subscriptions (user_id, plan_id)
  WHERE status IN ('trial','active');

CREATE INDEX IF NOT EXISTS subscriptions_due_date
  ON subscriptions (due_date)
  WHERE status IN ('trial','active');

CREATE TABLE IF NOT EXISTS transactions (
  id                TEXT PRIMARY KEY,
  type              TEXT NOT NULL,
  reference         TEXT NOT NULL UNIQUE,
  user_id           TEXT NOT NULL,
  subscription_id   TEXT NOT NULL DEFAULT '',
  amount            NUMERIC(20,2) NOT NULL,
  unit_amount       BIGINT NOT NULL,
  fee               NUMERIC(20,2) NOT NULL DEFAULT 0,
  unit_fee          BIGINT NOT NULL DEFAULT 0,
  currency          TEXT NOT NULL,
  status            TEXT NOT NULL,
  description       TEXT NOT NULL DEFAULT '',
  encrypted_payload TEXT NOT NULL DEFAULT '',
  created_at        TIMESTAMPTZ NOT NULL,
  updated_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS transactions_subscription
  ON transactions (subscription_id, created_at DESC);
`

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, true)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.Log, true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 4)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, schema); err != nil {
		log.Fatalf("apply schema: %v", err)
	}
	fmt.Println("schema ready")

	planRepo := pg.NewPlanRepo(pool)
	subRepo := pg.NewSubscriptionRepo(pool)
	catalog := usecase.NewPlanCatalog(planRepo, subRepo, domain.SystemClock(), logger)

	plans, err := catalog.List(ctx, true)
	if err != nil {
		log.Fatalf("list plans: %v", err)
	}
	if len(plans) > 0 {
		fmt.Printf("%d plans already present. No changes.\n", len(plans))
		for _, p := range plans {
			fmt.Printf("  - %s (monthly=%s, yearly=%s)\n", p.Name, p.Pricing.Monthly, p.Pricing.Yearly)
		}
		return
	}

	seed := []usecase.CreatePlanInput{
		{
			Name:    "Starter",
			Pricing: model.PlanPricing{Monthly: decimal.NewFromInt(2_500), Yearly: decimal.NewFromInt(25_000)},
			Trial:   model.PlanTrial{IsActive: true, Days: 7},
		},
		{
			Name:    "Pro",
			Pricing: model.PlanPricing{Monthly: decimal.NewFromInt(9_500), Yearly: decimal.NewFromInt(95_000)},
			Trial:   model.PlanTrial{IsActive: true, Days: 14},
		},
		{
			Name:    "Business",
			Pricing: model.PlanPricing{Monthly: decimal.NewFromInt(29_000), Yearly: decimal.NewFromInt(290_000)},
		},
	}
	for _, in := range seed {
		p, err := catalog.Create(ctx, in)
		if err != nil {
			log.Fatalf("create plan %q: %v", in.Name, err)
		}
		fmt.Printf("seeded: %s (id=%s, monthly=%s)\n", p.Name, p.ID, p.Pricing.Monthly)
	}
	fmt.Println("seeding complete")
}
