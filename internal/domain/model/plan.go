package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"subscription-billing/internal/domain"
)

// BillingFrequency is how often a subscription is charged.
type BillingFrequency string

const (
	FrequencyMonthly BillingFrequency = "monthly"
	FrequencyYearly  BillingFrequency = "yearly"
)

// PeriodDays returns the nominal cycle length used for proration.
func (f BillingFrequency) PeriodDays() int {
	if f == FrequencyYearly {
		return 365
	}
	return 30
}

func (f BillingFrequency) Valid() bool {
	return f == FrequencyMonthly || f == FrequencyYearly
}

// PlanPricing holds the per-frequency price in major currency units.
type PlanPricing struct {
	Monthly decimal.Decimal `json:"monthly"`
	Yearly  decimal.Decimal `json:"yearly"`
}

func (p PlanPricing) For(f BillingFrequency) decimal.Decimal {
	if f == FrequencyYearly {
		return p.Yearly
	}
	return p.Monthly
}

// PlanTrial describes a plan's trial terms.
type PlanTrial struct {
	IsActive bool `json:"isActive"`
	Days     int  `json:"days"`
}

// Plan is a purchasable subscription tier. Identity (ID, Slug) is immutable
// once referenced by a subscription; pricing and enablement changes bump
// Version.
type Plan struct {
	ID        string
	Name      string
	Slug      string
	Pricing   PlanPricing
	Trial     PlanTrial
	IsEnabled bool
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p *Plan) IsZero() bool { return p == nil || p.ID == "" }

// Slugify derives a URL-safe slug from a plan name.
func Slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	lastDash := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// NewPlan validates and constructs a plan at version 1.
func NewPlan(id, name string, pricing PlanPricing, trial PlanTrial, now time.Time) (*Plan, error) {
	if id == "" || name == "" {
		return nil, domain.ErrInvalidArgument
	}
	if pricing.Monthly.IsNegative() || pricing.Yearly.IsNegative() {
		return nil, domain.ErrInvalidArgument
	}
	if trial.IsActive && trial.Days <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	return &Plan{
		ID:        id,
		Name:      name,
		Slug:      Slugify(name),
		Pricing:   pricing,
		Trial:     trial,
		IsEnabled: true,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
