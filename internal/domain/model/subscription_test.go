//go:build !integration

package model_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"subscription-billing/internal/domain/model"
)

func TestHasAccess(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	due := now.AddDate(0, 0, 10)

	base := func(status model.SubscriptionStatus, paid bool) *model.Subscription {
		return &model.Subscription{
			Status: status,
			IsPaid: paid,
			Billing: model.BillingPeriod{
				DueDate:   due,
				GraceDate: due.Add(model.GracePeriod),
			},
		}
	}

	cases := []struct {
		name string
		sub  *model.Subscription
		at   time.Time
		want bool
	}{
		{"active within period", base(model.SubscriptionStatusActive, true), now, true},
		{"active within grace", base(model.SubscriptionStatusActive, true), due.Add(time.Hour), true},
		{"active past grace", base(model.SubscriptionStatusActive, true), due.Add(model.GracePeriod + time.Hour), false},
		{"trial within period", base(model.SubscriptionStatusTrial, false), now, true},
		{"cancelled paid keeps access until due date", base(model.SubscriptionStatusCancelled, true), now, true},
		{"cancelled paid loses access at due date", base(model.SubscriptionStatusCancelled, true), due, false},
		{"cancelled unpaid has no access", base(model.SubscriptionStatusCancelled, false), now, false},
		{"expired has no access", base(model.SubscriptionStatusExpired, true), now, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.sub.HasAccess(tc.at); got != tc.want {
				t.Errorf("HasAccess = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNewBillingPeriod(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := model.NewBillingPeriod(decimal.NewFromInt(20), start, model.FrequencyMonthly)

	if !p.DueDate.Equal(start.AddDate(0, 0, 30)) {
		t.Errorf("dueDate = %v", p.DueDate)
	}
	if !p.GraceDate.Equal(p.DueDate.Add(model.GracePeriod)) {
		t.Errorf("graceDate = %v", p.GraceDate)
	}

	yearly := model.NewBillingPeriod(decimal.NewFromInt(200), start, model.FrequencyYearly)
	if !yearly.DueDate.Equal(start.AddDate(0, 0, 365)) {
		t.Errorf("yearly dueDate = %v", yearly.DueDate)
	}
}

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"25", 2500},
		{"9.99", 999},
		{"0.005", 1}, // half-up at the minor-unit boundary
		{"0", 0},
	}
	for _, tc := range cases {
		if got := model.MinorUnits(decimal.RequireFromString(tc.in)); got != tc.want {
			t.Errorf("MinorUnits(%s) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Starter Plan", "starter-plan"},
		{"  Pro   Plus!  ", "pro-plus"},
		{"Business (NGN)", "business-ngn"},
		{"2026 Promo", "2026-promo"},
	}
	for _, tc := range cases {
		if got := model.Slugify(tc.in); got != tc.want {
			t.Errorf("Slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
