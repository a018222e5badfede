// File: internal/infra/sched/renewal_scheduler.go
package sched

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/domain/ports/repository"
	"subscription-billing/internal/infra/metrics"
	"subscription-billing/internal/usecase"
)

// Locker guards against overlapping sweeps from concurrent triggers.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

type SweepOutcome string

const (
	OutcomeRenewed      SweepOutcome = "renewed"
	OutcomeExpired      SweepOutcome = "expired"
	OutcomeDowngraded   SweepOutcome = "downgraded"
	OutcomeReminderSent SweepOutcome = "reminder-sent"
	OutcomeSkipped      SweepOutcome = "skipped"
	OutcomeErrored      SweepOutcome = "errored"
)

// SweepResult is one subscription's outcome within a sweep.
type SweepResult struct {
	SubscriptionID string
	Outcome        SweepOutcome
	Detail         string
}

// SweepReport aggregates a full sweep. SystemErr carries the first
// partition-level (query/infrastructure) failure; per-subscription business
// failures are Results entries and never abort the sweep.
type SweepReport struct {
	StartedAt time.Time
	Results   []SweepResult
	SystemErr error
}

func (r *SweepReport) add(subID string, outcome SweepOutcome, detail string) {
	r.Results = append(r.Results, SweepResult{SubscriptionID: subID, Outcome: outcome, Detail: detail})
	metrics.IncSweepOutcome(string(outcome))
}

const sweepLockKey = "billing:renewal-sweep"

// RenewalScheduler is the periodic reconciliation job that drives due
// renewals, past-due expiry, deferred downgrades and expiry reminders.
// Each partition is date-bounded so re-running a sweep for the same day
// no-ops on already-processed subscriptions: a renewed record's due date
// leaves the renewal window, a downgraded record clears its flag.
type RenewalScheduler struct {
	subs         repository.SubscriptionRepository
	manager      *usecase.SubscriptionLifecycleManager
	notifier     adapter.Notifier
	locker       Locker
	clock        domain.Clock
	reminderDays int
	lockTTL      time.Duration
	log          *zerolog.Logger
}

func NewRenewalScheduler(
	subs repository.SubscriptionRepository,
	manager *usecase.SubscriptionLifecycleManager,
	notifier adapter.Notifier,
	locker Locker,
	clock domain.Clock,
	reminderDays int,
	lockTTL time.Duration,
	logger *zerolog.Logger,
) *RenewalScheduler {
	if reminderDays <= 0 {
		reminderDays = 3
	}
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	compLog := logger.With().Str("component", "RenewalScheduler").Logger()
	return &RenewalScheduler{
		subs:         subs,
		manager:      manager,
		notifier:     notifier,
		locker:       locker,
		clock:        clock,
		reminderDays: reminderDays,
		lockTTL:      lockTTL,
		log:          &compLog,
	}
}

// RunSweep executes one full sweep. Partition order matters: deferred
// downgrades apply before renewals so a due subscription is charged at its
// new plan's price.
func (s *RenewalScheduler) RunSweep(ctx context.Context) *SweepReport {
	start := s.clock.Now()
	report := &SweepReport{StartedAt: start}

	if s.locker != nil {
		token, err := s.locker.TryLock(ctx, sweepLockKey, s.lockTTL)
		if err != nil {
			s.log.Warn().Err(err).Msg("sweep already running elsewhere, skipping")
			return report
		}
		defer func() { _ = s.locker.Unlock(ctx, sweepLockKey, token) }()
	}

	dayStart := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	s.sweepDowngrades(ctx, dayStart, dayEnd, report)
	// Renewals reach back over the grace window so a due day missed by an
	// earlier sweep still gets charge attempts until sweepPastDue takes over
	// at grace expiry (grace = due + GracePeriod, so the two never overlap).
	s.sweepDueRenewals(ctx, dayStart.Add(-model.GracePeriod), dayEnd, report)
	s.sweepPastDue(ctx, dayStart, report)
	s.sweepReminders(ctx, dayStart, report)

	if counts, err := s.subs.CountByStatus(ctx, repository.NoTX); err == nil {
		metrics.SetSubscriptionsTotal(counts)
	}

	elapsed := time.Since(start)
	metrics.ObserveSweepDuration(elapsed.Seconds())
	s.log.Info().
		Int("processed", len(report.Results)).
		Dur("elapsed", elapsed).
		Bool("system_error", report.SystemErr != nil).
		Msg("sweep finished")
	return report
}

// sweepDowngrades applies recorded downgrade targets for subscriptions whose
// due date falls today.
func (s *RenewalScheduler) sweepDowngrades(ctx context.Context, from, to time.Time, report *SweepReport) {
	due, err := s.subs.FindDowngradeDueBetween(ctx, repository.NoTX, from, to)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.system(report, "list downgrades", err)
		return
	}
	for _, sub := range due {
		if _, err := s.manager.ApplyPendingDowngrade(ctx, sub.ID); err != nil {
			s.log.Error().Str("subscription_id", sub.ID).Err(err).Msg("downgrade failed")
			report.add(sub.ID, OutcomeErrored, err.Error())
			continue
		}
		metrics.IncDowngradesApplied()
		report.add(sub.ID, OutcomeDowngraded, "")
	}
}

// sweepDueRenewals renews ACTIVE subscriptions due within [from, to) using
// their stored payment method. A charge failure after the ledger's internal
// retries moves the subscription to EXPIRED so it never lingers
// active-but-unpaid.
func (s *RenewalScheduler) sweepDueRenewals(ctx context.Context, from, to time.Time, report *SweepReport) {
	due, err := s.subs.FindDueBetween(ctx, repository.NoTX, from, to)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.system(report, "list due renewals", err)
		return
	}
	for _, sub := range due {
		if !sub.AutoRenew {
			report.add(sub.ID, OutcomeSkipped, "auto-renew off")
			continue
		}
		_, err := s.manager.RenewSubscription(ctx, sub.ID, adapter.PaymentMethod{})
		if err == nil {
			report.add(sub.ID, OutcomeRenewed, "")
			continue
		}
		if domain.KindOf(err) == domain.KindConflict {
			// Already renewed by a concurrent request or a previous run.
			report.add(sub.ID, OutcomeSkipped, err.Error())
			continue
		}

		s.log.Warn().Str("subscription_id", sub.ID).Err(err).Msg("renewal charge failed, expiring")
		s.notifier.Notify(ctx, adapter.BillingEvent{
			Kind:           adapter.EventRenewalFailure,
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			PlanID:         sub.PlanID,
		})
		if _, expErr := s.manager.ExpireSubscription(ctx, sub.ID); expErr != nil {
			report.add(sub.ID, OutcomeErrored, expErr.Error())
			continue
		}
		metrics.IncSubscriptionsExpired(1)
		report.add(sub.ID, OutcomeExpired, err.Error())
	}
}

// sweepPastDue is the safety net for missed sweeps: anything still ACTIVE
// with a due date before today expires outright.
func (s *RenewalScheduler) sweepPastDue(ctx context.Context, before time.Time, report *SweepReport) {
	lapsed, err := s.subs.FindPastDue(ctx, repository.NoTX, before)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.system(report, "list past due", err)
		return
	}
	for _, sub := range lapsed {
		if _, err := s.manager.ExpireSubscription(ctx, sub.ID); err != nil {
			report.add(sub.ID, OutcomeErrored, err.Error())
			continue
		}
		metrics.IncSubscriptionsExpired(1)
		report.add(sub.ID, OutcomeExpired, "past due")
	}
}

// sweepReminders notifies subscriptions falling due exactly reminderDays from
// today. No state change.
func (s *RenewalScheduler) sweepReminders(ctx context.Context, dayStart time.Time, report *SweepReport) {
	from := dayStart.AddDate(0, 0, s.reminderDays)
	to := from.AddDate(0, 0, 1)
	upcoming, err := s.subs.FindExpiringBetween(ctx, repository.NoTX, from, to)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.system(report, "list upcoming", err)
		return
	}
	for _, sub := range upcoming {
		s.notifier.Notify(ctx, adapter.BillingEvent{
			Kind:           adapter.EventExpiryReminder,
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			PlanID:         sub.PlanID,
		})
		report.add(sub.ID, OutcomeReminderSent, "")
	}
}

func (s *RenewalScheduler) system(report *SweepReport, op string, err error) {
	s.log.Error().Str("op", op).Err(err).Msg("sweep partition failed")
	if report.SystemErr == nil {
		report.SystemErr = err
	}
}

// Run executes sweeps on a fixed interval until the context is cancelled.
func (s *RenewalScheduler) Run(ctx context.Context, interval time.Duration) error {
	s.log.Info().Dur("interval", interval).Msg("starting renewal scheduler")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("stopping renewal scheduler")
			return ctx.Err()
		case <-ticker.C:
			s.RunSweep(ctx)
		}
	}
}
