//go:build !integration

package sched_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/domain/ports/repository"
	"subscription-billing/internal/infra/sched"
	"subscription-billing/internal/usecase"
)

// ---- test doubles ----

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeLocker struct {
	mu      sync.Mutex
	held    bool
	unlocks int
}

func (l *fakeLocker) TryLock(_ context.Context, _ string, _ time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return "", domain.ErrLockNotAcquired
	}
	l.held = true
	return "tok", nil
}

func (l *fakeLocker) Unlock(_ context.Context, _, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.unlocks++
	return nil
}

type memPlanRepo struct {
	mu    sync.Mutex
	plans map[string]*model.Plan
}

func (m *memPlanRepo) Save(_ context.Context, _ repository.Tx, p *model.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.plans[p.ID] = &cp
	return nil
}

func (m *memPlanRepo) Update(_ context.Context, _ repository.Tx, p *model.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.plans[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != p.Version {
		return domain.ErrVersionConflict
	}
	cp := *p
	cp.Version++
	m.plans[p.ID] = &cp
	return nil
}

func (m *memPlanRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPlanRepo) FindBySlug(_ context.Context, _ repository.Tx, slug string) (*model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.plans {
		if p.Slug == slug {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memPlanRepo) ListAll(_ context.Context, _ repository.Tx, includeDisabled bool) ([]*model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Plan
	for _, p := range m.plans {
		if p.IsEnabled || includeDisabled {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memSubRepo struct {
	mu          sync.Mutex
	subs        map[string]*model.Subscription
	statusCalls int
}

func cloneSub(s *model.Subscription) *model.Subscription {
	cp := *s
	cp.TransactionIDs = append([]string(nil), s.TransactionIDs...)
	b, _ := json.Marshal(s.Metadata)
	cp.Metadata = model.SubscriptionMetadata{}
	_ = json.Unmarshal(b, &cp.Metadata)
	return &cp
}

func (m *memSubRepo) Save(_ context.Context, _ repository.Tx, s *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[s.ID] = cloneSub(s)
	return nil
}

func (m *memSubRepo) Update(_ context.Context, _ repository.Tx, s *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.subs[s.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != s.Version {
		return domain.ErrVersionConflict
	}
	cp := cloneSub(s)
	cp.Version++
	cp.TransactionIDs = stored.TransactionIDs
	m.subs[s.ID] = cp
	return nil
}

func (m *memSubRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSub(s), nil
}

func (m *memSubRepo) FindCurrentByUserAndPlan(_ context.Context, _ repository.Tx, userID, planID string) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.UserID == userID && s.PlanID == planID &&
			(s.Status == model.SubscriptionStatusTrial || s.Status == model.SubscriptionStatusActive) {
			return cloneSub(s), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memSubRepo) FindAnyByUserAndPlan(_ context.Context, _ repository.Tx, userID, planID string) ([]*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Subscription
	for _, s := range m.subs {
		if s.UserID == userID && s.PlanID == planID {
			out = append(out, cloneSub(s))
		}
	}
	return out, nil
}

func (m *memSubRepo) AppendTransaction(_ context.Context, _ repository.Tx, subID, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[subID]
	if !ok {
		return domain.ErrNotFound
	}
	for _, id := range s.TransactionIDs {
		if id == transactionID {
			return nil
		}
	}
	s.TransactionIDs = append(s.TransactionIDs, transactionID)
	return nil
}

func (m *memSubRepo) FindDueBetween(_ context.Context, _ repository.Tx, from, to time.Time) ([]*model.Subscription, error) {
	return m.filter(func(s *model.Subscription) bool {
		return (s.Status == model.SubscriptionStatusTrial || s.Status == model.SubscriptionStatusActive) &&
			!s.Billing.DueDate.Before(from) && s.Billing.DueDate.Before(to)
	}), nil
}

func (m *memSubRepo) FindPastDue(_ context.Context, _ repository.Tx, before time.Time) ([]*model.Subscription, error) {
	return m.filter(func(s *model.Subscription) bool {
		return (s.Status == model.SubscriptionStatusTrial || s.Status == model.SubscriptionStatusActive) &&
			s.Billing.GraceDate.Before(before)
	}), nil
}

func (m *memSubRepo) FindDowngradeDueBetween(_ context.Context, _ repository.Tx, from, to time.Time) ([]*model.Subscription, error) {
	return m.filter(func(s *model.Subscription) bool {
		return s.Status == model.SubscriptionStatusActive && s.PendingDowngrade() &&
			!s.Billing.DueDate.Before(from) && s.Billing.DueDate.Before(to)
	}), nil
}

func (m *memSubRepo) FindExpiringBetween(_ context.Context, _ repository.Tx, from, to time.Time) ([]*model.Subscription, error) {
	return m.filter(func(s *model.Subscription) bool {
		return (s.Status == model.SubscriptionStatusTrial || s.Status == model.SubscriptionStatusActive) &&
			!s.Billing.DueDate.Before(from) && s.Billing.DueDate.Before(to)
	}), nil
}

func (m *memSubRepo) filter(keep func(*model.Subscription) bool) []*model.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Subscription
	for _, s := range m.subs {
		if keep(s) {
			out = append(out, cloneSub(s))
		}
	}
	return out
}

func (m *memSubRepo) CountCurrentByPlan(_ context.Context, _ repository.Tx, planID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		if s.PlanID == planID &&
			(s.Status == model.SubscriptionStatusTrial || s.Status == model.SubscriptionStatusActive) {
			n++
		}
	}
	return n, nil
}

func (m *memSubRepo) CountByStatus(_ context.Context, _ repository.Tx) (map[model.SubscriptionStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++
	counts := map[model.SubscriptionStatus]int{}
	for _, s := range m.subs {
		counts[s.Status]++
	}
	return counts, nil
}

type memTxnRepo struct {
	mu   sync.Mutex
	txns map[string]*model.Transaction
}

func (m *memTxnRepo) Save(_ context.Context, _ repository.Tx, t *model.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.txns {
		if existing.Reference == t.Reference {
			return domain.ErrAlreadyExists
		}
	}
	cp := *t
	m.txns[t.ID] = &cp
	return nil
}

func (m *memTxnRepo) UpdateStatusAndPayload(_ context.Context, _ repository.Tx, id string, status model.TransactionStatus, encryptedPayload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status = status
	t.EncryptedPayload = encryptedPayload
	return nil
}

func (m *memTxnRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTxnRepo) FindByReference(_ context.Context, _ repository.Tx, reference string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txns {
		if t.Reference == reference {
			cp := *t
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memTxnRepo) ListBySubscription(_ context.Context, _ repository.Tx, subID string) ([]*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Transaction
	for _, t := range m.txns {
		if t.SubscriptionID == subID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memTxManager struct{}

func (memTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, repository.NoTX)
}

type mockGateway struct {
	mu          sync.Mutex
	ChargeCalls int
	Charged     []decimal.Decimal
	declineAll  bool
}

func (g *mockGateway) Name() string { return "mock" }

func (g *mockGateway) InitializeCharge(_ context.Context, amount decimal.Decimal, _ adapter.PaymentMethod, _ string) (adapter.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ChargeCalls++
	g.Charged = append(g.Charged, amount)
	status := model.TransactionStatusSuccessful
	if g.declineAll {
		status = model.TransactionStatusFailed
	}
	return adapter.ChargeResult{
		Status:        status,
		ProviderRef:   "prov-1",
		Authorization: "AUTH_stored",
		Card:          model.CardSummary{Last4: "4081", Brand: "visa"},
		Amount:        amount,
	}, nil
}

func (g *mockGateway) VerifyCharge(_ context.Context, _ string) (adapter.ChargeResult, error) {
	return adapter.ChargeResult{Status: model.TransactionStatusSuccessful}, nil
}

func (g *mockGateway) Refund(_ context.Context, _ string, _ decimal.Decimal, _ string) (adapter.RefundResult, error) {
	return adapter.RefundResult{Status: model.TransactionStatusRefunded, RefundRef: "ref-1"}, nil
}

func (g *mockGateway) CalculateFee(decimal.Decimal) decimal.Decimal { return decimal.Zero }

func (g *mockGateway) VerifyCard(_ context.Context, _ adapter.PaymentMethod, _ string) (adapter.ChargeResult, error) {
	return adapter.ChargeResult{
		Status:        model.TransactionStatusSuccessful,
		Authorization: "AUTH_stored",
		Card:          model.CardSummary{Last4: "4081", Brand: "visa"},
	}, nil
}

type plainCipher struct{}

func (plainCipher) Encrypt(plaintext string) (string, error) { return "enc:" + plaintext, nil }

func (plainCipher) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, "enc:") {
		return "", domain.EncryptionError("cipher: message authentication failed", nil)
	}
	return strings.TrimPrefix(ciphertext, "enc:"), nil
}

type spyNotifier struct {
	mu     sync.Mutex
	Events []adapter.BillingEvent
}

func (n *spyNotifier) Notify(_ context.Context, e adapter.BillingEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Events = append(n.Events, e)
}

func (n *spyNotifier) kinds() []adapter.BillingEventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]adapter.BillingEventKind, 0, len(n.Events))
	for _, e := range n.Events {
		out = append(out, e.Kind)
	}
	return out
}

// ---- fixture ----

type sweepFixture struct {
	scheduler *sched.RenewalScheduler
	manager   *usecase.SubscriptionLifecycleManager
	catalog   *usecase.PlanCatalog
	subs      *memSubRepo
	gw        *mockGateway
	notifier  *spyNotifier
	locker    *fakeLocker
	clock     *fakeClock
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	plans := &memPlanRepo{plans: map[string]*model.Plan{}}
	subs := &memSubRepo{subs: map[string]*model.Subscription{}}
	txns := &memTxnRepo{txns: map[string]*model.Transaction{}}
	gw := &mockGateway{}
	notifier := &spyNotifier{}
	locker := &fakeLocker{}
	clock := &fakeClock{t: time.Date(2026, 2, 8, 8, 0, 0, 0, time.UTC)}

	catalog := usecase.NewPlanCatalog(plans, subs, clock, testLogger())
	ledger := usecase.NewTransactionLedger(txns, gw, plainCipher{}, clock, usecase.LedgerOptions{
		Currency:    "NGN",
		MaxAttempts: 1,
	}, testLogger())
	manager := usecase.NewSubscriptionLifecycleManager(subs, catalog, ledger, memTxManager{}, notifier, clock, testLogger())
	scheduler := sched.NewRenewalScheduler(subs, manager, notifier, locker, clock, 3, time.Minute, testLogger())
	return &sweepFixture{
		scheduler: scheduler, manager: manager, catalog: catalog,
		subs: subs, gw: gw, notifier: notifier, locker: locker, clock: clock,
	}
}

func (f *sweepFixture) plan(t *testing.T, name string, monthly int64) *model.Plan {
	t.Helper()
	p, err := f.catalog.Create(context.Background(), usecase.CreatePlanInput{
		Name:    name,
		Pricing: model.PlanPricing{Monthly: decimal.NewFromInt(monthly), Yearly: decimal.NewFromInt(monthly * 10)},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return p
}

func (f *sweepFixture) paidSub(t *testing.T, userID string, plan *model.Plan) *model.Subscription {
	t.Helper()
	sub, err := f.manager.CreateSubscription(context.Background(), usecase.CreateSubscriptionInput{
		UserID: userID,
		PlanID: plan.ID,
		Method: adapter.PaymentMethod{
			CardNumber: "4084084084084081", CVV: "408",
			ExpiryMonth: "12", ExpiryYear: "2030", Email: "user@example.com",
		},
		Frequency: model.FrequencyMonthly,
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

func hasOutcome(report *sched.SweepReport, subID string, outcome sched.SweepOutcome) bool {
	for _, r := range report.Results {
		if r.SubscriptionID == subID && r.Outcome == outcome {
			return true
		}
	}
	return false
}

// ---- tests ----

func TestRunSweep_RenewsDueSubscriptions(t *testing.T) {
	f := newSweepFixture(t)
	plan := f.plan(t, "Pro", 20)
	sub := f.paidSub(t, "u1", plan)
	f.clock.Advance(30 * 24 * time.Hour)
	f.notifier.Events = nil

	report := f.scheduler.RunSweep(context.Background())

	if report.SystemErr != nil {
		t.Fatalf("SystemErr = %v", report.SystemErr)
	}
	if !hasOutcome(report, sub.ID, sched.OutcomeRenewed) {
		t.Fatalf("results = %+v, want renewed for %s", report.Results, sub.ID)
	}
	stored, _ := f.subs.FindByID(context.Background(), repository.NoTX, sub.ID)
	wantDue := f.clock.Now().AddDate(0, 0, 30)
	if !stored.Billing.DueDate.Equal(wantDue) {
		t.Errorf("dueDate = %v, want %v", stored.Billing.DueDate, wantDue)
	}
	if got := f.notifier.kinds(); len(got) != 1 || got[0] != adapter.EventRenewalSuccess {
		t.Errorf("events = %v", got)
	}
	if f.locker.unlocks != 1 {
		t.Errorf("unlocks = %d, want 1", f.locker.unlocks)
	}
	if f.subs.statusCalls == 0 {
		t.Error("sweep did not refresh the per-status totals")
	}
}

func TestRunSweep_SkipsAutoRenewOff(t *testing.T) {
	f := newSweepFixture(t)
	plan := f.plan(t, "Pro", 20)
	sub := f.paidSub(t, "u1", plan)
	f.subs.mu.Lock()
	f.subs.subs[sub.ID].AutoRenew = false
	f.subs.mu.Unlock()
	f.clock.Advance(30 * 24 * time.Hour)
	charges := f.gw.ChargeCalls

	report := f.scheduler.RunSweep(context.Background())

	if !hasOutcome(report, sub.ID, sched.OutcomeSkipped) {
		t.Fatalf("results = %+v, want skipped", report.Results)
	}
	if f.gw.ChargeCalls != charges {
		t.Errorf("sweep charged an auto-renew-off subscription")
	}
}

func TestRunSweep_FailedRenewalExpiresAndNotifies(t *testing.T) {
	f := newSweepFixture(t)
	plan := f.plan(t, "Pro", 20)
	sub := f.paidSub(t, "u1", plan)
	f.clock.Advance(30 * 24 * time.Hour)
	f.notifier.Events = nil
	f.gw.declineAll = true

	report := f.scheduler.RunSweep(context.Background())

	if !hasOutcome(report, sub.ID, sched.OutcomeExpired) {
		t.Fatalf("results = %+v, want expired", report.Results)
	}
	stored, _ := f.subs.FindByID(context.Background(), repository.NoTX, sub.ID)
	if stored.Status != model.SubscriptionStatusExpired {
		t.Errorf("status = %s, want expired", stored.Status)
	}
	var sawFailure bool
	for _, k := range f.notifier.kinds() {
		if k == adapter.EventRenewalFailure {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Errorf("events = %v, want renewal failure", f.notifier.kinds())
	}
}

func TestRunSweep_ExpiresPastDue(t *testing.T) {
	f := newSweepFixture(t)
	plan := f.plan(t, "Pro", 20)
	sub := f.paidSub(t, "u1", plan)
	// past the 7-day grace window
	f.clock.Advance(38 * 24 * time.Hour)

	report := f.scheduler.RunSweep(context.Background())

	if !hasOutcome(report, sub.ID, sched.OutcomeExpired) {
		t.Fatalf("results = %+v, want expired", report.Results)
	}
	stored, _ := f.subs.FindByID(context.Background(), repository.NoTX, sub.ID)
	if stored.Status != model.SubscriptionStatusExpired {
		t.Errorf("status = %s, want expired", stored.Status)
	}
}

func TestRunSweep_RetriesRenewalMissedOnDueDay(t *testing.T) {
	f := newSweepFixture(t)
	plan := f.plan(t, "Pro", 20)
	sub := f.paidSub(t, "u1", plan)
	// no sweep ran on the due day itself; three days later the record is
	// still inside its grace window and must be charged, not expired
	f.clock.Advance(33 * 24 * time.Hour)

	report := f.scheduler.RunSweep(context.Background())

	if report.SystemErr != nil {
		t.Fatalf("SystemErr = %v", report.SystemErr)
	}
	if !hasOutcome(report, sub.ID, sched.OutcomeRenewed) {
		t.Fatalf("results = %+v, want renewed for %s", report.Results, sub.ID)
	}
	if hasOutcome(report, sub.ID, sched.OutcomeExpired) {
		t.Error("in-grace subscription expired instead of renewing")
	}
	stored, _ := f.subs.FindByID(context.Background(), repository.NoTX, sub.ID)
	wantDue := f.clock.Now().AddDate(0, 0, 30)
	if !stored.Billing.DueDate.Equal(wantDue) {
		t.Errorf("dueDate = %v, want %v", stored.Billing.DueDate, wantDue)
	}
}

func TestRunSweep_AppliesDowngradeBeforeRenewal(t *testing.T) {
	f := newSweepFixture(t)
	oldPlan := f.plan(t, "Pro", 20)
	newPlan := f.plan(t, "Basic", 10)
	sub := f.paidSub(t, "u1", oldPlan)
	if _, err := f.manager.ChangePlan(context.Background(), sub.ID, newPlan.ID, adapter.PaymentMethod{}); err != nil {
		t.Fatalf("record downgrade: %v", err)
	}
	f.clock.Advance(30 * 24 * time.Hour)
	f.gw.Charged = nil

	report := f.scheduler.RunSweep(context.Background())

	if !hasOutcome(report, sub.ID, sched.OutcomeDowngraded) {
		t.Fatalf("results = %+v, want downgraded", report.Results)
	}
	if !hasOutcome(report, sub.ID, sched.OutcomeRenewed) {
		t.Fatalf("results = %+v, want renewed after downgrade", report.Results)
	}
	// the renewal charge uses the downgraded plan's price
	if len(f.gw.Charged) != 1 || !f.gw.Charged[0].Equal(decimal.NewFromInt(10)) {
		t.Errorf("charged = %v, want [10]", f.gw.Charged)
	}
	stored, _ := f.subs.FindByID(context.Background(), repository.NoTX, sub.ID)
	if stored.PlanID != newPlan.ID {
		t.Errorf("planID = %s, want %s", stored.PlanID, newPlan.ID)
	}
}

func TestRunSweep_SendsExpiryReminders(t *testing.T) {
	f := newSweepFixture(t)
	plan := f.plan(t, "Pro", 20)
	sub := f.paidSub(t, "u1", plan)
	// three days before the due date, the reminder partition picks it up
	f.clock.Advance(27 * 24 * time.Hour)
	f.notifier.Events = nil

	report := f.scheduler.RunSweep(context.Background())

	if !hasOutcome(report, sub.ID, sched.OutcomeReminderSent) {
		t.Fatalf("results = %+v, want reminder-sent", report.Results)
	}
	if hasOutcome(report, sub.ID, sched.OutcomeRenewed) {
		t.Error("reminder sweep renewed a not-yet-due subscription")
	}
	if got := f.notifier.kinds(); len(got) != 1 || got[0] != adapter.EventExpiryReminder {
		t.Errorf("events = %v", got)
	}
	stored, _ := f.subs.FindByID(context.Background(), repository.NoTX, sub.ID)
	if stored.Version != sub.Version {
		t.Error("reminder mutated the subscription")
	}
}

func TestRunSweep_SkipsWhenLockHeld(t *testing.T) {
	f := newSweepFixture(t)
	plan := f.plan(t, "Pro", 20)
	f.paidSub(t, "u1", plan)
	f.clock.Advance(30 * 24 * time.Hour)
	f.locker.held = true
	charges := f.gw.ChargeCalls

	report := f.scheduler.RunSweep(context.Background())

	if len(report.Results) != 0 {
		t.Fatalf("results = %+v, want none while lock held", report.Results)
	}
	if f.gw.ChargeCalls != charges {
		t.Errorf("sweep ran despite held lock")
	}
}

func TestRunSweep_SameDayRerunIsIdempotent(t *testing.T) {
	f := newSweepFixture(t)
	plan := f.plan(t, "Pro", 20)
	sub := f.paidSub(t, "u1", plan)
	f.clock.Advance(30 * 24 * time.Hour)

	first := f.scheduler.RunSweep(context.Background())
	if !hasOutcome(first, sub.ID, sched.OutcomeRenewed) {
		t.Fatalf("first run results = %+v", first.Results)
	}
	charges := f.gw.ChargeCalls

	second := f.scheduler.RunSweep(context.Background())
	if len(second.Results) != 0 {
		t.Fatalf("second run results = %+v, want none", second.Results)
	}
	if f.gw.ChargeCalls != charges {
		t.Errorf("re-run charged again: %d -> %d", charges, f.gw.ChargeCalls)
	}
}

func TestRunSweep_IgnoresCancelledSubscriptions(t *testing.T) {
	f := newSweepFixture(t)
	plan := f.plan(t, "Pro", 20)
	sub := f.paidSub(t, "u1", plan)
	other := f.paidSub(t, "u2", plan)
	if _, err := f.manager.CancelSubscription(context.Background(), other.ID, "x"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.clock.Advance(30 * 24 * time.Hour)

	report := f.scheduler.RunSweep(context.Background())

	if report.SystemErr != nil {
		t.Fatalf("SystemErr = %v", report.SystemErr)
	}
	if !hasOutcome(report, sub.ID, sched.OutcomeRenewed) {
		t.Fatalf("results = %+v, want renewed for %s", report.Results, sub.ID)
	}
	for _, r := range report.Results {
		if r.SubscriptionID == other.ID {
			t.Errorf("cancelled subscription processed: %+v", r)
		}
	}
}
