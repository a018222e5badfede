//go:build !integration

package usecase_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/domain/ports/repository"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// ---- fake clock ----

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

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

// ---- in-memory plan repo ----

type memPlanRepo struct {
	mu    sync.Mutex
	plans map[string]*model.Plan
}

var _ repository.PlanRepository = (*memPlanRepo)(nil)

func newMemPlanRepo() *memPlanRepo {
	return &memPlanRepo{plans: map[string]*model.Plan{}}
}

func (m *memPlanRepo) Save(_ context.Context, _ repository.Tx, p *model.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.plans {
		if existing.Slug == p.Slug {
			return domain.ErrAlreadyExists
		}
	}
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
		if !p.IsEnabled && !includeDisabled {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// ---- in-memory subscription repo ----

type memSubRepo struct {
	mu   sync.Mutex
	subs map[string]*model.Subscription

	// fires once, before the next Update applies; lets a test interleave a
	// competing writer between a caller's charge and its commit
	onUpdate func()
}

var _ repository.SubscriptionRepository = (*memSubRepo)(nil)

func newMemSubRepo() *memSubRepo {
	return &memSubRepo{subs: map[string]*model.Subscription{}}
}

func cloneSub(s *model.Subscription) *model.Subscription {
	cp := *s
	cp.TransactionIDs = append([]string(nil), s.TransactionIDs...)
	// deep-copy metadata through json so tests never alias pointers
	b, _ := json.Marshal(s.Metadata)
	cp.Metadata = model.SubscriptionMetadata{}
	_ = json.Unmarshal(b, &cp.Metadata)
	return &cp
}

func (m *memSubRepo) Save(_ context.Context, _ repository.Tx, s *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.subs {
		if existing.UserID == s.UserID && existing.PlanID == s.PlanID &&
			(existing.Status == model.SubscriptionStatusTrial || existing.Status == model.SubscriptionStatusActive) {
			return domain.ErrAlreadyExists
		}
	}
	m.subs[s.ID] = cloneSub(s)
	return nil
}

func (m *memSubRepo) Update(_ context.Context, _ repository.Tx, s *model.Subscription) error {
	if hook := m.onUpdate; hook != nil {
		m.onUpdate = nil
		hook()
	}
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
	counts := map[model.SubscriptionStatus]int{}
	for _, s := range m.subs {
		counts[s.Status]++
	}
	return counts, nil
}

// ---- in-memory transaction repo ----

type memTxnRepo struct {
	mu   sync.Mutex
	txns map[string]*model.Transaction
}

var _ repository.TransactionRepository = (*memTxnRepo)(nil)

func newMemTxnRepo() *memTxnRepo {
	return &memTxnRepo{txns: map[string]*model.Transaction{}}
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

// ---- tx manager passthrough ----

type memTxManager struct{}

var _ repository.TransactionManager = (*memTxManager)(nil)

func (memTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, repository.NoTX)
}

// ---- mock gateway ----

type mockGateway struct {
	mu sync.Mutex

	InitializeChargeFunc func(ctx context.Context, amount decimal.Decimal, method adapter.PaymentMethod, idempotencyKey string) (adapter.ChargeResult, error)
	VerifyChargeFunc     func(ctx context.Context, reference string) (adapter.ChargeResult, error)
	RefundFunc           func(ctx context.Context, providerRef string, amount decimal.Decimal, reason string) (adapter.RefundResult, error)
	VerifyCardFunc       func(ctx context.Context, method adapter.PaymentMethod, reference string) (adapter.ChargeResult, error)

	ChargeCalls int
	RefundCalls int
}

var _ adapter.PaymentGateway = (*mockGateway)(nil)

func (g *mockGateway) Name() string { return "mock" }

func successResult(amount decimal.Decimal) adapter.ChargeResult {
	return adapter.ChargeResult{
		Status:        model.TransactionStatusSuccessful,
		ProviderRef:   "prov-1",
		Authorization: "AUTH_stored",
		Card:          model.CardSummary{Last4: "4081", Brand: "visa"},
		Amount:        amount,
		Raw:           json.RawMessage(`{"status":"success"}`),
	}
}

func (g *mockGateway) InitializeCharge(ctx context.Context, amount decimal.Decimal, method adapter.PaymentMethod, key string) (adapter.ChargeResult, error) {
	g.mu.Lock()
	g.ChargeCalls++
	g.mu.Unlock()
	if g.InitializeChargeFunc != nil {
		return g.InitializeChargeFunc(ctx, amount, method, key)
	}
	return successResult(amount), nil
}

func (g *mockGateway) VerifyCharge(ctx context.Context, reference string) (adapter.ChargeResult, error) {
	if g.VerifyChargeFunc != nil {
		return g.VerifyChargeFunc(ctx, reference)
	}
	return successResult(decimal.Zero), nil
}

func (g *mockGateway) Refund(ctx context.Context, providerRef string, amount decimal.Decimal, reason string) (adapter.RefundResult, error) {
	g.mu.Lock()
	g.RefundCalls++
	g.mu.Unlock()
	if g.RefundFunc != nil {
		return g.RefundFunc(ctx, providerRef, amount, reason)
	}
	return adapter.RefundResult{Status: model.TransactionStatusRefunded, RefundRef: "ref-1"}, nil
}

func (g *mockGateway) CalculateFee(amount decimal.Decimal) decimal.Decimal {
	return decimal.Zero
}

func (g *mockGateway) VerifyCard(ctx context.Context, method adapter.PaymentMethod, reference string) (adapter.ChargeResult, error) {
	if g.VerifyCardFunc != nil {
		return g.VerifyCardFunc(ctx, method, reference)
	}
	return successResult(decimal.Zero), nil
}

// ---- reversible test cipher ----

type plainCipher struct{}

func (plainCipher) Encrypt(plaintext string) (string, error) { return "enc:" + plaintext, nil }

func (plainCipher) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, "enc:") {
		return "", domain.EncryptionError("cipher: message authentication failed", nil)
	}
	return strings.TrimPrefix(ciphertext, "enc:"), nil
}

// ---- notifier spy ----

type mockNotifier struct {
	mu     sync.Mutex
	Events []adapter.BillingEvent
}

var _ adapter.Notifier = (*mockNotifier)(nil)

func (n *mockNotifier) Notify(_ context.Context, e adapter.BillingEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Events = append(n.Events, e)
}

func (n *mockNotifier) kinds() []adapter.BillingEventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]adapter.BillingEventKind, 0, len(n.Events))
	for _, e := range n.Events {
		out = append(out, e.Kind)
	}
	return out
}

// ---- payment method fixture ----

func cardMethod() adapter.PaymentMethod {
	return adapter.PaymentMethod{
		CardNumber:  "4084084084084081",
		CVV:         "408",
		ExpiryMonth: "12",
		ExpiryYear:  "2030",
		Email:       "user@example.com",
	}
}
