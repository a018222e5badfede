package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*NoopGateway)(nil)

// NoopGateway approves every charge without calling out. Dev mode only.
type NoopGateway struct {
	seq int64
}

func NewNoopGateway() *NoopGateway { return &NoopGateway{} }

func (g *NoopGateway) Name() string { return "noop" }

func (g *NoopGateway) InitializeCharge(_ context.Context, amount decimal.Decimal, method adapter.PaymentMethod, idempotencyKey string) (adapter.ChargeResult, error) {
	n := atomic.AddInt64(&g.seq, 1)
	last4 := "0000"
	if len(method.CardNumber) >= 4 {
		last4 = method.CardNumber[len(method.CardNumber)-4:]
	}
	raw, _ := json.Marshal(map[string]string{"gateway": "noop", "reference": idempotencyKey})
	return adapter.ChargeResult{
		Status:        model.TransactionStatusSuccessful,
		ProviderRef:   fmt.Sprintf("noop-%d", n),
		Authorization: fmt.Sprintf("AUTH_noop_%d", n),
		Card:          model.CardSummary{Last4: last4, Brand: "test"},
		Amount:        amount,
		Raw:           raw,
	}, nil
}

func (g *NoopGateway) VerifyCharge(_ context.Context, reference string) (adapter.ChargeResult, error) {
	raw, _ := json.Marshal(map[string]string{"gateway": "noop", "reference": reference})
	return adapter.ChargeResult{
		Status:      model.TransactionStatusSuccessful,
		ProviderRef: "noop-" + reference,
		Raw:         raw,
	}, nil
}

func (g *NoopGateway) Refund(_ context.Context, providerRef string, amount decimal.Decimal, reason string) (adapter.RefundResult, error) {
	raw, _ := json.Marshal(map[string]string{"gateway": "noop", "refund_of": providerRef})
	return adapter.RefundResult{
		Status:    model.TransactionStatusRefunded,
		RefundRef: "noop-refund-" + providerRef,
		Raw:       raw,
	}, nil
}

func (g *NoopGateway) CalculateFee(decimal.Decimal) decimal.Decimal { return decimal.Zero }

func (g *NoopGateway) VerifyCard(ctx context.Context, method adapter.PaymentMethod, reference string) (adapter.ChargeResult, error) {
	return g.InitializeCharge(ctx, decimal.Zero, method, reference)
}
