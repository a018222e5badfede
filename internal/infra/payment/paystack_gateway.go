package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/infra/metrics"
)

const defaultPaystackBaseURL = "https://api.paystack.co"

// Ensure PaystackGateway implements the port.
var _ adapter.PaymentGateway = (*PaystackGateway)(nil)

// PaystackGateway implements adapter.PaymentGateway against the Paystack
// charge API using direct HTTP calls. It is the single place where
// Paystack-native status strings become model.TransactionStatus values.
type PaystackGateway struct {
	secretKey string
	baseURL   string
	currency  string
	client    *http.Client
}

func NewPaystackGateway(secretKey, baseURL, currency string, timeout time.Duration) *PaystackGateway {
	if baseURL == "" {
		baseURL = defaultPaystackBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &PaystackGateway{
		secretKey: secretKey,
		baseURL:   baseURL,
		currency:  currency,
		client:    &http.Client{Timeout: timeout},
	}
}

func (g *PaystackGateway) Name() string { return "paystack" }

// paystackChargeResponse represents the response from the charge and
// transaction verification APIs.
type paystackChargeResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID            int64  `json:"id"`
		Status        string `json:"status"`
		Reference     string `json:"reference"`
		Amount        int64  `json:"amount"`
		GatewayResp   string `json:"gateway_response"`
		Authorization struct {
			AuthorizationCode string `json:"authorization_code"`
			Last4             string `json:"last4"`
			CardType          string `json:"card_type"`
			Reusable          bool   `json:"reusable"`
		} `json:"authorization"`
	} `json:"data"`
}

// paystackRefundResponse represents the response from the refund API.
type paystackRefundResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// InitializeCharge executes a direct charge. The idempotency key doubles as
// the provider-side transaction reference, so replaying the same key can
// never double-charge.
func (g *PaystackGateway) InitializeCharge(ctx context.Context, amount decimal.Decimal, method adapter.PaymentMethod, idempotencyKey string) (adapter.ChargeResult, error) {
	body := map[string]interface{}{
		"email":     method.Email,
		"amount":    model.MinorUnits(amount),
		"currency":  g.currency,
		"reference": idempotencyKey,
	}
	if method.Authorization != "" {
		body["authorization_code"] = method.Authorization
	} else {
		body["card"] = map[string]string{
			"number":       method.CardNumber,
			"cvv":          method.CVV,
			"expiry_month": method.ExpiryMonth,
			"expiry_year":  method.ExpiryYear,
		}
	}

	var resp paystackChargeResponse
	raw, err := g.post(ctx, "/charge", body, &resp)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.IncGatewayAttempt("charge", outcome)
	if err != nil {
		return adapter.ChargeResult{}, err
	}
	if !resp.Status {
		return adapter.ChargeResult{}, domain.GatewayError("charge_rejected", resp.Message, false, nil)
	}
	return g.chargeResult(resp, raw), nil
}

// VerifyCharge fetches the provider's settled view of a reference.
func (g *PaystackGateway) VerifyCharge(ctx context.Context, reference string) (adapter.ChargeResult, error) {
	var resp paystackChargeResponse
	raw, err := g.get(ctx, "/transaction/verify/"+reference, &resp)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.IncGatewayAttempt("verify", outcome)
	if err != nil {
		return adapter.ChargeResult{}, err
	}
	if !resp.Status {
		return adapter.ChargeResult{}, domain.GatewayError("verify_rejected", resp.Message, false, nil)
	}
	return g.chargeResult(resp, raw), nil
}

func (g *PaystackGateway) Refund(ctx context.Context, providerRef string, amount decimal.Decimal, reason string) (adapter.RefundResult, error) {
	body := map[string]interface{}{
		"transaction":   providerRef,
		"amount":        model.MinorUnits(amount),
		"currency":      g.currency,
		"merchant_note": reason,
	}
	var resp paystackRefundResponse
	raw, err := g.post(ctx, "/refund", body, &resp)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.IncGatewayAttempt("refund", outcome)
	if err != nil {
		return adapter.RefundResult{}, err
	}
	if !resp.Status {
		return adapter.RefundResult{}, domain.GatewayError("refund_rejected", resp.Message, false, nil)
	}
	return adapter.RefundResult{
		Status:    mapRefundStatus(resp.Data.Status),
		RefundRef: fmt.Sprintf("%d", resp.Data.ID),
		Raw:       raw,
	}, nil
}

// CalculateFee mirrors Paystack's local-card pricing: 1.5% + a flat 100,
// waived under 2500, capped at 2000 (all in major units).
func (g *PaystackGateway) CalculateFee(amount decimal.Decimal) decimal.Decimal {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	fee := amount.Mul(decimal.NewFromFloat(0.015))
	if amount.GreaterThanOrEqual(decimal.NewFromInt(2500)) {
		fee = fee.Add(decimal.NewFromInt(100))
	}
	feeCap := decimal.NewFromInt(2000)
	if fee.GreaterThan(feeCap) {
		fee = feeCap
	}
	return fee.Round(2)
}

// VerifyCard runs a minimal authorization so a payment method can be stored
// without moving meaningful money.
func (g *PaystackGateway) VerifyCard(ctx context.Context, method adapter.PaymentMethod, reference string) (adapter.ChargeResult, error) {
	// Paystack has no zero-amount auth; the conventional minimum is NGN 50.
	return g.InitializeCharge(ctx, decimal.NewFromInt(50), method, reference)
}

func (g *PaystackGateway) chargeResult(resp paystackChargeResponse, raw json.RawMessage) adapter.ChargeResult {
	return adapter.ChargeResult{
		Status:        mapChargeStatus(resp.Data.Status),
		ProviderRef:   fmt.Sprintf("%d", resp.Data.ID),
		Authorization: resp.Data.Authorization.AuthorizationCode,
		Card: model.CardSummary{
			Last4: resp.Data.Authorization.Last4,
			Brand: resp.Data.Authorization.CardType,
		},
		Amount: decimal.NewFromInt(resp.Data.Amount).Div(decimal.NewFromInt(100)),
		Raw:    raw,
	}
}

// mapChargeStatus translates Paystack transaction statuses into the internal
// enum. Anything unknown maps to the quarantine default, never to success.
func mapChargeStatus(s string) model.TransactionStatus {
	switch s {
	case "success":
		return model.TransactionStatusSuccessful
	case "failed":
		return model.TransactionStatusFailed
	case "abandoned", "timeout":
		return model.TransactionStatusExpired
	case "pending", "ongoing", "processing", "queued", "send_otp", "send_pin":
		return model.TransactionStatusPending
	case "reversed":
		return model.TransactionStatusRefunded
	default:
		return model.TransactionStatusDefault
	}
}

func mapRefundStatus(s string) model.TransactionStatus {
	switch s {
	case "processed", "success":
		return model.TransactionStatusRefunded
	case "pending", "processing":
		return model.TransactionStatusPending
	case "failed":
		return model.TransactionStatusFailed
	default:
		return model.TransactionStatusDefault
	}
}

func (g *PaystackGateway) post(ctx context.Context, path string, payload interface{}, out interface{}) (json.RawMessage, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.GatewayError("encode_request", err.Error(), false, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, domain.GatewayError("build_request", err.Error(), false, err)
	}
	return g.do(req, out)
}

func (g *PaystackGateway) get(ctx context.Context, path string, out interface{}) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, domain.GatewayError("build_request", err.Error(), false, err)
	}
	return g.do(req, out)
}

func (g *PaystackGateway) do(req *http.Request, out interface{}) (json.RawMessage, error) {
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(req)
	metrics.ObserveGatewayLatency(req.Method+" "+req.URL.Path, time.Since(start).Seconds())
	if err != nil {
		return nil, domain.GatewayError("gateway_unreachable", err.Error(), isTimeout(err), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.GatewayError("read_response", err.Error(), true, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.GatewayError("gateway_unavailable",
			fmt.Sprintf("provider returned %d", resp.StatusCode), true, nil)
	}
	if resp.StatusCode >= 400 {
		msg := extractMessage(body)
		return nil, domain.GatewayError("charge_rejected", msg, false, nil)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, domain.GatewayError("decode_response",
			fmt.Sprintf("%v, body: %s", err, truncate(body, 256)), false, err)
	}
	return json.RawMessage(body), nil
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	// Connection refused, DNS failure and friends are worth retrying too.
	return true
}

func extractMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return e.Message
	}
	return truncate(body, 256)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
