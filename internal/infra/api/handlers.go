package api

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/usecase"
)

// envelope is the uniform JSON response shape.
type envelope struct {
	Error   bool        `json:"error"`
	Message string      `json:"message,omitempty"`
	Code    string      `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: true, Code: code, Message: message})
}

// writeDomainError translates the error taxonomy into HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var be *domain.Error
	if errors.As(err, &be) {
		switch be.Kind {
		case domain.KindValidation:
			writeError(w, http.StatusBadRequest, be.Code, be.Message)
		case domain.KindNotFound:
			writeError(w, http.StatusNotFound, be.Code, be.Message)
		case domain.KindConflict:
			writeError(w, http.StatusConflict, be.Code, be.Message)
		case domain.KindGateway:
			if be.Transient {
				writeError(w, http.StatusBadGateway, be.Code, be.Message)
			} else {
				writeError(w, http.StatusPaymentRequired, be.Code, be.Message)
			}
		default:
			writeError(w, http.StatusInternalServerError, be.Code, "internal error")
		}
		return
	}
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "entity not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

// ---------- views ----------

type planView struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Slug      string            `json:"slug"`
	Pricing   model.PlanPricing `json:"pricing"`
	Trial     model.PlanTrial   `json:"trial"`
	IsEnabled bool              `json:"isEnabled"`
	Version   int               `json:"version"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

func toPlanView(p *model.Plan) planView {
	return planView{
		ID: p.ID, Name: p.Name, Slug: p.Slug, Pricing: p.Pricing, Trial: p.Trial,
		IsEnabled: p.IsEnabled, Version: p.Version, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	}
}

type subscriptionView struct {
	ID             string                     `json:"id"`
	Code           string                     `json:"code"`
	UserID         string                     `json:"userId"`
	PlanID         string                     `json:"planId"`
	Status         model.SubscriptionStatus   `json:"status"`
	IsPaid         bool                       `json:"isPaid"`
	AutoRenew      bool                       `json:"autoRenew"`
	Billing        model.BillingPeriod        `json:"billing"`
	TransactionIDs []string                   `json:"transactionIds"`
	Metadata       model.SubscriptionMetadata `json:"metadata"`
	HasAccess      bool                       `json:"hasAccess"`
	DaysRemaining  int                        `json:"daysRemaining"`
	Version        int                        `json:"version"`
	CreatedAt      time.Time                  `json:"createdAt"`
	UpdatedAt      time.Time                  `json:"updatedAt"`
}

func toSubscriptionView(s *model.Subscription, now time.Time) subscriptionView {
	return subscriptionView{
		ID: s.ID, Code: s.Code, UserID: s.UserID, PlanID: s.PlanID,
		Status: s.Status, IsPaid: s.IsPaid, AutoRenew: s.AutoRenew,
		Billing: s.Billing, TransactionIDs: s.TransactionIDs, Metadata: s.Metadata,
		HasAccess: s.HasAccess(now), DaysRemaining: s.DaysRemaining(now),
		Version: s.Version, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
	}
}

type transactionView struct {
	ID             string                  `json:"id"`
	Type           model.TransactionType   `json:"type"`
	Reference      string                  `json:"reference"`
	SubscriptionID string                  `json:"subscriptionId"`
	Amount         string                  `json:"amount"`
	Fee            string                  `json:"fee"`
	Currency       string                  `json:"currency"`
	Status         model.TransactionStatus `json:"status"`
	Description    string                  `json:"description,omitempty"`
	Card           *model.CardSummary      `json:"card,omitempty"`
	CreatedAt      time.Time               `json:"createdAt"`
}

func toTransactionView(t *model.Transaction) transactionView {
	return transactionView{
		ID: t.ID, Type: t.Type, Reference: t.Reference, SubscriptionID: t.SubscriptionID,
		Amount: t.Amount.StringFixed(2), Fee: t.Fee.StringFixed(2), Currency: t.Currency,
		Status: t.Status, Description: t.Description, Card: t.Card, CreatedAt: t.CreatedAt,
	}
}

// ---------- plan handlers ----------

type planCreateRequest struct {
	Name    string            `json:"name"`
	Pricing model.PlanPricing `json:"pricing"`
	Trial   model.PlanTrial   `json:"trial"`
}

func (s *Server) handlePlanCreate(w http.ResponseWriter, r *http.Request) {
	var req planCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	plan, err := s.catalog.Create(r.Context(), usecase.CreatePlanInput{
		Name: req.Name, Pricing: req.Pricing, Trial: req.Trial,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPlanView(plan))
}

type planUpdateRequest struct {
	Name      *string            `json:"name"`
	Pricing   *model.PlanPricing `json:"pricing"`
	Trial     *model.PlanTrial   `json:"trial"`
	IsEnabled *bool              `json:"isEnabled"`
}

func (s *Server) handlePlanUpdate(w http.ResponseWriter, r *http.Request) {
	var req planUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	plan, err := s.catalog.Update(r.Context(), chi.URLParam(r, "id"), usecase.PlanPatch{
		Name: req.Name, Pricing: req.Pricing, Trial: req.Trial, IsEnabled: req.IsEnabled,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanView(plan))
}

func (s *Server) handlePlanDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Disable(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePlanList(w http.ResponseWriter, r *http.Request) {
	includeDisabled := r.URL.Query().Get("include_disabled") == "true"
	plans, err := s.catalog.List(r.Context(), includeDisabled)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]planView, 0, len(plans))
	for _, p := range plans {
		views = append(views, toPlanView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handlePlanGet(w http.ResponseWriter, r *http.Request) {
	plan, err := s.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanView(plan))
}

// ---------- subscription handlers ----------

type paymentMethodRequest struct {
	Authorization string `json:"authorization"`
	CardNumber    string `json:"cardNumber"`
	CVV           string `json:"cvv"`
	ExpiryMonth   string `json:"expiryMonth"`
	ExpiryYear    string `json:"expiryYear"`
	Email         string `json:"email"`
}

func (p paymentMethodRequest) toMethod() adapter.PaymentMethod {
	return adapter.PaymentMethod{
		Authorization: p.Authorization,
		CardNumber:    p.CardNumber,
		CVV:           p.CVV,
		ExpiryMonth:   p.ExpiryMonth,
		ExpiryYear:    p.ExpiryYear,
		Email:         p.Email,
	}
}

type subscriptionCreateRequest struct {
	UserID    string               `json:"userId"`
	PlanID    string               `json:"planId"`
	Frequency string               `json:"frequency"`
	Method    paymentMethodRequest `json:"paymentMethod"`
}

func (s *Server) handleSubscriptionCreate(w http.ResponseWriter, r *http.Request) {
	var req subscriptionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	sub, err := s.lifecycle.CreateSubscription(r.Context(), usecase.CreateSubscriptionInput{
		UserID:    req.UserID,
		PlanID:    req.PlanID,
		Method:    req.Method.toMethod(),
		Frequency: model.BillingFrequency(req.Frequency),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubscriptionView(sub, time.Now()))
}

func (s *Server) handleSubscriptionGet(w http.ResponseWriter, r *http.Request) {
	sub, err := s.lifecycle.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionView(sub, time.Now()))
}

func (s *Server) handleSubscriptionTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := s.ledger.ListBySubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]transactionView, 0, len(txns))
	for _, t := range txns {
		views = append(views, toTransactionView(t))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSubscriptionRenew(w http.ResponseWriter, r *http.Request) {
	var req paymentMethodRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
			return
		}
	}
	sub, err := s.lifecycle.RenewSubscription(r.Context(), chi.URLParam(r, "id"), req.toMethod())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionView(sub, time.Now()))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSubscriptionCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
			return
		}
	}
	sub, err := s.lifecycle.CancelSubscription(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionView(sub, time.Now()))
}

type changePlanRequest struct {
	PlanID string               `json:"planId"`
	Method paymentMethodRequest `json:"paymentMethod"`
}

func (s *Server) handleSubscriptionChangePlan(w http.ResponseWriter, r *http.Request) {
	var req changePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	sub, err := s.lifecycle.ChangePlan(r.Context(), chi.URLParam(r, "id"), req.PlanID, req.Method.toMethod())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionView(sub, time.Now()))
}

func (s *Server) handleSubscriptionPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req paymentMethodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	sub, err := s.lifecycle.UpdatePaymentMethod(r.Context(), chi.URLParam(r, "id"), req.toMethod())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionView(sub, time.Now()))
}

func (s *Server) handleSubscriptionRefund(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
			return
		}
	}
	sub, txn, err := s.lifecycle.ProcessRefund(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscription": toSubscriptionView(sub, time.Now()),
		"refund":       toTransactionView(txn),
	})
}

// ---------- webhook ----------

type paystackWebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
	} `json:"data"`
}

// handlePaystackWebhook settles pending transactions from provider callbacks.
// The body signature is HMAC-SHA512 over the raw payload with the webhook
// secret; an invalid signature is dropped without processing.
func (s *Server) handlePaystackWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	if s.webhookSecret != "" {
		mac := hmac.New(sha512.New, []byte(s.webhookSecret))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		got := r.Header.Get("x-paystack-signature")
		if !hmac.Equal([]byte(want), []byte(got)) {
			writeError(w, http.StatusUnauthorized, "bad_signature", "signature mismatch")
			return
		}
	}

	var evt paystackWebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil || evt.Data.Reference == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid event payload")
		return
	}

	txn, err := s.ledger.VerifyTransaction(r.Context(), evt.Data.Reference)
	if err != nil {
		// Unknown references are acknowledged so the provider stops retrying.
		if domain.KindOf(err) == domain.KindNotFound || errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		writeDomainError(w, err)
		return
	}
	s.log.Info().
		Str("event", evt.Event).
		Str("reference", txn.Reference).
		Str("status", string(txn.Status)).
		Msg("webhook processed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}
