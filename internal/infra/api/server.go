package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"subscription-billing/internal/usecase"
)

// Server exposes the billing engine over HTTP: a public subscription API, an
// admin-guarded plan catalog API, the provider webhook and operational
// endpoints.
type Server struct {
	catalog   *usecase.PlanCatalog
	lifecycle *usecase.SubscriptionLifecycleManager
	ledger    *usecase.TransactionLedger

	adminSecret   string
	webhookSecret string

	log    *zerolog.Logger
	server *http.Server
}

func NewServer(
	catalog *usecase.PlanCatalog,
	lifecycle *usecase.SubscriptionLifecycleManager,
	ledger *usecase.TransactionLedger,
	adminSecret, webhookSecret string,
	port int,
	logger *zerolog.Logger,
) *Server {
	compLog := logger.With().Str("component", "api").Logger()
	s := &Server{
		catalog:       catalog,
		lifecycle:     lifecycle,
		ledger:        ledger,
		adminSecret:   adminSecret,
		webhookSecret: webhookSecret,
		log:           &compLog,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed separately so tests can mount it on an
// httptest server.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(traceMiddleware)
	r.Use(requestLogMiddleware(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/webhook/paystack", s.handlePaystackWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/plans", func(r chi.Router) {
			r.Get("/", s.handlePlanList)
			r.Get("/{id}", s.handlePlanGet)

			r.Group(func(r chi.Router) {
				r.Use(s.adminGuard)
				r.Post("/", s.handlePlanCreate)
				r.Put("/{id}", s.handlePlanUpdate)
				r.Delete("/{id}", s.handlePlanDisable)
			})
		})

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", s.handleSubscriptionCreate)
			r.Get("/{id}", s.handleSubscriptionGet)
			r.Get("/{id}/transactions", s.handleSubscriptionTransactions)
			r.Post("/{id}/renew", s.handleSubscriptionRenew)
			r.Post("/{id}/cancel", s.handleSubscriptionCancel)
			r.Post("/{id}/change-plan", s.handleSubscriptionChangePlan)
			r.Put("/{id}/payment-method", s.handleSubscriptionPaymentMethod)
			r.Post("/{id}/refund", s.handleSubscriptionRefund)
		})
	})
	return r
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
