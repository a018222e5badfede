package notify

import (
	"context"

	"github.com/rs/zerolog"

	"subscription-billing/internal/domain/ports/adapter"
)

var _ adapter.Notifier = (*LogNotifier)(nil)

// LogNotifier emits billing events as structured log lines. It stands in for
// a real delivery channel (email, push) and keeps the engine's fire-and-forget
// contract: Notify never blocks and never reports failure upstream.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(logger *zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: logger.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, e adapter.BillingEvent) {
	n.log.Info().
		Str("event", string(e.Kind)).
		Str("user_id", e.UserID).
		Str("subscription_id", e.SubscriptionID).
		Str("plan_id", e.PlanID).
		Msg("billing event")
}
