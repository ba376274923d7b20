package checkoutsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v83"
)

type eventHandler func(ctx context.Context, event *stripe.Event) error

// routes builds the static event-type table. Dispatch never inspects
// business metadata; handlers filter on it themselves.
func (s *Service) routes() map[stripe.EventType]eventHandler {
	return map[stripe.EventType]eventHandler{
		"checkout.session.completed":    s.handleCheckoutSessionCompleted,
		"payment_intent.succeeded":      s.handlePaymentIntentSucceeded,
		"payment_intent.payment_failed": s.handlePaymentIntentFailed,
		"charge.refunded":               s.handleChargeRefunded,
		"invoice.paid":                  s.handleInvoicePaid,
		"customer.subscription.deleted": s.handleSubscriptionDeleted,
	}
}

// HandleEvent routes a verified, deduplicated event to its handler. Unknown
// event types are accepted and ignored so new processor event types never
// break delivery.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	handler, ok := s.handlers[event.Type]
	if !ok {
		s.logger.Debug("ignoring unhandled event type",
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "event_type", Value: string(event.Type)},
		)
		return nil
	}
	return handler(ctx, event)
}

// handleCheckoutSessionCompleted splits gift checkouts from subscription
// checkouts on the session's metadata tag.
func (s *Service) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	if metaValue(session.Metadata, "type") == metadataTypeGift {
		return s.giftCheckoutCompleted(ctx, &session)
	}
	return s.subscriptionCheckoutCompleted(ctx, &session)
}
