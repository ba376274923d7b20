package checkoutsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
)

// subscriptionCheckoutCompleted links the acting user to the new Stripe
// customer and subscription. Status stays empty until the first invoice
// event reconciles the full state.
func (s *Service) subscriptionCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession) error {
	if session.Subscription == nil || session.Subscription.ID == "" {
		// One-off payment checkout; nothing for the reconciler.
		return nil
	}

	ref := UserRef{ID: metaValue(session.Metadata, "userId", "user_id")}
	if ref.ID == "" {
		if session.CustomerDetails != nil {
			ref.Email = session.CustomerDetails.Email
		}
		if ref.Email == "" {
			ref.Email = session.CustomerEmail
		}
	}
	if ref.IsZero() {
		s.logger.Warn("subscription checkout without user reference",
			Field{Key: "session_id", Value: session.ID},
		)
		return nil
	}

	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}

	err := s.storage.LinkStripeCustomer(ctx, ref, customerID, session.Subscription.ID)
	if errors.Is(err, ErrUserNotFound) {
		s.logger.Warn("subscription checkout for unknown user",
			Field{Key: "session_id", Value: session.ID},
			Field{Key: "user_id", Value: ref.ID},
			Field{Key: "email", Value: ref.Email},
		)
		return nil
	}
	return err
}

// handleInvoicePaid reconciles the user's subscription state from the paid
// invoice's subscription, resolving the plan from its line items.
func (s *Service) handleInvoicePaid(ctx context.Context, event *stripe.Event) error {
	inv, err := parseInvoice(event.Data.Raw)
	if err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}
	if inv.subscriptionID == "" {
		// Not a subscription invoice.
		return nil
	}

	sub, err := s.subscriptions.FetchSubscription(ctx, inv.subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription %s: %w", inv.subscriptionID, err)
	}

	customerID := inv.customerID
	if customerID == "" && sub.Customer != nil {
		customerID = sub.Customer.ID
	}

	user, err := s.resolveSubscriber(ctx, customerID, sub.ID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.logger.Info("paid invoice for unknown user",
				Field{Key: "invoice_id", Value: inv.id},
				Field{Key: "customer_id", Value: customerID},
				Field{Key: "subscription_id", Value: sub.ID},
			)
			return nil
		}
		return err
	}

	plan, priceID, ok := ResolvePlan(s.priceMapping, planItemsFromSubscription(sub), inv.lines)
	if !ok {
		// Never clear a known plan to unknown.
		plan = user.Subscription.Plan
		s.logger.Warn("plan resolution failed, retaining previous plan",
			Field{Key: "user_id", Value: user.ID},
			Field{Key: "subscription_id", Value: sub.ID},
			Field{Key: "plan", Value: string(plan)},
		)
	} else if plan != user.Subscription.Plan {
		s.metrics.RecordPlanChange(string(user.Subscription.Plan), string(plan))
	}
	if priceID == "" {
		priceID = user.Subscription.PriceID
	}

	state := &SubscriptionState{
		CustomerID:         customerID,
		SubscriptionID:     sub.ID,
		SubscriptionStatus: string(sub.Status),
		PriceID:            priceID,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		Plan:               plan,
	}
	if end := subscriptionPeriodEnd(sub); end > 0 {
		t := time.Unix(end, 0).UTC()
		state.CurrentPeriodEnd = &t
	}

	return s.storage.UpdateSubscriptionState(ctx, user.ID, state)
}

// handleSubscriptionDeleted downgrades the user to the free plan and clears
// the subscription references, recording when access runs out.
func (s *Service) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}

	user, err := s.resolveSubscriberBySubscription(ctx, sub.ID, customerID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.logger.Info("deleted subscription for unknown user",
				Field{Key: "subscription_id", Value: sub.ID},
			)
			return nil
		}
		return err
	}

	endedAt := s.now().UTC()
	if sub.EndedAt > 0 {
		endedAt = time.Unix(sub.EndedAt, 0).UTC()
	}

	if user.Subscription.Plan != PlanFree {
		s.metrics.RecordPlanChange(string(user.Subscription.Plan), string(PlanFree))
	}

	state := &SubscriptionState{
		CustomerID:       user.Subscription.CustomerID,
		Plan:             PlanFree,
		CurrentPeriodEnd: &endedAt,
		PlanExpiresAt:    &endedAt,
	}
	return s.storage.UpdateSubscriptionState(ctx, user.ID, state)
}

// resolveSubscriber looks a user up by customer ID, falling back to the
// subscription ID.
func (s *Service) resolveSubscriber(ctx context.Context, customerID, subscriptionID string) (*User, error) {
	if customerID != "" {
		user, err := s.storage.UserByCustomerID(ctx, customerID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
	}
	if subscriptionID == "" {
		return nil, ErrUserNotFound
	}
	return s.storage.UserBySubscriptionID(ctx, subscriptionID)
}

// resolveSubscriberBySubscription is the deletion-order variant: the
// subscription ID is the stronger key since the customer may have opened a
// new subscription already.
func (s *Service) resolveSubscriberBySubscription(ctx context.Context, subscriptionID, customerID string) (*User, error) {
	if subscriptionID != "" {
		user, err := s.storage.UserBySubscriptionID(ctx, subscriptionID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
	}
	if customerID == "" {
		return nil, ErrUserNotFound
	}
	return s.storage.UserByCustomerID(ctx, customerID)
}

// stripeRef decodes a field Stripe serializes either as a bare ID string or
// as an expanded object with an "id" key.
type stripeRef string

func (r *stripeRef) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*r = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = stripeRef(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = stripeRef(obj.ID)
	return nil
}

type parsedInvoice struct {
	id             string
	customerID     string
	subscriptionID string
	lines          []InvoiceLine
}

// parseInvoice extracts the fields the reconciler needs straight from the
// event JSON. stripe-go's Invoice struct has moved the subscription
// reference across API versions, so the raw payload is the stable source.
func parseInvoice(raw json.RawMessage) (*parsedInvoice, error) {
	var payload struct {
		ID           string    `json:"id"`
		Customer     stripeRef `json:"customer"`
		Subscription stripeRef `json:"subscription"`
		Parent       *struct {
			SubscriptionDetails *struct {
				Subscription stripeRef `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
		Lines struct {
			Data []struct {
				Type  string `json:"type"`
				Price *struct {
					ID        string `json:"id"`
					Recurring *struct {
						Interval string `json:"interval"`
					} `json:"recurring"`
				} `json:"price"`
				Plan *struct {
					Interval string `json:"interval"`
				} `json:"plan"`
			} `json:"data"`
		} `json:"lines"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}

	inv := &parsedInvoice{
		id:             payload.ID,
		customerID:     string(payload.Customer),
		subscriptionID: string(payload.Subscription),
	}
	if inv.subscriptionID == "" && payload.Parent != nil && payload.Parent.SubscriptionDetails != nil {
		inv.subscriptionID = string(payload.Parent.SubscriptionDetails.Subscription)
	}

	for _, l := range payload.Lines.Data {
		line := InvoiceLine{Type: l.Type}
		if l.Price != nil {
			line.PriceID = l.Price.ID
			if l.Price.Recurring != nil {
				line.Interval = l.Price.Recurring.Interval
			}
		}
		if line.Interval == "" && l.Plan != nil {
			line.Interval = l.Plan.Interval
		}
		inv.lines = append(inv.lines, line)
	}
	return inv, nil
}
