package checkoutsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"
)

// giftCheckoutCompleted persists processor references onto the gift order
// named by the session metadata and marks it paid when the session reports
// the payment captured.
func (s *Service) giftCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession) error {
	orderID := metaValue(session.Metadata, "orderId", "order_id")
	if orderID == "" {
		s.logger.Warn("gift checkout session has no order reference",
			Field{Key: "session_id", Value: session.ID},
		)
		return nil
	}

	refs := PaymentRefs{CheckoutSessionID: session.ID}
	if session.PaymentIntent != nil {
		refs.PaymentIntentID = session.PaymentIntent.ID
	}
	if session.Customer != nil {
		refs.CustomerID = session.Customer.ID
	}

	if err := s.storage.SetGiftOrderPaymentRefs(ctx, orderID, refs); err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			s.logger.Warn("gift checkout references unknown order",
				Field{Key: "order_id", Value: orderID},
				Field{Key: "session_id", Value: session.ID},
			)
			return nil
		}
		return fmt.Errorf("failed to set payment refs on order %s: %w", orderID, err)
	}

	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil
	}

	err := s.storage.TransitionGiftOrder(ctx, orderID, []GiftOrderStatus{GiftOrderPending}, GiftOrderPaid, nil)
	if errors.Is(err, ErrStatusConflict) {
		// payment_intent.succeeded won the race; the order is already paid
		// or further along
		s.logger.Debug("gift order already past pending",
			Field{Key: "order_id", Value: orderID},
		)
		return nil
	}
	return err
}

// handlePaymentIntentSucceeded fulfills a gift order: issues exactly one
// promo code, attaches it, advances the status, and sends the redemption
// email when a recipient address exists.
func (s *Service) handlePaymentIntentSucceeded(ctx context.Context, event *stripe.Event) error {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}
	if metaValue(intent.Metadata, "type") != metadataTypeGift {
		return nil
	}

	order, err := s.resolveGiftOrder(ctx, intent.Metadata, intent.ID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			s.logger.Info("no gift order for succeeded payment intent",
				Field{Key: "payment_intent_id", Value: intent.ID},
			)
			return nil
		}
		return err
	}

	// Idempotency guard: a retried event with a fresh ID must never mint a
	// second code.
	if order.Status == GiftOrderFulfilled {
		s.metrics.RecordGiftFulfillment("already_fulfilled")
		s.logger.Debug("gift order already fulfilled",
			Field{Key: "order_id", Value: order.ID},
		)
		return nil
	}
	if order.PromoCodeID != "" {
		// A code exists but the status write lagged; repair and stop.
		err := s.storage.TransitionGiftOrder(ctx, order.ID,
			[]GiftOrderStatus{GiftOrderPending, GiftOrderPaid}, GiftOrderFulfilled, nil)
		if errors.Is(err, ErrStatusConflict) {
			err = nil
		}
		if err == nil {
			s.metrics.RecordGiftFulfillment("repaired")
			s.logger.Info("repaired gift order status to fulfilled",
				Field{Key: "order_id", Value: order.ID},
				Field{Key: "promo_code_id", Value: order.PromoCodeID},
			)
		}
		return err
	}

	code := &PromoCode{
		ID:                uuid.NewString(),
		Code:              s.generateCode(),
		AmountCents:       order.AmountCents,
		Currency:          order.Currency,
		CreatedByEmail:    order.PurchaserEmail,
		CreatedByUserID:   s.resolveCreator(ctx, intent.Metadata, order),
		RecipientName:     order.RecipientName,
		RecipientEmail:    order.RecipientEmail,
		Quantity:          order.Quantity,
		Period:            order.Period,
		PaymentIntentID:   intent.ID,
		CheckoutSessionID: order.CheckoutSessionID,
		Metadata:          map[string]string{"orderId": order.ID},
	}
	if intent.LatestCharge != nil {
		code.ChargeID = intent.LatestCharge.ID
	}

	if err := s.storage.FulfillGiftOrder(ctx, order.ID, code); err != nil {
		if errors.Is(err, ErrCodeAlreadyIssued) {
			// concurrent delivery got there first
			s.metrics.RecordGiftFulfillment("already_fulfilled")
			s.logger.Debug("fulfillment lost race, code already issued",
				Field{Key: "order_id", Value: order.ID},
			)
			return nil
		}
		s.metrics.RecordGiftFulfillment("error")
		return fmt.Errorf("failed to fulfill order %s: %w", order.ID, err)
	}
	s.metrics.RecordGiftFulfillment("fulfilled")
	s.logger.Info("gift order fulfilled",
		Field{Key: "order_id", Value: order.ID},
		Field{Key: "promo_code_id", Value: code.ID},
	)

	if order.RecipientEmail == "" {
		// The buyer can still redeem the code manually.
		s.logger.Info("gift order has no recipient email, skipping notification",
			Field{Key: "order_id", Value: order.ID},
		)
		return nil
	}

	msg := &GiftNotification{
		To:            order.RecipientEmail,
		RecipientName: order.RecipientName,
		Code:          code.Code,
		Quantity:      order.Quantity,
		Period:        order.Period,
		Body:          composeGiftMessage(order),
	}
	if err := s.mailer.SendGiftCode(ctx, msg); err != nil {
		// The fulfillment write has committed; a processor retry would find
		// the order fulfilled and never reach this send, so failing the
		// delivery buys nothing.
		s.logger.Error("failed to send gift notification",
			Field{Key: "order_id", Value: order.ID},
			Field{Key: "recipient", Value: order.RecipientEmail},
			Field{Key: "error", Value: err.Error()},
		)
	}
	return nil
}

// handlePaymentIntentFailed marks the gift order failed.
func (s *Service) handlePaymentIntentFailed(ctx context.Context, event *stripe.Event) error {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}
	if metaValue(intent.Metadata, "type") != metadataTypeGift {
		return nil
	}

	order, err := s.resolveGiftOrder(ctx, intent.Metadata, intent.ID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			s.logger.Info("no gift order for failed payment intent",
				Field{Key: "payment_intent_id", Value: intent.ID},
			)
			return nil
		}
		return err
	}

	err = s.storage.TransitionGiftOrder(ctx, order.ID,
		[]GiftOrderStatus{GiftOrderPending, GiftOrderPaid}, GiftOrderFailed,
		&GiftOrderUpdate{PaymentIntentID: intent.ID})
	if errors.Is(err, ErrStatusConflict) {
		s.logger.Debug("gift order not failable in current status",
			Field{Key: "order_id", Value: order.ID},
			Field{Key: "status", Value: string(order.Status)},
		)
		return nil
	}
	return err
}

// handleChargeRefunded revokes every promo code minted for the charge's
// payment intent and marks the matching gift order refunded. Charge objects
// carry no gift tag, so this is a no-op when nothing matches.
func (s *Service) handleChargeRefunded(ctx context.Context, event *stripe.Event) error {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return fmt.Errorf("failed to unmarshal charge: %w", err)
	}
	if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
		return nil
	}
	intentID := charge.PaymentIntent.ID

	meta := map[string]string{}
	var refundID string
	if charge.Refunds != nil && len(charge.Refunds.Data) > 0 && charge.Refunds.Data[0] != nil {
		refund := charge.Refunds.Data[0]
		refundID = refund.ID
		meta["refundId"] = refund.ID
		if refund.Reason != "" {
			meta["refundReason"] = string(refund.Reason)
		}
	}

	// Revocation is a set operation keyed on the payment intent, not a
	// single row, to tolerate any historical duplicate.
	revoked, err := s.storage.RevokePromoCodesByPaymentIntent(ctx, intentID, meta)
	if err != nil {
		return fmt.Errorf("failed to revoke promo codes for %s: %w", intentID, err)
	}
	if revoked > 0 {
		s.metrics.RecordPromoCodeRevocation(revoked)
		s.logger.Info("revoked promo codes for refunded charge",
			Field{Key: "payment_intent_id", Value: intentID},
			Field{Key: "count", Value: revoked},
		)
	}

	order, err := s.storage.GiftOrderByPaymentIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil
		}
		return err
	}

	err = s.storage.TransitionGiftOrder(ctx, order.ID,
		[]GiftOrderStatus{GiftOrderPaid, GiftOrderFulfilled}, GiftOrderRefunded,
		&GiftOrderUpdate{
			ChargeID:            charge.ID,
			RefundID:            refundID,
			RefundedAmountCents: charge.AmountRefunded,
		})
	if errors.Is(err, ErrStatusConflict) {
		s.logger.Warn("refund for gift order outside paid/fulfilled",
			Field{Key: "order_id", Value: order.ID},
			Field{Key: "status", Value: string(order.Status)},
		)
		return nil
	}
	return err
}

// resolveGiftOrder finds an order by metadata order ID, falling back to the
// payment intent reference when metadata is absent.
func (s *Service) resolveGiftOrder(ctx context.Context, md map[string]string, paymentIntentID string) (*GiftOrder, error) {
	if orderID := metaValue(md, "orderId", "order_id"); orderID != "" {
		return s.storage.GiftOrder(ctx, orderID)
	}
	return s.storage.GiftOrderByPaymentIntent(ctx, paymentIntentID)
}

// resolveCreator picks the user the promo code is attributed to: explicit
// metadata user ID first, then the "created by" tag, then a best-effort
// email lookup that degrades to no attribution on failure.
func (s *Service) resolveCreator(ctx context.Context, md map[string]string, order *GiftOrder) string {
	if userID := metaValue(md, "userId", "user_id"); userID != "" {
		return userID
	}
	if userID := metaValue(md, "createdBy", "created_by"); userID != "" {
		return userID
	}
	if order.PurchaserEmail == "" {
		return ""
	}
	userID, err := s.storage.UserIDByEmail(ctx, order.PurchaserEmail)
	if err != nil {
		s.logger.Warn("creator lookup by purchaser email failed, continuing without attribution",
			Field{Key: "order_id", Value: order.ID},
			Field{Key: "email", Value: order.PurchaserEmail},
			Field{Key: "error", Value: err.Error()},
		)
		return ""
	}
	return userID
}

// composeGiftMessage renders the email body: the purchaser's message plus a
// signature line when the purchaser gave a name.
func composeGiftMessage(order *GiftOrder) string {
	body := order.Message
	if order.PurchaserName != "" {
		if body != "" {
			body += "\n\n"
		}
		body += "From: " + order.PurchaserName
	}
	return body
}
