package checkoutsync

import (
	"context"

	"github.com/stripe/stripe-go/v83"
)

// GiftNotification is the redemption email sent once a gift order is
// fulfilled.
type GiftNotification struct {
	To            string
	RecipientName string
	Code          string
	Quantity      int64
	Period        GiftPeriod

	// Body is the composed message: the purchaser's note plus an optional
	// "From: <purchaser>" signature line.
	Body string
}

// Mailer sends outbound notifications. Implementations own their delivery
// failure handling (bounces, invalid recipient addresses); an error from
// SendGiftCode means the send could not even be handed off.
type Mailer interface {
	SendGiftCode(ctx context.Context, msg *GiftNotification) error
}

// SubscriptionFetcher retrieves a subscription from the payment processor
// with its items and price data expanded. The production implementation in
// stripeapi wraps stripe.Client; tests substitute a fake.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}
