package checkoutsync

import "context"

// Journal is the idempotency journal: a durable record of processed event
// IDs. It is the primary duplicate-delivery defense; the conditional gift
// order operations below close the remaining window for distinct event IDs
// that refer to the same underlying intent.
type Journal interface {
	// RecordEventIfNew atomically records the event if its ID has not been
	// seen before and reports whether this call was the first sighting.
	// Under concurrent calls with the same event ID, at most one caller may
	// observe true.
	RecordEventIfNew(ctx context.Context, event *WebhookEventRecord) (bool, error)
}

// PaymentRefs carries the payment-processor references persisted onto a
// gift order when its checkout session completes.
type PaymentRefs struct {
	CheckoutSessionID string
	PaymentIntentID   string
	CustomerID        string
}

// GiftOrderUpdate carries optional fields written alongside a status
// transition. Zero values are left untouched; Metadata is merged.
type GiftOrderUpdate struct {
	PaymentIntentID     string
	ChargeID            string
	RefundID            string
	RefundedAmountCents int64
	Metadata            map[string]string
}

// Storage defines the persistence operations required by the service.
// All methods use concrete types from this package so adapters can import
// the core without cycles.
//
// "Not found" lookups return ErrOrderNotFound / ErrUserNotFound; any other
// error is treated as a collaborator failure and propagated so the payment
// processor redelivers the event.
type Storage interface {
	Journal

	// CreateGiftOrder inserts a new gift order. Used by the purchase flow
	// and by tests; webhook handlers only resolve and mutate orders.
	CreateGiftOrder(ctx context.Context, order *GiftOrder) error

	// GiftOrder retrieves a gift order by internal ID.
	GiftOrder(ctx context.Context, id string) (*GiftOrder, error)

	// GiftOrderByCheckoutSession retrieves a gift order by checkout session ID.
	GiftOrderByCheckoutSession(ctx context.Context, sessionID string) (*GiftOrder, error)

	// GiftOrderByPaymentIntent retrieves a gift order by payment intent ID.
	GiftOrderByPaymentIntent(ctx context.Context, paymentIntentID string) (*GiftOrder, error)

	// SetGiftOrderPaymentRefs persists processor references onto an order.
	SetGiftOrderPaymentRefs(ctx context.Context, orderID string, refs PaymentRefs) error

	// TransitionGiftOrder advances an order to the given status only if its
	// current status is in the expected set (compare-and-swap). Returns
	// ErrStatusConflict when the current status is outside the set, so two
	// racing deliveries cannot both apply the same transition.
	TransitionGiftOrder(ctx context.Context, orderID string, from []GiftOrderStatus, to GiftOrderStatus, update *GiftOrderUpdate) error

	// FulfillGiftOrder atomically creates the promo code, attaches its ID to
	// the order and advances the order to fulfilled. Fails with
	// ErrCodeAlreadyIssued if the order already carries a promo code or is
	// already fulfilled; a physical-money transaction must never issue two
	// codes.
	FulfillGiftOrder(ctx context.Context, orderID string, code *PromoCode) error

	// PromoCodesByPaymentIntent retrieves every promo code whose stored
	// payment intent ID matches.
	PromoCodesByPaymentIntent(ctx context.Context, paymentIntentID string) ([]*PromoCode, error)

	// RevokePromoCodesByPaymentIntent sets the revoked flag on every promo
	// code whose stored payment intent ID matches, merging the given
	// metadata (refund ID, reason) into each. Returns the number of codes
	// revoked; zero is not an error.
	RevokePromoCodesByPaymentIntent(ctx context.Context, paymentIntentID string, metadata map[string]string) (int, error)

	// UserIDByEmail resolves a user ID from an email address.
	UserIDByEmail(ctx context.Context, email string) (string, error)

	// UserByCustomerID retrieves a user by Stripe customer ID.
	UserByCustomerID(ctx context.Context, customerID string) (*User, error)

	// UserBySubscriptionID retrieves a user by Stripe subscription ID.
	UserBySubscriptionID(ctx context.Context, subscriptionID string) (*User, error)

	// LinkStripeCustomer persists the customer and subscription IDs onto the
	// referenced user, leaving the rest of the subscription state untouched
	// (status stays empty pending the first invoice event).
	LinkStripeCustomer(ctx context.Context, ref UserRef, customerID, subscriptionID string) error

	// UpdateSubscriptionState replaces the user's subscription state.
	UpdateSubscriptionState(ctx context.Context, userID string, state *SubscriptionState) error
}
