package checkoutsync

import (
	"strings"
	"time"
)

// GiftOrderStatus is the lifecycle state of a gift order.
// Valid transitions: pending -> paid -> fulfilled, pending/paid -> failed,
// paid/fulfilled -> refunded. A status never regresses.
type GiftOrderStatus string

const (
	GiftOrderPending   GiftOrderStatus = "pending"
	GiftOrderPaid      GiftOrderStatus = "paid"
	GiftOrderFulfilled GiftOrderStatus = "fulfilled"
	GiftOrderFailed    GiftOrderStatus = "failed"
	GiftOrderRefunded  GiftOrderStatus = "refunded"
)

// GiftPeriod is the unit a gifted subscription is denominated in.
type GiftPeriod string

const (
	PeriodMonths GiftPeriod = "months"
	PeriodYears  GiftPeriod = "years"
)

// Plan is an internal subscription tier.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanMonthly Plan = "monthly"
	PlanYearly  Plan = "yearly"
)

// WebhookEventRecord is the audit record of one processed webhook delivery.
// At most one record exists per event ID; its existence means side effects
// for that exact event have already been attempted. Records are never
// mutated or deleted.
type WebhookEventRecord struct {
	ID          string
	Type        string
	Payload     []byte
	ProcessedAt time.Time
}

// GiftOrder is the internal record of one purchased gift and its
// fulfillment lifecycle.
type GiftOrder struct {
	ID             string
	Status         GiftOrderStatus
	AmountCents    int64
	Currency       string
	PurchaserEmail string
	PurchaserName  string
	RecipientName  string
	RecipientEmail string
	Message        string
	Quantity       int64
	Period         GiftPeriod

	CheckoutSessionID string
	PaymentIntentID   string
	ChargeID          string
	RefundID          string

	// PromoCodeID is set at most once, while transitioning into fulfilled.
	PromoCodeID string

	Metadata map[string]string
}

// PromoCode is the redeemable artifact produced when a gift order is
// fulfilled. Revoked is set (never unset) by refund handling tied to the
// same payment intent.
type PromoCode struct {
	ID              string
	Code            string
	AmountCents     int64
	Currency        string
	CreatedByEmail  string
	CreatedByUserID string
	RecipientName   string
	RecipientEmail  string
	Quantity        int64
	Period          GiftPeriod

	PaymentIntentID   string
	CheckoutSessionID string
	ChargeID          string

	// Metadata carries a back-reference to the originating gift order.
	Metadata map[string]string
	Revoked  bool
}

// SubscriptionState is the subset of a user record owned by this package.
// SubscriptionID and Plan are always written together: a plan value never
// outlives the subscription that justified it.
type SubscriptionState struct {
	CustomerID         string
	SubscriptionID     string
	SubscriptionStatus string
	PriceID            string
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	Plan               Plan
	PlanExpiresAt      *time.Time
}

// User is the external user record as seen by this package. The record
// itself is owned by the surrounding application; only Subscription is
// written here.
type User struct {
	ID           string
	Email        string
	Subscription SubscriptionState
}

// UserRef identifies a user by internal ID or by email. Exactly one field
// should be set.
type UserRef struct {
	ID    string
	Email string
}

// IsZero reports whether the ref identifies nobody.
func (r UserRef) IsZero() bool { return r.ID == "" && r.Email == "" }

// metaValue reads the first non-empty value for any of the given keys from
// a Stripe metadata map. Stripe metadata is written by several upstream
// surfaces that disagree on casing, so each key is also tried
// case-insensitively.
func metaValue(md map[string]string, keys ...string) string {
	if len(md) == 0 {
		return ""
	}
	for _, k := range keys {
		if v := md[k]; v != "" {
			return v
		}
	}
	for _, k := range keys {
		for mk, v := range md {
			if v != "" && strings.EqualFold(mk, k) {
				return v
			}
		}
	}
	return ""
}
