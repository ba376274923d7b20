package checkoutsync

import "errors"

var (
	// ErrNotConfigured is returned by New when a required collaborator is missing
	ErrNotConfigured = errors.New("checkoutsync not configured")

	// ErrSignatureInvalid is returned when webhook signature verification fails
	ErrSignatureInvalid = errors.New("invalid webhook signature")

	// ErrOrderNotFound is returned when a gift order cannot be resolved.
	// Handlers treat this as a normal "nothing to do" outcome.
	ErrOrderNotFound = errors.New("gift order not found")

	// ErrUserNotFound is returned when a user cannot be resolved by email,
	// customer ID, or subscription ID
	ErrUserNotFound = errors.New("user not found")

	// ErrCodeAlreadyIssued is returned when fulfillment is attempted on an
	// order that already carries a promo code
	ErrCodeAlreadyIssued = errors.New("promo code already issued for order")

	// ErrStatusConflict is returned when a conditional status transition
	// finds the order in a status outside the expected set
	ErrStatusConflict = errors.New("gift order status conflict")
)
