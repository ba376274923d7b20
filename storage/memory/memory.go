// Package memory provides an in-memory implementation of the
// checkoutsync.Storage interface. This implementation is primarily intended
// for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/checkoutsync/pkg/checkoutsync"
)

// Storage implements checkoutsync.Storage using in-memory maps.
type Storage struct {
	mu     sync.RWMutex
	events map[string]*checkoutsync.WebhookEventRecord
	orders map[string]*checkoutsync.GiftOrder
	codes  map[string]*checkoutsync.PromoCode
	users  map[string]*checkoutsync.User
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		events: make(map[string]*checkoutsync.WebhookEventRecord),
		orders: make(map[string]*checkoutsync.GiftOrder),
		codes:  make(map[string]*checkoutsync.PromoCode),
		users:  make(map[string]*checkoutsync.User),
	}
}

// RecordEventIfNew implements checkoutsync.Journal.
func (s *Storage) RecordEventIfNew(ctx context.Context, event *checkoutsync.WebhookEventRecord) (bool, error) {
	if event == nil || event.ID == "" {
		return false, fmt.Errorf("invalid event record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.events[event.ID]; seen {
		return false, nil
	}
	rec := *event
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now().UTC()
	}
	rec.Payload = append([]byte(nil), event.Payload...)
	s.events[event.ID] = &rec
	return true, nil
}

// CreateGiftOrder implements checkoutsync.Storage.
func (s *Storage) CreateGiftOrder(ctx context.Context, order *checkoutsync.GiftOrder) error {
	if order == nil || order.ID == "" {
		return fmt.Errorf("invalid gift order")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return fmt.Errorf("gift order %s already exists", order.ID)
	}
	s.orders[order.ID] = copyOrder(order)
	return nil
}

// GiftOrder implements checkoutsync.Storage.
func (s *Storage) GiftOrder(ctx context.Context, id string) (*checkoutsync.GiftOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, checkoutsync.ErrOrderNotFound
	}
	return copyOrder(order), nil
}

// GiftOrderByCheckoutSession implements checkoutsync.Storage.
func (s *Storage) GiftOrderByCheckoutSession(ctx context.Context, sessionID string) (*checkoutsync.GiftOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, order := range s.orders {
		if sessionID != "" && order.CheckoutSessionID == sessionID {
			return copyOrder(order), nil
		}
	}
	return nil, checkoutsync.ErrOrderNotFound
}

// GiftOrderByPaymentIntent implements checkoutsync.Storage.
func (s *Storage) GiftOrderByPaymentIntent(ctx context.Context, paymentIntentID string) (*checkoutsync.GiftOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, order := range s.orders {
		if paymentIntentID != "" && order.PaymentIntentID == paymentIntentID {
			return copyOrder(order), nil
		}
	}
	return nil, checkoutsync.ErrOrderNotFound
}

// SetGiftOrderPaymentRefs implements checkoutsync.Storage.
func (s *Storage) SetGiftOrderPaymentRefs(ctx context.Context, orderID string, refs checkoutsync.PaymentRefs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return checkoutsync.ErrOrderNotFound
	}
	if refs.CheckoutSessionID != "" {
		order.CheckoutSessionID = refs.CheckoutSessionID
	}
	if refs.PaymentIntentID != "" {
		order.PaymentIntentID = refs.PaymentIntentID
	}
	if refs.CustomerID != "" {
		if order.Metadata == nil {
			order.Metadata = make(map[string]string)
		}
		order.Metadata["customerId"] = refs.CustomerID
	}
	return nil
}

// TransitionGiftOrder implements checkoutsync.Storage. The expected-status
// check and the write happen under one lock, giving CAS semantics.
func (s *Storage) TransitionGiftOrder(ctx context.Context, orderID string, from []checkoutsync.GiftOrderStatus, to checkoutsync.GiftOrderStatus, update *checkoutsync.GiftOrderUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return checkoutsync.ErrOrderNotFound
	}
	if !statusIn(order.Status, from) {
		return checkoutsync.ErrStatusConflict
	}
	order.Status = to
	applyUpdate(order, update)
	return nil
}

// FulfillGiftOrder implements checkoutsync.Storage.
func (s *Storage) FulfillGiftOrder(ctx context.Context, orderID string, code *checkoutsync.PromoCode) error {
	if code == nil || code.ID == "" {
		return fmt.Errorf("invalid promo code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return checkoutsync.ErrOrderNotFound
	}
	// Only pending/paid orders without a code are fulfillable; refunded and
	// failed orders never regress.
	fulfillable := order.Status == checkoutsync.GiftOrderPending || order.Status == checkoutsync.GiftOrderPaid
	if order.PromoCodeID != "" || !fulfillable {
		return checkoutsync.ErrCodeAlreadyIssued
	}

	s.codes[code.ID] = copyCode(code)
	order.PromoCodeID = code.ID
	order.Status = checkoutsync.GiftOrderFulfilled
	return nil
}

// PromoCodesByPaymentIntent implements checkoutsync.Storage.
func (s *Storage) PromoCodesByPaymentIntent(ctx context.Context, paymentIntentID string) ([]*checkoutsync.PromoCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*checkoutsync.PromoCode
	for _, code := range s.codes {
		if paymentIntentID != "" && code.PaymentIntentID == paymentIntentID {
			out = append(out, copyCode(code))
		}
	}
	return out, nil
}

// RevokePromoCodesByPaymentIntent implements checkoutsync.Storage.
func (s *Storage) RevokePromoCodesByPaymentIntent(ctx context.Context, paymentIntentID string, metadata map[string]string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, code := range s.codes {
		if paymentIntentID == "" || code.PaymentIntentID != paymentIntentID {
			continue
		}
		code.Revoked = true
		if len(metadata) > 0 {
			if code.Metadata == nil {
				code.Metadata = make(map[string]string)
			}
			for k, v := range metadata {
				code.Metadata[k] = v
			}
		}
		count++
	}
	return count, nil
}

// UserIDByEmail implements checkoutsync.Storage.
func (s *Storage) UserIDByEmail(ctx context.Context, email string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if email != "" && u.Email == email {
			return u.ID, nil
		}
	}
	return "", checkoutsync.ErrUserNotFound
}

// UserByCustomerID implements checkoutsync.Storage.
func (s *Storage) UserByCustomerID(ctx context.Context, customerID string) (*checkoutsync.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if customerID != "" && u.Subscription.CustomerID == customerID {
			return copyUser(u), nil
		}
	}
	return nil, checkoutsync.ErrUserNotFound
}

// UserBySubscriptionID implements checkoutsync.Storage.
func (s *Storage) UserBySubscriptionID(ctx context.Context, subscriptionID string) (*checkoutsync.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if subscriptionID != "" && u.Subscription.SubscriptionID == subscriptionID {
			return copyUser(u), nil
		}
	}
	return nil, checkoutsync.ErrUserNotFound
}

// LinkStripeCustomer implements checkoutsync.Storage.
func (s *Storage) LinkStripeCustomer(ctx context.Context, ref checkoutsync.UserRef, customerID, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.lookupLocked(ref)
	if err != nil {
		return err
	}
	user.Subscription.CustomerID = customerID
	user.Subscription.SubscriptionID = subscriptionID
	return nil
}

// UpdateSubscriptionState implements checkoutsync.Storage.
func (s *Storage) UpdateSubscriptionState(ctx context.Context, userID string, state *checkoutsync.SubscriptionState) error {
	if state == nil {
		return fmt.Errorf("invalid subscription state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return checkoutsync.ErrUserNotFound
	}
	user.Subscription = *state
	return nil
}

// SeedUser inserts a user record. Test and development helper.
func (s *Storage) SeedUser(user *checkoutsync.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = copyUser(user)
}

// PromoCode retrieves a promo code by ID. Test and development helper.
func (s *Storage) PromoCode(id string) (*checkoutsync.PromoCode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	code, ok := s.codes[id]
	if !ok {
		return nil, false
	}
	return copyCode(code), true
}

// User retrieves a user by ID. Test and development helper.
func (s *Storage) User(id string) (*checkoutsync.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, false
	}
	return copyUser(user), true
}

func (s *Storage) lookupLocked(ref checkoutsync.UserRef) (*checkoutsync.User, error) {
	if ref.ID != "" {
		if u, ok := s.users[ref.ID]; ok {
			return u, nil
		}
		return nil, checkoutsync.ErrUserNotFound
	}
	for _, u := range s.users {
		if ref.Email != "" && u.Email == ref.Email {
			return u, nil
		}
	}
	return nil, checkoutsync.ErrUserNotFound
}

func statusIn(status checkoutsync.GiftOrderStatus, set []checkoutsync.GiftOrderStatus) bool {
	for _, st := range set {
		if st == status {
			return true
		}
	}
	return false
}

func applyUpdate(order *checkoutsync.GiftOrder, update *checkoutsync.GiftOrderUpdate) {
	if update == nil {
		return
	}
	if update.PaymentIntentID != "" {
		order.PaymentIntentID = update.PaymentIntentID
	}
	if update.ChargeID != "" {
		order.ChargeID = update.ChargeID
	}
	if update.RefundID != "" {
		order.RefundID = update.RefundID
	}
	if update.RefundedAmountCents != 0 || len(update.Metadata) > 0 {
		if order.Metadata == nil {
			order.Metadata = make(map[string]string)
		}
		if update.RefundedAmountCents != 0 {
			order.Metadata["refundedAmountCents"] = fmt.Sprintf("%d", update.RefundedAmountCents)
		}
		for k, v := range update.Metadata {
			order.Metadata[k] = v
		}
	}
}

func copyOrder(o *checkoutsync.GiftOrder) *checkoutsync.GiftOrder {
	cp := *o
	cp.Metadata = copyMap(o.Metadata)
	return &cp
}

func copyCode(c *checkoutsync.PromoCode) *checkoutsync.PromoCode {
	cp := *c
	cp.Metadata = copyMap(c.Metadata)
	return &cp
}

func copyUser(u *checkoutsync.User) *checkoutsync.User {
	cp := *u
	if u.Subscription.CurrentPeriodEnd != nil {
		t := *u.Subscription.CurrentPeriodEnd
		cp.Subscription.CurrentPeriodEnd = &t
	}
	if u.Subscription.PlanExpiresAt != nil {
		t := *u.Subscription.PlanExpiresAt
		cp.Subscription.PlanExpiresAt = &t
	}
	return &cp
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
