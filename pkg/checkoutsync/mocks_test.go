package checkoutsync

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stripe/stripe-go/v83"
)

// fakeStore is an in-memory Storage for handler tests. It mirrors the
// conditional-update semantics the real adapters implement.
type fakeStore struct {
	mu     sync.Mutex
	events map[string]*WebhookEventRecord
	orders map[string]*GiftOrder
	codes  map[string]*PromoCode
	users  map[string]*User

	failUserLookup bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events: make(map[string]*WebhookEventRecord),
		orders: make(map[string]*GiftOrder),
		codes:  make(map[string]*PromoCode),
		users:  make(map[string]*User),
	}
}

func (f *fakeStore) RecordEventIfNew(_ context.Context, event *WebhookEventRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, seen := f.events[event.ID]; seen {
		return false, nil
	}
	rec := *event
	f.events[event.ID] = &rec
	return true, nil
}

func (f *fakeStore) CreateGiftOrder(_ context.Context, order *GiftOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *order
	f.orders[order.ID] = &cp
	return nil
}

func (f *fakeStore) GiftOrder(_ context.Context, id string) (*GiftOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (f *fakeStore) GiftOrderByCheckoutSession(_ context.Context, sessionID string) (*GiftOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, order := range f.orders {
		if sessionID != "" && order.CheckoutSessionID == sessionID {
			cp := *order
			return &cp, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (f *fakeStore) GiftOrderByPaymentIntent(_ context.Context, paymentIntentID string) (*GiftOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, order := range f.orders {
		if paymentIntentID != "" && order.PaymentIntentID == paymentIntentID {
			cp := *order
			return &cp, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (f *fakeStore) SetGiftOrderPaymentRefs(_ context.Context, orderID string, refs PaymentRefs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if refs.CheckoutSessionID != "" {
		order.CheckoutSessionID = refs.CheckoutSessionID
	}
	if refs.PaymentIntentID != "" {
		order.PaymentIntentID = refs.PaymentIntentID
	}
	return nil
}

func (f *fakeStore) TransitionGiftOrder(_ context.Context, orderID string, from []GiftOrderStatus, to GiftOrderStatus, update *GiftOrderUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	matched := false
	for _, st := range from {
		if order.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return ErrStatusConflict
	}
	order.Status = to
	if update != nil {
		if update.PaymentIntentID != "" {
			order.PaymentIntentID = update.PaymentIntentID
		}
		if update.ChargeID != "" {
			order.ChargeID = update.ChargeID
		}
		if update.RefundID != "" {
			order.RefundID = update.RefundID
		}
		if update.RefundedAmountCents != 0 {
			if order.Metadata == nil {
				order.Metadata = make(map[string]string)
			}
			order.Metadata["refundedAmountCents"] = fmt.Sprintf("%d", update.RefundedAmountCents)
		}
	}
	return nil
}

func (f *fakeStore) FulfillGiftOrder(_ context.Context, orderID string, code *PromoCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	fulfillable := order.Status == GiftOrderPending || order.Status == GiftOrderPaid
	if order.PromoCodeID != "" || !fulfillable {
		return ErrCodeAlreadyIssued
	}
	cp := *code
	f.codes[code.ID] = &cp
	order.PromoCodeID = code.ID
	order.Status = GiftOrderFulfilled
	return nil
}

func (f *fakeStore) PromoCodesByPaymentIntent(_ context.Context, paymentIntentID string) ([]*PromoCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*PromoCode
	for _, code := range f.codes {
		if paymentIntentID != "" && code.PaymentIntentID == paymentIntentID {
			cp := *code
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) RevokePromoCodesByPaymentIntent(_ context.Context, paymentIntentID string, metadata map[string]string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, code := range f.codes {
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

func (f *fakeStore) UserIDByEmail(_ context.Context, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUserLookup {
		return "", fmt.Errorf("lookup backend down")
	}
	for _, u := range f.users {
		if email != "" && u.Email == email {
			return u.ID, nil
		}
	}
	return "", ErrUserNotFound
}

func (f *fakeStore) UserByCustomerID(_ context.Context, customerID string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if customerID != "" && u.Subscription.CustomerID == customerID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (f *fakeStore) UserBySubscriptionID(_ context.Context, subscriptionID string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if subscriptionID != "" && u.Subscription.SubscriptionID == subscriptionID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (f *fakeStore) LinkStripeCustomer(_ context.Context, ref UserRef, customerID, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var user *User
	if ref.ID != "" {
		user = f.users[ref.ID]
	} else {
		for _, u := range f.users {
			if ref.Email != "" && u.Email == ref.Email {
				user = u
				break
			}
		}
	}
	if user == nil {
		return ErrUserNotFound
	}
	user.Subscription.CustomerID = customerID
	user.Subscription.SubscriptionID = subscriptionID
	return nil
}

func (f *fakeStore) UpdateSubscriptionState(_ context.Context, userID string, state *SubscriptionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.Subscription = *state
	return nil
}

func (f *fakeStore) order(t *testing.T, id string) *GiftOrder {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		t.Fatalf("order %s not in store", id)
	}
	cp := *order
	return &cp
}

func (f *fakeStore) user(t *testing.T, id string) *User {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		t.Fatalf("user %s not in store", id)
	}
	cp := *user
	return &cp
}

// fakeMailer records sends.
type fakeMailer struct {
	mu    sync.Mutex
	sent  []*GiftNotification
	fail  bool
	calls int
}

func (m *fakeMailer) SendGiftCode(_ context.Context, msg *GiftNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return fmt.Errorf("smtp unavailable")
	}
	cp := *msg
	m.sent = append(m.sent, &cp)
	return nil
}

// fakeFetcher returns a canned subscription.
type fakeFetcher struct {
	sub *stripe.Subscription
	err error
}

func (f *fakeFetcher) FetchSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.sub == nil {
		return nil, fmt.Errorf("no subscription %s", id)
	}
	return f.sub, nil
}

const (
	testWebhookSecret  = "whsec_test_secret"
	testPriceIDMonthly = "price_monthly_123"
	testPriceIDYearly  = "price_yearly_456"
)

func newTestService(t *testing.T, store *fakeStore, mailer *fakeMailer, fetcher *fakeFetcher) *Service {
	t.Helper()
	if store == nil {
		store = newFakeStore()
	}
	if mailer == nil {
		mailer = &fakeMailer{}
	}
	if fetcher == nil {
		fetcher = &fakeFetcher{}
	}
	svc, err := New(Config{
		Storage:       store,
		Mailer:        mailer,
		Subscriptions: fetcher,
		WebhookSecret: testWebhookSecret,
		PriceMapping: map[string]Plan{
			testPriceIDMonthly: PlanMonthly,
			testPriceIDYearly:  PlanYearly,
		},
	})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	return svc
}
