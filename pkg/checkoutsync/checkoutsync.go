// Package checkoutsync turns Stripe webhook deliveries into durable,
// idempotent state changes: gift order fulfillment (promo code issuance,
// delivery notification, refund cascades) and user subscription
// reconciliation (plan, status and period fields).
//
// Deliveries are at-least-once and unordered. A journal filters true
// duplicates by event ID; conditional storage operations make the handlers
// converge when distinct events for the same intent race or arrive out of
// order.
package checkoutsync

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
)

const (
	// webhookBodyLimit caps the raw request body read for verification.
	webhookBodyLimit = 256 * 1024

	// metadataTypeGift tags checkout/payment objects handled by the gift
	// state machine.
	metadataTypeGift = "gift"
)

// Config configures a Service.
type Config struct {
	// Storage is the row store for orders, codes, users and the journal (required).
	Storage Storage

	// Journal optionally overrides Storage's idempotency journal, e.g. to
	// keep the duplicate filter in Redis while rows stay in Postgres.
	Journal Journal

	// Mailer sends gift redemption emails (required).
	Mailer Mailer

	// Subscriptions retrieves subscriptions from the processor with price
	// data expanded (required).
	Subscriptions SubscriptionFetcher

	// WebhookSecret verifies inbound webhook signatures.
	WebhookSecret string

	// PriceMapping maps Stripe price IDs to plans.
	// For example: map[string]Plan{"price_monthly_123": PlanMonthly}
	PriceMapping map[string]Plan

	// Logger is an optional structured logger. If nil, logs are discarded.
	Logger Logger

	// Metrics is an optional metrics collector. If nil, metrics are
	// silently ignored (no-op).
	Metrics Metrics

	// GenerateCode optionally overrides promo code generation.
	GenerateCode func() string

	// Now optionally overrides the clock, for tests.
	Now func() time.Time
}

// Service processes verified webhook events.
type Service struct {
	storage       Storage
	journal       Journal
	mailer        Mailer
	subscriptions SubscriptionFetcher
	priceMapping  map[string]Plan
	webhookSecret []byte
	logger        Logger
	metrics       Metrics
	generateCode  func() string
	now           func() time.Time
	handlers      map[stripe.EventType]eventHandler
}

// New creates a Service from the given config.
func New(cfg Config) (*Service, error) {
	if cfg.Storage == nil || cfg.Mailer == nil || cfg.Subscriptions == nil {
		return nil, ErrNotConfigured
	}

	s := &Service{
		storage:       cfg.Storage,
		journal:       cfg.Journal,
		mailer:        cfg.Mailer,
		subscriptions: cfg.Subscriptions,
		priceMapping:  make(map[string]Plan, len(cfg.PriceMapping)),
		webhookSecret: []byte(strings.TrimSpace(cfg.WebhookSecret)),
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		generateCode:  cfg.GenerateCode,
		now:           cfg.Now,
	}
	for k, v := range cfg.PriceMapping {
		s.priceMapping[k] = v
	}
	if s.journal == nil {
		s.journal = cfg.Storage
	}
	if s.logger == nil {
		s.logger = &NoopLogger{}
	}
	if s.metrics == nil {
		s.metrics = &NoopMetrics{}
	}
	if s.generateCode == nil {
		s.generateCode = GenerateCode
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.handlers = s.routes()
	return s, nil
}

// codeAlphabet excludes 0/O, 1/I/L and vowels that could spell words.
const codeAlphabet = "23456789BCDFGHJKMNPQRSTVWXZ"

// GenerateCode returns a redemption code of the form GIFT-XXXX-XXXX-XXXX.
func GenerateCode() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	var b strings.Builder
	b.WriteString("GIFT")
	for i, c := range buf {
		if i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(codeAlphabet[int(c)%len(codeAlphabet)])
	}
	return b.String()
}
