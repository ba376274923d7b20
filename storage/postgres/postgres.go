// Package postgres provides a PostgreSQL implementation of the
// checkoutsync.Storage interface. Conditional status transitions and
// fulfillment are expressed as guarded UPDATEs so concurrent webhook
// deliveries converge without double issuance.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/checkoutsync/pkg/checkoutsync"
)

// Storage implements checkoutsync.Storage using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close releases the connection pool.
func (s *Storage) Close() {
	s.pool.Close()
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			payload JSONB,
			processed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS gift_orders (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			amount_cents BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT '',
			purchaser_email TEXT NOT NULL DEFAULT '',
			purchaser_name TEXT NOT NULL DEFAULT '',
			recipient_name TEXT NOT NULL DEFAULT '',
			recipient_email TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			quantity BIGINT NOT NULL DEFAULT 1,
			period TEXT NOT NULL DEFAULT 'months',
			checkout_session_id TEXT NOT NULL DEFAULT '',
			payment_intent_id TEXT NOT NULL DEFAULT '',
			charge_id TEXT NOT NULL DEFAULT '',
			refund_id TEXT NOT NULL DEFAULT '',
			promo_code_id TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_gift_orders_session ON gift_orders (checkout_session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_gift_orders_intent ON gift_orders (payment_intent_id)`,
		`CREATE TABLE IF NOT EXISTS promo_codes (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			amount_cents BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT '',
			created_by_email TEXT NOT NULL DEFAULT '',
			created_by_user_id TEXT NOT NULL DEFAULT '',
			recipient_name TEXT NOT NULL DEFAULT '',
			recipient_email TEXT NOT NULL DEFAULT '',
			quantity BIGINT NOT NULL DEFAULT 1,
			period TEXT NOT NULL DEFAULT 'months',
			payment_intent_id TEXT NOT NULL DEFAULT '',
			checkout_session_id TEXT NOT NULL DEFAULT '',
			charge_id TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			revoked BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_promo_codes_intent ON promo_codes (payment_intent_id)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE,
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			stripe_subscription_id TEXT NOT NULL DEFAULT '',
			stripe_subscription_status TEXT NOT NULL DEFAULT '',
			stripe_price_id TEXT NOT NULL DEFAULT '',
			stripe_current_period_end TIMESTAMPTZ,
			stripe_cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
			subscription_plan TEXT NOT NULL DEFAULT '',
			plan_expires_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_customer ON users (stripe_customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_users_subscription ON users (stripe_subscription_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// RecordEventIfNew implements checkoutsync.Journal. The unique primary key
// makes the insert the atomicity point: exactly one concurrent caller wins.
func (s *Storage) RecordEventIfNew(ctx context.Context, event *checkoutsync.WebhookEventRecord) (bool, error) {
	if event == nil || event.ID == "" {
		return false, fmt.Errorf("invalid event record")
	}
	processedAt := event.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	payload := event.Payload
	if !json.Valid(payload) {
		payload = nil
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (id, event_type, payload, processed_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		event.ID, event.Type, payload, processedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const giftOrderColumns = `id, status, amount_cents, currency, purchaser_email, purchaser_name,
	recipient_name, recipient_email, message, quantity, period,
	checkout_session_id, payment_intent_id, charge_id, refund_id, promo_code_id, metadata`

// CreateGiftOrder implements checkoutsync.Storage.
func (s *Storage) CreateGiftOrder(ctx context.Context, order *checkoutsync.GiftOrder) error {
	if order == nil || order.ID == "" {
		return fmt.Errorf("invalid gift order")
	}
	metadata, err := marshalMetadata(order.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO gift_orders (`+giftOrderColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		order.ID, order.Status, order.AmountCents, order.Currency,
		order.PurchaserEmail, order.PurchaserName,
		order.RecipientName, order.RecipientEmail, order.Message,
		order.Quantity, order.Period,
		order.CheckoutSessionID, order.PaymentIntentID, order.ChargeID,
		order.RefundID, order.PromoCodeID, metadata)
	if err != nil {
		return fmt.Errorf("failed to create gift order: %w", err)
	}
	return nil
}

// GiftOrder implements checkoutsync.Storage.
func (s *Storage) GiftOrder(ctx context.Context, id string) (*checkoutsync.GiftOrder, error) {
	return s.giftOrderWhere(ctx, `id = $1`, id)
}

// GiftOrderByCheckoutSession implements checkoutsync.Storage.
func (s *Storage) GiftOrderByCheckoutSession(ctx context.Context, sessionID string) (*checkoutsync.GiftOrder, error) {
	if sessionID == "" {
		return nil, checkoutsync.ErrOrderNotFound
	}
	return s.giftOrderWhere(ctx, `checkout_session_id = $1`, sessionID)
}

// GiftOrderByPaymentIntent implements checkoutsync.Storage.
func (s *Storage) GiftOrderByPaymentIntent(ctx context.Context, paymentIntentID string) (*checkoutsync.GiftOrder, error) {
	if paymentIntentID == "" {
		return nil, checkoutsync.ErrOrderNotFound
	}
	return s.giftOrderWhere(ctx, `payment_intent_id = $1`, paymentIntentID)
}

func (s *Storage) giftOrderWhere(ctx context.Context, where string, arg any) (*checkoutsync.GiftOrder, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+giftOrderColumns+` FROM gift_orders WHERE `+where, arg)

	var order checkoutsync.GiftOrder
	var metadata []byte
	err := row.Scan(&order.ID, &order.Status, &order.AmountCents, &order.Currency,
		&order.PurchaserEmail, &order.PurchaserName,
		&order.RecipientName, &order.RecipientEmail, &order.Message,
		&order.Quantity, &order.Period,
		&order.CheckoutSessionID, &order.PaymentIntentID, &order.ChargeID,
		&order.RefundID, &order.PromoCodeID, &metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, checkoutsync.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to query gift order: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &order.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode gift order metadata: %w", err)
		}
	}
	return &order, nil
}

// SetGiftOrderPaymentRefs implements checkoutsync.Storage.
func (s *Storage) SetGiftOrderPaymentRefs(ctx context.Context, orderID string, refs checkoutsync.PaymentRefs) error {
	meta := map[string]string{}
	if refs.CustomerID != "" {
		meta["customerId"] = refs.CustomerID
	}
	metadata, err := marshalMetadata(meta)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE gift_orders SET
			checkout_session_id = CASE WHEN $2 <> '' THEN $2 ELSE checkout_session_id END,
			payment_intent_id   = CASE WHEN $3 <> '' THEN $3 ELSE payment_intent_id END,
			metadata            = COALESCE(metadata, '{}'::jsonb) || COALESCE($4::jsonb, '{}'::jsonb),
			updated_at          = now()
		 WHERE id = $1`,
		orderID, refs.CheckoutSessionID, refs.PaymentIntentID, metadata)
	if err != nil {
		return fmt.Errorf("failed to set payment refs: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return checkoutsync.ErrOrderNotFound
	}
	return nil
}

// TransitionGiftOrder implements checkoutsync.Storage. The expected-status
// guard lives in the WHERE clause; a lost race surfaces as zero rows.
func (s *Storage) TransitionGiftOrder(ctx context.Context, orderID string, from []checkoutsync.GiftOrderStatus, to checkoutsync.GiftOrderStatus, update *checkoutsync.GiftOrderUpdate) error {
	if update == nil {
		update = &checkoutsync.GiftOrderUpdate{}
	}
	meta := map[string]string{}
	for k, v := range update.Metadata {
		meta[k] = v
	}
	if update.RefundedAmountCents != 0 {
		meta["refundedAmountCents"] = fmt.Sprintf("%d", update.RefundedAmountCents)
	}
	metadata, err := marshalMetadata(meta)
	if err != nil {
		return err
	}
	fromSet := make([]string, len(from))
	for i, st := range from {
		fromSet[i] = string(st)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE gift_orders SET
			status            = $2,
			payment_intent_id = CASE WHEN $3 <> '' THEN $3 ELSE payment_intent_id END,
			charge_id         = CASE WHEN $4 <> '' THEN $4 ELSE charge_id END,
			refund_id         = CASE WHEN $5 <> '' THEN $5 ELSE refund_id END,
			metadata          = COALESCE(metadata, '{}'::jsonb) || COALESCE($6::jsonb, '{}'::jsonb),
			updated_at        = now()
		 WHERE id = $1 AND status = ANY($7)`,
		orderID, to, update.PaymentIntentID, update.ChargeID, update.RefundID, metadata, fromSet)
	if err != nil {
		return fmt.Errorf("failed to transition gift order: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM gift_orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check gift order: %w", err)
	}
	if !exists {
		return checkoutsync.ErrOrderNotFound
	}
	return checkoutsync.ErrStatusConflict
}

// FulfillGiftOrder implements checkoutsync.Storage. The guarded order
// update and the promo code insert share a transaction: either the order
// gets exactly this code attached, or nothing happens.
func (s *Storage) FulfillGiftOrder(ctx context.Context, orderID string, code *checkoutsync.PromoCode) error {
	if code == nil || code.ID == "" {
		return fmt.Errorf("invalid promo code")
	}
	metadata, err := marshalMetadata(code.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE gift_orders SET promo_code_id = $2, status = $3, updated_at = now()
		 WHERE id = $1 AND promo_code_id = '' AND status IN ($4, $5)`,
		orderID, code.ID, checkoutsync.GiftOrderFulfilled,
		checkoutsync.GiftOrderPending, checkoutsync.GiftOrderPaid)
	if err != nil {
		return fmt.Errorf("failed to attach promo code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM gift_orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check gift order: %w", err)
		}
		if !exists {
			return checkoutsync.ErrOrderNotFound
		}
		return checkoutsync.ErrCodeAlreadyIssued
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO promo_codes (id, code, amount_cents, currency, created_by_email, created_by_user_id,
			recipient_name, recipient_email, quantity, period,
			payment_intent_id, checkout_session_id, charge_id, metadata, revoked)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, FALSE)`,
		code.ID, code.Code, code.AmountCents, code.Currency,
		code.CreatedByEmail, code.CreatedByUserID,
		code.RecipientName, code.RecipientEmail, code.Quantity, code.Period,
		code.PaymentIntentID, code.CheckoutSessionID, code.ChargeID, metadata)
	if err != nil {
		return fmt.Errorf("failed to insert promo code: %w", err)
	}

	return tx.Commit(ctx)
}

// PromoCodesByPaymentIntent implements checkoutsync.Storage.
func (s *Storage) PromoCodesByPaymentIntent(ctx context.Context, paymentIntentID string) ([]*checkoutsync.PromoCode, error) {
	if paymentIntentID == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, code, amount_cents, currency, created_by_email, created_by_user_id,
			recipient_name, recipient_email, quantity, period,
			payment_intent_id, checkout_session_id, charge_id, metadata, revoked
		 FROM promo_codes WHERE payment_intent_id = $1`, paymentIntentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query promo codes: %w", err)
	}
	defer rows.Close()

	var codes []*checkoutsync.PromoCode
	for rows.Next() {
		var code checkoutsync.PromoCode
		var metadata []byte
		if err := rows.Scan(&code.ID, &code.Code, &code.AmountCents, &code.Currency,
			&code.CreatedByEmail, &code.CreatedByUserID,
			&code.RecipientName, &code.RecipientEmail, &code.Quantity, &code.Period,
			&code.PaymentIntentID, &code.CheckoutSessionID, &code.ChargeID,
			&metadata, &code.Revoked); err != nil {
			return nil, fmt.Errorf("failed to scan promo code: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &code.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode promo code metadata: %w", err)
			}
		}
		codes = append(codes, &code)
	}
	return codes, rows.Err()
}

// RevokePromoCodesByPaymentIntent implements checkoutsync.Storage.
func (s *Storage) RevokePromoCodesByPaymentIntent(ctx context.Context, paymentIntentID string, metadata map[string]string) (int, error) {
	if paymentIntentID == "" {
		return 0, nil
	}
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE promo_codes SET
			revoked  = TRUE,
			metadata = COALESCE(metadata, '{}'::jsonb) || COALESCE($2::jsonb, '{}'::jsonb)
		 WHERE payment_intent_id = $1`,
		paymentIntentID, meta)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke promo codes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UserIDByEmail implements checkoutsync.Storage.
func (s *Storage) UserIDByEmail(ctx context.Context, email string) (string, error) {
	if email == "" {
		return "", checkoutsync.ErrUserNotFound
	}
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM users WHERE email = $1`, email).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", checkoutsync.ErrUserNotFound
		}
		return "", fmt.Errorf("failed to query user by email: %w", err)
	}
	return id, nil
}

// UserByCustomerID implements checkoutsync.Storage.
func (s *Storage) UserByCustomerID(ctx context.Context, customerID string) (*checkoutsync.User, error) {
	if customerID == "" {
		return nil, checkoutsync.ErrUserNotFound
	}
	return s.userWhere(ctx, `stripe_customer_id = $1`, customerID)
}

// UserBySubscriptionID implements checkoutsync.Storage.
func (s *Storage) UserBySubscriptionID(ctx context.Context, subscriptionID string) (*checkoutsync.User, error) {
	if subscriptionID == "" {
		return nil, checkoutsync.ErrUserNotFound
	}
	return s.userWhere(ctx, `stripe_subscription_id = $1`, subscriptionID)
}

func (s *Storage) userWhere(ctx context.Context, where string, arg any) (*checkoutsync.User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, COALESCE(email, ''), stripe_customer_id, stripe_subscription_id,
			stripe_subscription_status, stripe_price_id, stripe_current_period_end,
			stripe_cancel_at_period_end, subscription_plan, plan_expires_at
		 FROM users WHERE `+where, arg)

	var user checkoutsync.User
	var periodEnd, planExpires *time.Time
	err := row.Scan(&user.ID, &user.Email,
		&user.Subscription.CustomerID, &user.Subscription.SubscriptionID,
		&user.Subscription.SubscriptionStatus, &user.Subscription.PriceID,
		&periodEnd, &user.Subscription.CancelAtPeriodEnd,
		&user.Subscription.Plan, &planExpires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, checkoutsync.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	user.Subscription.CurrentPeriodEnd = periodEnd
	user.Subscription.PlanExpiresAt = planExpires
	return &user, nil
}

// LinkStripeCustomer implements checkoutsync.Storage.
func (s *Storage) LinkStripeCustomer(ctx context.Context, ref checkoutsync.UserRef, customerID, subscriptionID string) error {
	query := `UPDATE users SET stripe_customer_id = $2, stripe_subscription_id = $3 WHERE id = $1`
	arg := ref.ID
	if arg == "" {
		if ref.Email == "" {
			return checkoutsync.ErrUserNotFound
		}
		query = `UPDATE users SET stripe_customer_id = $2, stripe_subscription_id = $3 WHERE email = $1`
		arg = ref.Email
	}
	tag, err := s.pool.Exec(ctx, query, arg, customerID, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to link stripe customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return checkoutsync.ErrUserNotFound
	}
	return nil
}

// UpdateSubscriptionState implements checkoutsync.Storage.
func (s *Storage) UpdateSubscriptionState(ctx context.Context, userID string, state *checkoutsync.SubscriptionState) error {
	if state == nil {
		return fmt.Errorf("invalid subscription state")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET
			stripe_customer_id          = $2,
			stripe_subscription_id      = $3,
			stripe_subscription_status  = $4,
			stripe_price_id             = $5,
			stripe_current_period_end   = $6,
			stripe_cancel_at_period_end = $7,
			subscription_plan           = $8,
			plan_expires_at             = $9
		 WHERE id = $1`,
		userID, state.CustomerID, state.SubscriptionID, state.SubscriptionStatus,
		state.PriceID, state.CurrentPeriodEnd, state.CancelAtPeriodEnd,
		string(state.Plan), state.PlanExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to update subscription state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return checkoutsync.ErrUserNotFound
	}
	return nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return data, nil
}
