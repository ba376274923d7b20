// Package stripeapi provides the production SubscriptionFetcher backed by
// the Stripe API client.
package stripeapi

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/checkoutsync/pkg/checkoutsync"
)

// Client implements checkoutsync.SubscriptionFetcher against the live
// Stripe API.
type Client struct {
	client *stripe.Client
}

// New creates a Stripe-backed subscription fetcher.
func New(apiKey string) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, checkoutsync.ErrNotConfigured
	}
	return &Client{client: stripe.NewClient(apiKey)}, nil
}

// FetchSubscription retrieves a subscription with its items' price data
// expanded, as the plan resolver requires.
func (c *Client) FetchSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionRetrieveParams{}
	params.AddExpand("items.data.price")
	return c.client.V1Subscriptions.Retrieve(ctx, id, params)
}
