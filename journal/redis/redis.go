// Package redis provides a Redis implementation of the checkoutsync.Journal
// interface, for deployments that want the duplicate filter in a
// low-latency store while rows stay in a relational database.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/checkoutsync/pkg/checkoutsync"
)

const defaultKeyPrefix = "checkoutsync:event:"

// Config holds Redis journal configuration.
type Config struct {
	// KeyPrefix namespaces journal keys. Defaults to "checkoutsync:event:".
	KeyPrefix string

	// TTL bounds how long an event ID stays deduplicated. Zero keeps
	// records forever; Stripe stops redelivering after a few days, so a TTL
	// of a week or two is usually enough.
	TTL time.Duration
}

// Journal implements checkoutsync.Journal using Redis SETNX.
type Journal struct {
	client redis.UniversalClient
	config Config
}

// New creates a Redis journal.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Journal, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
	}
	return &Journal{client: client, config: config}, nil
}

type journalEntry struct {
	Type        string          `json:"type"`
	ProcessedAt time.Time       `json:"processed_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// RecordEventIfNew implements checkoutsync.Journal. SET NX is the atomicity
// point: exactly one concurrent caller for an event ID observes true.
func (j *Journal) RecordEventIfNew(ctx context.Context, event *checkoutsync.WebhookEventRecord) (bool, error) {
	if event == nil || event.ID == "" {
		return false, fmt.Errorf("invalid event record")
	}

	entry := journalEntry{Type: event.Type, ProcessedAt: event.ProcessedAt}
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now().UTC()
	}
	if json.Valid(event.Payload) {
		entry.Payload = event.Payload
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to encode journal entry: %w", err)
	}

	ok, err := j.client.SetNX(ctx, j.config.KeyPrefix+event.ID, data, j.config.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	return ok, nil
}
