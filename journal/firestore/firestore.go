// Package firestore provides a Firestore implementation of the
// checkoutsync.Journal interface. Document creation with the exists=false
// precondition gives the required first-sighting atomicity.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/checkoutsync/pkg/checkoutsync"
)

const defaultCollection = "webhook_events"

// Config holds Firestore journal configuration.
type Config struct {
	// Collection is the Firestore collection for journal documents.
	// Defaults to "webhook_events".
	Collection string
}

// Journal implements checkoutsync.Journal using Firestore.
type Journal struct {
	client *firestore.Client
	config Config
}

// New creates a Firestore journal.
func New(client *firestore.Client, config Config) (*Journal, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.Collection == "" {
		config.Collection = defaultCollection
	}
	return &Journal{client: client, config: config}, nil
}

type journalDoc struct {
	Type        string    `firestore:"type"`
	ProcessedAt time.Time `firestore:"processed_at"`
	Payload     string    `firestore:"payload,omitempty"`
}

// RecordEventIfNew implements checkoutsync.Journal. Create fails with
// AlreadyExists when another delivery won, which maps to isNew=false.
func (j *Journal) RecordEventIfNew(ctx context.Context, event *checkoutsync.WebhookEventRecord) (bool, error) {
	if event == nil || event.ID == "" {
		return false, fmt.Errorf("invalid event record")
	}

	doc := journalDoc{Type: event.Type, ProcessedAt: event.ProcessedAt}
	if doc.ProcessedAt.IsZero() {
		doc.ProcessedAt = time.Now().UTC()
	}
	doc.Payload = string(event.Payload)

	_, err := j.client.Collection(j.config.Collection).Doc(event.ID).Create(ctx, doc)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return false, nil
		}
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	return true, nil
}
