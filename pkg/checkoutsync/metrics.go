package checkoutsync

import "time"

// Metrics defines the interface for tracking webhook processing operations.
// All methods are optional - the service gracefully handles nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a processed webhook event.
	// status: "success", "duplicate" or "error"
	RecordWebhookEvent(eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: The type of error (e.g., "auth_failed", "invalid_payload", "processing_error")
	RecordWebhookError(errorType string)

	// RecordGiftFulfillment records a gift order fulfillment attempt.
	// status: "fulfilled", "already_fulfilled", "repaired" or "error"
	RecordGiftFulfillment(status string)

	// RecordPromoCodeRevocation records the number of promo codes revoked by
	// one refund event.
	RecordPromoCodeRevocation(count int)

	// RecordPlanChange records when a user's resolved plan changes.
	RecordPlanChange(fromPlan, toPlan string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordGiftFulfillment(_ string)                            {}
func (n *NoopMetrics) RecordPromoCodeRevocation(_ int)                           {}
func (n *NoopMetrics) RecordPlanChange(_, _ string)                              {}
