package checkoutsync

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/checkoutsync/pkg/checkoutsync/internal"
)

type webhookResponse struct {
	OK        bool `json:"ok"`
	Duplicate bool `json:"duplicate,omitempty"`
}

type webhookError struct {
	Error string `json:"error"`
}

// WebhookHandler returns the HTTP handler for the processor's webhook
// endpoint. Response contract:
//
//	200 {"ok":true}                   processed (or nothing to do)
//	200 {"ok":true,"duplicate":true}  event ID already journaled
//	400 {"error":...}                 bad signature or processing failure;
//	                                  the processor will redeliver
func (s *Service) WebhookHandler() http.Handler {
	return http.HandlerFunc(s.handleWebhook)
}

func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(s.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, webhookBodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			s.metrics.RecordWebhookError("payload_too_large")
		} else {
			_ = internal.WriteJSON(w, http.StatusBadRequest, webhookError{Error: "invalid payload"})
			s.metrics.RecordWebhookError("invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	// Signature verification over the raw bytes is the authentication
	// mechanism for this endpoint. The account may pin an older API version
	// than the SDK; the handlers parse payloads defensively, so a version
	// mismatch is not a rejection.
	event, err := webhook.ConstructEventWithOptions(body, sig, string(s.webhookSecret),
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		_ = internal.WriteJSON(w, http.StatusBadRequest, webhookError{Error: ErrSignatureInvalid.Error()})
		s.metrics.RecordWebhookError("auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	isNew, err := s.journal.RecordEventIfNew(r.Context(), &WebhookEventRecord{
		ID:          event.ID,
		Type:        eventType,
		Payload:     auditPayload(body, &event),
		ProcessedAt: s.now().UTC(),
	})
	if err != nil {
		_ = internal.WriteJSON(w, http.StatusBadRequest, webhookError{Error: "failed to record event"})
		s.metrics.RecordWebhookError("journal_error")
		return
	}
	if !isNew {
		// Duplicate delivery: acknowledge without re-executing side effects.
		_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{OK: true, Duplicate: true})
		s.metrics.RecordWebhookEvent(eventType, "duplicate")
		return
	}

	if err := s.HandleEvent(r.Context(), &event); err != nil {
		s.logger.Error("webhook processing failed",
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "event_type", Value: eventType},
			Field{Key: "error", Value: err.Error()},
		)
		_ = internal.WriteJSON(w, http.StatusBadRequest, webhookError{Error: "failed to process event"})
		s.metrics.RecordWebhookEvent(eventType, "error")
		s.metrics.RecordWebhookError("processing_error")
		s.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{OK: true})
	s.metrics.RecordWebhookEvent(eventType, "success")
	s.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
}

// auditPayload picks the journal's payload snapshot: the raw body when it is
// structured, otherwise the already-verified envelope. A body-vs-envelope
// parse mismatch never rejects the event; the secondary parse only feeds
// audit storage.
func auditPayload(body []byte, event *stripe.Event) []byte {
	if json.Valid(body) {
		return body
	}
	if data, err := json.Marshal(event); err == nil {
		return data
	}
	return body
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
