package checkoutsync

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// signPayload produces a Stripe-Signature header value valid for the given
// body and secret.
func signPayload(body []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func postWebhook(t *testing.T, svc *Service, body []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	if sig != "" {
		req.Header.Set("Stripe-Signature", sig)
	}
	rec := httptest.NewRecorder()
	svc.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func webhookBody(t *testing.T, eventID, eventType string, object map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":     eventID,
		"object": "event",
		"type":   eventType,
		"data":   map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("Failed to marshal event body: %v", err)
	}
	return body
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestWebhookProcessesEvent(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store, nil, nil)
	seedGiftOrder(t, store, &GiftOrder{ID: "go_1", Status: GiftOrderPaid})

	body := webhookBody(t, "evt_1", "payment_intent.succeeded", map[string]any{
		"id":       "pi_1",
		"metadata": map[string]string{"type": "gift", "orderId": "go_1"},
	})
	rec := postWebhook(t, svc, body, signPayload(body, testWebhookSecret))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if resp["ok"] != true {
		t.Errorf("Expected ok response, got %v", resp)
	}
	if _, present := resp["duplicate"]; present {
		t.Errorf("Expected no duplicate flag on first delivery, got %v", resp)
	}
	if store.order(t, "go_1").Status != GiftOrderFulfilled {
		t.Error("Expected side effects applied")
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	store := newFakeStore()
	mailer := &fakeMailer{}
	svc := newTestService(t, store, mailer, nil)
	seedGiftOrder(t, store, &GiftOrder{ID: "go_1", Status: GiftOrderPaid, RecipientEmail: "ben@example.com"})

	body := webhookBody(t, "evt_1", "payment_intent.succeeded", map[string]any{
		"id":       "pi_1",
		"metadata": map[string]string{"type": "gift", "orderId": "go_1"},
	})

	first := postWebhook(t, svc, body, signPayload(body, testWebhookSecret))
	if first.Code != http.StatusOK {
		t.Fatalf("Expected 200 on first delivery, got %d", first.Code)
	}

	second := postWebhook(t, svc, body, signPayload(body, testWebhookSecret))
	if second.Code != http.StatusOK {
		t.Fatalf("Expected 200 on redelivery, got %d", second.Code)
	}
	resp := decodeResponse(t, second)
	if resp["ok"] != true || resp["duplicate"] != true {
		t.Errorf("Expected duplicate acknowledgement, got %v", resp)
	}
	if mailer.calls != 1 {
		t.Errorf("Expected side effects exactly once, got %d sends", mailer.calls)
	}
}

func TestWebhookBadSignature(t *testing.T) {
	svc := newTestService(t, nil, nil, nil)

	body := webhookBody(t, "evt_1", "payment_intent.succeeded", map[string]any{"id": "pi_1"})
	rec := postWebhook(t, svc, body, signPayload(body, "whsec_wrong_secret"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp["error"] != ErrSignatureInvalid.Error() {
		t.Errorf("Expected signature error, got %v", resp)
	}
}

func TestWebhookMissingSignature(t *testing.T) {
	svc := newTestService(t, nil, nil, nil)

	body := webhookBody(t, "evt_1", "payment_intent.succeeded", map[string]any{"id": "pi_1"})
	rec := postWebhook(t, svc, body, "")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without signature, got %d", rec.Code)
	}
}

func TestWebhookTamperedBody(t *testing.T) {
	svc := newTestService(t, nil, nil, nil)

	body := webhookBody(t, "evt_1", "payment_intent.succeeded", map[string]any{"id": "pi_1"})
	sig := signPayload(body, testWebhookSecret)
	tampered := bytes.Replace(body, []byte("pi_1"), []byte("pi_2"), 1)

	rec := postWebhook(t, svc, tampered, sig)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for tampered body, got %d", rec.Code)
	}
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	svc := newTestService(t, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil)
	rec := httptest.NewRecorder()
	svc.WebhookHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestWebhookNoSecretConfigured(t *testing.T) {
	svc, err := New(Config{
		Storage:       newFakeStore(),
		Mailer:        &fakeMailer{},
		Subscriptions: &fakeFetcher{},
	})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}

	body := webhookBody(t, "evt_1", "payment_intent.succeeded", map[string]any{"id": "pi_1"})
	rec := postWebhook(t, svc, body, signPayload(body, testWebhookSecret))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without configured secret, got %d", rec.Code)
	}
}

func TestWebhookPayloadTooLarge(t *testing.T) {
	svc := newTestService(t, nil, nil, nil)

	body := []byte(strings.Repeat("a", webhookBodyLimit+1))
	rec := postWebhook(t, svc, body, signPayload(body, testWebhookSecret))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", rec.Code)
	}
}

func TestWebhookProcessingFailureReturns400(t *testing.T) {
	// A processing error must surface as 400 so the processor redelivers.
	fetcher := &fakeFetcher{err: fmt.Errorf("stripe down")}
	svc := newTestService(t, nil, nil, fetcher)

	body := webhookBody(t, "evt_1", "invoice.paid", map[string]any{
		"id":           "in_1",
		"subscription": "sub_1",
	})
	rec := postWebhook(t, svc, body, signPayload(body, testWebhookSecret))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp["error"] != "failed to process event" {
		t.Errorf("Expected processing error body, got %v", resp)
	}
}

func TestWebhookJournalsVerifiedPayload(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store, nil, nil)

	body := webhookBody(t, "evt_1", "customer.created", map[string]any{"id": "cus_1"})
	rec := postWebhook(t, svc, body, signPayload(body, testWebhookSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	record := store.events["evt_1"]
	if record == nil {
		t.Fatal("Expected event journaled")
	}
	if record.Type != "customer.created" {
		t.Errorf("Expected journaled type customer.created, got %s", record.Type)
	}
	if !bytes.Equal(record.Payload, body) {
		t.Error("Expected raw body journaled for audit")
	}
}
