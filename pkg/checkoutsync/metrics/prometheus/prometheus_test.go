package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusMetrics_NewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestPrometheusMetrics_RecordWebhookEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookEvent("payment_intent.succeeded", "success")
	metrics.RecordWebhookEvent("payment_intent.succeeded", "duplicate")
	metrics.RecordWebhookEvent("invoice.paid", "error")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var events *dto.MetricFamily
	for _, m := range families {
		if m.GetName() == "test_webhooks_events_total" {
			events = m
			break
		}
	}
	if events == nil {
		t.Fatal("Expected to find webhook events metric")
	}
	if len(events.Metric) != 3 {
		t.Errorf("Expected 3 time series, got %d", len(events.Metric))
	}
}

func TestPrometheusMetrics_RecordWebhookProcessingDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookProcessingDuration("invoice.paid", 50*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("Expected duration metrics to be recorded")
	}
}

func TestPrometheusMetrics_RecordWebhookError(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookError("auth_failed")
	metrics.RecordWebhookError("journal_error")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("Expected error metrics to be recorded")
	}
}

func TestPrometheusMetrics_RecordGiftFulfillment(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordGiftFulfillment("fulfilled")
	metrics.RecordGiftFulfillment("already_fulfilled")
	metrics.RecordGiftFulfillment("error")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var fulfillments *dto.MetricFamily
	for _, m := range families {
		if m.GetName() == "test_gifts_fulfillments_total" {
			fulfillments = m
			break
		}
	}
	if fulfillments == nil {
		t.Fatal("Expected to find fulfillment metric")
	}
	if len(fulfillments.Metric) != 3 {
		t.Errorf("Expected 3 time series, got %d", len(fulfillments.Metric))
	}
}

func TestPrometheusMetrics_RecordPromoCodeRevocation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordPromoCodeRevocation(1)
	metrics.RecordPromoCodeRevocation(2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("Expected revocation metrics to be recorded")
	}
}

func TestPrometheusMetrics_RecordPlanChange(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordPlanChange("free", "monthly")
	metrics.RecordPlanChange("monthly", "yearly")
	metrics.RecordPlanChange("yearly", "free")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var changes *dto.MetricFamily
	for _, m := range families {
		if m.GetName() == "test_subscriptions_plan_changes_total" {
			changes = m
			break
		}
	}
	if changes == nil {
		t.Fatal("Expected to find plan change metric")
	}
	if len(changes.Metric) != 3 {
		t.Errorf("Expected 3 time series, got %d", len(changes.Metric))
	}
}

func TestPrometheusMetrics_DefaultMetrics(t *testing.T) {
	metrics := DefaultMetrics("test_default")

	if metrics == nil {
		t.Fatal("DefaultMetrics returned nil")
	}

	// Verify it works against the default registerer
	metrics.RecordWebhookEvent("charge.refunded", "success")
	metrics.RecordGiftFulfillment("fulfilled")
}
