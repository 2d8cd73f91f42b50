package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.SessionEvent("up")
	m.SessionEvent("up")
	m.SessionEvent("message")
	m.MessageReceived()
	m.Delivery(OutcomeDelivered, 0.01)
	m.Delivery(OutcomeFailed, 0.02)
	m.Delivery(OutcomeFailed, 0.03)
	m.QueueDepth(7)
	m.QueueDropped("overflow")

	if got := testutil.ToFloat64(m.sessionEvents.WithLabelValues("up")); got != 2 {
		t.Errorf("expected 2 up events, got %v", got)
	}
	if got := testutil.ToFloat64(m.messagesReceived); got != 1 {
		t.Errorf("expected 1 message, got %v", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues(OutcomeFailed)); got != 2 {
		t.Errorf("expected 2 failed deliveries, got %v", got)
	}
	if got := testutil.ToFloat64(m.queueDepth); got != 7 {
		t.Errorf("expected queue depth 7, got %v", got)
	}
	if got := testutil.ToFloat64(m.queueDropped.WithLabelValues("overflow")); got != 1 {
		t.Errorf("expected 1 drop, got %v", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	m.SessionEvent("up")
	m.MessageReceived()
	m.Delivery(OutcomeDelivered, 1)
	m.QueueDepth(1)
	m.QueueDropped("overflow")

	if m.Registry() != nil {
		t.Error("expected nil registry for nil metrics")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 from nil metrics handler, got %d", rec.Code)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Delivery(OutcomeDelivered, 0.5)

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `topic_relay_deliveries_total{outcome="delivered"} 1`) {
		t.Errorf("expected delivered counter in exposition, got:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("expected go collector output")
	}
}
