package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustNewReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNew(reg)
	second := MustNew(reg)

	first.ObserveEscrowTransition("release_approved", "applied")
	second.ObserveEscrowTransition("release_approved", "applied")

	got := testutil.ToFloat64(first.escrowTransitions.WithLabelValues("release_approved", "applied"))
	if got != 2 {
		t.Fatalf("expected shared counter value 2, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveAgentRun("intake", true, time.Second)
	m.SessionStarted()
	m.SessionFinished("completed")
	m.ObserveAnomaly("abnormal_velocity", "high")
	m.ObserveBadge("gold")

	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	if m.Instrument("x", h) == nil {
		t.Fatalf("nil metrics should return the handler unchanged")
	}
}

func TestInstrumentRecordsStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNew(reg)
	h := m.Instrument("escrow", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/escrows/e-1/release", nil))

	got := testutil.ToFloat64(m.httpRequests.WithLabelValues("escrow", http.MethodPost, "409"))
	if got != 1 {
		t.Fatalf("expected one 409 request, got %v", got)
	}
}
