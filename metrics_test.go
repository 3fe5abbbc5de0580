package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsServeExposesAllSeries(t *testing.T) {
	m := newMetrics()
	m.recordRequest(200, "POST", 42*time.Millisecond)
	m.recordUpstreamError("transient")
	m.incFailover()
	m.recordTokenRefresh("success")
	m.incQuotaExhaustion()
	m.setAccountStatus("acct-1", StatusAvailable)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.serve(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		"oauth_gateway_requests_total",
		"oauth_gateway_request_duration_seconds_bucket",
		"oauth_gateway_upstream_errors_total",
		"oauth_gateway_pool_failovers_total",
		"oauth_gateway_token_refreshes_total",
		"oauth_gateway_quota_exhaustions_total",
		"oauth_gateway_account_status",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected exposition to contain %q, got:\n%s", want, body)
		}
	}
}

func TestHistogramObserveBucketsCumulative(t *testing.T) {
	h := newHistogram()
	h.observe(0.02)
	h.observe(4.0)

	// 0.02s falls at or below every bucket boundary from 0.025 up.
	idx025 := -1
	for i, b := range histogramBuckets {
		if b == 0.025 {
			idx025 = i
		}
	}
	if idx025 < 0 {
		t.Fatalf("expected 0.025 in histogramBuckets")
	}
	if h.counts[idx025] != 1 {
		t.Fatalf("expected one observation <= 0.025, got %d", h.counts[idx025])
	}
	if h.inf != 2 {
		t.Fatalf("expected both observations counted in +Inf, got %d", h.inf)
	}
	if h.sum != 4.02 {
		t.Fatalf("got sum %v", h.sum)
	}
}

func TestMetricsRecordRequestAggregatesByStatusAndMethod(t *testing.T) {
	m := newMetrics()
	m.recordRequest(200, "POST", time.Millisecond)
	m.recordRequest(200, "POST", time.Millisecond)
	m.recordRequest(429, "POST", time.Millisecond)

	if got := m.requestTotal[[2]string{"200", "POST"}]; got != 2 {
		t.Fatalf("got %d", got)
	}
	if got := m.requestTotal[[2]string{"429", "POST"}]; got != 1 {
		t.Fatalf("got %d", got)
	}
}
