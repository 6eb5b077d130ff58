package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)
	return w.Body.String()
}

func TestMetrics_RecordRequest(t *testing.T) {
	m := New()

	m.RecordRequest("POST", "/auth/login", 200, 100*time.Millisecond)
	m.RecordRequest("POST", "/auth/login", 200, 150*time.Millisecond)
	m.RecordRequest("POST", "/auth/login", 401, 50*time.Millisecond)

	if got := testutil.ToFloat64(m.requestCount.WithLabelValues("/auth/login", "POST", "2xx")); got != 2 {
		t.Errorf("expected 2 successful requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.requestCount.WithLabelValues("/auth/login", "POST", "4xx")); got != 1 {
		t.Errorf("expected 1 client error, got %v", got)
	}

	body := scrape(t, m)
	if !strings.Contains(body, "crochetai_http_request_duration_seconds") {
		t.Error("expected crochetai_http_request_duration_seconds metric")
	}
}

func TestMetrics_RecordAuth(t *testing.T) {
	m := New()

	m.RecordAuth("login", "success")
	m.RecordAuth("login", "invalid_credentials")
	m.RecordAuth("login", "invalid_credentials")

	if got := testutil.ToFloat64(m.authOutcomes.WithLabelValues("login", "invalid_credentials")); got != 2 {
		t.Errorf("expected 2 invalid_credentials, got %v", got)
	}
}

func TestMetrics_AuditAndSweep(t *testing.T) {
	m := New()

	m.RecordAuditDropped()
	m.RecordAuditFailure()
	m.RecordSweep(12, nil)
	m.RecordSweep(0, errors.New("db down"))

	if got := testutil.ToFloat64(m.auditDropped); got != 1 {
		t.Errorf("expected 1 dropped entry, got %v", got)
	}
	if got := testutil.ToFloat64(m.sweptTokens); got != 12 {
		t.Errorf("expected 12 swept tokens, got %v", got)
	}
	if got := testutil.ToFloat64(m.sweepRuns.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 failed sweep, got %v", got)
	}

	body := scrape(t, m)
	if !strings.Contains(body, "crochetai_audit_dropped_total 1") {
		t.Errorf("expected crochetai_audit_dropped_total 1, got:\n%s", body)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/auth/login", "/auth/login"},
		{"/users/123", "/users/{id}"},
		{"/users/550e8400-e29b-41d4-a716-446655440000/sessions", "/users/{id}/sessions"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := normalizeEndpoint(tt.path); got != tt.expected {
				t.Errorf("normalizeEndpoint(%q) = %q, want %q", tt.path, got, tt.expected)
			}
		})
	}
}

func TestMetricsMiddleware(t *testing.T) {
	m := New()

	handler := MetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/auth/register", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", w.Code)
	}
	if got := testutil.ToFloat64(m.requestCount.WithLabelValues("/auth/register", "POST", "2xx")); got != 1 {
		t.Errorf("expected 1 recorded request, got %v", got)
	}
}
