package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                           "/",
		"/metrics":                   "/metrics",
		"/api/users/42":              "/api/users/:id",
		"/api/users/42/activate":     "/api/users/:id/activate",
		"/api/sessions/user/7":       "/api/sessions/user/:id",
		"/api/roles/name/clinician":  "/api/roles/name/:name",
		"/api/logs?user_id=3&page=2": "/api/logs",
		"/api/auth/login":            "/api/auth/login",
		"/api/users/abc":             "/api/users/abc",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentCountsByCanonicalPath(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := metricValue(t, httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/users/:id", "418"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users/99", nil))

	after := metricValue(t, httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/users/:id", "418"))
	if after-before != 1 {
		t.Fatalf("expected counter to grow by 1, got %v", after-before)
	}
	if got := metricValue(t, httpInFlight); got != 0 {
		t.Fatalf("in-flight gauge should settle at 0, got %v", got)
	}
}

func TestRecordLogin(t *testing.T) {
	before := metricValue(t, loginOutcomes.WithLabelValues("locked"))
	RecordLogin("locked")
	if got := metricValue(t, loginOutcomes.WithLabelValues("locked")); got-before != 1 {
		t.Fatalf("expected locked outcome to grow by 1, got %v", got-before)
	}
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("read metric: %v", err)
	}
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}
