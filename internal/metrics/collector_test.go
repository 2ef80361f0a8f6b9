package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounter(t *testing.T) {
	c := NewMetricsCollector()
	ctr := c.Counter("mri_test_total", "test counter", "")
	ctr.Inc()
	ctr.Add(4)
	if ctr.Value() != 5 {
		t.Errorf("counter = %d, want 5", ctr.Value())
	}
}

func TestCounter_SameNameSharesState(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("mri_shared_total", "shared", "").Inc()
	c.Counter("mri_shared_total", "shared", "").Inc()
	if got := c.Counter("mri_shared_total", "shared", "").Value(); got != 2 {
		t.Errorf("counter = %d, want 2", got)
	}
}

func TestGauge(t *testing.T) {
	c := NewMetricsCollector()
	g := c.Gauge("mri_test_gauge", "test gauge", "")
	g.Set(10)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 9 {
		t.Errorf("gauge = %d, want 9", g.Value())
	}
}

func TestHistogram(t *testing.T) {
	c := NewMetricsCollector()
	h := c.Histogram("mri_test_seconds", "test histogram", "", []float64{1, 5, 10})
	h.Observe(0.5)
	h.Observe(3)
	h.Observe(20)
	if h.count != 3 {
		t.Errorf("count = %d, want 3", h.count)
	}
	if h.buckets[0].count != 1 || h.buckets[1].count != 2 {
		t.Errorf("buckets = %+v", h.buckets)
	}
}

func TestHandler_PrometheusFormat(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("mri_requests_total", "Total requests", "").Add(7)
	c.Gauge("mri_sessions", "Live sessions", "").Set(2)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "# TYPE mri_requests_total counter") {
		t.Errorf("missing counter TYPE line:\n%s", body)
	}
	if !strings.Contains(body, "mri_requests_total 7") {
		t.Errorf("missing counter sample:\n%s", body)
	}
	if !strings.Contains(body, "mri_sessions 2") {
		t.Errorf("missing gauge sample:\n%s", body)
	}
	if !strings.Contains(body, "mri_uptime_seconds") {
		t.Errorf("missing uptime gauge:\n%s", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
}
