package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesRegisteredCounters(t *testing.T) {
	m := New()
	m.RequestsTotal.WithLabelValues("success").Add(3)
	m.ItemsScraped.Add(5)
	m.ActiveWorkers.Set(4)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`crawlkit_requests_total{outcome="success"} 3`,
		"crawlkit_items_scraped_total 5",
		"crawlkit_active_workers 4",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}
