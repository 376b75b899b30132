package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRegistersAllMetrics(t *testing.T) {
	m := New()

	m.RequestsTotal.WithLabelValues("/v1/invoke", "200").Inc()
	m.RequestDuration.WithLabelValues("/v1/invoke").Observe(0.05)
	m.GuardrailActions.WithLabelValues("r1", "block").Inc()
	m.ProviderLatency.Observe(1.2)
	m.ProviderErrors.WithLabelValues("timeout").Inc()
	m.TokensIssued.Inc()
	m.RateLimitRejected.WithLabelValues("rpm").Inc()
}

func TestNewInstancesAreIndependentRegistries(t *testing.T) {
	// Each New() registers against its own private registry, so a test
	// binary can construct as many instances as it needs without a
	// "duplicate metrics collector registration attempted" panic.
	a := New()
	b := New()

	a.TokensIssued.Inc()
	a.TokensIssued.Inc()
	b.TokensIssued.Inc()

	if got := testCounterValue(t, a.Handler(), "bradax_broker_tokens_issued_total"); got != 2 {
		t.Fatalf("expected instance a to report 2 tokens issued, got %v", got)
	}
	if got := testCounterValue(t, b.Handler(), "bradax_broker_tokens_issued_total"); got != 1 {
		t.Fatalf("expected instance b to report 1 token issued, got %v", got)
	}
}

func TestHandlerServesOnlyThisInstanceCollectors(t *testing.T) {
	m := New()
	m.RequestsTotal.WithLabelValues("/health", "200").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics handler, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bradax_broker_requests_total") {
		t.Fatalf("expected requests_total to be exposed, got body: %s", rec.Body.String())
	}
}

func testCounterValue(t *testing.T, handler http.Handler, metricName string) float64 {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	handler.ServeHTTP(rec, req)

	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, metricName+" ") {
			var value float64
			fields := strings.Fields(line)
			if len(fields) != 2 {
				t.Fatalf("unexpected metric line shape: %q", line)
			}
			if _, err := fmt.Sscan(fields[1], &value); err != nil {
				t.Fatalf("parse metric value from %q: %v", line, err)
			}
			return value
		}
	}
	t.Fatalf("metric %s not found in output:\n%s", metricName, rec.Body.String())
	return 0
}
