package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/calculations/net-salary", 200, 15*time.Millisecond)
	r.Observe("POST /v1/calculations/net-salary", 503, 35*time.Millisecond)
	r.IncCalculation("net_salary")
	r.IncCalculation("net_salary")
	r.IncCalculationReason("validation_failed")
	r.SetGauge("slo_availability_burn", 0.25)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["POST /v1/calculations/net-salary"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.Calculations["net_salary"] != 2 {
		t.Fatalf("expected net_salary=2 got=%d", snap.Calculations["net_salary"])
	}
	if snap.CalculationReasons["validation_failed"] != 1 {
		t.Fatalf("expected validation_failed=1 got=%d", snap.CalculationReasons["validation_failed"])
	}
	if snap.Gauges["slo_availability_burn"] != 0.25 {
		t.Fatalf("expected gauge slo_availability_burn=0.25 got=%v", snap.Gauges["slo_availability_burn"])
	}
}

func TestFlagAndBreakerCounters(t *testing.T) {
	r := NewRegistry()
	r.IncFlagDecision("new_tax_engine", true)
	r.IncFlagDecision("new_tax_engine", true)
	r.IncFlagDecision("new_tax_engine", false)
	r.IncBreakerTransition("tax_calculation", "closed", "open")
	r.IncBreakerTransition("tax_calculation", "open", "half_open")
	r.IncCanaryOutcome("new_tax_engine", true)
	r.IncCanaryOutcome("new_tax_engine", false)
	r.IncRateLimited()
	r.IncShadowDiff()

	snap := r.Snapshot()
	if snap.FlagDecisions["new_tax_engine|on"] != 2 {
		t.Fatalf("flag on count = %d", snap.FlagDecisions["new_tax_engine|on"])
	}
	if snap.FlagDecisions["new_tax_engine|off"] != 1 {
		t.Fatalf("flag off count = %d", snap.FlagDecisions["new_tax_engine|off"])
	}
	if snap.BreakerTransitions["tax_calculation|closed|open"] != 1 {
		t.Fatalf("transition count = %d", snap.BreakerTransitions["tax_calculation|closed|open"])
	}
	if snap.CanaryOutcomes["new_tax_engine|success"] != 1 || snap.CanaryOutcomes["new_tax_engine|failure"] != 1 {
		t.Fatalf("canary outcomes = %#v", snap.CanaryOutcomes)
	}
	if snap.RateLimitedRequests != 1 {
		t.Fatalf("rate limited = %d", snap.RateLimitedRequests)
	}
	if snap.ShadowComparisonDiffs != 1 {
		t.Fatalf("shadow diffs = %d", snap.ShadowComparisonDiffs)
	}
}

func TestIntegrityLatencyStat(t *testing.T) {
	r := NewRegistry()
	r.ObserveIntegrityLatency(5 * time.Millisecond)
	r.ObserveIntegrityLatency(15 * time.Millisecond)

	snap := r.Snapshot()
	stat := snap.RateIntegrityLatencyMS
	if stat.Count != 2 {
		t.Fatalf("count = %d", stat.Count)
	}
	if stat.MaxMS != 15 {
		t.Fatalf("max = %d", stat.MaxMS)
	}
	if stat.LastMS != 15 {
		t.Fatalf("last = %d", stat.LastMS)
	}
	if stat.AvgMS != 10 {
		t.Fatalf("avg = %f", stat.AvgMS)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/calculations/annual-tax", 200, 12*time.Millisecond)
	r.Observe("POST /v1/calculations/annual-tax", 500, 20*time.Millisecond)
	r.IncCalculation("annual_tax")
	r.IncFlagDecision("circuit_breakers", true)
	r.IncBreakerTransition("rate_update", "closed", "open")
	r.SetGauge("slo_latency_burn", 0.5)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "moneyrite_endpoint_count") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, "moneyrite_calculation_total{kind=\"annual_tax\"} 1") {
		t.Fatalf("missing calculation metric: %s", body)
	}
	if !strings.Contains(body, "moneyrite_flag_decision_total{flag=\"circuit_breakers\",outcome=\"on\"} 1") {
		t.Fatalf("missing flag metric: %s", body)
	}
	if !strings.Contains(body, "moneyrite_breaker_transition_total{breaker=\"rate_update\",from=\"closed\",to=\"open\"} 1") {
		t.Fatalf("missing breaker metric: %s", body)
	}
	if !strings.Contains(body, "moneyrite_gauge{name=\"slo_latency_burn\"} 0.500") {
		t.Fatalf("missing gauge metric: %s", body)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncCalculation("")
	r.IncCalculationReason("")
	r.IncFlagDecision("", true)
	r.IncBreakerTransition("", "closed", "open")
	r.SetGauge("", 5)
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\"") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}

func TestRegistryObserveLatency(t *testing.T) {
	r := NewRegistry()
	r.ObserveLatency("POST /v1/calculations/net-salary", 10*time.Millisecond)
	r.ObserveLatency("POST /v1/calculations/net-salary", 20*time.Millisecond)

	snap := r.Snapshot()
	if len(snap.Histograms) != 1 {
		t.Fatalf("expected 1 histogram, got %d", len(snap.Histograms))
	}
	if snap.Histograms[0].Count != 2 {
		t.Fatalf("histogram count = %d, want 2", snap.Histograms[0].Count)
	}
}
