package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Noxie-dev/jobrite.com/pkg/breaker"
	"github.com/Noxie-dev/jobrite.com/pkg/bus"
	"github.com/Noxie-dev/jobrite.com/pkg/flags"
	"github.com/Noxie-dev/jobrite.com/pkg/metrics"
	"github.com/Noxie-dev/jobrite.com/pkg/ratelimit"
	"github.com/Noxie-dev/jobrite.com/pkg/rates"
	"github.com/Noxie-dev/jobrite.com/pkg/slo"
	"github.com/Noxie-dev/jobrite.com/pkg/store"
	"github.com/Noxie-dev/jobrite.com/pkg/stream"
	"github.com/Noxie-dev/jobrite.com/pkg/taxcalc"

	"github.com/shopspring/decimal"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	cache := store.NewMemoryCache()
	fs, err := rates.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	engine := rates.NewEngine(fs, cache)
	events := stream.NewHub()
	reg := metrics.NewRegistry()

	updater := &rates.Updater{
		Engine:        engine,
		Events:        events,
		Bus:           bus.NoopPublisher{},
		ShadowCompare: taxcalc.CompareConfigs,
	}
	flagMgr := flags.NewManager(ctx, cache)
	flagMgr.OnDecision = reg.IncFlagDecision

	cfg := breaker.Settings{FailureThreshold: 3, RecoveryTimeout: time.Minute, SuccessThreshold: 2}
	s := &Server{
		Cache:              cache,
		Engine:             engine,
		Updater:            updater,
		Calc:               taxcalc.New(engine),
		Flags:              flagMgr,
		SLO:                slo.NewMonitor(),
		CalcBreaker:        breaker.New(calcBreakerName, cache, cfg),
		UpdateBreaker:      breaker.New(updateBreakerName, cache, cfg),
		RateLimiter:        ratelimit.NewInMemory(time.Minute),
		RateLimitEnabled:   true,
		RateLimitPerMinute: 100,
		RateLimitWindow:    time.Minute,
		Metrics:            reg,
		Events:             events,
		Bus:                bus.NoopPublisher{},
		HTTPClient:         http.DefaultClient,
	}
	return s
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.([]byte); ok {
			buf.Write(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()

	rr := doJSON(t, h, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodGet, "/readyz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz = %d: %s", rr.Code, rr.Body.String())
	}
	var ready map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &ready); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ready["rates_version"] == "" {
		t.Fatal("expected rates_version in readiness payload")
	}
}

func TestNetSalaryEndpoint(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()

	rr := doJSON(t, h, http.MethodPost, "/v1/calculations/net-salary", netSalaryRequest{
		GrossMonthly: "R30 000",
		AgeCategory:  "under_65",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var result taxcalc.NetSalaryResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.IncomeTax.Equal(decimal.RequireFromString("4783.08")) {
		t.Fatalf("income tax = %s", result.IncomeTax)
	}
	if !result.UIF.Equal(decimal.RequireFromString("177.12")) {
		t.Fatalf("uif = %s", result.UIF)
	}
	if !result.NetMonthly.Equal(decimal.RequireFromString("25039.80")) {
		t.Fatalf("net = %s", result.NetMonthly)
	}

	snap := s.Metrics.Snapshot()
	if snap.Calculations["net_salary"] != 1 {
		t.Fatalf("calculation counter = %d", snap.Calculations["net_salary"])
	}
}

func TestNetSalaryValidationError(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()

	rr := doJSON(t, h, http.MethodPost, "/v1/calculations/net-salary", netSalaryRequest{
		GrossMonthly: "-100",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	snap := s.Metrics.Snapshot()
	if snap.CalculationReasons["validation_failed"] != 1 {
		t.Fatalf("validation counter = %d", snap.CalculationReasons["validation_failed"])
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/calculations/net-salary", []byte("{not json"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad json status = %d", rr.Code)
	}
}

func TestAnnualTaxEndpoint(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()

	rr := doJSON(t, h, http.MethodPost, "/v1/calculations/annual-tax", annualTaxRequest{
		AnnualIncome: "300000",
		AgeCategory:  "under_65",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var result taxcalc.AnnualTaxResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.AnnualTax.Equal(decimal.RequireFromString("41797")) {
		t.Fatalf("annual tax = %s", result.AnnualTax)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/calculations/annual-tax", annualTaxRequest{
		AnnualIncome: "400000",
		Breakdown:    true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("breakdown status = %d", rr.Code)
	}
	var breakdown taxcalc.Breakdown
	if err := json.Unmarshal(rr.Body.Bytes(), &breakdown); err != nil {
		t.Fatalf("decode breakdown: %v", err)
	}
	if len(breakdown.Lines) != 3 {
		t.Fatalf("bracket lines = %d", len(breakdown.Lines))
	}
	if !breakdown.FinalTax.Equal(decimal.RequireFromString("69272")) {
		t.Fatalf("final tax = %s", breakdown.FinalTax)
	}
}

func TestConvertEndpoint(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()

	rr := doJSON(t, h, http.MethodPost, "/v1/calculations/convert", convertRequest{
		Amount:     "1200",
		FromPeriod: "weekly",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var out map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["monthly"] != "5200" {
		t.Fatalf("monthly = %q", out["monthly"])
	}
	if out["annually"] != "62400" {
		t.Fatalf("annually = %q", out["annually"])
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/calculations/convert", convertRequest{
		Amount:     "100",
		FromPeriod: "fortnightly",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad period status = %d", rr.Code)
	}
}

func TestRateLimitRejects(t *testing.T) {
	s := newTestServer(t)
	s.RateLimitPerMinute = 2
	h := s.routes()

	body := annualTaxRequest{AnnualIncome: "100000"}
	for i := 0; i < 2; i++ {
		if rr := doJSON(t, h, http.MethodPost, "/v1/calculations/annual-tax", body); rr.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rr.Code)
		}
	}
	rr := doJSON(t, h, http.MethodPost, "/v1/calculations/annual-tax", body)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	snap := s.Metrics.Snapshot()
	if snap.RateLimitedRequests != 1 {
		t.Fatalf("rate limited counter = %d", snap.RateLimitedRequests)
	}
}

func TestCalculationBreakerOpenReturns503(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()

	failing := func(context.Context) error { return context.DeadlineExceeded }
	for i := 0; i < 3; i++ {
		_ = s.CalcBreaker.Do(context.Background(), failing)
	}

	rr := doJSON(t, h, http.MethodPost, "/v1/calculations/annual-tax", annualTaxRequest{AnnualIncome: "100000"})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	snap := s.Metrics.Snapshot()
	if snap.CalculationReasons["breaker_open"] != 1 {
		t.Fatalf("breaker_open counter = %d", snap.CalculationReasons["breaker_open"])
	}
}

func TestSLOEndpointAndCheck(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()

	rr := doJSON(t, h, http.MethodGet, "/v1/slo", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var out struct {
		Objectives []slo.Report `json:"objectives"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Objectives) != 3 {
		t.Fatalf("objectives = %d", len(out.Objectives))
	}

	s.checkSLOs(context.Background())
	snap := s.Metrics.Snapshot()
	if _, ok := snap.Gauges["slo_availability_burn"]; !ok {
		t.Fatal("expected availability burn gauge")
	}
}

func TestCalculationsFeedSLO(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()

	doJSON(t, h, http.MethodPost, "/v1/calculations/annual-tax", annualTaxRequest{AnnualIncome: "100000"})
	reports := s.SLO.Check()
	for _, r := range reports {
		if r.Name == slo.Availability && r.Current != 1 {
			t.Fatalf("availability = %f", r.Current)
		}
	}
}

func TestCalculationsRecordIntegrityLatency(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()

	rr := doJSON(t, h, http.MethodPost, "/v1/calculations/annual-tax", annualTaxRequest{AnnualIncome: "100000"})
	if rr.Code != http.StatusOK {
		t.Fatalf("annual-tax = %d: %s", rr.Code, rr.Body.String())
	}
	snap := s.Metrics.Snapshot()
	if snap.RateIntegrityLatencyMS.Count == 0 {
		t.Fatal("expected integrity verification latency to be recorded")
	}
}

func TestAdminTokenRequired(t *testing.T) {
	s := newTestServer(t)
	s.AdminToken = "secret"
	h := s.routes()

	rr := doJSON(t, h, http.MethodPost, "/v1/rates/rollback", rollbackRequest{Version: "x"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/rates/rollback", bytes.NewBufferString(`{"version":"missing"}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("authed status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdminTokenRejectsMalformedAuthorization(t *testing.T) {
	s := newTestServer(t)
	s.AdminToken = "secret"
	h := s.routes()

	for _, header := range []string{"Bearersecret", "secret", "Basic secret", "bearer secret"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/rates/rollback", bytes.NewBufferString(`{"version":"x"}`))
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: status = %d, want 401", header, rec.Code)
		}
	}
}

func TestInternalCalcErrorIsSanitized(t *testing.T) {
	s := newTestServer(t)

	var logged bytes.Buffer
	log.SetOutput(&logged)
	defer log.SetOutput(os.Stderr)

	rr := httptest.NewRecorder()
	s.writeCalcError(rr, errors.New("dial tcp 10.0.0.5:5432: connection refused"))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "10.0.0.5") {
		t.Fatalf("response leaked backend details: %s", rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "internal error") {
		t.Fatalf("expected generic message, got %s", rr.Body.String())
	}
	if !strings.Contains(logged.String(), "connection refused") {
		t.Fatalf("expected full error in server log, got %q", logged.String())
	}
}
