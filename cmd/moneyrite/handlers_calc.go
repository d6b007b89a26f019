package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/Noxie-dev/jobrite.com/pkg/breaker"
	"github.com/Noxie-dev/jobrite.com/pkg/httpx"
	"github.com/Noxie-dev/jobrite.com/pkg/stream"
	"github.com/Noxie-dev/jobrite.com/pkg/taxcalc"

	"github.com/shopspring/decimal"
)

var maxPensionPercent = decimal.RequireFromString("27.5")

type netSalaryRequest struct {
	GrossMonthly   string `json:"gross_monthly"`
	AgeCategory    string `json:"age_category"`
	IncludeMedical bool   `json:"include_medical"`
	MedicalMembers int    `json:"medical_members"`
	PensionPercent string `json:"pension_percent"`
	HoursPerWeek   string `json:"hours_per_week"`
}

func (s *Server) handleNetSalary(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req netSalaryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.Metrics.IncCalculationReason("validation_failed")
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	gross, err := taxcalc.ParseAmount("gross_monthly", req.GrossMonthly)
	if err != nil {
		s.rejectValidation(w, err)
		return
	}
	pension := decimal.Zero
	if req.PensionPercent != "" {
		pension, err = taxcalc.ParsePercentage("pension_percentage", req.PensionPercent, maxPensionPercent)
		if err != nil {
			s.rejectValidation(w, err)
			return
		}
	}
	hours := decimal.Zero
	if req.HoursPerWeek != "" {
		hours, err = taxcalc.ParseAmount("hours_per_week", req.HoursPerWeek)
		if err != nil {
			s.rejectValidation(w, err)
			return
		}
	}

	in := taxcalc.NetSalaryInput{
		GrossMonthly:   gross,
		AgeCategory:    req.AgeCategory,
		IncludeMedical: req.IncludeMedical,
		MedicalMembers: req.MedicalMembers,
		PensionPercent: pension,
		HoursPerWeek:   hours,
	}

	uid := userID(r)
	var result *taxcalc.NetSalaryResult
	calcErr := s.runGuarded(r.Context(), uid, func(ctx context.Context) error {
		var err error
		result, err = s.Calc.NetSalary(ctx, in)
		return err
	})
	if calcErr != nil {
		s.writeCalcError(w, calcErr)
		return
	}

	s.Metrics.IncCalculation("net_salary")
	s.recordAccuracy(r.Context())
	s.runShadowComparison(r.Context(), uid, in.GrossMonthly.Mul(decimal.NewFromInt(12)))
	s.Events.Publish(stream.NewEvent(stream.EventCalculationDone, map[string]interface{}{
		"kind":          "net_salary",
		"rates_version": result.RatesVersion,
	}))
	httpx.WriteJSON(w, http.StatusOK, result)
}

type annualTaxRequest struct {
	AnnualIncome string `json:"annual_income"`
	AgeCategory  string `json:"age_category"`
	Breakdown    bool   `json:"breakdown"`
}

func (s *Server) handleAnnualTax(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req annualTaxRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.Metrics.IncCalculationReason("validation_failed")
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	income, err := taxcalc.ParseAmount("annual_income", req.AnnualIncome)
	if err != nil {
		s.rejectValidation(w, err)
		return
	}

	uid := userID(r)
	var payload interface{}
	var version string
	calcErr := s.runGuarded(r.Context(), uid, func(ctx context.Context) error {
		if req.Breakdown {
			breakdown, err := s.Calc.TaxBreakdown(ctx, income, req.AgeCategory)
			if err != nil {
				return err
			}
			payload, version = breakdown, breakdown.RatesVersion
			return nil
		}
		result, err := s.Calc.AnnualTax(ctx, income, req.AgeCategory)
		if err != nil {
			return err
		}
		payload, version = result, result.RatesVersion
		return nil
	})
	if calcErr != nil {
		s.writeCalcError(w, calcErr)
		return
	}

	s.Metrics.IncCalculation("annual_tax")
	s.recordAccuracy(r.Context())
	s.runShadowComparison(r.Context(), uid, income)
	s.Events.Publish(stream.NewEvent(stream.EventCalculationDone, map[string]interface{}{
		"kind":          "annual_tax",
		"rates_version": version,
	}))
	httpx.WriteJSON(w, http.StatusOK, payload)
}

type convertRequest struct {
	Amount       string `json:"amount"`
	FromPeriod   string `json:"from_period"`
	HoursPerWeek string `json:"hours_per_week"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req convertRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	amount, err := taxcalc.ParseAmount("amount", req.Amount)
	if err != nil {
		s.rejectValidation(w, err)
		return
	}
	period, err := taxcalc.ValidatePayPeriod(req.FromPeriod)
	if err != nil {
		s.rejectValidation(w, err)
		return
	}
	hours := decimal.Zero
	if req.HoursPerWeek != "" {
		hours, err = taxcalc.ParseAmount("hours_per_week", req.HoursPerWeek)
		if err != nil {
			s.rejectValidation(w, err)
			return
		}
	}
	monthly, err := taxcalc.ToMonthly(amount, period, hours)
	if err != nil {
		s.rejectValidation(w, err)
		return
	}
	out := map[string]interface{}{"monthly": monthly.Round(2)}
	for _, target := range []string{taxcalc.PeriodHourly, taxcalc.PeriodDaily, taxcalc.PeriodWeekly, taxcalc.PeriodAnnually} {
		v, err := taxcalc.FromMonthly(monthly, target, hours)
		if err != nil {
			log.Printf("conversion failed: %v", err)
			httpx.Error(w, http.StatusInternalServerError, "internal error")
			return
		}
		out[target] = v.Round(2)
	}
	s.Metrics.IncCalculation("convert")
	httpx.WriteJSON(w, http.StatusOK, out)
}

// runGuarded executes a calculation behind the tax-calculation breaker unless
// breakers are disabled by flag, and reports the outcome to the canary rollout
// when the caller is bucketed into the new engine.
func (s *Server) runGuarded(ctx context.Context, uid string, fn func(context.Context) error) error {
	canaried := s.Flags.IsEnabled(ctx, flagNewTaxEngine, uid)

	var err error
	if s.Flags.IsEnabled(ctx, flagCircuitBreakers, uid) {
		err = s.CalcBreaker.Do(ctx, fn)
	} else {
		err = fn(ctx)
	}

	if canaried {
		success := err == nil
		var vErr *taxcalc.ValidationError
		if errors.As(err, &vErr) {
			// Caller mistakes do not indict the engine.
			success = true
		}
		s.Flags.RecordCanaryResult(ctx, flagNewTaxEngine, success)
		s.Metrics.IncCanaryOutcome(flagNewTaxEngine, success)
	}
	return err
}

// recordAccuracy feeds the accuracy objective: every served calculation is
// checked against the sealed checksum of the configuration that produced it.
func (s *Server) recordAccuracy(ctx context.Context) {
	cfg := s.Engine.GetCurrentRates(ctx)
	start := time.Now()
	ok := cfg != nil && cfg.VerifyIntegrity()
	s.Metrics.ObserveIntegrityLatency(time.Since(start))
	s.SLO.RecordAccuracyCheck(ok)
}

// runShadowComparison recomputes the caller's tax on the previous rate
// version for a sampled population and counts divergences. Shadow results are
// observational only and never change the response.
func (s *Server) runShadowComparison(ctx context.Context, uid string, annualIncome decimal.Decimal) {
	if !s.Flags.ShouldRunShadow(ctx, flagShadowCompare, uid) {
		return
	}
	current := s.Engine.GetCurrentRates(ctx)
	if current == nil {
		return
	}
	versions, err := s.Engine.ListAvailableVersions(ctx)
	if err != nil || len(versions) < 2 {
		return
	}
	var previous string
	for _, v := range versions {
		if v != current.Version {
			previous = v
			break
		}
	}
	if previous == "" {
		return
	}
	prevCfg, err := s.Engine.LoadVersion(ctx, previous)
	if err != nil {
		return
	}
	for _, diff := range taxcalc.CompareConfigs(prevCfg, current, []decimal.Decimal{annualIncome}) {
		if diff.Delta != "0.00" {
			s.Metrics.IncShadowDiff()
		}
	}
}

func (s *Server) rejectValidation(w http.ResponseWriter, err error) {
	s.Metrics.IncCalculationReason("validation_failed")
	httpx.Error(w, http.StatusBadRequest, err.Error())
}

func (s *Server) writeCalcError(w http.ResponseWriter, err error) {
	var vErr *taxcalc.ValidationError
	switch {
	case errors.As(err, &vErr):
		s.rejectValidation(w, err)
	case errors.Is(err, breaker.ErrOpen):
		s.Metrics.IncCalculationReason("breaker_open")
		httpx.Error(w, http.StatusServiceUnavailable, "calculation temporarily unavailable")
	default:
		// Full context stays in the server log; callers only learn that
		// the calculation failed, never backend details.
		log.Printf("calculation failed: %v", err)
		s.Metrics.IncCalculationReason("internal_error")
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}
