package taxcalc

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Noxie-dev/jobrite.com/pkg/rates"
)

// Supported pay periods.
const (
	PeriodHourly   = "hourly"
	PeriodDaily    = "daily"
	PeriodWeekly   = "weekly"
	PeriodMonthly  = "monthly"
	PeriodAnnually = "annually"
)

var (
	monthsPerYear = decimal.NewFromInt(12)
	weeksPerYear  = decimal.NewFromInt(52)
	daysPerWeek   = decimal.NewFromInt(5)

	defaultHoursPerWeek = decimal.NewFromInt(40)
)

// RatesProvider supplies the current rate configuration. The engine's
// implementation never fails; a static provider serves tests.
type RatesProvider interface {
	GetCurrentRates(ctx context.Context) *rates.Config
}

// StaticRates is a RatesProvider pinned to one configuration.
type StaticRates struct{ Config *rates.Config }

func (s StaticRates) GetCurrentRates(context.Context) *rates.Config { return s.Config }

// Tracer is the calculator's observability capability. The zero value of the
// calculator traces nothing.
type Tracer interface {
	Span(ctx context.Context, name string, attrs map[string]string) (context.Context, func())
}

type nopTracer struct{}

func (nopTracer) Span(ctx context.Context, _ string, _ map[string]string) (context.Context, func()) {
	return ctx, func() {}
}

// Calculator computes SARS personal income tax, UIF and medical credits from
// an explicitly injected rate configuration. All intermediate arithmetic is
// exact decimal; rounding to cents happens only in presentation results.
type Calculator struct {
	Rates  RatesProvider
	Tracer Tracer
}

func New(provider RatesProvider) *Calculator {
	return &Calculator{Rates: provider}
}

func (c *Calculator) tracer() Tracer {
	if c.Tracer != nil {
		return c.Tracer
	}
	return nopTracer{}
}

func (c *Calculator) config(ctx context.Context) *rates.Config {
	if c.Rates != nil {
		if cfg := c.Rates.GetCurrentRates(ctx); cfg != nil {
			return cfg
		}
	}
	return rates.Default2025()
}

// AnnualTaxResult is the full-precision annual tax computation. Rates are
// percentages.
type AnnualTaxResult struct {
	AnnualIncome     decimal.Decimal `json:"annual_income"`
	TaxBeforeRebates decimal.Decimal `json:"tax_before_rebates"`
	TotalRebate      decimal.Decimal `json:"total_rebate"`
	AnnualTax        decimal.Decimal `json:"annual_tax"`
	EffectiveRate    decimal.Decimal `json:"effective_rate"`
	MarginalRate     decimal.Decimal `json:"marginal_rate"`
	RatesVersion     string          `json:"rates_version"`
}

// AnnualTax computes annual income tax with age-based rebates. The rebate
// floors the result at zero, never below.
func (c *Calculator) AnnualTax(ctx context.Context, annualIncome decimal.Decimal, ageCategory string) (*AnnualTaxResult, error) {
	ctx, end := c.tracer().Span(ctx, "taxcalc.annual_tax", map[string]string{
		"annual_income": annualIncome.String(),
		"age_category":  ageCategory,
	})
	defer end()

	if annualIncome.IsNegative() {
		return nil, &ValidationError{Field: "annual_income", Reason: "must not be negative"}
	}
	ageCategory, err := ValidateAgeCategory(ageCategory)
	if err != nil {
		return nil, err
	}

	cfg := c.config(ctx)
	return annualTaxWithConfig(cfg, annualIncome, ageCategory), nil
}

func annualTaxWithConfig(cfg *rates.Config, annualIncome decimal.Decimal, ageCategory string) *AnnualTaxResult {
	taxBefore := decimal.Zero
	for _, b := range cfg.Brackets {
		if annualIncome.Cmp(b.MinIncome) <= 0 {
			break
		}
		upper := annualIncome
		if b.MaxIncome != nil && b.MaxIncome.Cmp(annualIncome) < 0 {
			upper = *b.MaxIncome
		}
		taxable := upper.Sub(b.MinIncome)
		if taxable.Sign() > 0 {
			taxBefore = taxBefore.Add(taxable.Mul(b.Rate))
		}
	}

	rebate := cfg.TotalRebate(ageCategory)
	tax := taxBefore.Sub(rebate)
	if tax.IsNegative() {
		tax = decimal.Zero
	}

	effective := decimal.Zero
	if annualIncome.Sign() > 0 {
		effective = tax.Mul(hundred).Div(annualIncome)
	}

	return &AnnualTaxResult{
		AnnualIncome:     annualIncome,
		TaxBeforeRebates: taxBefore,
		TotalRebate:      rebate,
		AnnualTax:        tax,
		EffectiveRate:    effective,
		MarginalRate:     marginalRate(cfg, annualIncome).Mul(hundred),
		RatesVersion:     cfg.Version,
	}
}

// marginalRate returns the bracket rate for the given income. Income exactly
// on a bracket boundary takes the lower bracket's rate.
func marginalRate(cfg *rates.Config, annualIncome decimal.Decimal) decimal.Decimal {
	for _, b := range cfg.Brackets {
		if b.MaxIncome == nil || annualIncome.Cmp(*b.MaxIncome) <= 0 {
			return b.Rate
		}
	}
	if n := len(cfg.Brackets); n > 0 {
		return cfg.Brackets[n-1].Rate
	}
	return decimal.Zero
}

// BracketLine is one row of the per-bracket transparency breakdown.
type BracketLine struct {
	Range   string          `json:"range"`
	Rate    decimal.Decimal `json:"rate"`
	Taxable decimal.Decimal `json:"taxable_amount"`
	Tax     decimal.Decimal `json:"tax"`
}

// Breakdown is the bracket-by-bracket view of an annual tax computation.
type Breakdown struct {
	Lines         []BracketLine   `json:"brackets"`
	BeforeRebates decimal.Decimal `json:"total_before_rebates"`
	TotalRebate   decimal.Decimal `json:"total_rebate"`
	FinalTax      decimal.Decimal `json:"final_tax"`
	EffectiveRate decimal.Decimal `json:"effective_rate"`
	RatesVersion  string          `json:"rates_version"`
}

// TaxBreakdown reports the same totals as AnnualTax plus a row per bracket
// the income reaches.
func (c *Calculator) TaxBreakdown(ctx context.Context, annualIncome decimal.Decimal, ageCategory string) (*Breakdown, error) {
	ctx, end := c.tracer().Span(ctx, "taxcalc.tax_breakdown", nil)
	defer end()

	if annualIncome.IsNegative() {
		return nil, &ValidationError{Field: "annual_income", Reason: "must not be negative"}
	}
	ageCategory, err := ValidateAgeCategory(ageCategory)
	if err != nil {
		return nil, err
	}

	cfg := c.config(ctx)
	out := &Breakdown{RatesVersion: cfg.Version}
	for _, b := range cfg.Brackets {
		if annualIncome.Cmp(b.MinIncome) <= 0 {
			break
		}
		upper := annualIncome
		rangeStr := fmt.Sprintf("R%s+", b.MinIncome)
		if b.MaxIncome != nil {
			rangeStr = fmt.Sprintf("R%s - R%s", b.MinIncome, b.MaxIncome)
			if b.MaxIncome.Cmp(annualIncome) < 0 {
				upper = *b.MaxIncome
			}
		}
		taxable := upper.Sub(b.MinIncome)
		if taxable.Sign() <= 0 {
			continue
		}
		tax := taxable.Mul(b.Rate)
		out.BeforeRebates = out.BeforeRebates.Add(tax)
		out.Lines = append(out.Lines, BracketLine{
			Range:   rangeStr,
			Rate:    b.Rate.Mul(hundred),
			Taxable: taxable,
			Tax:     tax,
		})
	}

	out.TotalRebate = cfg.TotalRebate(ageCategory)
	out.FinalTax = out.BeforeRebates.Sub(out.TotalRebate)
	if out.FinalTax.IsNegative() {
		out.FinalTax = decimal.Zero
	}
	if annualIncome.Sign() > 0 {
		out.EffectiveRate = out.FinalTax.Mul(hundred).Div(annualIncome)
	}
	return out, nil
}

// MonthlyUIF computes the employee UIF contribution: 1% of gross, capped.
func (c *Calculator) MonthlyUIF(ctx context.Context, monthlyGross decimal.Decimal) (decimal.Decimal, error) {
	if monthlyGross.IsNegative() {
		return decimal.Zero, &ValidationError{Field: "monthly_gross", Reason: "must not be negative"}
	}
	cfg := c.config(ctx)
	uif := monthlyGross.Mul(cfg.UIFRate)
	if uif.Cmp(cfg.UIFMonthlyCap) > 0 {
		return cfg.UIFMonthlyCap, nil
	}
	return uif, nil
}

// MedicalTaxCredit computes the monthly credit for a scheme with the given
// member count: main member, first dependent, then each additional.
func (c *Calculator) MedicalTaxCredit(ctx context.Context, members int) decimal.Decimal {
	if members <= 0 {
		return decimal.Zero
	}
	cfg := c.config(ctx)
	credit := cfg.MedicalCreditMain
	if members > 1 {
		credit = credit.Add(cfg.MedicalCreditFirstDependent)
	}
	if members > 2 {
		extra := decimal.NewFromInt(int64(members - 2))
		credit = credit.Add(extra.Mul(cfg.MedicalCreditAdditionalDependent))
	}
	return credit
}

// ToMonthly converts an amount in the given pay period to a monthly amount.
// Weekly conversions use the exact 52/12 ratio, multiplied before dividing so
// precision is lost at most once.
func ToMonthly(amount decimal.Decimal, period string, hoursPerWeek decimal.Decimal) (decimal.Decimal, error) {
	if hoursPerWeek.Sign() <= 0 {
		hoursPerWeek = defaultHoursPerWeek
	}
	switch period {
	case PeriodMonthly:
		return amount, nil
	case PeriodAnnually:
		return amount.Div(monthsPerYear), nil
	case PeriodWeekly:
		return amount.Mul(weeksPerYear).Div(monthsPerYear), nil
	case PeriodDaily:
		return amount.Mul(daysPerWeek).Mul(weeksPerYear).Div(monthsPerYear), nil
	case PeriodHourly:
		return amount.Mul(hoursPerWeek).Mul(weeksPerYear).Div(monthsPerYear), nil
	}
	return decimal.Zero, &ValidationError{Field: "pay_period", Reason: fmt.Sprintf("unknown pay period %q", period)}
}

// FromMonthly converts a monthly amount to the target pay period.
func FromMonthly(monthly decimal.Decimal, period string, hoursPerWeek decimal.Decimal) (decimal.Decimal, error) {
	if hoursPerWeek.Sign() <= 0 {
		hoursPerWeek = defaultHoursPerWeek
	}
	switch period {
	case PeriodMonthly:
		return monthly, nil
	case PeriodAnnually:
		return monthly.Mul(monthsPerYear), nil
	case PeriodWeekly:
		return monthly.Mul(monthsPerYear).Div(weeksPerYear), nil
	case PeriodDaily:
		return monthly.Mul(monthsPerYear).Div(weeksPerYear.Mul(daysPerWeek)), nil
	case PeriodHourly:
		return monthly.Mul(monthsPerYear).Div(weeksPerYear.Mul(hoursPerWeek)), nil
	}
	return decimal.Zero, &ValidationError{Field: "pay_period", Reason: fmt.Sprintf("unknown pay period %q", period)}
}
