package taxcalc

import (
	"context"

	"github.com/shopspring/decimal"
)

// NetSalaryInput describes a monthly net salary computation. PensionPercent
// is a pre-tax deduction in [0, 27.5]. Zero values are valid.
type NetSalaryInput struct {
	GrossMonthly   decimal.Decimal
	AgeCategory    string
	IncludeMedical bool
	MedicalMembers int
	PensionPercent decimal.Decimal
	HoursPerWeek   decimal.Decimal
}

// PayConversions is the gross pay restated in every supported period,
// rounded to cents.
type PayConversions struct {
	Hourly   decimal.Decimal `json:"hourly"`
	Daily    decimal.Decimal `json:"daily"`
	Weekly   decimal.Decimal `json:"weekly"`
	Monthly  decimal.Decimal `json:"monthly"`
	Annually decimal.Decimal `json:"annually"`
}

// NetSalaryResult is the monthly take-home breakdown. All monetary fields are
// rounded to cents; tax rates are percentages rounded to two places.
type NetSalaryResult struct {
	GrossMonthly    decimal.Decimal `json:"gross_monthly"`
	GrossAnnual     decimal.Decimal `json:"gross_annual"`
	PensionMonthly  decimal.Decimal `json:"pension_monthly"`
	TaxableAnnual   decimal.Decimal `json:"taxable_annual"`
	IncomeTax       decimal.Decimal `json:"income_tax_monthly"`
	UIF             decimal.Decimal `json:"uif_monthly"`
	MedicalCredit   decimal.Decimal `json:"medical_credit_monthly"`
	TotalDeductions decimal.Decimal `json:"total_deductions"`
	NetMonthly      decimal.Decimal `json:"net_monthly"`
	EffectiveRate   decimal.Decimal `json:"effective_tax_rate"`
	MarginalRate    decimal.Decimal `json:"marginal_tax_rate"`
	RatesVersion    string          `json:"rates_version"`
	Conversions     PayConversions  `json:"conversions"`
}

// NetSalary computes monthly take-home pay: pension comes off pre-tax, the
// annual tax is spread over twelve months, the medical credit reduces tax but
// never below zero, and UIF is deducted after tax.
func (c *Calculator) NetSalary(ctx context.Context, in NetSalaryInput) (*NetSalaryResult, error) {
	ctx, end := c.tracer().Span(ctx, "taxcalc.net_salary", map[string]string{
		"gross_monthly": in.GrossMonthly.String(),
	})
	defer end()

	if in.GrossMonthly.IsNegative() {
		return nil, &ValidationError{Field: "gross_monthly", Reason: "must not be negative"}
	}
	if in.PensionPercent.IsNegative() || in.PensionPercent.Cmp(maxPensionPct) > 0 {
		return nil, &ValidationError{Field: "pension_percentage", Reason: "must be between 0 and 27.5"}
	}
	ageCategory, err := ValidateAgeCategory(in.AgeCategory)
	if err != nil {
		return nil, err
	}

	grossAnnual := in.GrossMonthly.Mul(monthsPerYear)
	pensionMonthly := in.GrossMonthly.Mul(in.PensionPercent).Div(hundred)
	taxableAnnual := grossAnnual.Sub(pensionMonthly.Mul(monthsPerYear))

	cfg := c.config(ctx)
	tax := annualTaxWithConfig(cfg, taxableAnnual, ageCategory)
	incomeTaxMonthly := tax.AnnualTax.Div(monthsPerYear)

	medicalCredit := decimal.Zero
	if in.IncludeMedical && in.MedicalMembers > 0 {
		medicalCredit = c.MedicalTaxCredit(ctx, in.MedicalMembers)
		incomeTaxMonthly = incomeTaxMonthly.Sub(medicalCredit)
		if incomeTaxMonthly.IsNegative() {
			incomeTaxMonthly = decimal.Zero
		}
	}

	uif, err := c.MonthlyUIF(ctx, in.GrossMonthly)
	if err != nil {
		return nil, err
	}

	totalDeductions := incomeTaxMonthly.Add(uif).Add(pensionMonthly)
	netMonthly := in.GrossMonthly.Sub(totalDeductions)

	conv, err := c.conversions(in.GrossMonthly, in.HoursPerWeek)
	if err != nil {
		return nil, err
	}

	return &NetSalaryResult{
		GrossMonthly:    in.GrossMonthly.Round(2),
		GrossAnnual:     grossAnnual.Round(2),
		PensionMonthly:  pensionMonthly.Round(2),
		TaxableAnnual:   taxableAnnual.Round(2),
		IncomeTax:       incomeTaxMonthly.Round(2),
		UIF:             uif.Round(2),
		MedicalCredit:   medicalCredit.Round(2),
		TotalDeductions: totalDeductions.Round(2),
		NetMonthly:      netMonthly.Round(2),
		EffectiveRate:   tax.EffectiveRate.Round(2),
		MarginalRate:    tax.MarginalRate.Round(2),
		RatesVersion:    cfg.Version,
		Conversions:     *conv,
	}, nil
}

func (c *Calculator) conversions(grossMonthly, hoursPerWeek decimal.Decimal) (*PayConversions, error) {
	out := &PayConversions{Monthly: grossMonthly.Round(2)}
	for _, p := range []struct {
		period string
		dest   *decimal.Decimal
	}{
		{PeriodHourly, &out.Hourly},
		{PeriodDaily, &out.Daily},
		{PeriodWeekly, &out.Weekly},
		{PeriodAnnually, &out.Annually},
	} {
		v, err := FromMonthly(grossMonthly, p.period, hoursPerWeek)
		if err != nil {
			return nil, err
		}
		*p.dest = v.Round(2)
	}
	return out, nil
}
