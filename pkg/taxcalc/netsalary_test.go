package taxcalc

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNetSalaryBasic(t *testing.T) {
	t.Parallel()

	calc := newTestCalculator()
	got, err := calc.NetSalary(context.Background(), NetSalaryInput{
		GrossMonthly: d("30000"),
	})
	if err != nil {
		t.Fatalf("net salary: %v", err)
	}

	// Annual 360000: 42678 + 122900*0.26 - 17235 = 57397; monthly 4783.08.
	if got.IncomeTax.StringFixed(2) != "4783.08" {
		t.Fatalf("income tax = %s", got.IncomeTax)
	}
	if got.UIF.StringFixed(2) != "177.12" {
		t.Fatalf("uif = %s", got.UIF)
	}
	if got.PensionMonthly.StringFixed(2) != "0.00" {
		t.Fatalf("pension = %s", got.PensionMonthly)
	}
	if got.TotalDeductions.StringFixed(2) != "4960.20" {
		t.Fatalf("deductions = %s", got.TotalDeductions)
	}
	if got.NetMonthly.StringFixed(2) != "25039.80" {
		t.Fatalf("net = %s", got.NetMonthly)
	}
	if got.MarginalRate.StringFixed(2) != "26.00" {
		t.Fatalf("marginal = %s", got.MarginalRate)
	}
}

func TestNetSalaryPensionReducesTax(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	calc := newTestCalculator()

	withPension, err := calc.NetSalary(ctx, NetSalaryInput{
		GrossMonthly:   d("30000"),
		PensionPercent: d("10"),
	})
	if err != nil {
		t.Fatalf("net salary: %v", err)
	}
	if withPension.PensionMonthly.StringFixed(2) != "3000.00" {
		t.Fatalf("pension = %s", withPension.PensionMonthly)
	}
	if withPension.TaxableAnnual.StringFixed(2) != "324000.00" {
		t.Fatalf("taxable annual = %s", withPension.TaxableAnnual)
	}
	// 42678 + 86900*0.26 - 17235 = 48037; monthly 4003.08.
	if withPension.IncomeTax.StringFixed(2) != "4003.08" {
		t.Fatalf("income tax = %s", withPension.IncomeTax)
	}

	without, err := calc.NetSalary(ctx, NetSalaryInput{GrossMonthly: d("30000")})
	if err != nil {
		t.Fatalf("net salary: %v", err)
	}
	if withPension.IncomeTax.Cmp(without.IncomeTax) >= 0 {
		t.Fatal("pension must reduce income tax")
	}
}

func TestNetSalaryMedicalCredit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	calc := newTestCalculator()

	got, err := calc.NetSalary(ctx, NetSalaryInput{
		GrossMonthly:   d("30000"),
		IncludeMedical: true,
		MedicalMembers: 2,
	})
	if err != nil {
		t.Fatalf("net salary: %v", err)
	}
	if got.MedicalCredit.StringFixed(2) != "728.00" {
		t.Fatalf("medical credit = %s", got.MedicalCredit)
	}
	// 4783.08 - 728.00
	if got.IncomeTax.StringFixed(2) != "4055.08" {
		t.Fatalf("income tax = %s", got.IncomeTax)
	}
}

func TestNetSalaryMedicalCreditFloorsAtZero(t *testing.T) {
	t.Parallel()

	calc := newTestCalculator()
	// Low income: annual tax is already zero, the credit must not go negative.
	got, err := calc.NetSalary(context.Background(), NetSalaryInput{
		GrossMonthly:   d("7000"),
		IncludeMedical: true,
		MedicalMembers: 4,
	})
	if err != nil {
		t.Fatalf("net salary: %v", err)
	}
	if !got.IncomeTax.Equal(decimal.Zero) {
		t.Fatalf("income tax = %s, want 0", got.IncomeTax)
	}
	if got.NetMonthly.Cmp(got.GrossMonthly) > 0 {
		t.Fatal("net cannot exceed gross")
	}
}

func TestNetSalaryValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	calc := newTestCalculator()

	if _, err := calc.NetSalary(ctx, NetSalaryInput{GrossMonthly: d("-1")}); err == nil {
		t.Fatal("expected negative gross rejection")
	}
	if _, err := calc.NetSalary(ctx, NetSalaryInput{GrossMonthly: d("10000"), PensionPercent: d("28")}); err == nil {
		t.Fatal("expected pension above 27.5 rejection")
	}
	if _, err := calc.NetSalary(ctx, NetSalaryInput{GrossMonthly: d("10000"), AgeCategory: "ageless"}); err == nil {
		t.Fatal("expected invalid age category rejection")
	}
}

func TestNetSalaryConversions(t *testing.T) {
	t.Parallel()

	calc := newTestCalculator()
	got, err := calc.NetSalary(context.Background(), NetSalaryInput{GrossMonthly: d("13000")})
	if err != nil {
		t.Fatalf("net salary: %v", err)
	}
	if got.Conversions.Annually.StringFixed(2) != "156000.00" {
		t.Fatalf("annual conversion = %s", got.Conversions.Annually)
	}
	// 13000 * 12 / 52
	if got.Conversions.Weekly.StringFixed(2) != "3000.00" {
		t.Fatalf("weekly conversion = %s", got.Conversions.Weekly)
	}
	// weekly / 5
	if got.Conversions.Daily.StringFixed(2) != "600.00" {
		t.Fatalf("daily conversion = %s", got.Conversions.Daily)
	}
	// weekly / 40
	if got.Conversions.Hourly.StringFixed(2) != "75.00" {
		t.Fatalf("hourly conversion = %s", got.Conversions.Hourly)
	}
}
