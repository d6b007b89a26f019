package taxcalc

import (
	"github.com/shopspring/decimal"

	"github.com/Noxie-dev/jobrite.com/pkg/rates"
)

// CompareConfigs computes the annual tax under both configurations for each
// representative income and reports the deltas. Informational only; callers
// decide what a surprising delta means.
func CompareConfigs(old, candidate *rates.Config, incomes []decimal.Decimal) []rates.ShadowDiff {
	diffs := make([]rates.ShadowDiff, 0, len(incomes))
	for _, income := range incomes {
		oldTax := annualTaxWithConfig(old, income, "under_65").AnnualTax
		newTax := annualTaxWithConfig(candidate, income, "under_65").AnnualTax
		diffs = append(diffs, rates.ShadowDiff{
			Income: income.StringFixed(2),
			OldTax: oldTax.StringFixed(2),
			NewTax: newTax.StringFixed(2),
			Delta:  newTax.Sub(oldTax).StringFixed(2),
		})
	}
	return diffs
}
