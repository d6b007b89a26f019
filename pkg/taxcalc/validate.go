package taxcalc

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ValidationError reports a rejected input field. Handlers map it to a 400
// with the field name intact.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("taxcalc: invalid %s: %s", e.Field, e.Reason)
}

var (
	maxAmount     = decimal.RequireFromString("100000000")
	maxPensionPct = decimal.RequireFromString("27.5")
	hundred       = decimal.NewFromInt(100)
)

// ParseAmount parses a monetary input, tolerating common ZAR formatting
// ("R1,500 000.50"). Amounts must be within [0, 100000000].
func ParseAmount(field, value string) (decimal.Decimal, error) {
	cleaned := strings.NewReplacer(",", "", " ", "", "R", "").Replace(strings.TrimSpace(value))
	if cleaned == "" {
		return decimal.Zero, &ValidationError{Field: field, Reason: "required"}
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: field, Reason: "not a valid amount"}
	}
	if d.IsNegative() {
		return decimal.Zero, &ValidationError{Field: field, Reason: "must not be negative"}
	}
	if d.Cmp(maxAmount) > 0 {
		return decimal.Zero, &ValidationError{Field: field, Reason: "exceeds maximum supported amount"}
	}
	return d, nil
}

// ParsePercentage parses an optional percentage in [0, max]. Empty input is
// zero.
func ParsePercentage(field, value string, max decimal.Decimal) (decimal.Decimal, error) {
	cleaned := strings.TrimSuffix(strings.TrimSpace(value), "%")
	if cleaned == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: field, Reason: "not a valid percentage"}
	}
	if d.IsNegative() || d.Cmp(max) > 0 {
		return decimal.Zero, &ValidationError{Field: field, Reason: fmt.Sprintf("must be between 0 and %s", max)}
	}
	return d, nil
}

// ValidateAgeCategory checks one of the three rebate categories. Empty input
// defaults to under_65.
func ValidateAgeCategory(value string) (string, error) {
	switch value {
	case "":
		return "under_65", nil
	case "under_65", "65_to_74", "75_plus":
		return value, nil
	}
	return "", &ValidationError{Field: "age_category", Reason: "must be under_65, 65_to_74 or 75_plus"}
}

// ValidatePayPeriod checks one of the supported pay periods.
func ValidatePayPeriod(value string) (string, error) {
	switch value {
	case PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodAnnually:
		return value, nil
	}
	return "", &ValidationError{Field: "pay_period", Reason: "must be hourly, daily, weekly, monthly or annually"}
}
