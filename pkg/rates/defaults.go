package rates

import "github.com/shopspring/decimal"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// Default2025 is the hardcoded fallback rate table for the 2025/2026 tax
// year, used when neither the shared store nor the versioned store can serve
// a current configuration. The checksum is computed at construction.
func Default2025() *Config {
	cfg := &Config{
		Version:       "2025.1.0",
		EffectiveDate: "2025-03-01",
		TaxYear:       "2025/2026",
		Description:   "SARS Tax Tables 2025/2026 - Hardcoded Fallback",
		Brackets: []Bracket{
			{MinIncome: dec("0"), MaxIncome: decPtr("237100"), Rate: dec("0.18")},
			{MinIncome: dec("237100"), MaxIncome: decPtr("370500"), Rate: dec("0.26")},
			{MinIncome: dec("370500"), MaxIncome: decPtr("512800"), Rate: dec("0.31")},
			{MinIncome: dec("512800"), MaxIncome: decPtr("673000"), Rate: dec("0.36")},
			{MinIncome: dec("673000"), MaxIncome: decPtr("857900"), Rate: dec("0.39")},
			{MinIncome: dec("857900"), MaxIncome: decPtr("1817000"), Rate: dec("0.41")},
			{MinIncome: dec("1817000"), MaxIncome: nil, Rate: dec("0.45")},
		},
		Rebates: []Rebate{
			{Name: "Primary Rebate", Amount: dec("17235"), AgeCategory: AgeUnder65},
			{Name: "Secondary Rebate", Amount: dec("3300"), AgeCategory: Age65to74},
			{Name: "Tertiary Rebate", Amount: dec("1470"), AgeCategory: Age75Plus},
		},
		UIFRate:                          dec("0.01"),
		UIFMonthlyCap:                    dec("177.12"),
		UIFAnnualCap:                     dec("17712"),
		MedicalCreditMain:                dec("364"),
		MedicalCreditFirstDependent:      dec("364"),
		MedicalCreditAdditionalDependent: dec("246"),
		SourceURLs: []string{
			"https://www.sars.gov.za/tax-rates/income-tax/rates-of-tax-for-individuals/",
			"https://www.sars.gov.za/tax-rates/medical-tax-credit-rates/",
		},
	}
	// Seal cannot fail on a well-formed literal.
	_ = cfg.Seal()
	return cfg
}
