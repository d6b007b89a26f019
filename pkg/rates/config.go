package rates

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Age categories for rebate stacking. Higher categories are additive to the
// base (under_65) rebate.
const (
	AgeUnder65 = "under_65"
	Age65to74  = "65_to_74"
	Age75Plus  = "75_plus"
)

// Bracket is a contiguous income range taxed at a single marginal rate.
// MaxIncome is nil for the top bracket.
type Bracket struct {
	MinIncome decimal.Decimal  `json:"min_income"`
	MaxIncome *decimal.Decimal `json:"max_income"`
	Rate      decimal.Decimal  `json:"rate"`
}

// Rebate is a fixed deduction from computed tax, stacked by age category.
type Rebate struct {
	Name        string          `json:"name"`
	Amount      decimal.Decimal `json:"amount"`
	AgeCategory string          `json:"age_category"`
}

// Config is an immutable, versioned rate table. Monetary values serialize as
// exact decimal strings; the checksum covers the canonical serialization of
// every field except the checksum itself. A new tax year is a new Config with
// a new version, never an in-place edit.
type Config struct {
	Version       string    `json:"version"`
	EffectiveDate string    `json:"effective_date"`
	TaxYear       string    `json:"tax_year"`
	Description   string    `json:"description"`
	Brackets      []Bracket `json:"tax_brackets"`
	Rebates       []Rebate  `json:"tax_rebates"`

	UIFRate       decimal.Decimal `json:"uif_rate"`
	UIFMonthlyCap decimal.Decimal `json:"uif_monthly_cap"`
	UIFAnnualCap  decimal.Decimal `json:"uif_annual_cap"`

	MedicalCreditMain                decimal.Decimal `json:"medical_credit_main"`
	MedicalCreditFirstDependent      decimal.Decimal `json:"medical_credit_first_dependent"`
	MedicalCreditAdditionalDependent decimal.Decimal `json:"medical_credit_additional_dependent"`

	SourceURLs []string `json:"source_urls"`
	Checksum   string   `json:"checksum,omitempty"`
}

// ErrInvalidConfig is the sentinel wrapped by every parse and business-rule
// rejection.
var ErrInvalidConfig = errors.New("rates: invalid configuration")

// Parse decodes a serialized configuration, rejecting raw float tokens before
// any field is interpreted.
func Parse(raw []byte) (*Config, error) {
	if err := ValidateNoFloatTokens(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("%w: version required", ErrInvalidConfig)
	}
	if len(cfg.Brackets) == 0 {
		return nil, fmt.Errorf("%w: at least one tax bracket required", ErrInvalidConfig)
	}
	if _, err := time.Parse("2006-01-02", cfg.EffectiveDate); err != nil {
		return nil, fmt.Errorf("%w: effective_date must be YYYY-MM-DD", ErrInvalidConfig)
	}
	return &cfg, nil
}

// ComputeChecksum returns the SHA-256 over the canonical serialization of the
// configuration with the checksum field removed.
func (c *Config) ComputeChecksum() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", err
	}
	delete(doc, "checksum")
	intermediate, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	canon, err := canonicalJSON(intermediate)
	if err != nil {
		return "", err
	}
	return checksumHex(canon), nil
}

// Seal computes and sets the checksum. Call once, before persisting.
func (c *Config) Seal() error {
	sum, err := c.ComputeChecksum()
	if err != nil {
		return err
	}
	c.Checksum = sum
	return nil
}

// VerifyIntegrity recomputes the checksum and compares it to the stored one.
func (c *Config) VerifyIntegrity() bool {
	if c.Checksum == "" {
		return false
	}
	sum, err := c.ComputeChecksum()
	if err != nil {
		return false
	}
	return sum == c.Checksum
}

// RebateAmount returns the rebate for a single age category, zero when the
// category is not present in the table.
func (c *Config) RebateAmount(ageCategory string) decimal.Decimal {
	for _, r := range c.Rebates {
		if r.AgeCategory == ageCategory {
			return r.Amount
		}
	}
	return decimal.Zero
}

// TotalRebate stacks rebates by age category: the base rebate always applies,
// 65_to_74 adds the secondary, 75_plus adds secondary and tertiary.
func (c *Config) TotalRebate(ageCategory string) decimal.Decimal {
	total := c.RebateAmount(AgeUnder65)
	switch ageCategory {
	case Age65to74:
		total = total.Add(c.RebateAmount(Age65to74))
	case Age75Plus:
		total = total.Add(c.RebateAmount(Age65to74)).Add(c.RebateAmount(Age75Plus))
	}
	return total
}
