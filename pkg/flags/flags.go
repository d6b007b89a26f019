package flags

// Rollout strategies.
const (
	StrategyOff        = "off"
	StrategyOn         = "on"
	StrategyPercentage = "percentage"
	StrategyUserList   = "user_list"
	StrategyCanary     = "canary"
	StrategyShadow     = "shadow"
)

// Flag is one rollout rule. Percentages are whole percent in [0, 100].
type Flag struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Strategy    string `json:"strategy"`
	Enabled     bool   `json:"enabled"`

	Percentage float64  `json:"percentage,omitempty"`
	UserIDs    []string `json:"user_ids,omitempty"`

	CanaryPercentage       float64 `json:"canary_percentage,omitempty"`
	CanarySuccessThreshold float64 `json:"canary_success_threshold,omitempty"`

	ShadowPercentage float64 `json:"shadow_percentage,omitempty"`

	UpdatedAt string `json:"updated_at,omitempty"`
}

// Status is a flag plus its runtime canary metrics.
type Status struct {
	Flag
	CanarySuccessRate *float64 `json:"canary_success_rate,omitempty"`
}

func defaultFlags() []*Flag {
	return []*Flag{
		{
			Name:                   "new_tax_engine",
			Description:            "Use new versioned tax calculation engine",
			Strategy:               StrategyCanary,
			Enabled:                true,
			CanaryPercentage:       5,
			CanarySuccessThreshold: 99,
		},
		{
			Name:        "enhanced_error_handling",
			Description: "Enhanced error handling and user messages",
			Strategy:    StrategyPercentage,
			Enabled:     true,
			Percentage:  50,
		},
		{
			Name:        "observability_tracing",
			Description: "OpenTelemetry tracing and metrics",
			Strategy:    StrategyOn,
			Enabled:     true,
		},
		{
			Name:        "circuit_breakers",
			Description: "Circuit breaker protection for external services",
			Strategy:    StrategyOn,
			Enabled:     true,
		},
		{
			Name:             "shadow_calculation_comparison",
			Description:      "Shadow mode calculation comparison",
			Strategy:         StrategyShadow,
			Enabled:          true,
			ShadowPercentage: 10,
		},
	}
}
