package slo

import (
	"math"
	"sort"
	"sync"
	"time"
)

// SLO statuses, keyed to burn rate: OK below 0.5, WARNING below 1.0,
// CRITICAL at or above 1.0.
const (
	StatusOK       = "OK"
	StatusWarning  = "WARNING"
	StatusCritical = "CRITICAL"
)

// Objective names.
const (
	Availability = "availability"
	LatencyP95   = "latency_p95"
	Accuracy     = "accuracy"
)

const maxLatencySamples = 2048

// Objective is one service-level target with an error budget.
type Objective struct {
	Name          string  `json:"name"`
	Target        float64 `json:"target"`
	ErrorBudget   float64 `json:"error_budget"`
	LowerIsBetter bool    `json:"-"`
}

// Report is the evaluated state of one objective.
type Report struct {
	Name            string  `json:"name"`
	Current         float64 `json:"current"`
	Target          float64 `json:"target"`
	BurnRate        float64 `json:"burn_rate"`
	BudgetRemaining float64 `json:"error_budget_remaining"`
	Status          string  `json:"status"`
}

// Monitor accumulates request outcomes, latencies and accuracy checks and
// evaluates them against the service objectives. With no observations every
// objective reports its ideal value.
type Monitor struct {
	mu sync.Mutex

	objectives []Objective

	requests      int64
	failures      int64
	latencies     []float64
	latencyCursor int

	accuracyChecks   int64
	accuracyFailures int64
}

func NewMonitor() *Monitor {
	return &Monitor{
		objectives: []Objective{
			{Name: Availability, Target: 0.999, ErrorBudget: 0.001},
			{Name: LatencyP95, Target: 0.3, ErrorBudget: 0.1, LowerIsBetter: true},
			{Name: Accuracy, Target: 0.9999, ErrorBudget: 0.0001},
		},
	}
}

// RecordRequest observes one served request.
func (m *Monitor) RecordRequest(success bool, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if !success {
		m.failures++
	}
	sec := latency.Seconds()
	if len(m.latencies) < maxLatencySamples {
		m.latencies = append(m.latencies, sec)
	} else {
		m.latencies[m.latencyCursor] = sec
		m.latencyCursor = (m.latencyCursor + 1) % maxLatencySamples
	}
}

// RecordAccuracyCheck observes one calculation-integrity check.
func (m *Monitor) RecordAccuracyCheck(passed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accuracyChecks++
	if !passed {
		m.accuracyFailures++
	}
}

func (m *Monitor) current(name string) float64 {
	switch name {
	case Availability:
		if m.requests == 0 {
			return 1
		}
		return float64(m.requests-m.failures) / float64(m.requests)
	case LatencyP95:
		return percentile(m.latencies, 0.95)
	case Accuracy:
		if m.accuracyChecks == 0 {
			return 1
		}
		return float64(m.accuracyChecks-m.accuracyFailures) / float64(m.accuracyChecks)
	}
	return 0
}

// Check evaluates every objective. Burn rate is budget consumption: how far
// past the target the current value sits, in units of the error budget.
func (m *Monitor) Check() []Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Report, 0, len(m.objectives))
	for _, obj := range m.objectives {
		current := m.current(obj.Name)
		var burn float64
		if obj.ErrorBudget > 0 {
			if obj.LowerIsBetter {
				burn = (current - obj.Target) / obj.ErrorBudget
			} else {
				burn = (obj.Target - current) / obj.ErrorBudget
			}
		}
		if burn < 0 {
			burn = 0
		}
		out = append(out, Report{
			Name:            obj.Name,
			Current:         current,
			Target:          obj.Target,
			BurnRate:        burn,
			BudgetRemaining: math.Max(0, 1-burn),
			Status:          statusFor(burn),
		})
	}
	return out
}

// ShouldAlert reports whether the named objective is in WARNING or CRITICAL.
// Unknown names never alert.
func (m *Monitor) ShouldAlert(name string) bool {
	for _, r := range m.Check() {
		if r.Name == name {
			return r.Status != StatusOK
		}
	}
	return false
}

func statusFor(burn float64) string {
	switch {
	case burn < 0.5:
		return StatusOK
	case burn < 1.0:
		return StatusWarning
	default:
		return StatusCritical
	}
}

// percentile is nearest-rank over a copy of the samples. Zero with no data.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
