package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu                sync.RWMutex
	endpoint          map[string]*EndpointStat
	calculation       map[string]int64
	calculationReason map[string]int64
	flagDecision      map[string]int64
	breakerTransition map[string]int64
	canaryOutcome     map[string]int64
	gauges            map[string]float64
	rateLimited       int64
	shadowDiffs       int64
	integrityLatency  IntegrityLatencyStat
	Histograms        *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type IntegrityLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt            string                  `json:"generated_at"`
	Endpoints              map[string]EndpointStat `json:"endpoints"`
	Calculations           map[string]int64        `json:"calculations"`
	CalculationReasons     map[string]int64        `json:"calculation_reasons"`
	FlagDecisions          map[string]int64        `json:"flag_decisions"`
	BreakerTransitions     map[string]int64        `json:"breaker_transitions"`
	CanaryOutcomes         map[string]int64        `json:"canary_outcomes"`
	Gauges                 map[string]float64      `json:"gauges"`
	RateLimitedRequests    int64                   `json:"rate_limited_requests_total"`
	ShadowComparisonDiffs  int64                   `json:"shadow_comparison_diffs_total"`
	RateIntegrityLatencyMS IntegrityLatencyStat    `json:"rate_integrity_latency_ms"`
	Histograms             []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:          map[string]*EndpointStat{},
		calculation:       map[string]int64{},
		calculationReason: map[string]int64{},
		flagDecision:      map[string]int64{},
		breakerTransition: map[string]int64{},
		canaryOutcome:     map[string]int64{},
		gauges:            map[string]float64{},
		Histograms:        NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncCalculation counts a completed calculation by kind
// (net_salary, annual_tax, breakdown).
func (r *Registry) IncCalculation(kind string) {
	if kind == "" {
		return
	}
	r.mu.Lock()
	r.calculation[kind]++
	r.mu.Unlock()
}

// IncCalculationReason counts calculation failures by reason
// (validation_failed, breaker_open, rate_limited).
func (r *Registry) IncCalculationReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.calculationReason[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncFlagDecision(flag string, enabled bool) {
	flag = strings.TrimSpace(flag)
	if flag == "" {
		return
	}
	key := flag + "|off"
	if enabled {
		key = flag + "|on"
	}
	r.mu.Lock()
	r.flagDecision[key]++
	r.mu.Unlock()
}

func (r *Registry) IncBreakerTransition(name, from, to string) {
	name = strings.TrimSpace(name)
	if name == "" || from == "" || to == "" {
		return
	}
	key := name + "|" + from + "|" + to
	r.mu.Lock()
	r.breakerTransition[key]++
	r.mu.Unlock()
}

func (r *Registry) IncCanaryOutcome(flag string, success bool) {
	flag = strings.TrimSpace(flag)
	if flag == "" {
		return
	}
	key := flag + "|failure"
	if success {
		key = flag + "|success"
	}
	r.mu.Lock()
	r.canaryOutcome[key]++
	r.mu.Unlock()
}

func (r *Registry) IncRateLimited() {
	r.mu.Lock()
	r.rateLimited++
	r.mu.Unlock()
}

func (r *Registry) IncShadowDiff() {
	r.mu.Lock()
	r.shadowDiffs++
	r.mu.Unlock()
}

// ObserveIntegrityLatency tracks how long rate table seal verification takes.
func (r *Registry) ObserveIntegrityLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.integrityLatency.Count++
	r.integrityLatency.TotalMS += ms
	r.integrityLatency.LastMS = ms
	if ms > r.integrityLatency.MaxMS {
		r.integrityLatency.MaxMS = ms
	}
	r.integrityLatency.AvgMS = float64(r.integrityLatency.TotalMS) / float64(r.integrityLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:           time.Now().UTC().Format(time.RFC3339),
		Endpoints:             make(map[string]EndpointStat, len(r.endpoint)),
		Calculations:          make(map[string]int64, len(r.calculation)),
		CalculationReasons:    make(map[string]int64, len(r.calculationReason)),
		FlagDecisions:         make(map[string]int64, len(r.flagDecision)),
		BreakerTransitions:    make(map[string]int64, len(r.breakerTransition)),
		CanaryOutcomes:        make(map[string]int64, len(r.canaryOutcome)),
		Gauges:                make(map[string]float64, len(r.gauges)),
		RateLimitedRequests:   r.rateLimited,
		ShadowComparisonDiffs: r.shadowDiffs,
		RateIntegrityLatencyMS: IntegrityLatencyStat{
			Count:   r.integrityLatency.Count,
			TotalMS: r.integrityLatency.TotalMS,
			MaxMS:   r.integrityLatency.MaxMS,
			LastMS:  r.integrityLatency.LastMS,
			AvgMS:   r.integrityLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.calculation {
		out.Calculations[k] = v
	}
	for k, v := range r.calculationReason {
		out.CalculationReasons[k] = v
	}
	for k, v := range r.flagDecision {
		out.FlagDecisions[k] = v
	}
	for k, v := range r.breakerTransition {
		out.BreakerTransitions[k] = v
	}
	for k, v := range r.canaryOutcome {
		out.CanaryOutcomes[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP moneyrite_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE moneyrite_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "moneyrite_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP moneyrite_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE moneyrite_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "moneyrite_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP moneyrite_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE moneyrite_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "moneyrite_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP moneyrite_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE moneyrite_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "moneyrite_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP moneyrite_calculation_total completed calculations by kind\n")
		b.WriteString("# TYPE moneyrite_calculation_total counter\n")
		for _, kind := range SortedKeys(snap.Calculations) {
			fmt.Fprintf(b, "moneyrite_calculation_total{kind=%q} %d\n", kind, snap.Calculations[kind])
		}
		b.WriteString("# HELP moneyrite_calculation_failure_total failed calculations by reason\n")
		b.WriteString("# TYPE moneyrite_calculation_failure_total counter\n")
		for _, reason := range SortedKeys(snap.CalculationReasons) {
			fmt.Fprintf(b, "moneyrite_calculation_failure_total{reason=%q} %d\n", reason, snap.CalculationReasons[reason])
		}
		b.WriteString("# HELP moneyrite_flag_decision_total feature flag evaluations by flag and outcome\n")
		b.WriteString("# TYPE moneyrite_flag_decision_total counter\n")
		for _, key := range SortedKeys(snap.FlagDecisions) {
			parts := strings.SplitN(key, "|", 2)
			outcome := "off"
			if len(parts) == 2 {
				outcome = parts[1]
			}
			fmt.Fprintf(b, "moneyrite_flag_decision_total{flag=%q,outcome=%q} %d\n", parts[0], outcome, snap.FlagDecisions[key])
		}
		b.WriteString("# HELP moneyrite_breaker_transition_total circuit breaker state transitions\n")
		b.WriteString("# TYPE moneyrite_breaker_transition_total counter\n")
		for _, key := range SortedKeys(snap.BreakerTransitions) {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) != 3 {
				continue
			}
			fmt.Fprintf(b, "moneyrite_breaker_transition_total{breaker=%q,from=%q,to=%q} %d\n", parts[0], parts[1], parts[2], snap.BreakerTransitions[key])
		}
		b.WriteString("# HELP moneyrite_canary_outcome_total canary calculation outcomes by flag\n")
		b.WriteString("# TYPE moneyrite_canary_outcome_total counter\n")
		for _, key := range SortedKeys(snap.CanaryOutcomes) {
			parts := strings.SplitN(key, "|", 2)
			outcome := "failure"
			if len(parts) == 2 {
				outcome = parts[1]
			}
			fmt.Fprintf(b, "moneyrite_canary_outcome_total{flag=%q,outcome=%q} %d\n", parts[0], outcome, snap.CanaryOutcomes[key])
		}
		b.WriteString("# HELP moneyrite_gauge operational gauge metrics\n")
		b.WriteString("# TYPE moneyrite_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "moneyrite_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP moneyrite_latency_seconds latency histogram\n")
			b.WriteString("# TYPE moneyrite_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "moneyrite_latency_seconds_bucket{endpoint=%q,le=\"%g\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "moneyrite_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "moneyrite_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "moneyrite_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "moneyrite_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "moneyrite_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "moneyrite_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP moneyrite_rate_integrity_latency_ms rate table seal verification latency in ms\n")
		b.WriteString("# TYPE moneyrite_rate_integrity_latency_ms gauge\n")
		fmt.Fprintf(b, "moneyrite_rate_integrity_latency_ms{stat=%q} %d\n", "last", snap.RateIntegrityLatencyMS.LastMS)
		fmt.Fprintf(b, "moneyrite_rate_integrity_latency_ms{stat=%q} %.3f\n", "avg", snap.RateIntegrityLatencyMS.AvgMS)
		fmt.Fprintf(b, "moneyrite_rate_integrity_latency_ms{stat=%q} %d\n", "max", snap.RateIntegrityLatencyMS.MaxMS)

		b.WriteString("# HELP moneyrite_rate_limited_total requests rejected by the rate limiter\n")
		b.WriteString("# TYPE moneyrite_rate_limited_total counter\n")
		fmt.Fprintf(b, "moneyrite_rate_limited_total %d\n", snap.RateLimitedRequests)

		b.WriteString("# HELP moneyrite_shadow_diff_total shadow comparisons that diverged\n")
		b.WriteString("# TYPE moneyrite_shadow_diff_total counter\n")
		fmt.Fprintf(b, "moneyrite_shadow_diff_total %d\n", snap.ShadowComparisonDiffs)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
