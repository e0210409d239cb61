package domain

import "time"

// ProviderHealth is the persisted health record of one LLM provider.
// AvgLatencyMS is an exponentially weighted moving average so a single
// slow call cannot mask a trend.
type ProviderHealth struct {
	SuccessCount        int       `json:"success_count"`
	FailureCount        int       `json:"failure_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	AvgLatencyMS        float64   `json:"avg_latency_ms"`
	LastSuccessAt       time.Time `json:"last_success_at"`
	LastFailureAt       time.Time `json:"last_failure_at"`
	LastError           string    `json:"last_error,omitempty"`
	CircuitState        string    `json:"circuit_state"`
}

// SuccessRate over all recorded calls; 1.0 when nothing recorded yet so a
// fresh provider is not deprioritized before its first call.
func (h ProviderHealth) SuccessRate() float64 {
	total := h.SuccessCount + h.FailureCount
	if total == 0 {
		return 1.0
	}
	return float64(h.SuccessCount) / float64(total)
}

// IsHealthy mirrors the failover eligibility check: the breaker is not open
// and the provider is not in a failure streak.
func (h ProviderHealth) IsHealthy() bool {
	return h.CircuitState != "open" && h.ConsecutiveFailures < 5
}

// CostSummary accumulates token spend per provider.
type CostSummary struct {
	APICalls        int     `json:"api_calls"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	TotalTokens     int64   `json:"total_tokens"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	EmailsProcessed int     `json:"emails_processed"`
}

// AvgCostPerEmail is zero until the first email completes.
func (c CostSummary) AvgCostPerEmail() float64 {
	if c.EmailsProcessed == 0 {
		return 0
	}
	return c.TotalCostUSD / float64(c.EmailsProcessed)
}

// QualityMetrics holds rolling extraction-quality averages per provider.
type QualityMetrics struct {
	AvgConfidence         float64            `json:"avg_confidence"`
	AvgFieldConfidence    map[string]float64 `json:"avg_field_confidence,omitempty"`
	AvgCompleteness       float64            `json:"avg_completeness"`
	ValidationSuccessRate float64            `json:"validation_success_rate"`
	SampleCount           int                `json:"sample_count"`
}

// QualityScore = 0.4 confidence + 0.3 completeness + 0.3 validation.
func (q QualityMetrics) QualityScore() float64 {
	return 0.4*q.AvgConfidence + 0.3*q.AvgCompleteness + 0.3*q.ValidationSuccessRate
}

// freeTierWeight boosts zero-cost providers in value ranking.
const freeTierWeight = 1.2

// ValueScore is the free-tier-weighted quality-to-cost ratio.
func (q QualityMetrics) ValueScore(avgCostPerEmail float64) float64 {
	weight := 1.0
	if avgCostPerEmail == 0 {
		weight = freeTierWeight
	}
	return q.QualityScore() * weight / (avgCostPerEmail + 0.001)
}
