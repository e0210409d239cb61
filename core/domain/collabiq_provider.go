package domain

// ProviderConfig describes one LLM provider slot. Priority is unique and
// ascending: 1 is tried first in failover and wins best-match ties.
type ProviderConfig struct {
	Name               string  `json:"name"`
	ModelID            string  `json:"model_id"`
	Enabled            bool    `json:"enabled"`
	Priority           int     `json:"priority"`
	TimeoutMS          int64   `json:"timeout_ms"`
	MaxRetries         int     `json:"max_retries"`
	InputPricePerMTok  float64 `json:"input_price_per_mtok"`
	OutputPricePerMTok float64 `json:"output_price_per_mtok"`
}

// CostOf prices a call from its token counts.
func (c ProviderConfig) CostOf(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1_000_000*c.InputPricePerMTok +
		float64(outputTokens)/1_000_000*c.OutputPricePerMTok
}
