package domain

import (
	"strings"
	"time"
)

// Strategy selects how the orchestrator combines provider results.
type Strategy string

const (
	StrategyFailover  Strategy = "failover"
	StrategyConsensus Strategy = "consensus"
	StrategyBestMatch Strategy = "best-match"
)

// ParseStrategy maps a config string to a Strategy. Underscores are
// accepted for best_match.
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")) {
	case StrategyFailover:
		return StrategyFailover, true
	case StrategyConsensus:
		return StrategyConsensus, true
	case StrategyBestMatch:
		return StrategyBestMatch, true
	}
	return "", false
}

// Extraction field names. Confidence maps and consensus grouping are keyed
// by these.
const (
	FieldPersonInCharge = "person_in_charge"
	FieldCompanyName    = "company_name"
	FieldPartnerOrg     = "partner_org"
	FieldDetails        = "details"
	FieldCollabDate     = "collab_date"
)

// ExtractionFields lists every field in canonical order.
var ExtractionFields = []string{
	FieldPersonInCharge,
	FieldCompanyName,
	FieldPartnerOrg,
	FieldDetails,
	FieldCollabDate,
}

// ExtractedEntities is the structured result of one extraction. Nullable
// fields use pointers; a nil field must carry confidence 0.0 and a non-nil
// field a positive confidence.
type ExtractedEntities struct {
	PersonInCharge *string    `json:"person_in_charge"`
	CompanyName    *string    `json:"company_name"`
	PartnerOrg     *string    `json:"partner_org"`
	Details        string     `json:"details"`
	CollabDate     *time.Time `json:"collab_date"`

	// 필드별 신뢰도, [0.0, 1.0], null 필드는 0.0
	FieldConfidence map[string]float64 `json:"per_field_confidence"`

	// Provenance
	ProviderName string   `json:"provider_name"`
	ModelID      string   `json:"model_id"`
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
	LatencyMS    int64    `json:"latency_ms"`
	Strategy     Strategy `json:"strategy,omitempty"`
	FallbackUsed bool     `json:"fallback_used"`
}

// FieldString returns the value of a string field and whether it is set.
func (e *ExtractedEntities) FieldString(name string) (string, bool) {
	switch name {
	case FieldPersonInCharge:
		if e.PersonInCharge != nil {
			return *e.PersonInCharge, true
		}
	case FieldCompanyName:
		if e.CompanyName != nil {
			return *e.CompanyName, true
		}
	case FieldPartnerOrg:
		if e.PartnerOrg != nil {
			return *e.PartnerOrg, true
		}
	case FieldDetails:
		if e.Details != "" {
			return e.Details, true
		}
	case FieldCollabDate:
		if e.CollabDate != nil {
			return e.CollabDate.Format("2006-01-02"), true
		}
	}
	return "", false
}

// Confidence returns the recorded confidence for a field, 0.0 when absent.
func (e *ExtractedEntities) Confidence(name string) float64 {
	if e.FieldConfidence == nil {
		return 0
	}
	return e.FieldConfidence[name]
}

// Completeness is the fraction of the five fields that are non-null.
func (e *ExtractedEntities) Completeness() float64 {
	set := 0
	for _, name := range ExtractionFields {
		if _, ok := e.FieldString(name); ok {
			set++
		}
	}
	return float64(set) / float64(len(ExtractionFields))
}

// MeanConfidence averages confidence over non-null fields. Used by the
// best-match strategy; zero when every field is null.
func (e *ExtractedEntities) MeanConfidence() float64 {
	sum, n := 0.0, 0
	for _, name := range ExtractionFields {
		if _, ok := e.FieldString(name); ok {
			sum += e.Confidence(name)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
