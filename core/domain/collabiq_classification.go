package domain

import "strings"

// CollabType encodes the membership combination of the two matched
// companies. Deterministic, never produced by an LLM.
type CollabType string

const (
	CollabTypeA CollabType = "A" // Portfolio x Affiliate
	CollabTypeB CollabType = "B" // NonPortfolio x Affiliate
	CollabTypeC CollabType = "C" // Portfolio x Portfolio
	CollabTypeD CollabType = "D" // Other
)

// Label returns the human-readable pairing for logs and status output.
func (t CollabType) Label() string {
	switch t {
	case CollabTypeA:
		return "Portfolio x Affiliate"
	case CollabTypeB:
		return "NonPortfolio x Affiliate"
	case CollabTypeC:
		return "Portfolio x Portfolio"
	default:
		return "Other"
	}
}

// Intensity is the LLM-derived depth of the collaboration. Closed
// vocabulary; out-of-vocabulary model output falls back to Cooperation.
type Intensity string

const (
	IntensityAwareness   Intensity = "Awareness"
	IntensityCooperation Intensity = "Cooperation"
	IntensityInvestment  Intensity = "Investment"
	IntensityAcquisition Intensity = "Acquisition"
)

// ParseIntensity matches a model response against the closed vocabulary,
// case-insensitively. ok=false means out-of-vocabulary.
func ParseIntensity(s string) (Intensity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "awareness":
		return IntensityAwareness, true
	case "cooperation":
		return IntensityCooperation, true
	case "investment":
		return IntensityInvestment, true
	case "acquisition":
		return IntensityAcquisition, true
	default:
		return "", false
	}
}

// Classification couples the deterministic type with the LLM intensity.
type Classification struct {
	Type                CollabType `json:"collab_type"`
	Intensity           Intensity  `json:"intensity"`
	TypeConfidence      float64    `json:"type_confidence"`
	IntensityConfidence float64    `json:"intensity_confidence"`
}

// Summary shape bounds
const (
	SummaryMinSentences = 1
	SummaryMaxSentences = 4
	SummaryMinChars     = 50
	SummaryMaxChars     = 400
)
