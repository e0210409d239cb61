package domain

// MatchType describes how a name resolved against the workspace.
type MatchType string

const (
	MatchExact   MatchType = "exact"
	MatchFuzzy   MatchType = "fuzzy"
	MatchCreated MatchType = "created"
	MatchNone    MatchType = "none"
)

// ConfidenceLevel is the downstream-policy bucket of a match.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceNone   ConfidenceLevel = "none"
)

// CompanyMatch is the result of resolving a company name to a workspace
// page. Invariants: exact implies similarity 1.0; fuzzy implies
// 0.85 <= similarity < 1.0; none implies similarity < 0.85 and empty
// PageID; created implies WasCreated.
type CompanyMatch struct {
	PageID          string          `json:"page_id,omitempty"`
	MatchedName     string          `json:"matched_name,omitempty"`
	Similarity      float64         `json:"similarity"`
	MatchType       MatchType       `json:"match_type"`
	ConfidenceLevel ConfidenceLevel `json:"confidence_level"`
	WasCreated      bool            `json:"was_created"`
}

// Found reports whether the match carries a usable page id.
func (m CompanyMatch) Found() bool {
	return m.PageID != "" && m.MatchType != MatchNone
}

// PersonAlternative is a runner-up candidate reported on ambiguity.
type PersonAlternative struct {
	UserID     string  `json:"user_id"`
	UserName   string  `json:"user_name"`
	Similarity float64 `json:"similarity"`
}

// PersonMatch is the result of resolving a person name to a workspace
// user. Users are never auto-created. Ambiguous iff at least two candidates
// score above threshold within 0.10 of the top.
type PersonMatch struct {
	UserID          string              `json:"user_id,omitempty"`
	UserName        string              `json:"user_name,omitempty"`
	Similarity      float64             `json:"similarity"`
	MatchType       MatchType           `json:"match_type"`
	ConfidenceLevel ConfidenceLevel     `json:"confidence_level"`
	IsAmbiguous     bool                `json:"is_ambiguous"`
	Alternatives    []PersonAlternative `json:"alternatives,omitempty"`
}

// Found reports whether the match carries a usable user id.
func (m PersonMatch) Found() bool {
	return m.UserID != "" && m.MatchType != MatchNone
}
