// Package mapping turns one processed email into the workspace property
// payload. The transformation is stateless and lossless for Korean text:
// no Unicode normalization, no case changes, only the rune-safe length
// clamps the workspace enforces anyway.
package mapping

import (
	"fmt"
	"strings"

	"collabiq/core/domain"
	"collabiq/pkg/apperr"
)

// Rich text fields are clamped to the workspace's per-block ceiling.
const maxRichTextChars = 2000

// Relation ids come in two widths: bare hex and hyphenated UUID.
const (
	relationIDLenBare = 32
	relationIDLenUUID = 36
)

// subjectFallbackChars bounds the details excerpt used when both company
// names are missing.
const subjectFallbackChars = 50

// PropertyNames maps payload slots to workspace property names. The
// defaults match the Korean workspace; config can override per deployment.
type PropertyNames struct {
	Title      string `json:"title"`
	MessageID  string `json:"message_id"`
	Summary    string `json:"summary"`
	Details    string `json:"details"`
	Person     string `json:"person"`
	Company    string `json:"company"`
	Partner    string `json:"partner"`
	CollabType string `json:"collab_type"`
	Intensity  string `json:"intensity"`
	CollabDate string `json:"collab_date"`
	Confidence string `json:"confidence"`
}

func DefaultPropertyNames() PropertyNames {
	return PropertyNames{
		Title:      "협업 제목",
		MessageID:  "message_id",
		Summary:    "요약",
		Details:    "세부 내용",
		Person:     "담당자",
		Company:    "회사",
		Partner:    "협력사",
		CollabType: "협업 유형",
		Intensity:  "강도",
		CollabDate: "협업일",
		Confidence: "신뢰도",
	}
}

// fill replaces empty slots with the defaults so partial overrides work.
func (n PropertyNames) fill() PropertyNames {
	d := DefaultPropertyNames()
	if n.Title == "" {
		n.Title = d.Title
	}
	if n.MessageID == "" {
		n.MessageID = d.MessageID
	}
	if n.Summary == "" {
		n.Summary = d.Summary
	}
	if n.Details == "" {
		n.Details = d.Details
	}
	if n.Person == "" {
		n.Person = d.Person
	}
	if n.Company == "" {
		n.Company = d.Company
	}
	if n.Partner == "" {
		n.Partner = d.Partner
	}
	if n.CollabType == "" {
		n.CollabType = d.CollabType
	}
	if n.Intensity == "" {
		n.Intensity = d.Intensity
	}
	if n.CollabDate == "" {
		n.CollabDate = d.CollabDate
	}
	if n.Confidence == "" {
		n.Confidence = d.Confidence
	}
	return n
}

// Input is everything one write needs. Matches may be zero values; only
// found matches emit properties.
type Input struct {
	MessageID      string
	Entities       *domain.ExtractedEntities
	Classification domain.Classification
	Summary        string
	Company        domain.CompanyMatch
	Partner        domain.CompanyMatch
	Person         domain.PersonMatch
}

type Mapper struct {
	names PropertyNames
}

func NewMapper(names PropertyNames) *Mapper {
	return &Mapper{names: names.fill()}
}

// Map builds the property payload. Null and empty fields are omitted
// entirely; numeric zero is kept. Relation ids are validated here so a
// malformed id fails the email before it reaches the wire.
func (m *Mapper) Map(in Input) (map[string]any, error) {
	if in.MessageID == "" {
		return nil, apperr.ValidationFailed("message_id", "required")
	}
	if in.Entities == nil {
		return nil, apperr.ValidationFailed("entities", "required")
	}
	e := in.Entities

	props := map[string]any{
		m.names.Title:      titleProp(m.subject(in)),
		m.names.MessageID:  richText(in.MessageID),
		m.names.Details:    richText(truncateRichText(e.Details)),
		m.names.CollabType: selectProp(string(in.Classification.Type)),
		m.names.Intensity:  selectProp(string(in.Classification.Intensity)),
		// 0.0도 의미가 있으므로 항상 내보낸다
		m.names.Confidence: numberProp(e.MeanConfidence()),
	}

	if in.Summary != "" {
		props[m.names.Summary] = richText(truncateRichText(in.Summary))
	}
	if e.CollabDate != nil {
		props[m.names.CollabDate] = dateProp(e.CollabDate.Format("2006-01-02"))
	}

	if in.Company.Found() {
		if err := validateRelationID(m.names.Company, in.Company.PageID); err != nil {
			return nil, err
		}
		props[m.names.Company] = relationProp(in.Company.PageID)
	}
	if in.Partner.Found() {
		if err := validateRelationID(m.names.Partner, in.Partner.PageID); err != nil {
			return nil, err
		}
		props[m.names.Partner] = relationProp(in.Partner.PageID)
	}
	if in.Person.Found() {
		props[m.names.Person] = peopleProp(in.Person.UserID)
	}

	return props, nil
}

// subject synthesizes the entry title from the two company names. When
// both are missing the details excerpt stands in so the page never gets a
// bare "-" title.
func (m *Mapper) subject(in Input) string {
	company, partner := "", ""
	if in.Entities.CompanyName != nil {
		company = *in.Entities.CompanyName
	}
	if in.Entities.PartnerOrg != nil {
		partner = *in.Entities.PartnerOrg
	}
	if company == "" && partner == "" {
		return truncateRunes(in.Entities.Details, subjectFallbackChars)
	}
	return fmt.Sprintf("%s-%s", company, partner)
}

func validateRelationID(field, id string) error {
	if n := len(id); n != relationIDLenBare && n != relationIDLenUUID {
		return apperr.ValidationFailed(field, fmt.Sprintf("relation id length %d, want 32 or 36", n))
	}
	return nil
}

// =============================================================================
// Property value constructors (workspace wire shapes)
// =============================================================================

func titleProp(s string) map[string]any {
	return map[string]any{
		"title": []any{
			map[string]any{"text": map[string]any{"content": truncateRichText(s)}},
		},
	}
}

func richText(s string) map[string]any {
	return map[string]any{
		"rich_text": []any{
			map[string]any{"text": map[string]any{"content": s}},
		},
	}
}

func selectProp(name string) map[string]any {
	return map[string]any{"select": map[string]any{"name": name}}
}

func relationProp(id string) map[string]any {
	return map[string]any{"relation": []any{map[string]any{"id": id}}}
}

func peopleProp(id string) map[string]any {
	return map[string]any{"people": []any{map[string]any{"id": id}}}
}

func dateProp(iso string) map[string]any {
	return map[string]any{"date": map[string]any{"start": iso}}
}

func numberProp(v float64) map[string]any {
	return map[string]any{"number": v}
}

func truncateRichText(s string) string {
	runes := []rune(s)
	if len(runes) <= maxRichTextChars {
		return s
	}
	return string(runes[:maxRichTextChars-1]) + "…"
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit])) + "…"
}
