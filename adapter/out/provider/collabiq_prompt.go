// Package provider implements the three LLM adapters behind one extraction
// contract. Each adapter owns its API client and error mapping; the prompt,
// the response schema and its validation live here so every provider is
// held to the same shape.
package provider

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/pkg/apperr"
)

// maxBodyChars bounds the email body sent to a model.
const maxBodyChars = 8000

const extractionSystemPrompt = `You are an entity extraction engine for Korean and English business collaboration emails.

Extract exactly five fields from the email body. Use null for anything the email does not state. Never invent values.

Fields:
- person_in_charge: the person responsible for the collaboration (Korean or English personal name)
- company_name: the portfolio company involved
- partner_org: the partner organization on the other side
- details: one factual sentence describing what the collaboration is (required, never null)
- collab_date: the collaboration date as YYYY-MM-DD. Resolve relative Korean expressions (어제, 오늘, 내일, 지난주 금요일) against the received date given with the email.

For every field report a confidence between 0.0 and 1.0. A null field must carry confidence 0.0. Keep Korean names exactly as written, including particles stripped.

Respond with this exact JSON format: {"person_in_charge": string|null, "company_name": string|null, "partner_org": string|null, "details": string, "collab_date": string|null, "confidence": {"person_in_charge": number, "company_name": number, "partner_org": number, "details": number, "collab_date": number}}`

// buildExtractionUserPrompt anchors relative dates to the receive time.
func buildExtractionUserPrompt(in out.ExtractionInput) string {
	return fmt.Sprintf("Received at: %s (%s)\n\nEmail body:\n%s",
		in.ReceivedAt.Format("2006-01-02"),
		in.ReceivedAt.Weekday(),
		truncateBody(in.BodyText, maxBodyChars))
}

// truncateBody limits the prompt payload, rune-safe for Korean text.
func truncateBody(body string, limit int) string {
	runes := []rune(body)
	if len(runes) <= limit {
		return body
	}
	return string(runes[:limit]) + "..."
}

// stripFences removes a markdown code fence some models wrap around JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// extractionPayload is the wire schema every model must produce.
type extractionPayload struct {
	PersonInCharge *string            `json:"person_in_charge"`
	CompanyName    *string            `json:"company_name"`
	PartnerOrg     *string            `json:"partner_org"`
	Details        *string            `json:"details"`
	CollabDate     *string            `json:"collab_date"`
	Confidence     map[string]float64 `json:"confidence"`
}

// parseExtraction validates a model response against the schema and
// normalizes it. Violations classify PERMANENT so they are never retried
// against the same deterministic prompt.
func parseExtraction(providerName, raw string) (*domain.ExtractedEntities, error) {
	var payload extractionPayload
	if err := json.Unmarshal([]byte(stripFences(raw)), &payload); err != nil {
		return nil, apperr.SchemaViolation(providerName, fmt.Errorf("invalid JSON: %w", err))
	}

	if payload.Details == nil || strings.TrimSpace(*payload.Details) == "" {
		return nil, apperr.SchemaViolation(providerName, fmt.Errorf("details is required"))
	}
	if payload.Confidence == nil {
		return nil, apperr.SchemaViolation(providerName, fmt.Errorf("confidence map is missing"))
	}

	e := &domain.ExtractedEntities{
		PersonInCharge:  cleanNullable(payload.PersonInCharge),
		CompanyName:     cleanNullable(payload.CompanyName),
		PartnerOrg:      cleanNullable(payload.PartnerOrg),
		Details:         strings.TrimSpace(*payload.Details),
		CollabDate:      parseCollabDate(payload.CollabDate),
		FieldConfidence: make(map[string]float64, len(domain.ExtractionFields)),
	}

	for _, field := range domain.ExtractionFields {
		_, set := e.FieldString(field)
		if !set {
			// null 필드는 신뢰도 0.0 고정
			e.FieldConfidence[field] = 0
			continue
		}
		conf, ok := payload.Confidence[field]
		if !ok {
			conf = 0.5
		}
		e.FieldConfidence[field] = clamp01(conf)
	}

	return e, nil
}

func cleanNullable(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" || strings.EqualFold(trimmed, "null") {
		return nil
	}
	return &trimmed
}

// parseCollabDate accepts ISO dates, tolerating a full timestamp. Anything
// else degrades to null rather than failing the whole extraction.
func parseCollabDate(s *string) *time.Time {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" || strings.EqualFold(v, "null") {
		return nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return &t
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return &day
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
