package classify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"collabiq/core/domain"
)

// maxSummaryAttempts bounds the reject-and-retry loop on length
// violations. Each attempt is a full orchestrator call with its own
// provider-level retries.
const maxSummaryAttempts = 3

const summarySystemPrompt = `You summarize business collaboration emails.

Write 1 to 4 sentences, between 50 and 400 characters, in the same language as the email. Keep every named person, company, partner organization, and date from the email. No preamble, no markdown, only the summary text.`

type Summarizer struct {
	llm Completer
	log zerolog.Logger
}

func NewSummarizer(llm Completer, log zerolog.Logger) *Summarizer {
	return &Summarizer{llm: llm, log: log}
}

// Summarize produces the entry summary. Length violations reject the
// response and retry; after the attempt budget the best effort is clamped
// into bounds and flagged at WARNING. A dead orchestrator degrades to a
// deterministic summary built from the entities.
func (s *Summarizer) Summarize(ctx context.Context, body string, e *domain.ExtractedEntities) string {
	var lastText string
	for attempt := 0; attempt < maxSummaryAttempts; attempt++ {
		result, _, err := s.llm.Complete(ctx, summarySystemPrompt, summaryUserPrompt(body, e))
		if err != nil {
			s.log.Warn().
				Str("component", "summarizer").
				Str("operation", "summarize").
				Err(err).
				Msg("summary call failed, using deterministic fallback")
			return clampSummary(fallbackSummary(e), e)
		}

		text := strings.TrimSpace(result.Text)
		if withinBounds(text) {
			return text
		}
		lastText = text
		s.log.Info().
			Str("component", "summarizer").
			Str("operation", "summarize").
			Dict("context", zerolog.Dict().
				Int("length", len([]rune(text))).
				Int("attempt", attempt+1)).
			Msg("summary out of bounds, retrying")
	}

	s.log.Warn().
		Str("component", "summarizer").
		Str("operation", "summarize").
		Int("retry_count", maxSummaryAttempts).
		Msg("summary bounds violated persistently, clamping")
	return clampSummary(lastText, e)
}

func withinBounds(text string) bool {
	n := len([]rune(text))
	return n >= domain.SummaryMinChars && n <= domain.SummaryMaxChars
}

// clampSummary forces text into the length bounds: overlong text is cut at
// the limit with an ellipsis, short text is padded with the details field.
func clampSummary(text string, e *domain.ExtractedEntities) string {
	text = strings.TrimSpace(text)
	if text == "" {
		text = fallbackSummary(e)
	}

	if n := len([]rune(text)); n < domain.SummaryMinChars {
		text = strings.TrimSpace(text + " " + e.Details)
	}
	if runes := []rune(text); len(runes) > domain.SummaryMaxChars {
		text = string(runes[:domain.SummaryMaxChars-1]) + "…"
	}
	return text
}

// fallbackSummary renders the extracted entities as a single sentence.
func fallbackSummary(e *domain.ExtractedEntities) string {
	company := "(미상)"
	if e.CompanyName != nil {
		company = *e.CompanyName
	}
	partner := "(미상)"
	if e.PartnerOrg != nil {
		partner = *e.PartnerOrg
	}
	summary := fmt.Sprintf("%s / %s 협업 건: %s", company, partner, e.Details)
	if e.CollabDate != nil {
		summary += fmt.Sprintf(" (예정일 %s)", e.CollabDate.Format("2006-01-02"))
	}
	return summary
}

func summaryUserPrompt(body string, e *domain.ExtractedEntities) string {
	var b strings.Builder
	b.WriteString("Email body:\n")
	b.WriteString(truncateRunes(body, 8000))
	b.WriteString("\n\nKey entities to preserve:\n")
	if e.PersonInCharge != nil {
		fmt.Fprintf(&b, "- person: %s\n", *e.PersonInCharge)
	}
	if e.CompanyName != nil {
		fmt.Fprintf(&b, "- company: %s\n", *e.CompanyName)
	}
	if e.PartnerOrg != nil {
		fmt.Fprintf(&b, "- partner: %s\n", *e.PartnerOrg)
	}
	fmt.Fprintf(&b, "- details: %s\n", e.Details)
	if e.CollabDate != nil {
		fmt.Fprintf(&b, "- date: %s\n", e.CollabDate.Format("2006-01-02"))
	}
	return b.String()
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
