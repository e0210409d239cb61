// Package classify derives the collaboration type, intensity and summary.
// The type is pure set membership, never model output. Intensity and
// summary ride the LLM orchestrator and degrade to safe defaults instead
// of failing the email: a written row with a default intensity beats a
// parked email.
package classify

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"collabiq/core/domain"
	"collabiq/core/port/out"
)

// Degraded confidences. Both sit below any model-reported score so
// downstream policy can spot fallbacks.
const (
	undecidableTypeConfidence  = 0.5
	fallbackIntensityConfValue = 0.3
)

// Completer is the slice of the orchestrator the classifier consumes.
type Completer interface {
	Complete(ctx context.Context, system, user string) (*out.CompletionResult, string, error)
}

// MembershipSource resolves matched page ids to company categories.
type MembershipSource interface {
	Companies(ctx context.Context) ([]domain.Company, error)
}

type Classifier struct {
	source MembershipSource
	llm    Completer
	log    zerolog.Logger
}

func NewClassifier(source MembershipSource, llm Completer, log zerolog.Logger) *Classifier {
	return &Classifier{source: source, llm: llm, log: log}
}

// Classify produces the full classification for one email.
func (c *Classifier) Classify(ctx context.Context, e *domain.ExtractedEntities, company, partner domain.CompanyMatch) domain.Classification {
	collabType, typeConf := c.classifyType(ctx, company, partner)
	intensity, intensityConf := c.classifyIntensity(ctx, e)
	return domain.Classification{
		Type:                collabType,
		Intensity:           intensity,
		TypeConfidence:      typeConf,
		IntensityConfidence: intensityConf,
	}
}

// classifyType maps the membership pair to A/B/C/D. Anything undecidable,
// including a membership lookup failure, is D at half confidence.
func (c *Classifier) classifyType(ctx context.Context, company, partner domain.CompanyMatch) (domain.CollabType, float64) {
	if !company.Found() || !partner.Found() {
		c.warnType("company or partner unmatched")
		return domain.CollabTypeD, undecidableTypeConfidence
	}

	companies, err := c.source.Companies(ctx)
	if err != nil {
		c.warnType("membership lookup failed: " + err.Error())
		return domain.CollabTypeD, undecidableTypeConfidence
	}

	byID := make(map[string]domain.Company, len(companies))
	for _, row := range companies {
		byID[row.ID] = row
	}
	primary, ok1 := byID[company.PageID]
	counter, ok2 := byID[partner.PageID]
	if !ok1 || !ok2 {
		// 방금 생성된 회사가 캐시에 없을 때 등
		c.warnType("matched page missing from companies cache")
		return domain.CollabTypeD, undecidableTypeConfidence
	}

	switch {
	case primary.IsPortfolio() && counter.IsAffiliate():
		return domain.CollabTypeA, 1.0
	case !primary.IsPortfolio() && counter.IsAffiliate():
		return domain.CollabTypeB, 1.0
	case primary.IsPortfolio() && counter.IsPortfolio():
		return domain.CollabTypeC, 1.0
	default:
		return domain.CollabTypeD, 1.0
	}
}

const intensitySystemPrompt = `You classify the depth of a business collaboration described in an email.

Answer with exactly one of these four words and a confidence:
- Awareness: first contact, introductions, exploring interest
- Cooperation: active joint work such as campaigns, pilots, events
- Investment: funding rounds, equity discussions
- Acquisition: M&A activity

Respond with this exact JSON format: {"intensity": "Awareness|Cooperation|Investment|Acquisition", "confidence": number}`

type intensityResponse struct {
	Intensity  string  `json:"intensity"`
	Confidence float64 `json:"confidence"`
}

// classifyIntensity asks the orchestrator for a closed-vocabulary label.
// Out-of-vocabulary or failed calls fall back to Cooperation at low
// confidence.
func (c *Classifier) classifyIntensity(ctx context.Context, e *domain.ExtractedEntities) (domain.Intensity, float64) {
	result, providerName, err := c.llm.Complete(ctx, intensitySystemPrompt, intensityUserPrompt(e))
	if err != nil {
		c.log.Warn().
			Str("component", "classifier").
			Str("operation", "intensity").
			Err(err).
			Msg("intensity call failed, defaulting to Cooperation")
		return domain.IntensityCooperation, fallbackIntensityConfValue
	}

	intensity, conf, ok := parseIntensityResponse(result.Text)
	if !ok {
		c.log.Warn().
			Str("component", "classifier").
			Str("operation", "intensity").
			Dict("context", zerolog.Dict().
				Str("provider", providerName).
				Str("response", truncateForLog(result.Text))).
			Msg("out-of-vocabulary intensity, defaulting to Cooperation")
		return domain.IntensityCooperation, fallbackIntensityConfValue
	}
	return intensity, conf
}

// parseIntensityResponse accepts the JSON contract first, then a bare
// label. Confidence is clamped to [0, 1].
func parseIntensityResponse(text string) (domain.Intensity, float64, bool) {
	cleaned := stripFences(text)

	var resp intensityResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err == nil {
		if intensity, ok := domain.ParseIntensity(resp.Intensity); ok {
			return intensity, clamp01(resp.Confidence), true
		}
		return "", 0, false
	}

	// JSON이 아니면 단어 하나로 응답했을 수 있다
	if intensity, ok := domain.ParseIntensity(cleaned); ok {
		return intensity, 0.7, true
	}
	return "", 0, false
}

func intensityUserPrompt(e *domain.ExtractedEntities) string {
	var b strings.Builder
	b.WriteString("Collaboration details: ")
	b.WriteString(e.Details)
	if e.CompanyName != nil {
		b.WriteString("\nCompany: ")
		b.WriteString(*e.CompanyName)
	}
	if e.PartnerOrg != nil {
		b.WriteString("\nPartner: ")
		b.WriteString(*e.PartnerOrg)
	}
	return b.String()
}

func (c *Classifier) warnType(reason string) {
	c.log.Warn().
		Str("component", "classifier").
		Str("operation", "collab_type").
		Str("context", reason).
		Msg("classification undecidable, using D")
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncateForLog(s string) string {
	return truncateRunes(s, 120)
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
