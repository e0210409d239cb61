package extract

import (
	"context"
	"sort"

	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/pkg/apperr"
	"collabiq/pkg/fuzzy"
)

// =============================================================================
// Consensus
// =============================================================================

// vote is one provider's answer for one field. raw keeps the original
// casing; grouping compares normalized forms.
type vote struct {
	provider string
	quality  float64
	raw      string
	conf     float64
	src      *domain.ExtractedEntities
}

// group collects votes that agree on a value. The first member is the
// representative every later vote is compared against.
type group struct {
	votes []vote
}

func (g group) confSum() float64 {
	sum := 0.0
	for _, v := range g.votes {
		sum += v.conf
	}
	return sum
}

func (g group) qualitySum() float64 {
	sum := 0.0
	for _, v := range g.votes {
		sum += v.quality
	}
	return sum
}

// best returns the highest-confidence member.
func (g group) best() vote {
	top := g.votes[0]
	for _, v := range g.votes[1:] {
		if v.conf > top.conf {
			top = v
		}
	}
	return top
}

// weightedConfidence averages member confidences weighted by provider
// quality. Unsampled providers weigh 1.0.
func (g group) weightedConfidence() float64 {
	num, den := 0.0, 0.0
	for _, v := range g.votes {
		w := v.quality
		if w <= 0 {
			w = 1.0
		}
		num += w * v.conf
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// consensus queries every routable provider in parallel and merges the
// responses field by field. Needs at least two successful responses.
func (o *Orchestrator) consensus(ctx context.Context, in out.ExtractionInput) (*domain.ExtractedEntities, error) {
	results := o.queryAll(ctx, in)

	var successes []providerResult
	for _, r := range results {
		if r.err == nil {
			successes = append(successes, r)
		}
	}
	if len(successes) < minConsensusResponses {
		return nil, apperr.InsufficientAgreement(len(successes))
	}

	merged := &domain.ExtractedEntities{
		FieldConfidence: make(map[string]float64, len(domain.ExtractionFields)),
		Strategy:        domain.StrategyConsensus,
	}

	// 필드 합의에 기여한 횟수. 출처 표기는 가장 많이 기여한 제공자를 쓴다.
	credits := make(map[string]int, len(successes))

	for _, field := range domain.ExtractionFields {
		winner, abstained := o.resolveField(field, successes)

		if abstained && field == domain.FieldDetails {
			// details는 비울 수 없다. 최고 신뢰도 응답으로 대체한다.
			winner = highestConfidenceDetails(successes)
			abstained = winner == nil
			o.log.Warn().
				Str("component", "orchestrator").
				Str("operation", "consensus").
				Str("context", field).
				Msg("no agreement on details, falling back to highest confidence")
		}

		if abstained || winner == nil {
			merged.FieldConfidence[field] = 0
			continue
		}

		setField(merged, field, winner.best())
		merged.FieldConfidence[field] = winner.weightedConfidence()
		for _, v := range winner.votes {
			credits[v.provider]++
		}
	}

	o.stampProvenance(merged, successes, credits)

	o.log.Info().
		Str("component", "orchestrator").
		Str("operation", "consensus").
		Int("context", len(successes)).
		Msg("consensus merged")
	return merged, nil
}

// resolveField groups one field's votes and picks the winner. A nil winner
// with abstained=true means the field ends up null, either because the
// abstain camp was largest or the winning confidence fell below the
// threshold.
func (o *Orchestrator) resolveField(field string, successes []providerResult) (*group, bool) {
	var groups []*group
	abstain := 0

	for _, r := range successes {
		raw, ok := r.entities.FieldString(field)
		if !ok {
			abstain++
			continue
		}
		v := vote{
			provider: r.cfg.Name,
			quality:  o.tracker.QualityOf(r.cfg.Name).QualityScore(),
			raw:      raw,
			conf:     r.entities.Confidence(field),
			src:      r.entities,
		}
		placed := false
		for _, g := range groups {
			if o.sameValue(field, v.raw, g.votes[0].raw) {
				g.votes = append(g.votes, v)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, &group{votes: []vote{v}})
		}
	}

	if len(groups) == 0 {
		return nil, true
	}

	// 크기, 신뢰도 합, 품질 합 순서로 승자를 고른다.
	sort.SliceStable(groups, func(i, j int) bool {
		if len(groups[i].votes) != len(groups[j].votes) {
			return len(groups[i].votes) > len(groups[j].votes)
		}
		if groups[i].confSum() != groups[j].confSum() {
			return groups[i].confSum() > groups[j].confSum()
		}
		return groups[i].qualitySum() > groups[j].qualitySum()
	})
	winner := groups[0]

	// 기권 진영이 더 크면 null. 동률이면 값을 낸 쪽이 이긴다.
	if abstain > len(winner.votes) {
		return nil, true
	}
	if winner.weightedConfidence() < o.cfg.AbstentionThreshold {
		return nil, true
	}
	return winner, false
}

// sameValue decides whether two raw values belong to one group. Dates agree
// only on the exact day; strings agree at the fuzzy threshold.
func (o *Orchestrator) sameValue(field, a, b string) bool {
	if field == domain.FieldCollabDate {
		return a == b
	}
	return fuzzy.JaroWinkler(fuzzy.Normalize(a), fuzzy.Normalize(b)) >= o.cfg.FuzzyThreshold
}

// highestConfidenceDetails returns a single-vote group holding the best
// details answer across all successes, nil when nobody produced details.
func highestConfidenceDetails(successes []providerResult) *group {
	var best *vote
	for _, r := range successes {
		raw, ok := r.entities.FieldString(domain.FieldDetails)
		if !ok {
			continue
		}
		v := vote{
			provider: r.cfg.Name,
			raw:      raw,
			conf:     r.entities.Confidence(domain.FieldDetails),
			src:      r.entities,
		}
		if best == nil || v.conf > best.conf {
			best = &v
		}
	}
	if best == nil {
		return nil
	}
	return &group{votes: []vote{*best}}
}

// setField writes the chosen vote's value into the merged result, keeping
// the member's original casing.
func setField(e *domain.ExtractedEntities, field string, v vote) {
	switch field {
	case domain.FieldPersonInCharge:
		s := v.raw
		e.PersonInCharge = &s
	case domain.FieldCompanyName:
		s := v.raw
		e.CompanyName = &s
	case domain.FieldPartnerOrg:
		s := v.raw
		e.PartnerOrg = &s
	case domain.FieldDetails:
		e.Details = v.raw
	case domain.FieldCollabDate:
		if v.src.CollabDate != nil {
			d := *v.src.CollabDate
			e.CollabDate = &d
		}
	}
}

// stampProvenance fills the merged result's provenance. The named provider
// is the one that agreed with the consensus most often; tokens sum over
// every successful response and latency is the slowest of them, which is
// what the caller actually waited.
func (o *Orchestrator) stampProvenance(merged *domain.ExtractedEntities, successes []providerResult, credits map[string]int) {
	topProvider := successes[0]
	topCredits := -1
	for _, r := range successes {
		if c := credits[r.cfg.Name]; c > topCredits {
			topProvider = r
			topCredits = c
		}
	}
	merged.ProviderName = topProvider.cfg.Name
	merged.ModelID = topProvider.entities.ModelID

	for _, r := range successes {
		merged.InputTokens += r.entities.InputTokens
		merged.OutputTokens += r.entities.OutputTokens
		merged.LatencyMS = max(merged.LatencyMS, r.entities.LatencyMS)
	}
}

// =============================================================================
// Best Match
// =============================================================================

// bestMatch queries every routable provider in parallel and keeps the
// single response with the highest mean confidence. Priority breaks ties.
func (o *Orchestrator) bestMatch(ctx context.Context, in out.ExtractionInput) (*domain.ExtractedEntities, error) {
	results := o.queryAll(ctx, in)

	var best *providerResult
	var lastErr error
	for i := range results {
		r := &results[i]
		if r.err != nil {
			lastErr = r.err
			continue
		}
		if best == nil {
			best = r
			continue
		}
		bc, rc := best.entities.MeanConfidence(), r.entities.MeanConfidence()
		if rc > bc || (rc == bc && r.cfg.Priority < best.cfg.Priority) {
			best = r
		}
	}
	if best == nil {
		return nil, apperr.AllProvidersFailed(lastErr)
	}

	entities := best.entities
	entities.Strategy = domain.StrategyBestMatch
	o.log.Info().
		Str("component", "orchestrator").
		Str("operation", "best_match").
		Str("context", best.cfg.Name).
		Msg("best match selected")
	return entities, nil
}
