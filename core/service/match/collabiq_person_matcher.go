package match

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"collabiq/core/domain"
	"collabiq/pkg/fuzzy"
)

const (
	personHighBand   = 0.90
	personMediumBand = 0.80
	ambiguityBand    = 0.10
)

// UserSource is the slice of the workspace reader the person matcher
// consumes.
type UserSource interface {
	Users(ctx context.Context) ([]domain.WorkspaceUser, error)
}

// PersonMatcher resolves person names to workspace members. Bots are
// ignored and users are never created.
type PersonMatcher struct {
	source    UserSource
	threshold float64
	log       zerolog.Logger
}

func NewPersonMatcher(source UserSource, threshold float64, log zerolog.Logger) *PersonMatcher {
	if threshold <= 0 {
		threshold = PersonThreshold
	}
	return &PersonMatcher{source: source, threshold: threshold, log: log}
}

type personCandidate struct {
	user  domain.WorkspaceUser
	sim   float64
	exact bool
}

// Match resolves one name. Ambiguity means at least two candidates above
// threshold within 0.10 of the top; the top still wins but is flagged and
// the runners-up are reported.
func (m *PersonMatcher) Match(ctx context.Context, name string) (domain.PersonMatch, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return domain.PersonMatch{MatchType: domain.MatchNone, ConfidenceLevel: domain.ConfidenceNone}, nil
	}

	users, err := m.source.Users(ctx)
	if err != nil {
		return domain.PersonMatch{}, err
	}

	norm := fuzzy.Normalize(trimmed)
	var candidates []personCandidate
	for _, u := range users {
		if u.Type != domain.UserPerson {
			continue
		}
		exact := trimmed == strings.TrimSpace(u.Name)
		sim := 1.0
		if !exact {
			sim = fuzzy.JaroWinkler(norm, fuzzy.Normalize(u.Name))
		}
		candidates = append(candidates, personCandidate{user: u, sim: sim, exact: exact})
	}

	// 유사도 내림차순, 동점은 exact 우선
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].sim != candidates[j].sim {
			return candidates[i].sim > candidates[j].sim
		}
		return candidates[i].exact && !candidates[j].exact
	})

	if len(candidates) == 0 || candidates[0].sim < m.threshold {
		top := 0.0
		if len(candidates) > 0 {
			top = candidates[0].sim
		}
		return domain.PersonMatch{
			Similarity:      top,
			MatchType:       domain.MatchNone,
			ConfidenceLevel: domain.ConfidenceNone,
		}, nil
	}

	top := candidates[0]
	var alternatives []domain.PersonAlternative
	for _, c := range candidates[1:] {
		if c.sim < m.threshold || top.sim-c.sim > ambiguityBand {
			continue
		}
		alternatives = append(alternatives, domain.PersonAlternative{
			UserID:     c.user.ID,
			UserName:   c.user.Name,
			Similarity: c.sim,
		})
	}
	ambiguous := len(alternatives) > 0

	matchType := domain.MatchFuzzy
	if top.exact {
		matchType = domain.MatchExact
	}

	result := domain.PersonMatch{
		UserID:          top.user.ID,
		UserName:        top.user.Name,
		Similarity:      top.sim,
		MatchType:       matchType,
		ConfidenceLevel: personConfidence(top, ambiguous),
		IsAmbiguous:     ambiguous,
		Alternatives:    alternatives,
	}

	if ambiguous {
		m.log.Warn().
			Str("component", "matcher").
			Str("operation", "person_match").
			Dict("context", zerolog.Dict().
				Str("name", trimmed).
				Str("matched", top.user.Name).
				Float64("similarity", top.sim).
				Int("alternatives", len(alternatives))).
			Msg("ambiguous person match")
	}
	return result, nil
}

// personConfidence applies the downstream-policy ladder. Ambiguity caps
// the level at medium regardless of similarity.
func personConfidence(top personCandidate, ambiguous bool) domain.ConfidenceLevel {
	if ambiguous {
		return domain.ConfidenceMedium
	}
	switch {
	case top.exact, top.sim >= personHighBand:
		return domain.ConfidenceHigh
	case top.sim >= personMediumBand:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}
