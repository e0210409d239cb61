// Package match resolves extracted names against the workspace caches.
// Companies can be auto-created when nothing comes close; users never are.
// Matching is a linear Jaro-Winkler scan, fine up to roughly a thousand
// entries.
package match

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"collabiq/core/domain"
	"collabiq/pkg/fuzzy"
)

// Thresholds and confidence bands.
const (
	CompanyThreshold = 0.85
	PersonThreshold  = 0.70

	companyHighBand = 0.95
	nearMissFloor   = 0.70
)

// CompanySource is the slice of the workspace reader the company matcher
// consumes.
type CompanySource interface {
	Companies(ctx context.Context) ([]domain.Company, error)
	CreateCompany(ctx context.Context, name string) (string, error)
}

// CompanyMatcher resolves company names to Companies pages.
type CompanyMatcher struct {
	source    CompanySource
	threshold float64
	log       zerolog.Logger
}

func NewCompanyMatcher(source CompanySource, threshold float64, log zerolog.Logger) *CompanyMatcher {
	if threshold <= 0 {
		threshold = CompanyThreshold
	}
	return &CompanyMatcher{source: source, threshold: threshold, log: log}
}

// Match resolves one name. Order: exact (case-sensitive, trimmed), fuzzy
// arg-max at the threshold, then auto-creation when allowed. The returned
// error is a workspace failure, never a no-match.
func (m *CompanyMatcher) Match(ctx context.Context, name string, autoCreate bool) (domain.CompanyMatch, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return domain.CompanyMatch{MatchType: domain.MatchNone, ConfidenceLevel: domain.ConfidenceNone}, nil
	}

	companies, err := m.source.Companies(ctx)
	if err != nil {
		return domain.CompanyMatch{}, err
	}

	var (
		bestSim  float64
		bestRow  domain.Company
		haveBest bool
	)
	norm := fuzzy.Normalize(trimmed)
	for _, c := range companies {
		if trimmed == strings.TrimSpace(c.Name) {
			return domain.CompanyMatch{
				PageID:          c.ID,
				MatchedName:     c.Name,
				Similarity:      1.0,
				MatchType:       domain.MatchExact,
				ConfidenceLevel: domain.ConfidenceHigh,
			}, nil
		}
		// 동점이면 먼저 등록된 회사가 이긴다
		if sim := fuzzy.JaroWinkler(norm, fuzzy.Normalize(c.Name)); sim > bestSim {
			bestSim, bestRow, haveBest = sim, c, true
		}
	}

	if haveBest && bestSim >= m.threshold {
		level := domain.ConfidenceMedium
		if bestSim >= companyHighBand {
			level = domain.ConfidenceHigh
		}
		return domain.CompanyMatch{
			PageID:          bestRow.ID,
			MatchedName:     bestRow.Name,
			Similarity:      bestSim,
			MatchType:       domain.MatchFuzzy,
			ConfidenceLevel: level,
		}, nil
	}

	if haveBest && bestSim >= nearMissFloor {
		m.log.Info().
			Str("component", "matcher").
			Str("operation", "company_match").
			Dict("context", zerolog.Dict().
				Str("name", trimmed).
				Str("nearest", bestRow.Name).
				Float64("similarity", bestSim)).
			Msg("company near miss below threshold")
	}

	if autoCreate {
		pageID, err := m.source.CreateCompany(ctx, trimmed)
		if err != nil {
			return domain.CompanyMatch{}, err
		}
		m.log.Info().
			Str("component", "matcher").
			Str("operation", "company_create").
			Str("context", trimmed).
			Msg("company auto-created")
		return domain.CompanyMatch{
			PageID:          pageID,
			MatchedName:     trimmed,
			Similarity:      bestSim,
			MatchType:       domain.MatchCreated,
			ConfidenceLevel: domain.ConfidenceHigh,
			WasCreated:      true,
		}, nil
	}

	level := domain.ConfidenceNone
	if haveBest && bestSim >= nearMissFloor {
		level = domain.ConfidenceLow
	}
	return domain.CompanyMatch{
		Similarity:      bestSim,
		MatchType:       domain.MatchNone,
		ConfidenceLevel: level,
	}, nil
}
