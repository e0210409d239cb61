// Package health tracks per-provider health, cost and extraction quality.
// Every LLM call lands here; the daemon and the routing logic read from
// here. All three documents persist as JSON so trends survive restarts.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/pkg/metrics"
	"collabiq/pkg/resilience"
)

// ewmaAlpha weights the newest latency sample. 0.2 smooths single spikes
// while still following a real trend within a handful of calls.
const ewmaAlpha = 0.2

// maxLastErrorLen bounds the persisted error text.
const maxLastErrorLen = 500

// latencyWindow is the sliding window behind the status percentiles.
const latencyWindow = 512

// Tracker aggregates health, cost and quality per provider.
type Tracker struct {
	mu       sync.Mutex
	store    out.MetricsStore
	breakers *resilience.Registry
	log      zerolog.Logger

	health    map[string]*domain.ProviderHealth
	cost      map[string]*domain.CostSummary
	quality   map[string]*domain.QualityMetrics
	latencies *metrics.LatencyRegistry
}

// NewTracker loads the persisted documents; missing files start empty.
func NewTracker(ctx context.Context, store out.MetricsStore, breakers *resilience.Registry, log zerolog.Logger) (*Tracker, error) {
	health, err := store.LoadHealth(ctx)
	if err != nil {
		return nil, err
	}
	cost, err := store.LoadCost(ctx)
	if err != nil {
		return nil, err
	}
	quality, err := store.LoadQuality(ctx)
	if err != nil {
		return nil, err
	}

	if health == nil {
		health = make(map[string]*domain.ProviderHealth)
	}
	if cost == nil {
		cost = make(map[string]*domain.CostSummary)
	}
	if quality == nil {
		quality = make(map[string]*domain.QualityMetrics)
	}

	return &Tracker{
		store:     store,
		breakers:  breakers,
		log:       log,
		health:    health,
		cost:      cost,
		quality:   quality,
		latencies: metrics.NewLatencyRegistry(latencyWindow),
	}, nil
}

// =============================================================================
// Recording
// =============================================================================

// RecordSuccess updates counters, the EWMA latency and the token spend for
// one successful call.
func (t *Tracker) RecordSuccess(ctx context.Context, cfg domain.ProviderConfig, latencyMS int64, inputTokens, outputTokens int) {
	t.mu.Lock()

	h := t.healthOf(cfg.Name)
	h.SuccessCount++
	h.ConsecutiveFailures = 0
	h.LastSuccessAt = time.Now().UTC()
	h.LastError = ""
	if h.AvgLatencyMS == 0 {
		h.AvgLatencyMS = float64(latencyMS)
	} else {
		h.AvgLatencyMS = ewmaAlpha*float64(latencyMS) + (1-ewmaAlpha)*h.AvgLatencyMS
	}

	c := t.costOf(cfg.Name)
	c.APICalls++
	c.InputTokens += int64(inputTokens)
	c.OutputTokens += int64(outputTokens)
	c.TotalTokens += int64(inputTokens + outputTokens)
	c.TotalCostUSD += cfg.CostOf(inputTokens, outputTokens)

	t.mu.Unlock()

	t.latencies.RecordMS(cfg.Name, float64(latencyMS))
	t.persist(ctx)
}

// RecordFailure updates failure counters and keeps a truncated error text.
func (t *Tracker) RecordFailure(ctx context.Context, provider string, callErr error) {
	t.mu.Lock()

	h := t.healthOf(provider)
	h.FailureCount++
	h.ConsecutiveFailures++
	h.LastFailureAt = time.Now().UTC()
	if callErr != nil {
		msg := callErr.Error()
		if len(msg) > maxLastErrorLen {
			msg = msg[:maxLastErrorLen]
		}
		h.LastError = msg
	}

	t.mu.Unlock()
	t.persist(ctx)
}

// RecordQuality folds one validated extraction into the rolling quality
// averages.
func (t *Tracker) RecordQuality(ctx context.Context, provider string, e *domain.ExtractedEntities, validationOK bool) {
	if e == nil {
		return
	}

	t.mu.Lock()

	q := t.qualityOf(provider)
	n := float64(q.SampleCount + 1)

	q.AvgConfidence += (e.MeanConfidence() - q.AvgConfidence) / n
	q.AvgCompleteness += (e.Completeness() - q.AvgCompleteness) / n

	validated := 0.0
	if validationOK {
		validated = 1.0
	}
	q.ValidationSuccessRate += (validated - q.ValidationSuccessRate) / n

	if q.AvgFieldConfidence == nil {
		q.AvgFieldConfidence = make(map[string]float64, len(domain.ExtractionFields))
	}
	for _, field := range domain.ExtractionFields {
		conf := e.Confidence(field)
		q.AvgFieldConfidence[field] += (conf - q.AvgFieldConfidence[field]) / n
	}

	q.SampleCount++

	t.mu.Unlock()
	t.persist(ctx)
}

// RecordEmailProcessed attributes one finished email to the providers that
// served it, so avg-cost-per-email stays honest under consensus fan-out.
func (t *Tracker) RecordEmailProcessed(ctx context.Context, providers ...string) {
	t.mu.Lock()
	for _, name := range providers {
		t.costOf(name).EmailsProcessed++
	}
	t.mu.Unlock()
	t.persist(ctx)
}

// =============================================================================
// Reading
// =============================================================================

// HealthOf returns a copy of one provider's health with the live breaker
// state stamped in.
func (t *Tracker) HealthOf(provider string) domain.ProviderHealth {
	t.mu.Lock()
	h := *t.healthOf(provider)
	t.mu.Unlock()

	h.CircuitState = t.breakers.Get(resilience.LLMService(provider)).State()
	return h
}

// QualityOf returns a copy of the rolling quality for one provider.
func (t *Tracker) QualityOf(provider string) domain.QualityMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := *t.qualityOf(provider)
	if q.AvgFieldConfidence != nil {
		clone := make(map[string]float64, len(q.AvgFieldConfidence))
		for k, v := range q.AvgFieldConfidence {
			clone[k] = v
		}
		q.AvgFieldConfidence = clone
	}
	return q
}

// Snapshot is the status-surface view of every tracked provider.
type Snapshot struct {
	Health    map[string]domain.ProviderHealth `json:"health"`
	Cost      map[string]domain.CostSummary    `json:"cost"`
	Quality   map[string]domain.QualityMetrics `json:"quality"`
	Latencies map[string]metrics.LatencyStats  `json:"latencies"`
}

// SnapshotAll deep-copies every document for the status surface.
func (t *Tracker) SnapshotAll() Snapshot {
	t.mu.Lock()

	snap := Snapshot{
		Health:  make(map[string]domain.ProviderHealth, len(t.health)),
		Cost:    make(map[string]domain.CostSummary, len(t.cost)),
		Quality: make(map[string]domain.QualityMetrics, len(t.quality)),
	}
	for name, h := range t.health {
		snap.Health[name] = *h
	}
	for name, c := range t.cost {
		snap.Cost[name] = *c
	}
	for name, q := range t.quality {
		clone := *q
		if q.AvgFieldConfidence != nil {
			fields := make(map[string]float64, len(q.AvgFieldConfidence))
			for k, v := range q.AvgFieldConfidence {
				fields[k] = v
			}
			clone.AvgFieldConfidence = fields
		}
		snap.Quality[name] = clone
	}

	t.mu.Unlock()

	for name, h := range snap.Health {
		h.CircuitState = t.breakers.Get(resilience.LLMService(name)).State()
		snap.Health[name] = h
	}
	snap.Latencies = t.latencies.Stats()
	return snap
}

// RankByQuality orders enabled, healthy providers by value score for
// quality-based routing. Sampled providers outrank unsampled ones; ties
// fall back to static priority. An empty result means no provider is
// currently healthy and the caller should fall back to priority order.
func (t *Tracker) RankByQuality(cfgs []domain.ProviderConfig) []domain.ProviderConfig {
	type ranked struct {
		cfg     domain.ProviderConfig
		sampled bool
		value   float64
	}

	var candidates []ranked
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		if !t.HealthOf(cfg.Name).IsHealthy() {
			continue
		}

		t.mu.Lock()
		q := t.qualityOf(cfg.Name)
		avgCost := t.costOf(cfg.Name).AvgCostPerEmail()
		sampled := q.SampleCount > 0
		value := q.ValueScore(avgCost)
		t.mu.Unlock()

		candidates = append(candidates, ranked{cfg: cfg, sampled: sampled, value: value})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].sampled != candidates[j].sampled {
			return candidates[i].sampled
		}
		if candidates[i].value != candidates[j].value {
			return candidates[i].value > candidates[j].value
		}
		return candidates[i].cfg.Priority < candidates[j].cfg.Priority
	})

	result := make([]domain.ProviderConfig, len(candidates))
	for i, c := range candidates {
		result[i] = c.cfg
	}
	return result
}

// =============================================================================
// Persistence
// =============================================================================

// Persist writes all three documents. Failures are logged, never fatal;
// metrics must not take the pipeline down.
func (t *Tracker) Persist(ctx context.Context) {
	t.persist(ctx)
}

func (t *Tracker) persist(ctx context.Context) {
	// 저장은 락 밖에서 하도록 깊은 복사본을 만든다. Record 계열이 병렬로
	// 도는 합의 전략에서도 마샬링과 변경이 겹치지 않는다.
	t.mu.Lock()
	health := make(map[string]*domain.ProviderHealth, len(t.health))
	for name, h := range t.health {
		clone := *h
		clone.CircuitState = t.breakers.Get(resilience.LLMService(name)).State()
		health[name] = &clone
	}
	cost := make(map[string]*domain.CostSummary, len(t.cost))
	for name, c := range t.cost {
		clone := *c
		cost[name] = &clone
	}
	quality := make(map[string]*domain.QualityMetrics, len(t.quality))
	for name, q := range t.quality {
		clone := *q
		if q.AvgFieldConfidence != nil {
			fields := make(map[string]float64, len(q.AvgFieldConfidence))
			for k, v := range q.AvgFieldConfidence {
				fields[k] = v
			}
			clone.AvgFieldConfidence = fields
		}
		quality[name] = &clone
	}
	t.mu.Unlock()

	if err := t.store.SaveHealth(ctx, health); err != nil {
		t.warn("save_health", err)
	}
	if err := t.store.SaveCost(ctx, cost); err != nil {
		t.warn("save_cost", err)
	}
	if err := t.store.SaveQuality(ctx, quality); err != nil {
		t.warn("save_quality", err)
	}
}

func (t *Tracker) warn(operation string, err error) {
	t.log.Warn().
		Str("component", "health_tracker").
		Str("operation", operation).
		Err(err).
		Msg("metrics persistence failed")
}

func (t *Tracker) healthOf(provider string) *domain.ProviderHealth {
	h, ok := t.health[provider]
	if !ok {
		h = &domain.ProviderHealth{}
		t.health[provider] = h
	}
	return h
}

func (t *Tracker) costOf(provider string) *domain.CostSummary {
	c, ok := t.cost[provider]
	if !ok {
		c = &domain.CostSummary{}
		t.cost[provider] = c
	}
	return c
}

func (t *Tracker) qualityOf(provider string) *domain.QualityMetrics {
	q, ok := t.quality[provider]
	if !ok {
		q = &domain.QualityMetrics{}
		t.quality[provider] = q
	}
	return q
}
