// Package extract implements the multi-provider LLM orchestrator. Three
// strategies share one contract: failover walks providers in order,
// consensus merges parallel responses per field, best-match keeps the
// single strongest response. Every provider call runs under the retry
// policy behind that provider's circuit breaker, and every call lands in
// the health and cost trackers whether it succeeded or not.
package extract

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/core/service/health"
	"collabiq/pkg/apperr"
	"collabiq/pkg/resilience"
	"collabiq/pkg/retry"
)

// Defaults mirror the pipeline configuration.
const (
	DefaultTimeout             = 90 * time.Second
	DefaultFuzzyThreshold      = 0.85
	DefaultAbstentionThreshold = 0.25

	minConsensusResponses = 2
)

// Config tunes the orchestrator.
type Config struct {
	Strategy            domain.Strategy
	Timeout             time.Duration // 병렬 전략의 전체 시간 제한
	FuzzyThreshold      float64       // 합의 그룹핑 유사도
	AbstentionThreshold float64       // 이 미만이면 필드를 null로
	QualityRouting      bool          // 우선순위 대신 품질 순서로
}

func (c *Config) applyDefaults() {
	if c.Strategy == "" {
		c.Strategy = domain.StrategyFailover
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.FuzzyThreshold <= 0 {
		c.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if c.AbstentionThreshold <= 0 {
		c.AbstentionThreshold = DefaultAbstentionThreshold
	}
}

// Orchestrator coordinates the provider adapters.
type Orchestrator struct {
	cfg       Config
	providers map[string]out.LLMProvider
	configs   []domain.ProviderConfig // priority ascending
	tracker   *health.Tracker
	breakers  *resilience.Registry
	log       zerolog.Logger
}

// NewOrchestrator wires the adapters with their configs. providers must be
// the factory output: enabled adapters in priority order.
func NewOrchestrator(cfg Config, providers []out.LLMProvider, configs []domain.ProviderConfig, tracker *health.Tracker, breakers *resilience.Registry, log zerolog.Logger) *Orchestrator {
	cfg.applyDefaults()

	byName := make(map[string]out.LLMProvider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}

	// 어댑터가 실제로 만들어진 설정만 유지
	var active []domain.ProviderConfig
	for _, pc := range configs {
		if _, ok := byName[pc.Name]; ok {
			active = append(active, pc)
		}
	}

	return &Orchestrator{
		cfg:       cfg,
		providers: byName,
		configs:   active,
		tracker:   tracker,
		breakers:  breakers,
		log:       log,
	}
}

// Extract runs the configured strategy. An explicit strategy argument
// overrides the default, letting the classifier reuse the orchestrator with
// a different strategy than the entity extraction.
func (o *Orchestrator) Extract(ctx context.Context, in out.ExtractionInput, strategy domain.Strategy) (*domain.ExtractedEntities, error) {
	if strategy == "" {
		strategy = o.cfg.Strategy
	}

	switch strategy {
	case domain.StrategyConsensus:
		return o.consensus(ctx, in)
	case domain.StrategyBestMatch:
		return o.bestMatch(ctx, in)
	default:
		return o.failover(ctx, in)
	}
}

// Complete runs a free-form completion through the failover chain. The
// summarizer and the intensity classifier ride on this.
func (o *Orchestrator) Complete(ctx context.Context, system, user string) (*out.CompletionResult, string, error) {
	var lastErr error
	for i, pc := range o.routingOrder() {
		provider := o.providers[pc.Name]
		breaker := o.breakers.Get(resilience.LLMService(pc.Name))
		if !breaker.Allow() {
			o.logSkip(pc.Name, "complete")
			lastErr = apperr.CircuitOpen(resilience.LLMService(pc.Name))
			continue
		}

		result, attempts, err := retry.Do(ctx, resilience.LLMService(pc.Name), o.retryPolicy(pc), o.log,
			func(ctx context.Context) (*out.CompletionResult, error) {
				return resilience.Execute(ctx, breaker, func(ctx context.Context) (*out.CompletionResult, error) {
					return provider.Complete(ctx, system, user)
				})
			})
		if err != nil {
			o.tracker.RecordFailure(ctx, pc.Name, err)
			o.logProviderFailure(pc.Name, "complete", attempts, err)
			lastErr = err
			continue
		}

		o.tracker.RecordSuccess(ctx, pc, result.LatencyMS, result.InputTokens, result.OutputTokens)
		if i > 0 {
			o.log.Info().
				Str("component", "orchestrator").
				Str("operation", "complete").
				Str("context", pc.Name).
				Msg("completion served by fallback provider")
		}
		return result, pc.Name, nil
	}
	return nil, "", apperr.AllProvidersFailed(lastErr)
}

// =============================================================================
// Failover
// =============================================================================

func (o *Orchestrator) failover(ctx context.Context, in out.ExtractionInput) (*domain.ExtractedEntities, error) {
	order := o.routingOrder()
	var lastErr error

	for i, pc := range order {
		provider := o.providers[pc.Name]
		breaker := o.breakers.Get(resilience.LLMService(pc.Name))
		if !breaker.Allow() {
			o.logSkip(pc.Name, "extract")
			lastErr = apperr.CircuitOpen(resilience.LLMService(pc.Name))
			continue
		}

		entities, err := o.callProvider(ctx, provider, pc, in)
		if err != nil {
			lastErr = err
			continue
		}

		entities.Strategy = domain.StrategyFailover
		entities.FallbackUsed = i > 0
		return entities, nil
	}
	return nil, apperr.AllProvidersFailed(lastErr)
}

// =============================================================================
// Parallel Query (consensus / best-match)
// =============================================================================

type providerResult struct {
	cfg      domain.ProviderConfig
	entities *domain.ExtractedEntities
	err      error
}

// queryAll fans out to every routable provider and waits for all of them
// under the orchestrator timeout. Health and cost are recorded inside
// callProvider for every provider actually called.
func (o *Orchestrator) queryAll(ctx context.Context, in out.ExtractionInput) []providerResult {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	order := make([]domain.ProviderConfig, 0, len(o.configs))
	for _, pc := range o.routingOrder() {
		if !o.breakers.Get(resilience.LLMService(pc.Name)).Allow() {
			o.logSkip(pc.Name, "extract")
			continue
		}
		order = append(order, pc)
	}

	results := make([]providerResult, len(order))
	var g errgroup.Group
	for i, pc := range order {
		g.Go(func() error {
			entities, err := o.callProvider(ctx, o.providers[pc.Name], pc, in)
			results[i] = providerResult{cfg: pc, entities: entities, err: err}
			return nil
		})
	}
	_ = g.Wait() // 고루틴은 에러를 results에 담는다
	return results
}

// callProvider is one guarded provider call: retry outside, breaker inside,
// trackers updated on both outcomes.
func (o *Orchestrator) callProvider(ctx context.Context, provider out.LLMProvider, pc domain.ProviderConfig, in out.ExtractionInput) (*domain.ExtractedEntities, error) {
	breaker := o.breakers.Get(resilience.LLMService(pc.Name))

	entities, attempts, err := retry.Do(ctx, resilience.LLMService(pc.Name), o.retryPolicy(pc), o.log,
		func(ctx context.Context) (*domain.ExtractedEntities, error) {
			return resilience.Execute(ctx, breaker, func(ctx context.Context) (*domain.ExtractedEntities, error) {
				return provider.Extract(ctx, in)
			})
		})
	if err != nil {
		o.tracker.RecordFailure(ctx, pc.Name, err)
		o.logProviderFailure(pc.Name, "extract", attempts, err)
		return nil, err
	}

	o.tracker.RecordSuccess(ctx, pc, entities.LatencyMS, entities.InputTokens, entities.OutputTokens)
	return entities, nil
}

// retryPolicy starts from the LLM defaults and applies per-provider
// overrides.
func (o *Orchestrator) retryPolicy(pc domain.ProviderConfig) retry.Policy {
	p := retry.LLMPolicy()
	if pc.MaxRetries > 0 {
		p.MaxAttempts = pc.MaxRetries
	}
	if pc.TimeoutMS > 0 {
		p.AttemptTimeout = time.Duration(pc.TimeoutMS) * time.Millisecond
	}
	return p
}

// routingOrder returns enabled providers in quality order when routing is
// on (falling back to priority when no ranking is available), else static
// priority order.
func (o *Orchestrator) routingOrder() []domain.ProviderConfig {
	if o.cfg.QualityRouting {
		if ranked := o.tracker.RankByQuality(o.configs); len(ranked) > 0 {
			return ranked
		}
	}
	return o.configs
}

func (o *Orchestrator) logSkip(provider, operation string) {
	o.log.Info().
		Str("component", "orchestrator").
		Str("operation", operation).
		Str("circuit_state", "open").
		Str("context", provider).
		Msg("provider skipped, circuit open")
}

func (o *Orchestrator) logProviderFailure(provider, operation string, retries int, err error) {
	o.log.Warn().
		Str("component", "orchestrator").
		Str("operation", operation).
		Str("context", provider).
		Int("retry_count", retries).
		Str("category", apperr.CategoryOf(err).String()).
		Err(err).
		Msg("provider call failed")
}
