package out

import (
	"context"
	"time"

	"collabiq/core/domain"
)

// ExtractionInput is the per-email input of one extraction call. ReceivedAt
// anchors relative Korean dates in the body ("어제", "지난주 금요일").
type ExtractionInput struct {
	BodyText   string
	ReceivedAt time.Time
}

// CompletionResult carries a free-form model response with its usage.
type CompletionResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
	LatencyMS    int64
}

// LLMProvider defines the outbound port over one model API. Adapters fill
// provenance (provider name, model id, tokens, latency) on every result;
// the orchestrator fills strategy and fallback flags.
type LLMProvider interface {
	// Name returns the stable provider key used for health, cost and
	// circuit-breaker bookkeeping.
	Name() string

	// ModelID returns the concrete model identifier in use.
	ModelID() string

	// Extract runs the entity-extraction prompt against the email body and
	// parses the structured response. Schema violations in the model output
	// classify PERMANENT.
	Extract(ctx context.Context, in ExtractionInput) (*domain.ExtractedEntities, error)

	// Complete runs an arbitrary system+user prompt. Used for intensity
	// classification and summary generation.
	Complete(ctx context.Context, system, user string) (*CompletionResult, error)
}
