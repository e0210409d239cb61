package out

import (
	"context"

	"collabiq/core/domain"
)

// DLQFilter narrows List results; zero values mean no constraint.
type DLQFilter struct {
	OperationType domain.OperationType
	Status        domain.DLQStatus
	Limit         int
}

// DLQStore defines the outbound port for the file-backed dead-letter
// queue. Entries are single JSON files; listing follows file modification
// time so replay processes oldest entries first.
type DLQStore interface {
	Save(ctx context.Context, entry *domain.DLQEntry) error
	Get(ctx context.Context, dlqID string) (*domain.DLQEntry, error)
	List(ctx context.Context, filter DLQFilter) ([]*domain.DLQEntry, error)
	Update(ctx context.Context, entry *domain.DLQEntry) error

	// Replay idempotency index (.processed_ids)
	IsProcessed(ctx context.Context, dlqID string) (bool, error)
	MarkProcessed(ctx context.Context, dlqID string) error

	// Per-entry replay locks. TryLock returns false when another replay
	// holds the entry.
	TryLock(dlqID string) (release func(), ok bool)
}

// StateStore defines the outbound port for the daemon cursor state.
// Save must be atomic (write-temp then rename).
type StateStore interface {
	Load(ctx context.Context) (*domain.DaemonState, error)
	Save(ctx context.Context, state *domain.DaemonState) error
}

// MetricsStore defines the outbound port for persisted provider metrics.
// All three documents are keyed by provider name.
type MetricsStore interface {
	LoadHealth(ctx context.Context) (map[string]*domain.ProviderHealth, error)
	SaveHealth(ctx context.Context, health map[string]*domain.ProviderHealth) error

	LoadCost(ctx context.Context) (map[string]*domain.CostSummary, error)
	SaveCost(ctx context.Context, cost map[string]*domain.CostSummary) error

	LoadQuality(ctx context.Context) (map[string]*domain.QualityMetrics, error)
	SaveQuality(ctx context.Context, quality map[string]*domain.QualityMetrics) error
}

// WorkspaceCache defines the outbound port for the file-backed workspace
// caches. Expiry is the caller's concern: Load returns whatever is on disk
// together with its envelope metadata.
type WorkspaceCache interface {
	LoadSchema(ctx context.Context) (*domain.CacheEnvelope[WorkspaceSchema], error)
	SaveSchema(ctx context.Context, env domain.CacheEnvelope[WorkspaceSchema]) error

	LoadCompanies(ctx context.Context) (*domain.CacheEnvelope[[]domain.Company], error)
	SaveCompanies(ctx context.Context, env domain.CacheEnvelope[[]domain.Company]) error

	LoadUsers(ctx context.Context) (*domain.CacheEnvelope[[]domain.WorkspaceUser], error)
	SaveUsers(ctx context.Context, env domain.CacheEnvelope[[]domain.WorkspaceUser]) error
}
