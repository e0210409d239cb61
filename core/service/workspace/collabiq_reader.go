// Package workspace serves the matchers' hot reads from file-backed TTL
// caches in front of the workspace API. Invalidation is lazy: expiry is
// checked when a read comes in, and a failed refresh falls back to the
// stale copy rather than stopping the pipeline.
package workspace

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collabiq/core/domain"
	"collabiq/core/port/out"
)

// Cache lifetimes. The schema changes rarely, membership even less, and
// companies grow with auto-creation, hence the shorter window.
const (
	SchemaTTL    = 24 * time.Hour
	CompaniesTTL = 6 * time.Hour
	UsersTTL     = 24 * time.Hour
)

// Reader is the caching read side of the workspace. The pipeline is
// strictly sequential, so the mutex only matters for the ops endpoints
// peeking at cache ages.
type Reader struct {
	store out.WorkspaceStore
	cache out.WorkspaceCache
	log   zerolog.Logger

	mu        sync.Mutex
	schema    *domain.CacheEnvelope[out.WorkspaceSchema]
	companies *domain.CacheEnvelope[[]domain.Company]
	users     *domain.CacheEnvelope[[]domain.WorkspaceUser]

	now func() time.Time
}

func NewReader(store out.WorkspaceStore, cache out.WorkspaceCache, log zerolog.Logger) *Reader {
	return &Reader{
		store: store,
		cache: cache,
		log:   log,
		now:   time.Now,
	}
}

// Schema returns the discovered database schemas, refreshing after 24 h.
func (r *Reader) Schema(ctx context.Context) (*out.WorkspaceSchema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.schema == nil {
		r.schema = r.loadSchemaFile(ctx)
	}
	if r.schema != nil && !r.schema.Expired(now) {
		s := r.schema.Data
		return &s, nil
	}

	fresh, err := r.store.Schema(ctx)
	if err != nil {
		if r.schema != nil {
			r.serveStale("schema", err)
			s := r.schema.Data
			return &s, nil
		}
		return nil, err
	}

	env := domain.CacheEnvelope[out.WorkspaceSchema]{
		CachedAt:   now,
		TTLSeconds: int64(SchemaTTL / time.Second),
		Data:       *fresh,
	}
	if err := r.cache.SaveSchema(ctx, env); err != nil {
		r.saveFailed("schema", err)
	}
	r.schema = &env
	return fresh, nil
}

// Companies returns every Companies row, refreshing after 6 h.
func (r *Reader) Companies(ctx context.Context) ([]domain.Company, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.companies == nil {
		r.companies = r.loadCompaniesFile(ctx)
	}
	if r.companies != nil && !r.companies.Expired(now) {
		return r.companies.Data, nil
	}

	rows, err := r.store.ListCompanies(ctx)
	if err != nil {
		if r.companies != nil {
			r.serveStale("companies", err)
			return r.companies.Data, nil
		}
		return nil, err
	}

	env := domain.CacheEnvelope[[]domain.Company]{
		CachedAt:   now,
		TTLSeconds: int64(CompaniesTTL / time.Second),
		Data:       rows,
	}
	if err := r.cache.SaveCompanies(ctx, env); err != nil {
		r.saveFailed("companies", err)
	}
	r.companies = &env
	return rows, nil
}

// Users returns every workspace member, refreshing after 24 h.
func (r *Reader) Users(ctx context.Context) ([]domain.WorkspaceUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.users == nil {
		r.users = r.loadUsersFile(ctx)
	}
	if r.users != nil && !r.users.Expired(now) {
		return r.users.Data, nil
	}

	rows, err := r.store.ListUsers(ctx)
	if err != nil {
		if r.users != nil {
			r.serveStale("users", err)
			return r.users.Data, nil
		}
		return nil, err
	}

	env := domain.CacheEnvelope[[]domain.WorkspaceUser]{
		CachedAt:   now,
		TTLSeconds: int64(UsersTTL / time.Second),
		Data:       rows,
	}
	if err := r.cache.SaveUsers(ctx, env); err != nil {
		r.saveFailed("users", err)
	}
	r.users = &env
	return rows, nil
}

// CreateCompany adds a Companies row through the API and splices it into
// the cache so matches later in the same cycle see it without a refetch.
// The envelope keeps its original CachedAt: appending must not postpone
// the next full refresh.
func (r *Reader) CreateCompany(ctx context.Context, name string) (string, error) {
	pageID, err := r.store.CreateCompany(ctx, name)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	company := domain.Company{ID: pageID, Name: name}
	if r.companies == nil {
		r.companies = &domain.CacheEnvelope[[]domain.Company]{
			CachedAt:   r.now(),
			TTLSeconds: int64(CompaniesTTL / time.Second),
		}
	}
	r.companies.Data = append(r.companies.Data, company)
	if err := r.cache.SaveCompanies(ctx, *r.companies); err != nil {
		r.saveFailed("companies", err)
	}
	return pageID, nil
}

// Warm loads every cache, hitting the API for whatever is missing or
// expired. Called once at startup so the first email does not pay the
// discovery cost.
func (r *Reader) Warm(ctx context.Context) error {
	if _, err := r.Schema(ctx); err != nil {
		return err
	}
	if _, err := r.Companies(ctx); err != nil {
		return err
	}
	if _, err := r.Users(ctx); err != nil {
		return err
	}
	return nil
}

// CacheAges reports seconds since each cache was filled, -1 when empty.
// The status surfaces read this.
func (r *Reader) CacheAges() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	ages := map[string]int64{"schema": -1, "companies": -1, "users": -1}
	if r.schema != nil {
		ages["schema"] = int64(now.Sub(r.schema.CachedAt).Seconds())
	}
	if r.companies != nil {
		ages["companies"] = int64(now.Sub(r.companies.CachedAt).Seconds())
	}
	if r.users != nil {
		ages["users"] = int64(now.Sub(r.users.CachedAt).Seconds())
	}
	return ages
}

// =============================================================================
// Disk cache helpers
// =============================================================================

// 파일 캐시가 깨져 있으면 없는 것으로 취급하고 API로 간다

func (r *Reader) loadSchemaFile(ctx context.Context) *domain.CacheEnvelope[out.WorkspaceSchema] {
	env, err := r.cache.LoadSchema(ctx)
	if err != nil {
		r.loadFailed("schema", err)
		return nil
	}
	return env
}

func (r *Reader) loadCompaniesFile(ctx context.Context) *domain.CacheEnvelope[[]domain.Company] {
	env, err := r.cache.LoadCompanies(ctx)
	if err != nil {
		r.loadFailed("companies", err)
		return nil
	}
	return env
}

func (r *Reader) loadUsersFile(ctx context.Context) *domain.CacheEnvelope[[]domain.WorkspaceUser] {
	env, err := r.cache.LoadUsers(ctx)
	if err != nil {
		r.loadFailed("users", err)
		return nil
	}
	return env
}

func (r *Reader) serveStale(cache string, err error) {
	r.log.Warn().
		Str("component", "workspace_reader").
		Str("operation", "refresh").
		Str("context", cache).
		Err(err).
		Msg("refresh failed, serving stale cache")
}

func (r *Reader) loadFailed(cache string, err error) {
	r.log.Warn().
		Str("component", "workspace_reader").
		Str("operation", "cache_load").
		Str("context", cache).
		Err(err).
		Msg("cache file unreadable, fetching fresh")
}

func (r *Reader) saveFailed(cache string, err error) {
	r.log.Warn().
		Str("component", "workspace_reader").
		Str("operation", "cache_save").
		Str("context", cache).
		Err(err).
		Msg("cache persist failed")
}
