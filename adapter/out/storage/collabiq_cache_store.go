package storage

import (
	"context"
	"os"
	"path/filepath"

	"collabiq/core/domain"
	"collabiq/core/port/out"
)

// CacheStore persists workspace caches as schema.json, companies.json and
// users.json, each wrapped in a TTL envelope. A missing file returns nil so
// the reader falls through to the API.
type CacheStore struct {
	dir string
}

var _ out.WorkspaceCache = (*CacheStore)(nil)

func NewCacheStore(dir string) *CacheStore {
	return &CacheStore{dir: dir}
}

func loadEnvelope[T any](path string) (*domain.CacheEnvelope[T], error) {
	var env domain.CacheEnvelope[T]
	err := readJSON(path, &env)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *CacheStore) LoadSchema(ctx context.Context) (*domain.CacheEnvelope[out.WorkspaceSchema], error) {
	return loadEnvelope[out.WorkspaceSchema](filepath.Join(s.dir, "schema.json"))
}

func (s *CacheStore) SaveSchema(ctx context.Context, env domain.CacheEnvelope[out.WorkspaceSchema]) error {
	return writeJSONAtomic(filepath.Join(s.dir, "schema.json"), env)
}

func (s *CacheStore) LoadCompanies(ctx context.Context) (*domain.CacheEnvelope[[]domain.Company], error) {
	return loadEnvelope[[]domain.Company](filepath.Join(s.dir, "companies.json"))
}

func (s *CacheStore) SaveCompanies(ctx context.Context, env domain.CacheEnvelope[[]domain.Company]) error {
	return writeJSONAtomic(filepath.Join(s.dir, "companies.json"), env)
}

func (s *CacheStore) LoadUsers(ctx context.Context) (*domain.CacheEnvelope[[]domain.WorkspaceUser], error) {
	return loadEnvelope[[]domain.WorkspaceUser](filepath.Join(s.dir, "users.json"))
}

func (s *CacheStore) SaveUsers(ctx context.Context, env domain.CacheEnvelope[[]domain.WorkspaceUser]) error {
	return writeJSONAtomic(filepath.Join(s.dir, "users.json"), env)
}
