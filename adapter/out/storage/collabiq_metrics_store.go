package storage

import (
	"context"
	"os"
	"path/filepath"

	"collabiq/core/domain"
	"collabiq/core/port/out"
)

// MetricsStore persists the three provider-metric documents under one
// directory: health.json, cost.json, quality.json.
type MetricsStore struct {
	dir string
}

var _ out.MetricsStore = (*MetricsStore)(nil)

func NewMetricsStore(dir string) *MetricsStore {
	return &MetricsStore{dir: dir}
}

func loadKeyed[T any](path string) (map[string]*T, error) {
	m := make(map[string]*T)
	err := readJSON(path, &m)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *MetricsStore) LoadHealth(ctx context.Context) (map[string]*domain.ProviderHealth, error) {
	return loadKeyed[domain.ProviderHealth](filepath.Join(s.dir, "health.json"))
}

func (s *MetricsStore) SaveHealth(ctx context.Context, health map[string]*domain.ProviderHealth) error {
	return writeJSONAtomic(filepath.Join(s.dir, "health.json"), health)
}

func (s *MetricsStore) LoadCost(ctx context.Context) (map[string]*domain.CostSummary, error) {
	return loadKeyed[domain.CostSummary](filepath.Join(s.dir, "cost.json"))
}

func (s *MetricsStore) SaveCost(ctx context.Context, cost map[string]*domain.CostSummary) error {
	return writeJSONAtomic(filepath.Join(s.dir, "cost.json"), cost)
}

func (s *MetricsStore) LoadQuality(ctx context.Context) (map[string]*domain.QualityMetrics, error) {
	return loadKeyed[domain.QualityMetrics](filepath.Join(s.dir, "quality.json"))
}

func (s *MetricsStore) SaveQuality(ctx context.Context, quality map[string]*domain.QualityMetrics) error {
	return writeJSONAtomic(filepath.Join(s.dir, "quality.json"), quality)
}
