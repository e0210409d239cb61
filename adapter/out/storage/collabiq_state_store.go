package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"collabiq/core/domain"
	"collabiq/core/port/out"
)

const stateFileName = "daemon_state.json"

// StateStore persists the daemon cursor state. A missing file yields a
// fresh stopped state with an empty cursor, never an error.
type StateStore struct {
	dir string
}

var _ out.StateStore = (*StateStore)(nil)

func NewStateStore(dir string) *StateStore {
	return &StateStore{dir: dir}
}

func (s *StateStore) path() string {
	return filepath.Join(s.dir, stateFileName)
}

func (s *StateStore) Load(ctx context.Context) (*domain.DaemonState, error) {
	var state domain.DaemonState
	err := readJSON(s.path(), &state)
	if os.IsNotExist(err) {
		return &domain.DaemonState{CurrentStatus: domain.DaemonStopped}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load daemon state: %w", err)
	}
	return &state, nil
}

func (s *StateStore) Save(ctx context.Context, state *domain.DaemonState) error {
	return writeJSONAtomic(s.path(), state)
}
