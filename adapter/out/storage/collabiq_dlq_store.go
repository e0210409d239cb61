package storage

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/pkg/apperr"
)

const processedIndexFile = ".processed_ids"

var allOperationTypes = []domain.OperationType{
	domain.OpMailFetch,
	domain.OpLLMExtract,
	domain.OpWorkspaceWrite,
	domain.OpSecretFetch,
}

// DLQStore persists dead-letter entries as one JSON file each under
// root/{operation_type}/{dlq_id}.json. The .processed_ids index at the root
// guards replay idempotency.
type DLQStore struct {
	root string

	mu        sync.Mutex
	processed map[string]struct{} // .processed_ids 지연 로드
}

var _ out.DLQStore = (*DLQStore)(nil)

func NewDLQStore(root string) *DLQStore {
	return &DLQStore{root: root}
}

func (s *DLQStore) entryPath(op domain.OperationType, dlqID string) string {
	return filepath.Join(s.root, string(op), dlqID+".json")
}

func (s *DLQStore) Save(ctx context.Context, entry *domain.DLQEntry) error {
	if entry.DLQID == "" || entry.OperationType == "" {
		return apperr.ValidationFailed("dlq_entry", "missing dlq_id or operation_type")
	}
	return writeJSONAtomic(s.entryPath(entry.OperationType, entry.DLQID), entry)
}

func (s *DLQStore) Get(ctx context.Context, dlqID string) (*domain.DLQEntry, error) {
	for _, op := range allOperationTypes {
		path := s.entryPath(op, dlqID)
		var entry domain.DLQEntry
		err := readJSON(path, &entry)
		if err == nil {
			return &entry, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read dlq entry: %w", err)
		}
	}
	return nil, apperr.NotFound("dlq entry " + dlqID)
}

// List returns entries matching the filter in modification-time order,
// oldest first.
func (s *DLQStore) List(ctx context.Context, filter out.DLQFilter) ([]*domain.DLQEntry, error) {
	ops := allOperationTypes
	if filter.OperationType != "" {
		ops = []domain.OperationType{filter.OperationType}
	}

	type loaded struct {
		entry *domain.DLQEntry
		mtime int64
	}
	var found []loaded

	for _, op := range ops {
		dir := filepath.Join(s.root, string(op))
		files, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read dlq dir %s: %w", op, err)
		}

		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			var entry domain.DLQEntry
			if err := readJSON(filepath.Join(dir, f.Name()), &entry); err != nil {
				// 손상된 항목은 건너뛰고 나머지 목록은 유지
				continue
			}
			if filter.Status != "" && entry.Status != filter.Status {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			found = append(found, loaded{entry: &entry, mtime: info.ModTime().UnixNano()})
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].mtime < found[j].mtime })

	entries := make([]*domain.DLQEntry, 0, len(found))
	for i, l := range found {
		if filter.Limit > 0 && i >= filter.Limit {
			break
		}
		entries = append(entries, l.entry)
	}
	return entries, nil
}

func (s *DLQStore) Update(ctx context.Context, entry *domain.DLQEntry) error {
	return s.Save(ctx, entry)
}

func (s *DLQStore) loadProcessedLocked() error {
	if s.processed != nil {
		return nil
	}
	s.processed = make(map[string]struct{})

	f, err := os.Open(filepath.Join(s.root, processedIndexFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open processed index: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id != "" {
			s.processed[id] = struct{}{}
		}
	}
	return scanner.Err()
}

func (s *DLQStore) IsProcessed(ctx context.Context, dlqID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadProcessedLocked(); err != nil {
		return false, err
	}
	_, ok := s.processed[dlqID]
	return ok, nil
}

func (s *DLQStore) MarkProcessed(ctx context.Context, dlqID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadProcessedLocked(); err != nil {
		return err
	}
	if _, ok := s.processed[dlqID]; ok {
		return nil
	}

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.root, processedIndexFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open processed index: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(dlqID + "\n"); err != nil {
		return fmt.Errorf("append processed index: %w", err)
	}
	s.processed[dlqID] = struct{}{}
	return nil
}

// TryLock creates {entry}.lock with O_EXCL so concurrent replays (including
// a second process) cannot pick up the same entry.
func (s *DLQStore) TryLock(dlqID string) (func(), bool) {
	for _, op := range allOperationTypes {
		entryPath := s.entryPath(op, dlqID)
		if _, err := os.Stat(entryPath); err != nil {
			continue
		}
		lockPath := entryPath + ".lock"
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, false
		}
		f.Close()
		return func() { os.Remove(lockPath) }, true
	}
	return nil, false
}
