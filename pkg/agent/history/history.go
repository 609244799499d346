// Package history keeps a persistent record of backup, restore and rollback
// operations, one JSON file per operation.
package history

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/controlplane-com/dbmaint/pkg/shared/fs"
	"github.com/controlplane-com/dbmaint/pkg/shared/types"
)

// Store holds every recorded operation in memory and on disk
type Store struct {
	mu    sync.RWMutex
	ops   map[string]*types.Operation
	files *fs.Sandbox
	dir   string
	now   func() time.Time
}

// Open loads existing records from dir, which must be a sandbox root
func Open(files *fs.Sandbox, dir string) (*Store, error) {
	s := &Store{
		ops:   make(map[string]*types.Operation),
		files: files,
		dir:   dir,
		now:   time.Now,
	}
	resolved, err := files.Resolve(dir)
	if err != nil {
		return nil, err
	}
	if err := files.Fs().MkdirAll(resolved, 0750); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return s, nil
}

// Record creates or replaces the operation with op.ID
func (s *Store) Record(op types.Operation) error {
	if op.StartedAt == 0 {
		op.StartedAt = s.now().Unix()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.ops[op.ID]; ok && op.StartedAt > prev.StartedAt {
		op.StartedAt = prev.StartedAt
	}
	if err := s.persistLocked(&op); err != nil {
		return err
	}
	s.ops[op.ID] = &op
	return nil
}

// Get returns a copy of one operation
func (s *Store) Get(id string) (types.Operation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return types.Operation{}, false
	}
	return *op, true
}

// List returns up to limit operations of kind (all kinds when empty), newest first
func (s *Store) List(kind types.OperationKind, limit int) []types.Operation {
	s.mu.RLock()
	out := make([]types.Operation, 0, len(s.ops))
	for _, op := range s.ops {
		if kind == "" || op.Kind == kind {
			out = append(out, *op)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt == out[j].StartedAt {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt > out[j].StartedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Unfinished lists operations of kind that never recorded an end
func (s *Store) Unfinished(kind types.OperationKind) []types.Operation {
	var out []types.Operation
	for _, op := range s.List(kind, 0) {
		if op.EndedAt == 0 {
			out = append(out, op)
		}
	}
	return out
}

func (s *Store) path(id string) (string, error) {
	return s.files.Join(s.dir, id+".json")
}

func (s *Store) persistLocked(op *types.Operation) error {
	data, err := json.MarshalIndent(op, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}
	path, err := s.path(op.ID)
	if err != nil {
		return err
	}
	if err := s.files.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("failed to write operation file: %w", err)
	}
	return nil
}

func (s *Store) load() error {
	entries, err := s.files.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path, err := s.files.Join(s.dir, entry.Name())
		if err != nil {
			continue
		}
		data, err := s.files.ReadFile(path)
		if err != nil {
			slog.Warn("failed to read operation file", "path", path, "error", err)
			continue
		}
		var op types.Operation
		if err := json.Unmarshal(data, &op); err != nil || op.ID == "" {
			slog.Warn("failed to parse operation file", "path", path, "error", err)
			continue
		}
		s.ops[op.ID] = &op
	}

	slog.Info("loaded operation history", "count", len(s.ops))
	return nil
}

// Cleanup removes finished operations that ended more than maxAge ago
func (s *Store) Cleanup(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge).Unix()
	cleaned := 0
	for id, op := range s.ops {
		if op.EndedAt == 0 || op.EndedAt >= cutoff {
			continue
		}
		path, err := s.path(id)
		if err != nil {
			return cleaned, err
		}
		if err := s.files.Remove(path); err != nil && !os.IsNotExist(err) {
			return cleaned, fmt.Errorf("failed to remove operation file: %w", err)
		}
		delete(s.ops, id)
		cleaned++
	}

	if cleaned > 0 {
		slog.Info("cleaned up old operations", "count", cleaned)
	}
	return cleaned, nil
}
