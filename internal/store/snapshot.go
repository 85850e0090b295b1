package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/throw-if-null/retouch/internal/api"
)

// Snapshot is a task store backed by a single JSON file. The whole task map
// lives in memory; every mutation rewrites the full file. Writes go to a
// temp file in the same directory and are renamed into place so a crash
// mid-write can never leave a truncated snapshot behind.
type Snapshot struct {
	mu    sync.Mutex
	path  string
	tasks map[string]api.Task
}

// OpenSnapshot loads the snapshot at path into memory. A missing file is
// not an error; the store starts empty.
func OpenSnapshot(path string) (*Snapshot, error) {
	s := &Snapshot{path: path, tasks: map[string]api.Task{}}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal(b, &s.tasks); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return s, nil
}

// Upsert stores t and rewrites the snapshot file. On a write failure the
// in-memory copy is kept and the error wraps ErrPersist.
func (s *Snapshot) Upsert(t *api.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[t.ID] = *t
	if err := s.write(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

func (s *Snapshot) Get(id string) (*api.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := t
	return &cp, nil
}

func (s *Snapshot) List() ([]*api.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*api.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := t
		out = append(out, &cp)
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Snapshot) ListByImage(imageID string) ([]*api.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*api.Task
	for _, t := range s.tasks {
		if t.ImageID != imageID {
			continue
		}
		cp := t
		out = append(out, &cp)
	}
	sortNewestFirst(out)
	return out, nil
}

// write marshals all tasks and replaces the snapshot atomically
// (temp file + fsync + rename). Caller holds s.mu.
func (s *Snapshot) write() error {
	data, err := json.MarshalIndent(s.tasks, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return err
	}
	committed = true
	return nil
}
