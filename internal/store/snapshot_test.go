package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/throw-if-null/retouch/internal/api"
)

func stamp(offset time.Duration) string {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(offset).Format(time.RFC3339Nano)
}

func TestSnapshot_UpsertGetRoundtrip(t *testing.T) {
	td := t.TempDir()
	path := filepath.Join(td, "tasks.json")

	s, err := OpenSnapshot(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	task := &api.Task{
		ID:        "t1",
		ImageID:   "img1",
		Prompt:    "make sky red",
		Model:     api.ModelKontextPro,
		Status:    api.TaskPending,
		CreatedAt: stamp(0),
	}
	if err := s.Upsert(task); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.Get("t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Prompt != task.Prompt || got.Status != api.TaskPending {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	// mutating the returned copy must not affect the store
	got.Status = api.TaskFailed
	again, err := s.Get("t1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Status != api.TaskPending {
		t.Fatalf("store aliased internal state")
	}

	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// snapshot file written, no temp leftovers
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}
	entries, err := os.ReadDir(td)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestSnapshot_ReloadFromDisk(t *testing.T) {
	td := t.TempDir()
	path := filepath.Join(td, "tasks.json")

	s, err := OpenSnapshot(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i, id := range []string{"a", "b", "c"} {
		err := s.Upsert(&api.Task{ID: id, ImageID: "img1", Status: api.TaskPending, CreatedAt: stamp(time.Duration(i) * time.Second)})
		if err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	// fresh store over the same file sees all tasks
	s2, err := OpenSnapshot(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	tasks, err := s2.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks after reload, got %d", len(tasks))
	}
	// newest first
	if tasks[0].ID != "c" || tasks[2].ID != "a" {
		t.Fatalf("unexpected order: %s, %s, %s", tasks[0].ID, tasks[1].ID, tasks[2].ID)
	}
}

func TestSnapshot_MissingFileStartsEmpty(t *testing.T) {
	s, err := OpenSnapshot(filepath.Join(t.TempDir(), "tasks.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tasks, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected empty store, got %d", len(tasks))
	}
}

func TestSnapshot_ListByImage(t *testing.T) {
	s, err := OpenSnapshot(filepath.Join(t.TempDir(), "tasks.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	seed := []struct {
		id, image string
		off       time.Duration
	}{
		{"t1", "img1", 0},
		{"t2", "img2", time.Second},
		{"t3", "img1", 2 * time.Second},
	}
	for _, x := range seed {
		if err := s.Upsert(&api.Task{ID: x.id, ImageID: x.image, Status: api.TaskPending, CreatedAt: stamp(x.off)}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	tasks, err := s.ListByImage("img1")
	if err != nil {
		t.Fatalf("list by image: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks for img1, got %d", len(tasks))
	}
	if tasks[0].ID != "t3" || tasks[1].ID != "t1" {
		t.Fatalf("unexpected order: %s, %s", tasks[0].ID, tasks[1].ID)
	}

	none, err := s.ListByImage("nope")
	if err != nil {
		t.Fatalf("list by missing image: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no tasks, got %d", len(none))
	}
}

func TestSnapshot_PersistFailureKeepsMemory(t *testing.T) {
	td := t.TempDir()
	s, err := OpenSnapshot(filepath.Join(td, "tasks.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Upsert(&api.Task{ID: "t1", Status: api.TaskPending, CreatedAt: stamp(0)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// make the directory unwritable so the temp file cannot be created
	if err := os.Chmod(td, 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	defer func() { _ = os.Chmod(td, 0o755) }()
	if os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}

	err = s.Upsert(&api.Task{ID: "t2", Status: api.TaskPending, CreatedAt: stamp(time.Second)})
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}

	// in-memory state stays authoritative
	if _, err := s.Get("t2"); err != nil {
		t.Fatalf("expected t2 in memory after failed persist: %v", err)
	}
}
