package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/throw-if-null/retouch/internal/api"
)

// SQLite is the task store backend for larger deployments where rewriting
// the whole snapshot per mutation is too expensive. Rows are keyed by task
// id; an upsert touches one row instead of the full ledger.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// Init runs migrations using PRAGMA user_version.
func (s *SQLite) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// v1 schema
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  image_id TEXT NOT NULL,
  prompt TEXT NOT NULL,
  model TEXT NOT NULL,
  status TEXT NOT NULL,
  remote_job_id TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  completed_at TEXT NOT NULL DEFAULT '',
  result_url TEXT NOT NULL DEFAULT '',
  result_path TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT ''
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_tasks_image ON tasks(image_id)`); err != nil {
		return err
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}

	return tx.Commit()
}

const taskColumns = `id, image_id, prompt, model, status, remote_job_id, created_at, completed_at, result_url, result_path, error_message`

// Upsert inserts or replaces the row for t.ID. Retries on transient
// SQLITE_BUSY contention like every other write in this package.
func (s *SQLite) Upsert(t *api.Task) error {
	const maxRetries = 5
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		_, err := s.db.Exec(`
INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  remote_job_id = excluded.remote_job_id,
  completed_at = excluded.completed_at,
  result_url = excluded.result_url,
  result_path = excluded.result_path,
  error_message = excluded.error_message`,
			t.ID, t.ImageID, t.Prompt, t.Model, string(t.Status), t.RemoteJobID,
			t.CreatedAt, t.CompletedAt, t.ResultURL, t.ResultPath, t.Error,
		)
		if err == nil {
			return nil
		}
		lastErr = err
		if isSqliteBusy(err) {
			time.Sleep(time.Duration(10*(1<<i)) * time.Millisecond)
			continue
		}
		return err
	}
	return lastErr
}

func (s *SQLite) Get(id string) (*api.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *SQLite) List() ([]*api.Task, error) {
	rows, err := s.db.Query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLite) ListByImage(imageID string) ([]*api.Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE image_id = ? ORDER BY created_at DESC, id DESC`, imageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*api.Task, error) {
	var t api.Task
	var status string
	err := row.Scan(&t.ID, &t.ImageID, &t.Prompt, &t.Model, &status, &t.RemoteJobID,
		&t.CreatedAt, &t.CompletedAt, &t.ResultURL, &t.ResultPath, &t.Error)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Status = api.TaskStatus(status)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*api.Task, error) {
	var out []*api.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// isSqliteBusy reports whether err represents a busy/locked sqlite condition.
func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return msg == "database is locked" || msg == "database is busy" || strings.Contains(msg, "SQLITE_BUSY")
}
