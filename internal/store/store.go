package store

import (
	"errors"
	"sort"

	"github.com/throw-if-null/retouch/internal/api"
)

var ErrNotFound = errors.New("not found")

// ErrPersist marks a failed durable write. The in-memory state of the
// snapshot backend remains authoritative for the current process when this
// is returned; callers log it rather than surfacing it to requests.
var ErrPersist = errors.New("persist failed")

// sortNewestFirst orders tasks by created_at descending. Ties break on id
// so listings are stable.
func sortNewestFirst(tasks []*api.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt > tasks[j].CreatedAt
		}
		return tasks[i].ID > tasks[j].ID
	})
}
