package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidID returned when a task or image id fails validation.
	ErrInvalidID = errors.New("invalid id")
)

const maxIDLen = 64

var idRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,` + strconv.Itoa(maxIDLen) + `}$`)

// ValidateID returns nil for allowed task/image ids, or ErrInvalidID.
// Rules:
// - Only allow ASCII letters, digits, dot, underscore and dash.
// - Max length is 64.
// - Disallow any ".." substring to avoid traversal attempts.
// - This forbids path separators '/' and '\\' and characters like ':' used in drive letters.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty id: %w", ErrInvalidID)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("id too long: %w", ErrInvalidID)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("id contains disallowed '..': %w", ErrInvalidID)
	}
	if !idRe.MatchString(id) {
		return fmt.Errorf("id contains invalid characters: %w", ErrInvalidID)
	}
	return nil
}

// DataDir returns the relative data directory (".retouch").
func DataDir() string { return ".retouch" }

// UploadsDir returns the relative directory holding source images.
func UploadsDir() string {
	return filepath.ToSlash(filepath.Join(".retouch", "uploads"))
}

// ResultsDir returns the relative directory holding downloaded artifacts.
func ResultsDir() string {
	return filepath.ToSlash(filepath.Join(".retouch", "results"))
}

// SnapshotFile returns the relative path of the task snapshot file.
func SnapshotFile() string {
	return filepath.ToSlash(filepath.Join(".retouch", "tasks.json"))
}

// ResultFile returns the relative artifact path for a completed task,
// derived deterministically from the task id.
func ResultFile(taskID string) (string, error) {
	if err := ValidateID(taskID); err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Join(".retouch", "results", taskID+"_result.webp")), nil
}

// SafeJoin joins root with rel and ensures the resulting path is inside root.
// Returns an error if the result would escape root or if rel is absolute.
func SafeJoin(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("empty root")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("relative path expected, got absolute: %s", rel)
	}
	joined := filepath.Join(root, rel)
	cleaned := filepath.Clean(joined)
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absCleaned, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	relToRoot, err := filepath.Rel(absRoot, absCleaned)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(relToRoot, "..") || strings.HasPrefix(filepath.ToSlash(relToRoot), "../") {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}
	return absCleaned, nil
}
