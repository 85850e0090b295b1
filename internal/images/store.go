package images

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/throw-if-null/retouch/internal/api"
	"github.com/throw-if-null/retouch/internal/paths"
)

var (
	ErrNotFound        = errors.New("image not found")
	ErrUnsupportedType = errors.New("unsupported image type")
)

// extByMime whitelists accepted upload types.
var extByMime = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/tiff": ".tiff",
}

// FSStore keeps source images on the local filesystem: raw bytes in
// <id><ext> plus a <id>.json metadata sidecar. It hands out opaque image
// ids; no pixel processing happens here.
type FSStore struct {
	dir string
}

func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FSStore{dir: dir}, nil
}

// Put stores data under a fresh id and returns its metadata.
func (s *FSStore) Put(data []byte, originalName, mimeType string) (*api.ImageInfo, error) {
	ext, ok := extByMime[mimeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}

	id := uuid.NewString()
	filename := id + ext
	if err := os.WriteFile(filepath.Join(s.dir, filename), data, 0o644); err != nil {
		return nil, err
	}

	info := &api.ImageInfo{
		ID:           id,
		Filename:     filename,
		OriginalName: originalName,
		Size:         int64(len(data)),
		MimeType:     mimeType,
		UploadedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	mb, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.metaPath(id), mb, 0o644); err != nil {
		_ = os.Remove(filepath.Join(s.dir, filename))
		return nil, err
	}
	return info, nil
}

// Get returns the metadata for id, or ErrNotFound.
func (s *FSStore) Get(id string) (*api.ImageInfo, error) {
	if err := paths.ValidateID(id); err != nil {
		return nil, ErrNotFound
	}
	b, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var info api.ImageInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Exists reports whether both the metadata and the image bytes for id are
// present.
func (s *FSStore) Exists(id string) bool {
	info, err := s.Get(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(s.dir, info.Filename))
	return err == nil
}

// Read returns the raw image bytes for id.
func (s *FSStore) Read(id string) ([]byte, error) {
	info, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(s.dir, info.Filename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

// Path returns the on-disk path of the image bytes, for file serving.
func (s *FSStore) Path(id string) (string, error) {
	info, err := s.Get(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, info.Filename), nil
}

// List returns all stored images, newest first.
func (s *FSStore) List() ([]*api.ImageInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []*api.ImageInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := s.Get(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt != out[j].UploadedAt {
			return out[i].UploadedAt > out[j].UploadedAt
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Delete removes the image bytes and metadata for id.
func (s *FSStore) Delete(id string) error {
	info, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, info.Filename)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.Remove(s.metaPath(id))
}

func (s *FSStore) metaPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}
