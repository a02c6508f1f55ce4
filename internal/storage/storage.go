package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// TempPrefix is the first path segment of every temporary remote photo.
const TempPrefix = "remote-temp"

var ErrInvalidPath = errors.New("invalid object path")

// Store is a minimal object store keyed by slash-separated paths.
type Store interface {
	Put(ctx context.Context, objectPath string, data []byte) error
	// Delete removes the object. A missing object is not an error.
	Delete(ctx context.Context, objectPath string) error
	Exists(ctx context.Context, objectPath string) (bool, error)
}

// TempPhotoPath builds remote-temp/<session>/<unix_ms>-<uuid>.<ext>.
func TempPhotoPath(scanSessionID string, unixMilli int64, ext string) string {
	return fmt.Sprintf("%s/%s/%d-%s.%s", TempPrefix, scanSessionID, unixMilli, uuid.NewString(), ext)
}

// SessionFromTempPath extracts the session id from a temp photo path.
// ok is false when the path is not of the form remote-temp/<session>/<name>
// or contains relative segments.
func SessionFromTempPath(objectPath string) (sessionID string, ok bool) {
	parts := strings.Split(objectPath, "/")
	if len(parts) < 3 || parts[0] != TempPrefix {
		return "", false
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return "", false
		}
	}
	return parts[1], true
}

// FSStore keeps objects as files below a root directory.
type FSStore struct {
	root string
}

var _ Store = (*FSStore)(nil)

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) resolve(objectPath string) (string, error) {
	if objectPath == "" || strings.HasPrefix(objectPath, "/") {
		return "", ErrInvalidPath
	}
	cleaned := path.Clean(objectPath)
	if cleaned != objectPath || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidPath
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

func (s *FSStore) Put(ctx context.Context, objectPath string, data []byte) error {
	full, err := s.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("commit object: %w", err)
	}
	return nil
}

func (s *FSStore) Delete(ctx context.Context, objectPath string) error {
	full, err := s.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	// best effort: drop the session directory once it is empty
	_ = os.Remove(filepath.Dir(full))
	return nil
}

func (s *FSStore) Exists(ctx context.Context, objectPath string) (bool, error) {
	full, err := s.resolve(objectPath)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
