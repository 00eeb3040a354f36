package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dukex/storyflow/pkg/log"
)

// FileStore keeps artifacts under a root directory.
type FileStore struct {
	root   string
	logger *slog.Logger
}

func NewFileStore(root string) (*FileStore, error) {
	err := os.MkdirAll(root, 0o750)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}

	return &FileStore{
		root:   root,
		logger: log.WithModule("artifacts"),
	}, nil
}

// Locate returns the filesystem path of key.
func (s *FileStore) Locate(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}

	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

// Put writes body to a temporary file and hard-links it into place, so the
// key appears complete or not at all and an existing key is never replaced.
func (s *FileStore) Put(ctx context.Context, key string, body []byte) error {
	target, err := s.Locate(key)
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(target), 0o750)
	if err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary artifact: %w", err)
	}

	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	_, err = tmp.Write(body)
	if err == nil {
		err = tmp.Sync()
	}

	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}

	if err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", key, err)
	}

	err = os.Link(tmp.Name(), target)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", ErrArtifactExists, key)
	}

	if err != nil {
		return fmt.Errorf("failed to store artifact %s: %w", key, err)
	}

	s.logger.DebugContext(ctx, "Stored artifact", "key", key, "size", len(body))

	return nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	target, err := s.Locate(key)
	if err != nil {
		return nil, err
	}

	body, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, key)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", key, err)
	}

	return body, nil
}

// Delete removes key. Deleting a missing artifact is not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	target, err := s.Locate(key)
	if err != nil {
		return err
	}

	err = os.Remove(target)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete artifact %s: %w", key, err)
	}

	s.logger.DebugContext(ctx, "Deleted artifact", "key", key)

	return nil
}

func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	target, err := s.Locate(key)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to stat artifact %s: %w", key, err)
	}

	return true, nil
}
