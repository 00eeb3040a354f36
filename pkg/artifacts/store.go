// Package artifacts stores generated media as write-once blobs keyed by path.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	ErrArtifactExists   = errors.New("artifact already exists")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrInvalidPath      = errors.New("invalid artifact path")
)

// Store is a key-addressable blob store. Put never overwrites.
type Store interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// CleanKey normalizes key and rejects absolute paths or paths leaving the
// store root.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, key)
	}

	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, key)
	}

	return cleaned, nil
}

// TakeKey is the artifact key of a take file.
func TakeKey(shotID, takeID, ext string) string {
	return path.Join("shots", shotID, "takes", takeID+"."+strings.TrimPrefix(ext, "."))
}

// ThumbnailKey is the artifact key of a take thumbnail.
func ThumbnailKey(shotID, takeID string) string {
	return path.Join("shots", shotID, "takes", takeID+".thumb.jpg")
}
