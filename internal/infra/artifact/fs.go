package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
)

var _ Backend = (*FSBackend)(nil)

// FSBackend keeps blobs on the local filesystem at <root>/blobs/<key[:2]>/<key>.
type FSBackend struct {
	dir string
}

// NewFSBackend creates a filesystem backend. Staging files must live on the
// same filesystem so commits are a single rename.
func NewFSBackend(root string) *FSBackend {
	return &FSBackend{dir: filepath.Join(root, "blobs")}
}

func (b *FSBackend) path(key string) string {
	return filepath.Join(b.dir, key[:2], key)
}

// Commit renames the staged file into place. Identical content may already be
// present, in which case the staged copy is discarded.
func (b *FSBackend) Commit(_ context.Context, path, key string) error {
	dst := b.path(key)
	if _, err := os.Stat(dst); err == nil {
		return os.Remove(path)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating blob dir: %w", err)
	}
	return os.Rename(path, dst)
}

func (b *FSBackend) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", scanning.ErrArtifactNotFound, key)
	}
	return f, err
}

func (b *FSBackend) Remove(_ context.Context, key string) error {
	err := os.Remove(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
