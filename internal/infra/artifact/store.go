// Package artifact implements content-addressed storage for uploaded
// artifacts plus the per-job working directories the pipeline stages into.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/pkg/common/logger"
	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

const refPrefix = "sha256-"

// Backend persists committed blobs. Commit takes ownership of the staged
// file at path; after a successful return the blob is fully visible under key.
type Backend interface {
	Commit(ctx context.Context, path, key string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}

// Config controls where local staging happens and how large uploads may be.
type Config struct {
	// Root holds staging files and job workdirs (and blobs for the fs backend).
	Root string
	// MaxSize is the largest accepted artifact in bytes.
	MaxSize int64
}

var _ scanning.ArtifactStore = (*Store)(nil)

// Store validates, hashes, and stages uploads before committing them to a Backend.
type Store struct {
	cfg     Config
	backend Backend
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewStore creates a store rooted at cfg.Root.
func NewStore(cfg Config, backend Backend, logger *logger.Logger, tracer trace.Tracer) (*Store, error) {
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("artifact max size must be positive, got %d", cfg.MaxSize)
	}
	for _, dir := range []string{stagingDir(cfg.Root), workRoot(cfg.Root)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	return &Store{
		cfg:     cfg,
		backend: backend,
		logger:  logger.With("component", "artifact_store"),
		tracer:  tracer,
	}, nil
}

func stagingDir(root string) string { return filepath.Join(root, "staging") }
func workRoot(root string) string   { return filepath.Join(root, "work") }

// Put streams r into a staging file while hashing it, then commits the blob
// under its content address.
func (s *Store) Put(ctx context.Context, r io.Reader, originalName string) (scanning.ArtifactRef, error) {
	ctx, span := s.tracer.Start(ctx, "artifact_store.put",
		trace.WithAttributes(attribute.String("filename", originalName)))
	defer span.End()

	if _, err := scanning.InputTypeFor(originalName); err != nil {
		span.SetStatus(codes.Error, "unsupported artifact type")
		return "", err
	}

	tmp, err := os.CreateTemp(stagingDir(s.cfg.Root), "upload-*")
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("creating staging file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(r, s.cfg.MaxSize+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "staging upload failed")
		return "", fmt.Errorf("staging upload: %w", err)
	}
	if n > s.cfg.MaxSize {
		span.SetStatus(codes.Error, "artifact too large")
		return "", fmt.Errorf("%w: limit is %d bytes", scanning.ErrArtifactTooLarge, s.cfg.MaxSize)
	}

	key := hex.EncodeToString(h.Sum(nil))
	if err := s.backend.Commit(ctx, tmpPath, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return "", fmt.Errorf("committing artifact: %w", err)
	}
	committed = true

	ref := scanning.ArtifactRef(refPrefix + key)
	span.SetAttributes(attribute.String("artifact_ref", ref.String()), attribute.Int64("size", n))
	s.logger.Debug(ctx, "artifact stored", "artifact_ref", ref, "size", n, "filename", originalName)

	return ref, nil
}

func keyFor(ref scanning.ArtifactRef) (string, error) {
	key, ok := strings.CutPrefix(ref.String(), refPrefix)
	if !ok || len(key) != sha256.Size*2 {
		return "", fmt.Errorf("malformed artifact ref %q", ref)
	}
	if _, err := hex.DecodeString(key); err != nil {
		return "", fmt.Errorf("malformed artifact ref %q: %w", ref, err)
	}
	return key, nil
}

// Open returns a reader over a stored artifact.
func (s *Store) Open(ctx context.Context, ref scanning.ArtifactRef) (io.ReadCloser, error) {
	key, err := keyFor(ref)
	if err != nil {
		return nil, err
	}
	return s.backend.Open(ctx, key)
}

// Delete removes a stored artifact. Unknown refs are ignored.
func (s *Store) Delete(ctx context.Context, ref scanning.ArtifactRef) error {
	ctx, span := s.tracer.Start(ctx, "artifact_store.delete",
		trace.WithAttributes(attribute.String("artifact_ref", ref.String())))
	defer span.End()

	key, err := keyFor(ref)
	if err != nil {
		return err
	}
	if err := s.backend.Remove(ctx, key); err != nil && !errors.Is(err, scanning.ErrArtifactNotFound) {
		span.RecordError(err)
		return fmt.Errorf("deleting artifact %s: %w", ref, err)
	}
	return nil
}

// WorkdirFor returns (and creates) <root>/work/<jobID> with src and reports
// subdirectories.
func (s *Store) WorkdirFor(jobID uuid.UUID) (scanning.Workdir, error) {
	wd := s.workdirPaths(jobID)
	for _, dir := range []string{wd.Source, wd.Reports} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return scanning.Workdir{}, fmt.Errorf("creating workdir: %w", err)
		}
	}
	return wd, nil
}

// Workdir returns the job's existing working directory. It never creates
// one, so a removed workdir stays removed.
func (s *Store) Workdir(jobID uuid.UUID) (scanning.Workdir, error) {
	wd := s.workdirPaths(jobID)
	if _, err := os.Stat(wd.Root); err != nil {
		return scanning.Workdir{}, fmt.Errorf("workdir for %s: %w", jobID, err)
	}
	return wd, nil
}

func (s *Store) workdirPaths(jobID uuid.UUID) scanning.Workdir {
	root := filepath.Join(workRoot(s.cfg.Root), jobID.String())
	return scanning.Workdir{
		Root:    root,
		Source:  filepath.Join(root, "src"),
		Reports: filepath.Join(root, "reports"),
	}
}

// RemoveWorkdir deletes the job's working directory tree.
func (s *Store) RemoveWorkdir(jobID uuid.UUID) error {
	if err := os.RemoveAll(filepath.Join(workRoot(s.cfg.Root), jobID.String())); err != nil {
		return fmt.Errorf("removing workdir for %s: %w", jobID, err)
	}
	return nil
}
