// Package decompiler turns uploaded APK, JAR and Java artifacts into a source
// tree the rule engine can walk.
package decompiler

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/pkg/common/logger"
)

// ErrCorruptArchive is returned when an APK or JAR cannot be read as a ZIP archive.
var ErrCorruptArchive = errors.New("corrupt archive")

// ErrUnsafeEntry is returned for archive entries that would escape the output directory.
var ErrUnsafeEntry = errors.New("unsafe archive entry")

// Config tunes extraction limits and the optional external decompiler.
type Config struct {
	// Command is an external decompiler (for example jadx) run on APK inputs
	// after extraction. Args may reference {input} and {output}.
	Command string
	Args    []string
	// MaxExtractedBytes bounds the total uncompressed size of an archive.
	MaxExtractedBytes int64
}

// DefaultMaxExtractedBytes bounds extraction at 1 GiB.
const DefaultMaxExtractedBytes int64 = 1 << 30

var _ scanning.Decompiler = (*Decompiler)(nil)

// Decompiler extracts archives with path traversal protection.
type Decompiler struct {
	cfg    Config
	logger *logger.Logger
	tracer trace.Tracer
}

// New creates a Decompiler.
func New(cfg Config, logger *logger.Logger, tracer trace.Tracer) *Decompiler {
	if cfg.MaxExtractedBytes <= 0 {
		cfg.MaxExtractedBytes = DefaultMaxExtractedBytes
	}
	return &Decompiler{cfg: cfg, logger: logger.With("component", "decompiler"), tracer: tracer}
}

// Decompile writes the source form of src into outDir. Cancellation is
// honored between archive entries.
func (d *Decompiler) Decompile(
	ctx context.Context,
	src scanning.DecompileSource,
	outDir string,
	progress scanning.ProgressSink,
) error {
	ctx, span := d.tracer.Start(ctx, "decompiler.decompile",
		trace.WithAttributes(
			attribute.String("filename", src.Filename),
			attribute.String("input_type", string(src.InputType)),
		))
	defer span.End()

	var err error
	switch ext := strings.ToLower(filepath.Ext(src.Filename)); ext {
	case ".java":
		err = copySource(src.Path, filepath.Join(outDir, filepath.Base(src.Filename)))
		if err == nil {
			progress(100)
		}
	case ".apk", ".jar":
		err = d.decompileArchive(ctx, src, outDir, progress)
	default:
		err = fmt.Errorf("%w: %s", scanning.ErrUnsupportedArtifactType, ext)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decompile failed")
		return err
	}
	return nil
}

func (d *Decompiler) decompileArchive(
	ctx context.Context,
	src scanning.DecompileSource,
	outDir string,
	progress scanning.ProgressSink,
) error {
	runExternal := d.cfg.Command != "" && src.InputType == scanning.InputTypeAPK

	// Leave headroom for the external tool when one is configured.
	scale := 100
	if runExternal {
		scale = 50
	}

	n, err := extractZip(ctx, src.Path, outDir, d.cfg.MaxExtractedBytes, func(done, total int) {
		progress(done * scale / total)
	})
	if err != nil {
		return err
	}
	d.logger.Debug(ctx, "archive extracted", "filename", src.Filename, "entries", n)

	if runExternal {
		if err := d.runExternal(ctx, src.Path, filepath.Join(outDir, "decompiled")); err != nil {
			return err
		}
	}
	progress(100)
	return nil
}

func (d *Decompiler) runExternal(ctx context.Context, input, output string) error {
	args := make([]string, len(d.cfg.Args))
	for i, a := range d.cfg.Args {
		a = strings.ReplaceAll(a, "{input}", input)
		args[i] = strings.ReplaceAll(a, "{output}", output)
	}

	cmd := exec.CommandContext(ctx, d.cfg.Command, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s failed: %w: %s", d.cfg.Command, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// extractZip unpacks every regular file entry under outDir and returns how
// many were written.
func extractZip(ctx context.Context, path, outDir string, maxBytes int64, onEntry func(done, total int)) (int, error) {
	zr, err := zip.OpenReader(path)
	if errors.Is(err, zip.ErrInsecurePath) {
		zr.Close()
		return 0, fmt.Errorf("%w: %v", ErrUnsafeEntry, err)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	defer zr.Close()

	total := len(zr.File)
	if total == 0 {
		return 0, fmt.Errorf("%w: archive has no entries", ErrCorruptArchive)
	}

	remaining := maxBytes
	written := 0
	for i, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		if !filepath.IsLocal(f.Name) {
			return written, fmt.Errorf("%w: %q", ErrUnsafeEntry, f.Name)
		}
		dst := filepath.Join(outDir, filepath.FromSlash(f.Name))

		switch {
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return written, err
			}
		case f.Mode().IsRegular():
			n, err := extractFile(f, dst, remaining)
			if err != nil {
				return written, err
			}
			remaining -= n
			written++
		}

		onEntry(i+1, total)
	}
	return written, nil
}

func extractFile(f *zip.File, dst string, remaining int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, io.LimitReader(rc, remaining+1))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, f.Name, err)
	}
	if n > remaining {
		return n, fmt.Errorf("%w: extracted size exceeds limit", ErrCorruptArchive)
	}
	return n, nil
}

func copySource(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
