package scanning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ahrav/qark-armada/internal/api/errs"
	"github.com/ahrav/qark-armada/internal/api/mid"
	appScanning "github.com/ahrav/qark-armada/internal/app/scanning"
	scanDomain "github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/pkg/common/logger"
	"github.com/ahrav/qark-armada/pkg/common/uuid"
	"github.com/ahrav/qark-armada/pkg/web"
)

// JobRegistry is the application surface the scan handlers drive.
type JobRegistry interface {
	Create(ctx context.Context, body io.Reader, filename string) (scanDomain.JobSnapshot, error)
	List(ctx context.Context) []scanDomain.JobSnapshot
	Status(ctx context.Context, id uuid.UUID) (scanDomain.JobSnapshot, error)
	Result(ctx context.Context, id uuid.UUID) (scanDomain.JobSnapshot, *scanDomain.FindingSet, error)
	Report(ctx context.Context, id uuid.UUID, format string) (appScanning.RenderedReport, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// UploadMetrics counts accepted and rejected uploads.
type UploadMetrics interface {
	IncUploadsTotal(ctx context.Context, inputType string)
	IncUploadRejected(ctx context.Context, reason string)
}

// Config contains the dependencies needed by the scan handlers.
type Config struct {
	Log      *logger.Logger
	Registry JobRegistry
	Metrics  UploadMetrics

	// MaxUploadSize caps the request body of an upload. Zero disables the cap
	// at the HTTP layer; the artifact store still enforces its own limit.
	MaxUploadSize int64
	// UploadLimiter throttles uploads per client when set.
	UploadLimiter mid.Limiter
}

// Routes binds all the scan endpoints. Every route is served under both
// /api and /api/qark.
func Routes(app *web.App, cfg Config) {
	var uploadMw []web.MidFunc
	if cfg.UploadLimiter != nil {
		uploadMw = append(uploadMw, mid.RateLimit(cfg.UploadLimiter))
	}

	for _, group := range []string{"api", "api/qark"} {
		app.HandlerFunc(http.MethodPost, group, "/scan", create(cfg), uploadMw...)
		app.HandlerFunc(http.MethodGet, group, "/scans", list(cfg))
		app.HandlerFunc(http.MethodGet, group, "/scan/{id}", getJob(cfg))
		app.HandlerFunc(http.MethodGet, group, "/scan/{id}/status", status(cfg))
		app.HandlerFunc(http.MethodGet, group, "/scan/{id}/result", result(cfg))
		app.HandlerFunc(http.MethodGet, group, "/scan/{id}/report/{format}", getReport(cfg))
		app.HandlerFunc(http.MethodDelete, group, "/scan/{id}", deleteJob(cfg))
	}
}

const uploadField = "file"

// Upload rejection reasons recorded on the metrics.
const (
	rejectMalformed   = "malformed"
	rejectMissingFile = "missing_file"
	rejectUnsupported = "unsupported_type"
	rejectTooLarge    = "too_large"
	rejectInternal    = "internal"
)

// create streams the multipart "file" field into the registry without
// buffering the whole upload in memory.
func create(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		if cfg.MaxUploadSize > 0 {
			if r.ContentLength > cfg.MaxUploadSize {
				return rejectUpload(ctx, cfg, scanDomain.ErrArtifactTooLarge)
			}
			r.Body = http.MaxBytesReader(web.GetWriter(ctx), r.Body, cfg.MaxUploadSize)
		}

		mr, err := r.MultipartReader()
		if err != nil {
			cfg.Metrics.IncUploadRejected(ctx, rejectMalformed)
			return errs.New(errs.InvalidArgument, fmt.Errorf("expected multipart/form-data upload: %w", err))
		}

		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				cfg.Metrics.IncUploadRejected(ctx, rejectMissingFile)
				return errs.Newf(errs.InvalidArgument, "no file provided in field %q", uploadField)
			}
			if err != nil {
				return rejectUpload(ctx, cfg, err)
			}
			if part.FormName() != uploadField {
				part.Close()
				continue
			}

			filename := part.FileName()
			if filename == "" {
				part.Close()
				cfg.Metrics.IncUploadRejected(ctx, rejectMissingFile)
				return errs.Newf(errs.InvalidArgument, "no file selected")
			}

			snap, err := cfg.Registry.Create(ctx, part, filename)
			part.Close()
			if err != nil {
				return rejectUpload(ctx, cfg, err)
			}

			cfg.Metrics.IncUploadsTotal(ctx, string(snap.InputType))
			return createResponse{
				ScanID:    snap.ID.String(),
				Filename:  snap.Filename,
				InputType: string(snap.InputType),
				Status:    snap.Status.String(),
				Timestamp: snap.CreatedAt,
			}
		}
	}
}

func rejectUpload(ctx context.Context, cfg Config, err error) web.Encoder {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, scanDomain.ErrUnsupportedArtifactType):
		cfg.Metrics.IncUploadRejected(ctx, rejectUnsupported)
		return errs.New(errs.InvalidArgument, err)
	case errors.Is(err, scanDomain.ErrArtifactTooLarge), errors.As(err, &maxBytes):
		cfg.Metrics.IncUploadRejected(ctx, rejectTooLarge)
		return errs.New(errs.PayloadTooLarge, scanDomain.ErrArtifactTooLarge)
	case errors.Is(err, io.ErrUnexpectedEOF):
		cfg.Metrics.IncUploadRejected(ctx, rejectMalformed)
		return errs.New(errs.InvalidArgument, err)
	default:
		cfg.Metrics.IncUploadRejected(ctx, rejectInternal)
		return errs.New(errs.Internal, fmt.Errorf("failed to create scan: %w", err))
	}
}

func list(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		snaps := cfg.Registry.List(ctx)

		resp := make(listResponse, 0, len(snaps))
		for _, snap := range snaps {
			resp = append(resp, jobSummary{
				ScanID:    snap.ID.String(),
				Filename:  snap.Filename,
				Status:    snap.Status.String(),
				Progress:  snap.Progress,
				Timestamp: snap.CreatedAt,
			})
		}
		return resp
	}
}

// getJob handles the request to get job details by ID.
func getJob(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, errResp := jobID(r)
		if errResp != nil {
			return errResp
		}

		snap, err := cfg.Registry.Status(ctx, id)
		if err != nil {
			return toAPIError(err)
		}
		return FromDomain(snap)
	}
}

func status(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, errResp := jobID(r)
		if errResp != nil {
			return errResp
		}

		snap, err := cfg.Registry.Status(ctx, id)
		if err != nil {
			return toAPIError(err)
		}
		return statusResponse{
			ScanID:   snap.ID.String(),
			Status:   snap.Status.String(),
			Progress: snap.Progress,
			Message:  snap.Message,
		}
	}
}

func result(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, errResp := jobID(r)
		if errResp != nil {
			return errResp
		}

		snap, set, err := cfg.Registry.Result(ctx, id)
		if err != nil {
			return toAPIError(err)
		}
		return newResultResponse(snap, set)
	}
}

func getReport(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, errResp := jobID(r)
		if errResp != nil {
			return errResp
		}

		rendered, err := cfg.Registry.Report(ctx, id, web.Param(r, "format"))
		if err != nil {
			return toAPIError(err)
		}
		return reportResponse{
			filename:    rendered.Filename,
			contentType: rendered.ContentType,
			body:        rendered.Body,
		}
	}
}

func deleteJob(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, errResp := jobID(r)
		if errResp != nil {
			return errResp
		}

		if err := cfg.Registry.Delete(ctx, id); err != nil {
			return toAPIError(err)
		}
		return nil
	}
}

type jobIDParam struct {
	ID string `json:"id" validate:"required,uuid"`
}

// jobID parses the id path parameter. An id that cannot name a job is
// reported the same way as an unknown job.
func jobID(r *http.Request) (uuid.UUID, *errs.Error) {
	param := jobIDParam{ID: web.Param(r, "id")}
	if err := errs.Check(param); err != nil {
		return uuid.Nil, errs.New(errs.NotFound, fmt.Errorf("%w: %s", scanDomain.ErrJobNotFound, param.ID))
	}

	id, err := uuid.Parse(param.ID)
	if err != nil {
		return uuid.Nil, errs.New(errs.NotFound, fmt.Errorf("%w: %s", scanDomain.ErrJobNotFound, param.ID))
	}
	return id, nil
}

// toAPIError maps registry errors onto API error codes.
func toAPIError(err error) *errs.Error {
	switch {
	case errors.Is(err, scanDomain.ErrJobNotFound):
		return errs.New(errs.NotFound, err)
	case errors.Is(err, scanDomain.ErrResultNotReady):
		return errs.New(errs.FailedPrecondition, err)
	case errors.Is(err, scanDomain.ErrUnknownReportFormat):
		return errs.New(errs.InvalidArgument, err)
	default:
		return errs.New(errs.Internal, err)
	}
}
