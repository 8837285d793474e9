package mid

import (
	"context"
	"errors"
	"net/http"

	"github.com/ahrav/qark-armada/internal/api/errs"
	"github.com/ahrav/qark-armada/pkg/common/logger"
	"github.com/ahrav/qark-armada/pkg/web"
)

// Errors handles errors coming out of the call chain. Errors that are not
// already an errs.Error are logged and replaced with an opaque internal error.
func Errors(log *logger.Logger) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			resp := next(ctx, r)
			err, isError := resp.(error)
			if !isError {
				return resp
			}

			var appErr *errs.Error
			if !errors.As(err, &appErr) {
				appErr = errs.Newf(errs.Internal, "internal server error")
				log.Error(ctx, "handled error during request", "err", err, "source_err_file", "unknown")
				return appErr
			}

			if appErr.HTTPStatus() >= http.StatusInternalServerError {
				log.Error(ctx, "handled error during request",
					"err", err,
					"source_err_file", appErr.FileName,
					"source_err_func", appErr.FuncName,
				)
				// Internal details stay in the logs.
				return errs.Newf(appErr.Code, "%s", http.StatusText(appErr.HTTPStatus()))
			}

			log.Info(ctx, "request rejected", "err", err, "code", appErr.Code.String())
			return appErr
		}

		return h
	}

	return m
}
