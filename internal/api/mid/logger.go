package mid

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ahrav/qark-armada/pkg/common/logger"
	"github.com/ahrav/qark-armada/pkg/web"
)

// Logger writes information about the request to the logs.
func Logger(log *logger.Logger) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			now := time.Now()

			path := r.URL.Path
			if r.URL.RawQuery != "" {
				path = fmt.Sprintf("%s?%s", path, r.URL.RawQuery)
			}

			log.Info(ctx, "request started", "method", r.Method, "path", path, "remoteaddr", r.RemoteAddr)

			resp := next(ctx, r)

			log.Info(ctx, "request completed", "method", r.Method, "path", path, "remoteaddr", r.RemoteAddr,
				"statuscode", statusOf(resp), "since", time.Since(now).String())

			return resp
		}

		return h
	}

	return m
}

type httpStatus interface {
	HTTPStatus() int
}

// statusOf mirrors the status web.Respond will write for resp.
func statusOf(resp web.Encoder) int {
	switch v := resp.(type) {
	case nil:
		return http.StatusNoContent
	case httpStatus:
		return v.HTTPStatus()
	case error:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}
