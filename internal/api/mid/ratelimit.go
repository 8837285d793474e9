package mid

import (
	"context"
	"net"
	"net/http"

	"github.com/ahrav/qark-armada/internal/api/errs"
	"github.com/ahrav/qark-armada/pkg/web"
)

// Limiter decides whether a client identified by key may proceed.
type Limiter interface {
	Allow(key string) bool
}

// RateLimit rejects requests from clients that exceed their allowance with
// ResourceExhausted.
func RateLimit(l Limiter) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			if !l.Allow(clientKey(r)) {
				return errs.Newf(errs.ResourceExhausted, "too many requests, retry later")
			}
			return next(ctx, r)
		}

		return h
	}

	return m
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
