package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/govgate/gateway/config"
)

// clientTimeoutHeader lets a caller request a shorter deadline than the
// gateway would pick; it can never extend past the ceiling.
const clientTimeoutHeader = "X-Gateway-Timeout"

// maxClientTimeout caps caller-requested deadlines.
const maxClientTimeout = 5 * time.Minute

// TimeoutMiddleware attaches the request deadline to the context. It
// deliberately does not write timeout responses itself: the orchestrator
// is the only component that maps outcomes to HTTP, and it converts a
// tripped deadline into PROVIDER_TIMEOUT (504) with a failed trace. The
// middleware's job is just to pick the right ceiling before the model —
// and therefore the provider family — is known.
type TimeoutMiddleware struct {
	logger zerolog.Logger
	cfg    *config.Config
}

// NewTimeoutMiddleware creates a new timeout middleware.
func NewTimeoutMiddleware(logger zerolog.Logger, cfg *config.Config) *TimeoutMiddleware {
	return &TimeoutMiddleware{
		logger: logger.With().Str("component", "timeout").Logger(),
		cfg:    cfg,
	}
}

// Handler returns the HTTP middleware handler.
func (t *TimeoutMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timeout := t.resolveTimeout(r)
		if timeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveTimeout picks the deadline for this request. The model is still
// inside the unread body here, so the inference endpoints get the local
// provider ceiling (local models are the slowest family) plus a small
// grace for the pipeline's own storage round trips; everything else gets
// the default. A caller can only shorten the result, never extend it.
func (t *TimeoutMiddleware) resolveTimeout(r *http.Request) time.Duration {
	ceiling := t.cfg.DefaultTimeout
	if isInferencePath(r.URL.Path) {
		if t.cfg.LocalTimeout > ceiling {
			ceiling = t.cfg.LocalTimeout
		}
		ceiling += 5 * time.Second
	}

	if v := r.Header.Get(clientTimeoutHeader); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds <= 0 {
			t.logger.Debug().Str("value", v).Msg("ignoring malformed client timeout")
			return ceiling
		}
		requested := time.Duration(seconds) * time.Second
		if requested > maxClientTimeout {
			requested = maxClientTimeout
		}
		if requested < ceiling {
			return requested
		}
	}
	return ceiling
}

func isInferencePath(path string) bool {
	return path == "/v1/chat/completions" || path == "/v1/embeddings"
}
