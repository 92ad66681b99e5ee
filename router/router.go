// Package router assembles the gateway's HTTP surface: the fixed
// middleware chain (CORS → security headers → request id → recoverer →
// request log → body limit, then per-/v1 auth → rate limit → header
// normalization → concurrency guard → timeout) and the LLM routes the
// core exposes. Admin CRUD surfaces live elsewhere; this is the request
// path only.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/govgate/gateway/config"
	"github.com/govgate/gateway/handler"
	"github.com/govgate/gateway/kpi"
	gwmw "github.com/govgate/gateway/middleware"
	"github.com/govgate/gateway/observability"
	"github.com/govgate/gateway/pipeline"
	"github.com/govgate/gateway/provider"
)

// Deps are the constructed collaborators the router mounts.
type Deps struct {
	Config        *config.Config
	Logger        zerolog.Logger
	Orchestrator  *pipeline.Orchestrator
	Registry      *provider.Registry
	Authenticator *gwmw.Authenticator
	Metrics       *observability.Metrics
	KPI           *kpi.Aggregator
}

// New returns the configured chi router.
func New(d Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware chain; order matters. CORS first so preflight responses
	// succeed before anything else can reject them.
	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(d.Logger))
	r.Use(maxBodySize(d.Config.MaxBodyBytes))

	// Health endpoints, unauthenticated.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"govgate"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"govgate"}`))
	})
	if d.Metrics != nil {
		r.Get("/metrics", d.Metrics.Handler())
	}

	proxy := handler.NewProxyHandler(d.Logger, d.Orchestrator, d.Registry)
	authMW := gwmw.NewAuthMiddleware(d.Logger, d.Authenticator, d.Config.APIKeyHeader)
	rateLimiter := gwmw.NewRateLimiter(d.Logger, d.Config.RateLimitEnabled, d.Config.RateLimitRPM, d.Config.RateLimitBurst)
	headerNorm := gwmw.NewHeaderNormalization(d.Logger)
	guard := gwmw.NewConcurrencyGuard(64, 2*time.Second, d.Logger)
	timeoutMW := gwmw.NewTimeoutMiddleware(d.Logger, d.Config)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Use(rateLimiter.Handler)
		r.Use(headerNorm.Handler)
		r.Use(guard.Middleware)
		r.Use(timeoutMW.Handler)

		r.Post("/chat/completions", proxy.ChatCompletions)
		r.Post("/embeddings", proxy.Embeddings)
		r.Get("/models", proxy.Models)
		r.Get("/providers/health", proxy.ProviderHealth)

		if d.KPI != nil {
			gov := handler.NewGovernanceHandler(d.Logger, d.KPI)
			r.Get("/governance/kpi", gov.KPIReport)
		}
	})

	return r
}

// maxBodySize limits request body size; oversized requests are refused
// before any parsing.
func maxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && r.ContentLength > maxBytes {
				http.Error(w, `{"error":{"code":"REQUEST_TOO_LARGE","message":"request body too large"}}`, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
