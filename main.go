// Command govgate runs the LLM governance gateway: it authenticates
// callers, evaluates policy/budget/feature/security engines per request,
// proxies to the selected provider, and settles the cost ledger. The
// process wires config → logger → cache → repositories → engines →
// orchestrator → router → HTTP server, exits 0 on graceful shutdown, and
// non-zero on a startup failure.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/govgate/gateway/cache"
	"github.com/govgate/gateway/config"
	"github.com/govgate/gateway/kpi"
	"github.com/govgate/gateway/logger"
	"github.com/govgate/gateway/metering"
	"github.com/govgate/gateway/middleware"
	"github.com/govgate/gateway/observability"
	"github.com/govgate/gateway/pipeline"
	"github.com/govgate/gateway/pricing"
	"github.com/govgate/gateway/provider"
	"github.com/govgate/gateway/redisclient"
	"github.com/govgate/gateway/repo"
	"github.com/govgate/gateway/resilience"
	"github.com/govgate/gateway/router"
	"github.com/govgate/gateway/security"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("govgate starting")

	// Cache backend: Redis when reachable, in-memory degraded fallback
	// otherwise. The cache failing is never fatal.
	var cacheStore cache.Store = cache.NewMemory()
	if rc, err := redisclient.New(cfg); err != nil {
		log.Warn().Err(err).Msg("redis init failed, using in-memory cache")
	} else if err := rc.Ping(); err != nil {
		log.Warn().Err(err).Msg("redis unreachable, using in-memory cache")
	} else {
		cacheStore = rc.CacheStore()
		log.Info().Msg("redis connected")
	}

	// Storage. The repository contracts are the design; this deployment
	// wires the in-memory implementation, a database-backed one slots in
	// behind the same interfaces.
	store := repo.NewMemoryStore(log)

	prices := pricing.Default()
	if path := os.Getenv("PRICING_FILE"); path != "" {
		if err := prices.LoadFromFile(path); err != nil {
			log.Fatal().Err(err).Msg("pricing file invalid")
		}
	}

	metrics := observability.NewMetrics(log)

	var encryptor *security.Encryptor
	if cfg.EncryptionEnabled {
		enc, err := security.NewEncryptor(security.EncryptorConfig{Enabled: true, MasterKey: cfg.EncryptionKey})
		if err != nil {
			log.Fatal().Err(err).Msg("BYOK encryptor init failed")
		}
		encryptor = enc
	}

	pool := provider.DefaultConnectionPool()
	registry := provider.NewRegistry()
	registerProviders(cfg, registry, pool, log)

	orch := pipeline.New(pipeline.Deps{
		Logger: log,
		Config: pipeline.Config{
			Environment:            cfg.Env,
			DefaultMaxOutputTokens: 1000,
			ProviderTimeout:        cfg.ProviderTimeout,
		},
		Apps:      store.ApplicationRepo(),
		Policies:  store.PolicyRepo(),
		Budgets:   store.BudgetRepo(),
		Features:  store.FeatureRegistryRepo(),
		Usage:     store.UsageRepo(),
		Audit:     store.AuditLogRepo(),
		Traces:    store.RequestTracingRepo(),
		Providers: registry,
		Pricing:   prices,
		Counter:   metering.NewTokenCounter(0),
		Metrics:   metrics,
		Encryptor: encryptor,
		Breakers:  resilience.NewRegistry(resilience.DefaultConfig()),
	})

	auth := middleware.NewAuthenticator(log, store.CredentialRepo(), store.ApplicationRepo(), cacheStore)
	aggregator := kpi.New(log, store.UsageRepo(), store.RequestTracingRepo(), store.AuditLogRepo(), 0)

	r := router.New(router.Deps{
		Config:        cfg,
		Logger:        log,
		Orchestrator:  orch,
		Registry:      registry,
		Authenticator: auth,
		Metrics:       metrics,
		KPI:           aggregator,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DefaultTimeout + 10*time.Second, // buffer for streaming
		IdleTimeout:  120 * time.Second,
	}

	healthPoller := provider.NewHealthPoller(registry, log, 30*time.Second)
	healthPoller.OnStatusChange(func(name string, healthy bool, status provider.HealthStatus) {
		if healthy {
			log.Info().Str("provider", name).Msg("provider recovered")
		} else {
			log.Error().Str("provider", name).Str("error", status.Error).Msg("provider degraded")
		}
		metrics.ProviderHealth(name, healthy)
	})
	healthPoller.Start()

	// Bind explicitly so a bind failure is a startup failure with a
	// non-zero exit, not a goroutine log line.
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Error().Err(err).Str("addr", cfg.Addr).Msg("bind failed")
		os.Exit(1)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	healthPoller.Stop()
	pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		os.Exit(1)
	}
	log.Info().Msg("gateway stopped gracefully")
}

// registerProviders wires the connectors in the documented dispatch
// families. Providers without required configuration are simply not
// registered; the dispatcher then reports their models as unsupported.
func registerProviders(cfg *config.Config, registry *provider.Registry, pool *provider.ConnectionPool, log zerolog.Logger) {
	if cfg.IsTest() {
		registry.Register(provider.NewMockProvider())
		log.Info().Msg("registered mock provider (test environment)")
	}

	registry.Register(provider.NewLMStudioProvider(provider.ProviderConfig{
		Name:       "lmstudio",
		BaseURL:    cfg.ProviderBaseURL("lmstudio"),
		Timeout:    cfg.ProviderTimeout("lmstudio"),
		HTTPClient: pool.GetClient("lmstudio", cfg.ProviderTimeout("lmstudio")),
	}))
	log.Info().Msg("registered lmstudio provider")

	registry.Register(provider.NewOllamaProvider(provider.ProviderConfig{
		Name:       "ollama",
		BaseURL:    cfg.ProviderBaseURL("ollama"),
		Timeout:    cfg.ProviderTimeout("ollama"),
		HTTPClient: pool.GetClient("ollama", cfg.ProviderTimeout("ollama")),
	}))
	log.Info().Msg("registered ollama provider")

	registry.Register(provider.NewOpenAIProvider(provider.ProviderConfig{
		Name:       "openai",
		BaseURL:    cfg.ProviderBaseURL("openai"),
		APIKey:     os.Getenv("OPENAI_API_KEY"),
		Timeout:    cfg.ProviderTimeout("openai"),
		HTTPClient: pool.GetClient("openai", cfg.ProviderTimeout("openai")),
	}))
	log.Info().Msg("registered openai provider")

	registry.Register(provider.NewAnthropicProvider(provider.ProviderConfig{
		Name:       "anthropic",
		BaseURL:    cfg.ProviderBaseURL("anthropic"),
		APIKey:     os.Getenv("ANTHROPIC_API_KEY"),
		Timeout:    cfg.ProviderTimeout("anthropic"),
		HTTPClient: pool.GetClient("anthropic", cfg.ProviderTimeout("anthropic")),
	}))
	log.Info().Msg("registered anthropic provider")

	log.Info().Int("providers", len(registry.List())).Msg("provider registration complete")
}
