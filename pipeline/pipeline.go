// Package pipeline implements the request-evaluation orchestrator: the
// use case that runs every LLM request through the governance engines in
// a fixed order (abuse → feature → policy → security → budget), performs
// the provider call, settles the cost ledger, and emits an explainable
// decision with a span-structured trace. Within one request the pipeline
// is linear and strictly ordered — no step starts until the previous
// returns — which is what makes the short-circuit semantics well-defined.
// The orchestrator is also the only component that maps internal decision
// codes to HTTP statuses.
package pipeline

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/govgate/gateway/domain"
	"github.com/govgate/gateway/metering"
	"github.com/govgate/gateway/observability"
	"github.com/govgate/gateway/pricing"
	"github.com/govgate/gateway/provider"
	"github.com/govgate/gateway/repo"
	"github.com/govgate/gateway/resilience"
	"github.com/govgate/gateway/security"
	"github.com/govgate/gateway/trace"
)

// Pipeline stage names. Closed set; span step names and decision chain
// entries use these strings.
const (
	StageInputValidation = "input_validation"
	StageAbuseCheck      = "abuse_check"
	StageFeatureCheck    = "feature_check"
	StagePolicyCheck     = "policy_check"
	StageSecurityCheck   = "security_check"
	StageBudgetCheck     = "budget_check"
	StageLLMCall         = "llm_call"
)

// Stable decision codes owned by the orchestrator. Engine-owned codes
// (feature.Code, policy.Code*) pass through unchanged.
const (
	CodeAllowed            = "ALLOWED"
	CodeDryRun             = "DRY_RUN"
	CodeDeniedAbuse        = "DENIED_ABUSE"
	CodeBudgetHardLimit    = "BUDGET_HARD_LIMIT_EXCEEDED"
	CodeModelNotSupported  = "MODEL_NOT_SUPPORTED"
	CodeProviderKeyMissing = "PROVIDER_KEY_MISSING"
	CodeProviderError      = "PROVIDER_ERROR"
	CodeProviderTimeout    = "PROVIDER_TIMEOUT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeDuplicateRequest   = "DUPLICATE_REQUEST"
	CodeAppNotFound        = "APP_NOT_FOUND"
	CodeAppDisabled        = "APP_DISABLED"
	CodeDecryptionFailed   = "PROVIDER_KEY_DECRYPTION_FAILED"
)

// HTTPStatus maps a decision code to the response status. The handler
// layer uses this verbatim; nothing else in the gateway knows about HTTP.
func HTTPStatus(code string) int {
	switch code {
	case CodeAllowed, CodeDryRun:
		return http.StatusOK
	case CodeBudgetHardLimit:
		return http.StatusPaymentRequired
	case CodeDeniedAbuse:
		return http.StatusTooManyRequests
	case CodeModelNotSupported, CodeProviderKeyMissing, CodeDecryptionFailed:
		return http.StatusBadRequest
	case CodeDuplicateRequest:
		return http.StatusConflict
	case CodeProviderError:
		return http.StatusBadGateway
	case CodeProviderTimeout:
		return http.StatusGatewayTimeout
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	}
	switch {
	case strings.HasPrefix(code, "AUTH_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(code, "BUDGET_"):
		return http.StatusPaymentRequired
	case strings.HasPrefix(code, "DENIED_"), strings.HasPrefix(code, "POLICY_"), strings.HasPrefix(code, "APP_"):
		return http.StatusForbidden
	default:
		return http.StatusForbidden
	}
}

// Command is the single input to Execute/ExecuteStream. The handler
// builds it from the parsed request body plus the authenticated
// credential context.
type Command struct {
	RequestID   string
	AppID       string
	OrgID       string
	UserEmail   string
	Model       string
	Messages    []domain.Message
	Environment domain.Environment
	Feature     string
	Action      domain.Action
	MaxTokens   *int
	Temperature *float64
	Stream      bool
	DryRun      bool

	// ProviderAPIKey is the caller's passthrough key for the upstream
	// provider, possibly "enc:"-prefixed (decrypted in the key-resolution
	// step). Empty means "use the gateway-configured key, if any".
	ProviderAPIKey string
}

// StepResult is one decision-chain entry, serialized into error envelopes
// and traces.
type StepResult struct {
	Stage      string `json:"stage"`
	Outcome    string `json:"outcome"`
	Code       string `json:"code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Result is the explainable verdict for one request.
type Result struct {
	Outcome  trace.Outcome
	Code     string
	Reason   string
	Chain    []StepResult
	Warnings []string

	// SecurityFindings are always attached when present; they never block.
	SecurityFindings []security.Finding

	// Response is set on a successful synchronous provider call.
	Response *provider.ChatResponse

	DryRun           bool
	WouldBeAllowed   bool
	EstimatedCostUSD float64
	ActualCostUSD    float64

	TraceID   string
	RequestID string
}

// Denied reports whether the pipeline refused the request before the
// provider call.
func (r *Result) Denied() bool {
	return r.Outcome == trace.OutcomeDeny
}

// AbuseVerdict is the result of a cross-request abuse check.
type AbuseVerdict struct {
	Blocked  bool
	Reason   string
	Cooldown time.Duration
}

// AbuseDetector flags cross-request abuse patterns (retry loops, rate
// spikes). The abuse-check stage is optional and pass-through: a nil
// detector skips the stage entirely.
type AbuseDetector interface {
	Check(ctx context.Context, cmd Command) (AbuseVerdict, error)
}

// Breaker names for the gateway's downstream dependencies.
const (
	breakerDB       = "db"
	breakerProvider = "provider"
)

// Config carries the orchestrator's environment-dependent knobs.
type Config struct {
	// Environment gates the mock provider (dispatch consults it only in
	// "test") and is stamped on traces.
	Environment string
	// DefaultMaxOutputTokens is the output-token assumption for cost
	// estimation when the request does not cap max_tokens.
	DefaultMaxOutputTokens int
	// ProviderTimeout returns the call deadline for a provider; local
	// providers get a longer one.
	ProviderTimeout func(providerName string) time.Duration
}

func (c Config) maxOut(cmd *Command) int {
	if cmd.MaxTokens != nil && *cmd.MaxTokens > 0 {
		return *cmd.MaxTokens
	}
	if c.DefaultMaxOutputTokens > 0 {
		return c.DefaultMaxOutputTokens
	}
	return 1000
}

func (c Config) providerTimeout(name string) time.Duration {
	if c.ProviderTimeout != nil {
		if d := c.ProviderTimeout(name); d > 0 {
			return d
		}
	}
	return 60 * time.Second
}

// Orchestrator wires the governance engines, repositories, and provider
// registry into the request pipeline. Construct once per process with
// New; safe for concurrent use.
type Orchestrator struct {
	logger    zerolog.Logger
	cfg       Config
	apps      repo.ApplicationRepository
	policies  repo.PolicyRepository
	budgets   repo.BudgetRepository
	features  repo.FeatureRegistryRepository
	usage     repo.UsageRepository
	audit     repo.AuditLogRepository
	traces    repo.RequestTracingRepository
	providers *provider.Registry
	prices    *pricing.Table
	counter   *metering.TokenCounter
	metrics   *observability.Metrics
	encryptor *security.Encryptor
	abuse     AbuseDetector
	breakers  *resilience.Registry
}

// Deps bundles the orchestrator's collaborators for New.
type Deps struct {
	Logger    zerolog.Logger
	Config    Config
	Apps      repo.ApplicationRepository
	Policies  repo.PolicyRepository
	Budgets   repo.BudgetRepository
	Features  repo.FeatureRegistryRepository
	Usage     repo.UsageRepository
	Audit     repo.AuditLogRepository
	Traces    repo.RequestTracingRepository
	Providers *provider.Registry
	Pricing   *pricing.Table
	Counter   *metering.TokenCounter
	Metrics   *observability.Metrics
	Encryptor *security.Encryptor // optional
	Abuse     AbuseDetector       // optional
	Breakers  *resilience.Registry
}

// New assembles an Orchestrator.
func New(d Deps) *Orchestrator {
	if d.Counter == nil {
		d.Counter = metering.NewTokenCounter(0)
	}
	if d.Breakers == nil {
		d.Breakers = resilience.NewRegistry(resilience.DefaultConfig())
	}
	return &Orchestrator{
		logger:    d.Logger.With().Str("component", "pipeline").Logger(),
		cfg:       d.Config,
		apps:      d.Apps,
		policies:  d.Policies,
		budgets:   d.Budgets,
		features:  d.Features,
		usage:     d.Usage,
		audit:     d.Audit,
		traces:    d.Traces,
		providers: d.Providers,
		prices:    d.Pricing,
		counter:   d.Counter,
		metrics:   d.Metrics,
		encryptor: d.Encryptor,
		abuse:     d.Abuse,
		breakers:  d.Breakers,
	}
}
