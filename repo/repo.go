// Package repo defines the storage-backed ports the orchestrator depends
// on: policies, budgets, feature registries, credentials, audit
// logs, usage records, and request traces. The contract shape is the
// design, not the storage engine — the relational engine, ORM, and
// schema migrations are deployment concerns, not part of this module. This package therefore
// ships only the interfaces plus an in-memory implementation of each,
// suitable for wiring a single-process deployment or tests; a real
// deployment supplies its own Postgres/Redis-backed implementation behind
// the same interfaces without the orchestrator changing.
package repo

import (
	"context"
	"time"

	"github.com/govgate/gateway/domain"
	"github.com/govgate/gateway/feature"
	"github.com/govgate/gateway/trace"
)

// ApplicationRepository resolves the Application entity itself.
// Applications are the aggregate root the other repositories scope to,
// and the orchestrator still needs
// app-level data — allowed_models, allowed_providers, is_active — that the
// Credential Repository alone does not carry, so it is split out here.
type ApplicationRepository interface {
	GetByAppID(ctx context.Context, appID string) (*domain.Application, error)
	Create(ctx context.Context, app domain.Application) (domain.Application, error)
	Update(ctx context.Context, app domain.Application) error
}

// PolicyRepository is the policy-rule storage port.
type PolicyRepository interface {
	// GetActiveRules returns enabled rules whose ApplicationID is empty (global)
	// or equals appID, ordered by priority descending.
	GetActiveRules(ctx context.Context, orgID, appID, environment string) ([]domain.PolicyRule, error)
	Create(ctx context.Context, rule domain.PolicyRule) (domain.PolicyRule, error)
	Update(ctx context.Context, rule domain.PolicyRule) error
	Delete(ctx context.Context, id int64) error
	GetByID(ctx context.Context, id int64) (*domain.PolicyRule, error)
}

// BudgetRepository is the budget storage port.
type BudgetRepository interface {
	// GetBudgetsForApp returns all applicable active budgets in priority
	// order user -> org -> app, most-specific feature/environment
	// first. Period reset is applied lazily on read.
	GetBudgetsForApp(ctx context.Context, appID, orgID string) ([]domain.Budget, error)
	// RecordUsage applies a committed delta to one budget row, atomically
	// with respect to other writers of the same row.
	RecordUsage(ctx context.Context, budgetID int64, delta float64, now time.Time) error
	Create(ctx context.Context, b domain.Budget) (domain.Budget, error)
	Update(ctx context.Context, b domain.Budget) error
	Delete(ctx context.Context, id int64) error
	GetByID(ctx context.Context, id int64) (*domain.Budget, error)
}

// FeatureRegistryRepository is the per-application feature storage port.
type FeatureRegistryRepository interface {
	// GetRegistry assembles the per-application feature.Registry (mode,
	// default feature id, definitions). Returns (nil, nil) when the
	// application has no registry configured at all — the feature engine
	// reads that as ALLOWED_NO_REGISTRY.
	GetRegistry(ctx context.Context, appID string) (*feature.Registry, error)
	List(ctx context.Context, appID string) ([]domain.FeatureDefinition, error)
	Get(ctx context.Context, appID, featureID string) (*domain.FeatureDefinition, error)
	Register(ctx context.Context, appID string, def domain.FeatureDefinition) error
	Remove(ctx context.Context, appID, featureID string) error
	SetStrictMode(ctx context.Context, appID string, mode domain.FeatureRegistryMode) error
	SetDefaultFeature(ctx context.Context, appID, featureID string) error
}

// CredentialRepository is the API-credential storage port. Plaintext
// keys are never logged or persisted — Create/Rotate return the plaintext
// exactly once, to the caller only.
type CredentialRepository interface {
	LookupByKeyHash(ctx context.Context, keyHash string) (*domain.APICredential, error)
	Create(ctx context.Context, cred domain.APICredential) (plaintextKey string, created domain.APICredential, err error)
	Rotate(ctx context.Context, oldID int64) (newCred domain.APICredential, plaintextKey string, err error)
	Deactivate(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
	// Touch best-effort updates last_used_at on a successful auth lookup
	// — a write failure here must never fail the request.
	Touch(ctx context.Context, id int64, at time.Time) error
}

// AuditLogEntry is one append-only audit row.
type AuditLogEntry struct {
	RequestID string
	AppID     string
	TraceID   string
	Outcome   string
	Code      string
	Message   string
	CreatedAt time.Time
}

// AuditLogRepository is the audit-log storage port: append-only
// writes, filtered reads, and operator-invoked retention cleanup.
type AuditLogRepository interface {
	Log(ctx context.Context, entry AuditLogEntry) error
	ByRequestID(ctx context.Context, requestID string) ([]AuditLogEntry, error)
	ByApp(ctx context.Context, appID string) ([]AuditLogEntry, error)
	ListBlocked(ctx context.Context) ([]AuditLogEntry, error)
	CountErrors(ctx context.Context, since time.Time) (int, error)
	// CleanupOldLogs hard-deletes entries older than retentionDays; an
	// operator-invoked admin task, out of core scope.
	CleanupOldLogs(ctx context.Context, retentionDays int) (int, error)
}

// ModelStats summarises usage for one grouping key (model or feature).
type ModelStats struct {
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// DailyStat is one day's aggregate usage for an application.
type DailyStat struct {
	Date     time.Time
	Requests int64
	CostUSD  float64
}

// UsageRepository is the usage-ledger storage port: one row per
// successful request and the read-side rollups built on it.
type UsageRepository interface {
	// Record appends one ledger row. The request_id is the idempotency
	// key: recording a duplicate is a no-op returning ErrDuplicate, so a
	// re-posted request never double-bills.
	Record(ctx context.Context, rec domain.UsageRecord) error
	// ByRequestID returns the ledger row for a request id, or ErrNotFound.
	ByRequestID(ctx context.Context, requestID string) (*domain.UsageRecord, error)
	GetTotalCost(ctx context.Context, appID string, window time.Duration, feature, environment string) (float64, error)
	// GetTotalCostBetween sums cost over an absolute interval — the
	// Governance KPI cost-spike baseline compares the current
	// window against the previous window of equal length.
	GetTotalCostBetween(ctx context.Context, appID string, from, to time.Time) (float64, error)
	GetStatsByModel(ctx context.Context, appID string, window time.Duration) (map[string]ModelStats, error)
	GetStatsByFeature(ctx context.Context, appID string, window time.Duration) (map[string]ModelStats, error)
	GetDailyStats(ctx context.Context, appID string, days int) ([]DailyStat, error)
	// RecentByAppFeature returns up to limit of the most recent usage
	// records for (appID, feature), most recent first — the Governance KPI
	// "retry loop" anomaly scans this window.
	RecentByAppFeature(ctx context.Context, appID, feature string, limit int) ([]domain.UsageRecord, error)
	// Recent returns up to limit of the application's most recent usage
	// records across all features, most recent first.
	Recent(ctx context.Context, appID string, limit int) ([]domain.UsageRecord, error)
}

// RequestTracingRepository is the request-trace storage port.
type RequestTracingRepository interface {
	CreateTrace(ctx context.Context, tr *trace.RequestTrace) error
	SaveSpan(ctx context.Context, traceID string, span trace.Span) error
	CompleteTrace(ctx context.Context, tr *trace.RequestTrace) error
	FailTrace(ctx context.Context, tr *trace.RequestTrace, reason string) error
	Get(ctx context.Context, traceID string) (*trace.RequestTrace, error)
	// RecentByStatus supports the Governance KPI "high error rate" anomaly
	// — traces with the given status within the window.
	RecentByStatus(ctx context.Context, status trace.Status, since time.Time) ([]*trace.RequestTrace, error)
}
