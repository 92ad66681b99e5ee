package repo

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/govgate/gateway/domain"
	"github.com/govgate/gateway/feature"
	"github.com/govgate/gateway/trace"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by in-memory lookups that miss. Callers treat it
// like "no rows" — it is not itself a governance denial.
var ErrNotFound = errors.New("repo: not found")

// ErrDuplicate is returned when an insert collides with an existing row's
// idempotency key (usage records keyed by request_id).
var ErrDuplicate = errors.New("repo: duplicate")

// appRegistry is one application's feature configuration, mirroring the
// shape feature.Registry expects.
type appRegistry struct {
	mode             domain.FeatureRegistryMode
	defaultFeatureID string
	definitions      map[string]domain.FeatureDefinition
}

// MemoryStore is a single process-local backing store for every repository
// port, guarded by one RWMutex. It is the default
// wiring for a single-instance deployment and for tests; nothing here
// pools connections because there is no connection — multi-instance
// deployments substitute a real Postgres/Redis implementation of the same
// interfaces.
type MemoryStore struct {
	logger zerolog.Logger

	mu          sync.RWMutex
	rules       map[int64]domain.PolicyRule
	nextRuleID  int64
	budgets     map[int64]domain.Budget
	nextBudgetID int64
	registries  map[string]*appRegistry
	credentials map[int64]domain.APICredential
	byHash      map[string]int64
	nextCredID  int64
	auditLog    []AuditLogEntry
	usage       []domain.UsageRecord
	traces      map[string]*trace.RequestTrace
	apps        map[string]domain.Application

	seq int64
}

// NewMemoryStore creates an empty in-memory backing store.
func NewMemoryStore(logger zerolog.Logger) *MemoryStore {
	return &MemoryStore{
		logger:      logger,
		rules:       make(map[int64]domain.PolicyRule),
		budgets:     make(map[int64]domain.Budget),
		registries:  make(map[string]*appRegistry),
		credentials: make(map[int64]domain.APICredential),
		byHash:      make(map[string]int64),
		traces:      make(map[string]*trace.RequestTrace),
		apps:        make(map[string]domain.Application),
	}
}

func (s *MemoryStore) nextID() int64 {
	return atomic.AddInt64(&s.seq, 1)
}

// ── Applications ─────────────────────────────────────────────────────────

// ApplicationRepo returns an ApplicationRepository backed by this store.
func (s *MemoryStore) ApplicationRepo() ApplicationRepository { return (*memoryAppRepo)(s) }

type memoryAppRepo MemoryStore

func (r *memoryAppRepo) GetByAppID(ctx context.Context, appID string) (*domain.Application, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.apps[appID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (r *memoryAppRepo) Create(ctx context.Context, app domain.Application) (domain.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app.ID = (*MemoryStore)(r).nextID()
	r.apps[app.AppID] = app
	return app, nil
}

func (r *memoryAppRepo) Update(ctx context.Context, app domain.Application) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.apps[app.AppID]; !ok {
		return ErrNotFound
	}
	r.apps[app.AppID] = app
	return nil
}

// ── Policy ──────────────────────────────────────────────────────────────

// PolicyRepo returns a PolicyRepository backed by this store.
func (s *MemoryStore) PolicyRepo() PolicyRepository { return (*memoryPolicyRepo)(s) }

type memoryPolicyRepo MemoryStore

func (r *memoryPolicyRepo) store() *MemoryStore { return (*MemoryStore)(r) }

func (r *memoryPolicyRepo) GetActiveRules(ctx context.Context, orgID, appID, environment string) ([]domain.PolicyRule, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PolicyRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if !rule.Enabled {
			continue
		}
		if rule.ApplicationID != "" && rule.ApplicationID != appID {
			continue
		}
		out = append(out, rule)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

func (r *memoryPolicyRepo) Create(ctx context.Context, rule domain.PolicyRule) (domain.PolicyRule, error) {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	rule.ID = s.nextID()
	s.rules[rule.ID] = rule
	return rule, nil
}

func (r *memoryPolicyRepo) Update(ctx context.Context, rule domain.PolicyRule) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[rule.ID]; !ok {
		return ErrNotFound
	}
	s.rules[rule.ID] = rule
	return nil
}

func (r *memoryPolicyRepo) Delete(ctx context.Context, id int64) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

func (r *memoryPolicyRepo) GetByID(ctx context.Context, id int64) (*domain.PolicyRule, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rule, nil
}

// ── Budget ───────────────────────────────────────────────────────────────

// BudgetRepo returns a BudgetRepository backed by this store.
func (s *MemoryStore) BudgetRepo() BudgetRepository { return (*memoryBudgetRepo)(s) }

type memoryBudgetRepo MemoryStore

func (r *memoryBudgetRepo) store() *MemoryStore { return (*MemoryStore)(r) }

func (r *memoryBudgetRepo) GetBudgetsForApp(ctx context.Context, appID, orgID string) ([]domain.Budget, error) {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []domain.Budget
	for id, b := range s.budgets {
		switch b.Scope {
		case domain.ScopeApplication:
			if b.ApplicationID != appID {
				continue
			}
		case domain.ScopeOrganization:
			if orgID == "" || b.OrgID != orgID {
				continue
			}
		case domain.ScopeUser:
			continue // no per-user identity on the request context yet
		}
		b.ApplyPeriodReset(now)
		s.budgets[id] = b
		out = append(out, b)
	}
	// user -> org -> app: most specific scope first.
	rank := func(sc domain.BudgetScope) int {
		switch sc {
		case domain.ScopeUser:
			return 0
		case domain.ScopeOrganization:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return rank(out[i].Scope) < rank(out[j].Scope) })
	return out, nil
}

func (r *memoryBudgetRepo) RecordUsage(ctx context.Context, budgetID int64, delta float64, now time.Time) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[budgetID]
	if !ok {
		return ErrNotFound
	}
	b.ApplyPeriodReset(now)
	b.CurrentSpendUSD += delta
	s.budgets[budgetID] = b
	return nil
}

func (r *memoryBudgetRepo) Create(ctx context.Context, b domain.Budget) (domain.Budget, error) {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	b.ID = s.nextID()
	if b.PeriodStart.IsZero() {
		b.PeriodStart = time.Now()
	}
	s.budgets[b.ID] = b
	return b, nil
}

func (r *memoryBudgetRepo) Update(ctx context.Context, b domain.Budget) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.budgets[b.ID]; !ok {
		return ErrNotFound
	}
	s.budgets[b.ID] = b
	return nil
}

func (r *memoryBudgetRepo) Delete(ctx context.Context, id int64) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.budgets[id]; !ok {
		return ErrNotFound
	}
	delete(s.budgets, id)
	return nil
}

func (r *memoryBudgetRepo) GetByID(ctx context.Context, id int64) (*domain.Budget, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.budgets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

// ── Feature registry ──────────────────────────────────────────────────────

// FeatureRegistryRepo returns a FeatureRegistryRepository backed by this store.
func (s *MemoryStore) FeatureRegistryRepo() FeatureRegistryRepository {
	return (*memoryFeatureRepo)(s)
}

type memoryFeatureRepo MemoryStore

func (r *memoryFeatureRepo) store() *MemoryStore { return (*MemoryStore)(r) }

func (r *memoryFeatureRepo) GetRegistry(ctx context.Context, appID string) (*feature.Registry, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	ar, ok := s.registries[appID]
	if !ok {
		return nil, nil
	}
	defs := make(map[string]domain.FeatureDefinition, len(ar.definitions))
	for k, v := range ar.definitions {
		defs[k] = v
	}
	return &feature.Registry{
		Mode:             ar.mode,
		DefaultFeatureID: ar.defaultFeatureID,
		Definitions:      defs,
	}, nil
}

func (r *memoryFeatureRepo) List(ctx context.Context, appID string) ([]domain.FeatureDefinition, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	ar, ok := s.registries[appID]
	if !ok {
		return nil, nil
	}
	out := make([]domain.FeatureDefinition, 0, len(ar.definitions))
	for _, d := range ar.definitions {
		out = append(out, d)
	}
	return out, nil
}

func (r *memoryFeatureRepo) Get(ctx context.Context, appID, featureID string) (*domain.FeatureDefinition, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	ar, ok := s.registries[appID]
	if !ok {
		return nil, ErrNotFound
	}
	d, ok := ar.definitions[featureID]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (r *memoryFeatureRepo) ensure(appID string) *appRegistry {
	ar, ok := r.registries[appID]
	if !ok {
		ar = &appRegistry{mode: domain.RegistryPermissive, definitions: make(map[string]domain.FeatureDefinition)}
		r.registries[appID] = ar
	}
	return ar
}

func (r *memoryFeatureRepo) Register(ctx context.Context, appID string, def domain.FeatureDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ar := r.ensure(appID)
	ar.definitions[def.ID] = def
	return nil
}

func (r *memoryFeatureRepo) Remove(ctx context.Context, appID, featureID string) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	ar, ok := s.registries[appID]
	if !ok {
		return ErrNotFound
	}
	delete(ar.definitions, featureID)
	return nil
}

func (r *memoryFeatureRepo) SetStrictMode(ctx context.Context, appID string, mode domain.FeatureRegistryMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ar := r.ensure(appID)
	ar.mode = mode
	return nil
}

func (r *memoryFeatureRepo) SetDefaultFeature(ctx context.Context, appID, featureID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ar := r.ensure(appID)
	ar.defaultFeatureID = featureID
	return nil
}

// ── Credentials ────────────────────────────────────────────────────────

// CredentialRepo returns a CredentialRepository backed by this store.
func (s *MemoryStore) CredentialRepo() CredentialRepository { return (*memoryCredentialRepo)(s) }

type memoryCredentialRepo MemoryStore

func (r *memoryCredentialRepo) store() *MemoryStore { return (*MemoryStore)(r) }

func generateKey() (plaintext, hash string, prefix string, err error) {
	buf := make([]byte, 24)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", err
	}
	plaintext = "gw_" + hex.EncodeToString(buf)
	hash = HashKey(plaintext)
	if len(plaintext) >= 12 {
		prefix = plaintext[:12]
	} else {
		prefix = plaintext
	}
	return plaintext, hash, prefix, nil
}

func (r *memoryCredentialRepo) LookupByKeyHash(ctx context.Context, keyHash string) (*domain.APICredential, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[keyHash]
	if !ok {
		return nil, ErrNotFound
	}
	c := s.credentials[id]
	return &c, nil
}

func (r *memoryCredentialRepo) Create(ctx context.Context, cred domain.APICredential) (string, domain.APICredential, error) {
	s := r.store()
	plaintext, hash, prefix, err := generateKey()
	if err != nil {
		return "", domain.APICredential{}, fmt.Errorf("generate credential key: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cred.ID = s.nextID()
	cred.KeyHash = hash
	cred.KeyPrefix = prefix
	cred.CreatedAt = time.Now()
	cred.IsActive = true
	s.credentials[cred.ID] = cred
	s.byHash[hash] = cred.ID
	return plaintext, cred, nil
}

func (r *memoryCredentialRepo) Rotate(ctx context.Context, oldID int64) (domain.APICredential, string, error) {
	s := r.store()
	s.mu.Lock()
	old, ok := s.credentials[oldID]
	if !ok {
		s.mu.Unlock()
		return domain.APICredential{}, "", ErrNotFound
	}
	old.IsActive = false
	s.credentials[oldID] = old
	s.mu.Unlock()

	next := old
	next.ID = 0
	next.ExpiresAt = nil
	plaintext, created, err := r.Create(ctx, next)
	return created, plaintext, err
}

func (r *memoryCredentialRepo) Deactivate(ctx context.Context, id int64) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return ErrNotFound
	}
	c.IsActive = false
	s.credentials[id] = c
	return nil
}

func (r *memoryCredentialRepo) Delete(ctx context.Context, id int64) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.credentials, id)
	delete(s.byHash, c.KeyHash)
	return nil
}

func (r *memoryCredentialRepo) Touch(ctx context.Context, id int64, at time.Time) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	c.LastUsedAt = &t
	s.credentials[id] = c
	return nil
}

// ── Audit log ────────────────────────────────────────────────────────────

// AuditLogRepo returns an AuditLogRepository backed by this store.
func (s *MemoryStore) AuditLogRepo() AuditLogRepository { return (*memoryAuditRepo)(s) }

type memoryAuditRepo MemoryStore

func (r *memoryAuditRepo) store() *MemoryStore { return (*MemoryStore)(r) }

func (r *memoryAuditRepo) Log(ctx context.Context, entry AuditLogEntry) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.auditLog = append(s.auditLog, entry)
	return nil
}

func (r *memoryAuditRepo) ByRequestID(ctx context.Context, requestID string) ([]AuditLogEntry, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AuditLogEntry
	for _, e := range s.auditLog {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memoryAuditRepo) ByApp(ctx context.Context, appID string) ([]AuditLogEntry, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AuditLogEntry
	for _, e := range s.auditLog {
		if e.AppID == appID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memoryAuditRepo) ListBlocked(ctx context.Context) ([]AuditLogEntry, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AuditLogEntry
	for _, e := range s.auditLog {
		if e.Outcome == "deny" || e.Outcome == "block" {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memoryAuditRepo) CountErrors(ctx context.Context, since time.Time) (int, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.auditLog {
		if e.Outcome == "error" && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *memoryAuditRepo) CleanupOldLogs(ctx context.Context, retentionDays int) (int, error) {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	kept := s.auditLog[:0]
	removed := 0
	for _, e := range s.auditLog {
		if e.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.auditLog = kept
	return removed, nil
}

// ── Usage ────────────────────────────────────────────────────────────────

// UsageRepo returns a UsageRepository backed by this store.
func (s *MemoryStore) UsageRepo() UsageRepository { return (*memoryUsageRepo)(s) }

type memoryUsageRepo MemoryStore

func (r *memoryUsageRepo) store() *MemoryStore { return (*MemoryStore)(r) }

func (r *memoryUsageRepo) Record(ctx context.Context, rec domain.UsageRecord) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.RequestID != "" {
		for _, u := range s.usage {
			if u.RequestID == rec.RequestID {
				return ErrDuplicate
			}
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.usage = append(s.usage, rec)
	return nil
}

func (r *memoryUsageRepo) ByRequestID(ctx context.Context, requestID string) (*domain.UsageRecord, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.usage {
		if s.usage[i].RequestID == requestID {
			cp := s.usage[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryUsageRepo) GetTotalCostBetween(ctx context.Context, appID string, from, to time.Time) (float64, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, u := range s.usage {
		if u.AppID != appID || u.CreatedAt.Before(from) || !u.CreatedAt.Before(to) {
			continue
		}
		total += u.CostUSD
	}
	return total, nil
}

func (r *memoryUsageRepo) matching(appID string, window time.Duration, feature, environment string) []domain.UsageRecord {
	s := r.store()
	cutoff := time.Now().Add(-window)
	var out []domain.UsageRecord
	for _, u := range s.usage {
		if u.AppID != appID || u.CreatedAt.Before(cutoff) {
			continue
		}
		if feature != "" && u.Feature != feature {
			continue
		}
		if environment != "" && string(u.Environment) != environment {
			continue
		}
		out = append(out, u)
	}
	return out
}

func (r *memoryUsageRepo) GetTotalCost(ctx context.Context, appID string, window time.Duration, feature, environment string) (float64, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, u := range r.matching(appID, window, feature, environment) {
		total += u.CostUSD
	}
	return total, nil
}

func (r *memoryUsageRepo) GetStatsByModel(ctx context.Context, appID string, window time.Duration) (map[string]ModelStats, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ModelStats)
	for _, u := range r.matching(appID, window, "", "") {
		st := out[u.Model]
		st.Requests++
		st.InputTokens += int64(u.InputTokens)
		st.OutputTokens += int64(u.OutputTokens)
		st.CostUSD += u.CostUSD
		out[u.Model] = st
	}
	return out, nil
}

func (r *memoryUsageRepo) GetStatsByFeature(ctx context.Context, appID string, window time.Duration) (map[string]ModelStats, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ModelStats)
	for _, u := range r.matching(appID, window, "", "") {
		key := u.Feature
		st := out[key]
		st.Requests++
		st.InputTokens += int64(u.InputTokens)
		st.OutputTokens += int64(u.OutputTokens)
		st.CostUSD += u.CostUSD
		out[key] = st
	}
	return out, nil
}

func (r *memoryUsageRepo) GetDailyStats(ctx context.Context, appID string, days int) ([]DailyStat, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	byDay := make(map[string]*DailyStat)
	cutoff := time.Now().AddDate(0, 0, -days)
	for _, u := range s.usage {
		if u.AppID != appID || u.CreatedAt.Before(cutoff) {
			continue
		}
		day := u.CreatedAt.Truncate(24 * time.Hour)
		key := day.Format("2006-01-02")
		ds, ok := byDay[key]
		if !ok {
			ds = &DailyStat{Date: day}
			byDay[key] = ds
		}
		ds.Requests++
		ds.CostUSD += u.CostUSD
	}
	out := make([]DailyStat, 0, len(byDay))
	for _, ds := range byDay {
		out = append(out, *ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (r *memoryUsageRepo) RecentByAppFeature(ctx context.Context, appID, feature string, limit int) ([]domain.UsageRecord, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.UsageRecord
	for i := len(s.usage) - 1; i >= 0 && len(out) < limit; i-- {
		u := s.usage[i]
		if u.AppID == appID && u.Feature == feature {
			out = append(out, u)
		}
	}
	return out, nil
}

func (r *memoryUsageRepo) Recent(ctx context.Context, appID string, limit int) ([]domain.UsageRecord, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.UsageRecord
	for i := len(s.usage) - 1; i >= 0 && len(out) < limit; i-- {
		if s.usage[i].AppID == appID {
			out = append(out, s.usage[i])
		}
	}
	return out, nil
}

// ── Request tracing ──────────────────────────────────────────────────────

// RequestTracingRepo returns a RequestTracingRepository backed by this store.
func (s *MemoryStore) RequestTracingRepo() RequestTracingRepository {
	return (*memoryTraceRepo)(s)
}

type memoryTraceRepo MemoryStore

func (r *memoryTraceRepo) store() *MemoryStore { return (*MemoryStore)(r) }

func (r *memoryTraceRepo) CreateTrace(ctx context.Context, tr *trace.RequestTrace) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tr
	s.traces[tr.TraceID] = &cp
	return nil
}

func (r *memoryTraceRepo) SaveSpan(ctx context.Context, traceID string, span trace.Span) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[traceID]
	if !ok {
		return ErrNotFound
	}
	t.Spans = append(t.Spans, span)
	return nil
}

func (r *memoryTraceRepo) CompleteTrace(ctx context.Context, tr *trace.RequestTrace) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tr
	s.traces[tr.TraceID] = &cp
	return nil
}

func (r *memoryTraceRepo) FailTrace(ctx context.Context, tr *trace.RequestTrace, reason string) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tr
	cp.Status = trace.StatusError
	if cp.Decision.PrimaryReason == "" {
		cp.Decision.PrimaryReason = reason
	}
	s.traces[tr.TraceID] = &cp
	return nil
}

func (r *memoryTraceRepo) Get(ctx context.Context, traceID string) (*trace.RequestTrace, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traces[traceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memoryTraceRepo) RecentByStatus(ctx context.Context, status trace.Status, since time.Time) ([]*trace.RequestTrace, error) {
	s := r.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*trace.RequestTrace
	for _, t := range s.traces {
		if t.Status == status && !t.StartedAt.Before(since) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}
