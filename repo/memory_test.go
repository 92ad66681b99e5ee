package repo

import (
	"context"
	"testing"
	"time"

	"github.com/govgate/gateway/domain"
	"github.com/govgate/gateway/trace"
	"github.com/rs/zerolog"
)

func TestPolicyRepoOrdersByPriorityAndFiltersScope(t *testing.T) {
	s := NewMemoryStore(zerolog.Nop())
	repo := s.PolicyRepo()
	ctx := context.Background()

	repo.Create(ctx, domain.PolicyRule{Name: "low", Priority: 1, Enabled: true})
	repo.Create(ctx, domain.PolicyRule{Name: "high", Priority: 10, Enabled: true})
	repo.Create(ctx, domain.PolicyRule{Name: "disabled", Priority: 20, Enabled: false})
	repo.Create(ctx, domain.PolicyRule{Name: "other-app", Priority: 30, Enabled: true, ApplicationID: "other"})

	rules, err := repo.GetActiveRules(ctx, "", "my-app", "production")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 active in-scope rules, got %d: %+v", len(rules), rules)
	}
	if rules[0].Name != "high" || rules[1].Name != "low" {
		t.Fatalf("expected priority-descending order, got %v, %v", rules[0].Name, rules[1].Name)
	}
}

func TestBudgetRepoRecordUsageAppliesPeriodReset(t *testing.T) {
	s := NewMemoryStore(zerolog.Nop())
	repo := s.BudgetRepo()
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	b, _ := repo.Create(ctx, domain.Budget{
		Scope: domain.ScopeApplication, ApplicationID: "app-1",
		HardLimitUSD: 100, SoftLimitUSD: 80, Period: domain.PeriodDaily,
		CurrentSpendUSD: 50, PeriodStart: old,
	})

	if err := repo.RecordUsage(ctx, b.ID, 5, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := repo.GetByID(ctx, b.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.CurrentSpendUSD != 5 {
		t.Fatalf("expected period reset then +5, got %v", got.CurrentSpendUSD)
	}
}

func TestCredentialRepoLookupByHashRoundtrip(t *testing.T) {
	s := NewMemoryStore(zerolog.Nop())
	repo := s.CredentialRepo()
	ctx := context.Background()

	plaintext, created, err := repo.Create(ctx, domain.APICredential{AppID: "app-1", Environment: domain.EnvProduction})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plaintext == "" || created.KeyHash == "" {
		t.Fatalf("expected plaintext and hash to be populated")
	}

	got, err := repo.LookupByKeyHash(ctx, HashKey(plaintext))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.AppID != "app-1" || !got.IsActive {
		t.Fatalf("unexpected credential: %+v", got)
	}

	if err := repo.Deactivate(ctx, got.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got2, _ := repo.LookupByKeyHash(ctx, HashKey(plaintext))
	if got2.IsActive {
		t.Fatal("expected credential to be deactivated")
	}
}

func TestUsageRepoAggregation(t *testing.T) {
	s := NewMemoryStore(zerolog.Nop())
	repo := s.UsageRepo()
	ctx := context.Background()

	repo.Record(ctx, domain.UsageRecord{RequestID: "u-1", AppID: "app-1", Feature: "chat", Model: "gpt-4o", InputTokens: 100, OutputTokens: 50, CostUSD: 0.01, CreatedAt: time.Now()})
	repo.Record(ctx, domain.UsageRecord{RequestID: "u-2", AppID: "app-1", Feature: "chat", Model: "gpt-4o", InputTokens: 200, OutputTokens: 60, CostUSD: 0.02, CreatedAt: time.Now()})

	total, err := repo.GetTotalCost(ctx, "app-1", time.Hour, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 0.03 {
		t.Fatalf("expected total cost 0.03, got %v", total)
	}

	stats, err := repo.GetStatsByModel(ctx, "app-1", time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats["gpt-4o"].Requests != 2 {
		t.Fatalf("expected 2 requests for gpt-4o, got %+v", stats["gpt-4o"])
	}
}

func TestUsageRepoRecordIsIdempotent(t *testing.T) {
	s := NewMemoryStore(zerolog.Nop())
	repo := s.UsageRepo()
	ctx := context.Background()

	rec := domain.UsageRecord{RequestID: "dup-1", AppID: "app-1", CostUSD: 0.01, CreatedAt: time.Now()}
	if err := repo.Record(ctx, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.Record(ctx, rec); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate on re-insert, got %v", err)
	}

	total, err := repo.GetTotalCost(ctx, "app-1", time.Hour, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 0.01 {
		t.Fatalf("duplicate insert double-billed: total %v", total)
	}
}

func TestRequestTracingRepoLifecycle(t *testing.T) {
	s := NewMemoryStore(zerolog.Nop())
	repo := s.RequestTracingRepo()
	ctx := context.Background()

	tr := trace.New("trace-1", "req-1", "app-1", "", time.Now())
	if err := repo.CreateTrace(ctx, tr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	span := trace.Span{StepName: "feature_check", Status: trace.StatusOK, StartedAt: time.Now(), EndedAt: time.Now()}
	if err := repo.SaveSpan(ctx, tr.TraceID, span); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := repo.Get(ctx, tr.TraceID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Spans) != 1 || got.Spans[0].StepName != "feature_check" {
		t.Fatalf("expected saved span to be visible, got %+v", got.Spans)
	}
}
