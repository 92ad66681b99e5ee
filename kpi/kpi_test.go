package kpi_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/govgate/gateway/domain"
	"github.com/govgate/gateway/kpi"
	"github.com/govgate/gateway/repo"
	"github.com/govgate/gateway/trace"
)

func record(t *testing.T, store *repo.MemoryStore, id, feature, model string, cost float64, in, out int, at time.Time) {
	t.Helper()
	err := store.UsageRepo().Record(context.Background(), domain.UsageRecord{
		RequestID:    id,
		AppID:        "test-app",
		Feature:      feature,
		Environment:  domain.EnvProduction,
		Provider:     "mock",
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      cost,
		CreatedAt:    at,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReportCostBreakdownAndEfficiency(t *testing.T) {
	store := repo.NewMemoryStore(zerolog.Nop())
	now := time.Now()
	record(t, store, "r1", "chat", "mock-gpt-4", 0.50, 100, 50, now.Add(-time.Hour))
	record(t, store, "r2", "chat", "mock-gpt-4", 0.25, 100, 100, now.Add(-time.Hour))
	record(t, store, "r3", "summarize", "test-model", 0.25, 200, 50, now.Add(-time.Hour))

	agg := kpi.New(zerolog.Nop(), store.UsageRepo(), store.RequestTracingRepo(), store.AuditLogRepo(), 0)
	rep, err := agg.Report(context.Background(), "test-app", 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if rep.TotalCostUSD != 1.0 {
		t.Errorf("total cost = %v, want 1.0", rep.TotalCostUSD)
	}
	if rep.CostByModel["mock-gpt-4"] != 0.75 {
		t.Errorf("mock-gpt-4 cost = %v, want 0.75", rep.CostByModel["mock-gpt-4"])
	}
	if rep.CostByFeature["summarize"] != 0.25 {
		t.Errorf("summarize cost = %v, want 0.25", rep.CostByFeature["summarize"])
	}
	want := float64(200) / float64(400)
	if rep.TokenEfficiency != want {
		t.Errorf("token efficiency = %v, want %v", rep.TokenEfficiency, want)
	}
}

func TestReportRetryLoopAnomaly(t *testing.T) {
	store := repo.NewMemoryStore(zerolog.Nop())
	now := time.Now()
	for i := 0; i < 60; i++ {
		record(t, store, fmt.Sprintf("loop-%d", i), "hot-feature", "test-model", 0.01, 10, 10, now.Add(-time.Minute))
	}
	for i := 0; i < 20; i++ {
		record(t, store, fmt.Sprintf("other-%d", i), "cold-feature", "test-model", 0.01, 10, 10, now.Add(-time.Minute))
	}

	agg := kpi.New(zerolog.Nop(), store.UsageRepo(), store.RequestTracingRepo(), store.AuditLogRepo(), 0)
	rep, err := agg.Report(context.Background(), "test-app", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, a := range rep.Anomalies {
		if a.Kind == kpi.AnomalyRetryLoop {
			found = true
		}
	}
	if !found {
		t.Errorf("expected retry loop anomaly, got %v", rep.Anomalies)
	}
}

func TestReportCostSpikeAnomaly(t *testing.T) {
	store := repo.NewMemoryStore(zerolog.Nop())
	now := time.Now()
	// Previous window: cheap. Current window: 10x.
	record(t, store, "base-1", "chat", "test-model", 0.10, 10, 10, now.Add(-90*time.Minute))
	record(t, store, "cur-1", "chat", "test-model", 1.00, 10, 10, now.Add(-10*time.Minute))

	agg := kpi.New(zerolog.Nop(), store.UsageRepo(), store.RequestTracingRepo(), store.AuditLogRepo(), 0)
	rep, err := agg.Report(context.Background(), "test-app", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, a := range rep.Anomalies {
		if a.Kind == kpi.AnomalyCostSpike {
			found = true
			if a.Value < 3 {
				t.Errorf("spike factor = %v, want >= 3", a.Value)
			}
		}
	}
	if !found {
		t.Errorf("expected cost spike anomaly, got %v", rep.Anomalies)
	}
}

func TestReportBlockingStats(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryStore(zerolog.Nop())
	now := time.Now()

	for i := 0; i < 3; i++ {
		err := store.AuditLogRepo().Log(ctx, repo.AuditLogEntry{
			RequestID: fmt.Sprintf("b-%d", i),
			AppID:     "test-app",
			Outcome:   "deny",
			Code:      "BUDGET_HARD_LIMIT_EXCEEDED",
			CreatedAt: now,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	tr := trace.New("t-1", "b-0", "test-app", "", now.Add(-time.Minute))
	tr.Decision.Tighten("budget_check", trace.OutcomeDeny, "over budget")
	tr.EstimatedCostAvoided = 0.42
	tr.Close(now)
	if err := store.RequestTracingRepo().CreateTrace(ctx, tr); err != nil {
		t.Fatal(err)
	}

	agg := kpi.New(zerolog.Nop(), store.UsageRepo(), store.RequestTracingRepo(), store.AuditLogRepo(), 0)
	rep, err := agg.Report(ctx, "test-app", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if rep.Blocking.Blocked != 3 {
		t.Errorf("blocked = %d, want 3", rep.Blocking.Blocked)
	}
	if rep.Blocking.TopReasons["BUDGET_HARD_LIMIT_EXCEEDED"] != 3 {
		t.Errorf("top reasons = %v", rep.Blocking.TopReasons)
	}
	if rep.Blocking.CostAvoidedUSD != 0.42 {
		t.Errorf("cost avoided = %v, want 0.42", rep.Blocking.CostAvoidedUSD)
	}
}
