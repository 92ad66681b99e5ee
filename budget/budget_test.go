package budget

import (
	"testing"
	"time"

	"github.com/govgate/gateway/domain"
)

func TestCheckEmptyBudgetsAllows(t *testing.T) {
	s := Check(nil, 10, time.Now())
	if !s.Allowed {
		t.Fatal("expected allow with no budgets defined")
	}
}

func TestCheckHardLimitExceeded(t *testing.T) {
	now := time.Now()
	b := domain.Budget{HardLimitUSD: 1, SoftLimitUSD: 0.8, CurrentSpendUSD: 0.99, Period: domain.PeriodDaily, PeriodStart: now}
	s := Check([]domain.Budget{b}, 0.5, now)
	if s.Allowed {
		t.Fatal("expected deny when estimate pushes spend past hard limit")
	}
	if len(s.ExceededBudgets) != 1 {
		t.Fatalf("expected one exceeded budget, got %d", len(s.ExceededBudgets))
	}
}

func TestCheckSoftWarnAttached(t *testing.T) {
	now := time.Now()
	b := domain.Budget{HardLimitUSD: 100, CurrentSpendUSD: 85, Period: domain.PeriodDaily, PeriodStart: now}
	s := Check([]domain.Budget{b}, 0, now)
	if !s.Allowed {
		t.Fatal("expected allow at 85% usage")
	}
	if len(s.Reasons) == 0 {
		t.Fatal("expected a soft-warning reason at >=80% usage")
	}
}

func TestPeriodResetIdempotence(t *testing.T) {
	start := time.Now().Add(-48 * time.Hour)
	b := domain.Budget{HardLimitUSD: 10, CurrentSpendUSD: 9, Period: domain.PeriodDaily, PeriodStart: start}
	now := time.Now()

	RecordUsage(&b, 0, now)
	if b.CurrentSpendUSD != 0 {
		t.Fatalf("expected reset to zero after period elapsed, got %v", b.CurrentSpendUSD)
	}
	firstReset := b.PeriodStart

	RecordUsage(&b, 0, now.Add(time.Second))
	if b.CurrentSpendUSD != 0 || b.PeriodStart != firstReset {
		t.Fatal("second zero-delta call within the same period should be a no-op")
	}
}

func TestBudgetLedgerAdditivity(t *testing.T) {
	now := time.Now()
	b := domain.Budget{HardLimitUSD: 100, Period: domain.PeriodDaily, PeriodStart: now}
	RecordUsage(&b, 1.5, now)
	RecordUsage(&b, 2.25, now)
	if b.CurrentSpendUSD != 3.75 {
		t.Fatalf("expected cumulative spend 3.75, got %v", b.CurrentSpendUSD)
	}
}
