// Package budget implements the Budget Checker: given the budgets
// applicable to a request and an estimated cost, decides whether the
// request is admissible and records the actual cost once the provider
// call completes. Estimation and admission are synchronous and
// non-blocking; record_usage is the only suspending operation and is the
// repository's responsibility.
package budget

import (
	"fmt"
	"time"

	"github.com/govgate/gateway/domain"
	"github.com/govgate/gateway/pricing"
)

// SoftWarnThresholdPercent is the usage_percent at or above which a
// non-blocking warning is attached even when the request is admitted.
const SoftWarnThresholdPercent = 80.0

// Status is the result of Check.
type Status struct {
	Allowed         bool
	RemainingUSD    float64
	UsagePercent    float64
	ExceededBudgets []domain.Budget
	Reasons         []string
}

// EstimateCost delegates to the pricing table.
func EstimateCost(table *pricing.Table, providerName, model string, inTokens, outTokens int) float64 {
	return table.EstimateCost(providerName, model, inTokens, outTokens)
}

// Check evaluates an estimated cost against every applicable budget. An
// empty budget list always allows. Each budget first has its period
// reset applied before being checked against the
// estimate, so a stale current_spend never causes a false deny.
func Check(budgets []domain.Budget, estimatedCost float64, now time.Time) Status {
	if len(budgets) == 0 {
		return Status{Allowed: true, RemainingUSD: -1, Reasons: []string{"no budgets defined"}}
	}

	status := Status{Allowed: true, RemainingUSD: -1}
	for i := range budgets {
		b := &budgets[i]
		b.ApplyPeriodReset(now)

		wouldRemain := b.HardLimitUSD - (b.CurrentSpendUSD + estimatedCost)
		if wouldRemain < 0 {
			status.Allowed = false
			status.ExceededBudgets = append(status.ExceededBudgets, *b)
			status.Reasons = append(status.Reasons, fmt.Sprintf(
				"budget %s (%s) would exceed hard limit $%.4f: current $%.4f + estimate $%.4f",
				budgetLabel(b), b.Period, b.HardLimitUSD, b.CurrentSpendUSD, estimatedCost))
		}

		remaining := b.Remaining()
		if status.RemainingUSD < 0 || remaining < status.RemainingUSD {
			status.RemainingUSD = remaining
		}
		if pct := b.UsagePercent(); pct > status.UsagePercent {
			status.UsagePercent = pct
		}
	}

	if status.Allowed && status.UsagePercent >= SoftWarnThresholdPercent {
		status.Reasons = append(status.Reasons, fmt.Sprintf("budget usage at %.1f%% of hard limit", status.UsagePercent))
	}
	return status
}

// RecordUsage applies a period reset (if due) and then commits delta to
// current_spend. Callers must serialise this per budget row; this
// function itself performs no locking — it is meant to be called by a
// repository that already holds the row's lock or uses an atomic
// increment.
func RecordUsage(b *domain.Budget, delta float64, now time.Time) {
	b.ApplyPeriodReset(now)
	b.CurrentSpendUSD += delta
}

func budgetLabel(b *domain.Budget) string {
	switch b.Scope {
	case domain.ScopeApplication:
		return "app:" + b.ApplicationID
	case domain.ScopeUser:
		return "user:" + b.UserID
	case domain.ScopeOrganization:
		return "org:" + b.OrgID
	default:
		return string(b.Scope)
	}
}
