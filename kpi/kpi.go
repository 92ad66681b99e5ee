// Package kpi is the read-side governance aggregation service: cost
// breakdowns, token efficiency, blocking statistics, and anomaly flags
// derived from the usage ledger, the audit log, and request traces. It is
// purely derivative — it never writes.
package kpi

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/govgate/gateway/repo"
	"github.com/govgate/gateway/trace"
)

// Anomaly kinds.
const (
	AnomalyCostSpike     = "cost_spike"
	AnomalyRetryLoop     = "retry_loop"
	AnomalyHighErrorRate = "high_error_rate"
)

// retryLoopWindow and retryLoopThreshold define the retry-loop flag: the
// same (app, feature) pair appearing in more than the threshold of the
// most recent window of requests.
const (
	retryLoopWindow    = 100
	retryLoopThreshold = 50
)

// costSpikeFactor flags a current-period cost above this multiple of the
// previous equal-length period.
const costSpikeFactor = 3.0

// Anomaly is one flagged irregularity over the report window.
type Anomaly struct {
	Kind        string  `json:"kind"`
	Description string  `json:"description"`
	Value       float64 `json:"value"`
}

// BlockingStats summarises governance refusals over the window.
type BlockingStats struct {
	Blocked        int            `json:"blocked"`
	Errors         int            `json:"errors"`
	CostAvoidedUSD float64        `json:"cost_avoided_usd"`
	TopReasons     map[string]int `json:"top_reasons"`
}

// Report is the full KPI view for one application over a window.
type Report struct {
	AppID       string        `json:"app_id"`
	Window      time.Duration `json:"window"`
	GeneratedAt time.Time     `json:"generated_at"`

	TotalCostUSD  float64            `json:"total_cost_usd"`
	CostByModel   map[string]float64 `json:"cost_by_model"`
	CostByFeature map[string]float64 `json:"cost_by_feature"`

	// TokenEfficiency is output tokens per input token over the window; a
	// collapsing ratio usually means prompts are growing without the
	// completions to justify them.
	TokenEfficiency float64 `json:"token_efficiency"`

	Blocking  BlockingStats `json:"blocking"`
	Anomalies []Anomaly     `json:"anomalies"`
}

// Aggregator runs the KPI queries. Construct with New; safe for
// concurrent use.
type Aggregator struct {
	usage  repo.UsageRepository
	traces repo.RequestTracingRepository
	audit  repo.AuditLogRepository
	logger zerolog.Logger

	// errorRateThreshold is the traces-with-status-error fraction above
	// which the high-error-rate anomaly fires.
	errorRateThreshold float64
}

// New creates an Aggregator. errorRateThreshold <= 0 defaults to 0.1.
func New(logger zerolog.Logger, usage repo.UsageRepository, traces repo.RequestTracingRepository, audit repo.AuditLogRepository, errorRateThreshold float64) *Aggregator {
	if errorRateThreshold <= 0 {
		errorRateThreshold = 0.1
	}
	return &Aggregator{
		usage:              usage,
		traces:             traces,
		audit:              audit,
		logger:             logger.With().Str("component", "kpi").Logger(),
		errorRateThreshold: errorRateThreshold,
	}
}

// Report assembles the KPI view for appID over the trailing window.
func (a *Aggregator) Report(ctx context.Context, appID string, window time.Duration) (*Report, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	now := time.Now()
	rep := &Report{
		AppID:         appID,
		Window:        window,
		GeneratedAt:   now,
		CostByModel:   map[string]float64{},
		CostByFeature: map[string]float64{},
	}

	byModel, err := a.usage.GetStatsByModel(ctx, appID, window)
	if err != nil {
		return nil, fmt.Errorf("stats by model: %w", err)
	}
	var inTokens, outTokens int64
	for model, st := range byModel {
		rep.CostByModel[model] = st.CostUSD
		rep.TotalCostUSD += st.CostUSD
		inTokens += st.InputTokens
		outTokens += st.OutputTokens
	}
	if inTokens > 0 {
		rep.TokenEfficiency = float64(outTokens) / float64(inTokens)
	}

	byFeature, err := a.usage.GetStatsByFeature(ctx, appID, window)
	if err != nil {
		return nil, fmt.Errorf("stats by feature: %w", err)
	}
	for feature, st := range byFeature {
		rep.CostByFeature[feature] = st.CostUSD
	}

	if err := a.fillBlocking(ctx, rep, now.Add(-window)); err != nil {
		return nil, err
	}
	a.fillAnomalies(ctx, rep, now)
	return rep, nil
}

func (a *Aggregator) fillBlocking(ctx context.Context, rep *Report, since time.Time) error {
	entries, err := a.audit.ByApp(ctx, rep.AppID)
	if err != nil {
		return fmt.Errorf("audit read: %w", err)
	}
	rep.Blocking.TopReasons = map[string]int{}
	for _, e := range entries {
		if e.CreatedAt.Before(since) {
			continue
		}
		switch e.Outcome {
		case "deny":
			rep.Blocking.Blocked++
			rep.Blocking.TopReasons[e.Code]++
		case "error":
			rep.Blocking.Errors++
		}
	}

	blocked, err := a.traces.RecentByStatus(ctx, trace.StatusDenied, since)
	if err != nil {
		return fmt.Errorf("trace read: %w", err)
	}
	for _, tr := range blocked {
		if tr.AppID == rep.AppID {
			rep.Blocking.CostAvoidedUSD += tr.EstimatedCostAvoided
		}
	}
	return nil
}

// fillAnomalies is best-effort: a failing anomaly query degrades to an
// anomaly-free report rather than failing the whole read.
func (a *Aggregator) fillAnomalies(ctx context.Context, rep *Report, now time.Time) {
	if spike, ok := a.costSpike(ctx, rep.AppID, rep.Window, now); ok {
		rep.Anomalies = append(rep.Anomalies, spike)
	}
	if loop, ok := a.retryLoop(ctx, rep.AppID); ok {
		rep.Anomalies = append(rep.Anomalies, loop)
	}
	if errs, ok := a.highErrorRate(ctx, rep, now.Add(-rep.Window)); ok {
		rep.Anomalies = append(rep.Anomalies, errs)
	}
}

func (a *Aggregator) costSpike(ctx context.Context, appID string, window time.Duration, now time.Time) (Anomaly, bool) {
	current, err := a.usage.GetTotalCostBetween(ctx, appID, now.Add(-window), now)
	if err != nil {
		a.logger.Warn().Err(err).Msg("cost spike query failed")
		return Anomaly{}, false
	}
	baseline, err := a.usage.GetTotalCostBetween(ctx, appID, now.Add(-2*window), now.Add(-window))
	if err != nil {
		a.logger.Warn().Err(err).Msg("cost baseline query failed")
		return Anomaly{}, false
	}
	if baseline > 0 && current > costSpikeFactor*baseline {
		return Anomaly{
			Kind:        AnomalyCostSpike,
			Description: fmt.Sprintf("cost $%.4f is %.1fx the previous period's $%.4f", current, current/baseline, baseline),
			Value:       current / baseline,
		}, true
	}
	return Anomaly{}, false
}

func (a *Aggregator) retryLoop(ctx context.Context, appID string) (Anomaly, bool) {
	recent, err := a.usage.Recent(ctx, appID, retryLoopWindow)
	if err != nil {
		a.logger.Warn().Err(err).Msg("retry loop query failed")
		return Anomaly{}, false
	}
	counts := map[string]int{}
	for _, u := range recent {
		counts[u.Feature]++
	}
	for feature, n := range counts {
		if n > retryLoopThreshold {
			return Anomaly{
				Kind:        AnomalyRetryLoop,
				Description: fmt.Sprintf("feature %q accounts for %d of the last %d requests", feature, n, len(recent)),
				Value:       float64(n),
			}, true
		}
	}
	return Anomaly{}, false
}

func (a *Aggregator) highErrorRate(ctx context.Context, rep *Report, since time.Time) (Anomaly, bool) {
	errored, err := a.traces.RecentByStatus(ctx, trace.StatusError, since)
	if err != nil {
		a.logger.Warn().Err(err).Msg("error rate query failed")
		return Anomaly{}, false
	}
	errCount := 0
	for _, tr := range errored {
		if tr.AppID == rep.AppID {
			errCount++
		}
	}
	okTraces, err := a.traces.RecentByStatus(ctx, trace.StatusOK, since)
	if err != nil {
		a.logger.Warn().Err(err).Msg("error rate query failed")
		return Anomaly{}, false
	}
	okCount := 0
	for _, tr := range okTraces {
		if tr.AppID == rep.AppID {
			okCount++
		}
	}
	total := errCount + okCount
	if total == 0 {
		return Anomaly{}, false
	}
	rate := float64(errCount) / float64(total)
	if rate > a.errorRateThreshold {
		return Anomaly{
			Kind:        AnomalyHighErrorRate,
			Description: fmt.Sprintf("%.0f%% of %d traces ended in error", rate*100, total),
			Value:       rate,
		}, true
	}
	return Anomaly{}, false
}
