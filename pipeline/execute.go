package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/govgate/gateway/budget"
	"github.com/govgate/gateway/condition"
	"github.com/govgate/gateway/domain"
	"github.com/govgate/gateway/feature"
	"github.com/govgate/gateway/policy"
	"github.com/govgate/gateway/provider"
	"github.com/govgate/gateway/repo"
	"github.com/govgate/gateway/resilience"
	"github.com/govgate/gateway/security"
	"github.com/govgate/gateway/trace"
)

// run is the per-request working state threaded through the pipeline
// steps. One run belongs to one goroutine; nothing here is shared.
type run struct {
	cmd      *Command
	tr       *trace.RequestTrace
	chain    []StepResult
	warnings []string
	findings []security.Finding

	app     *domain.Application
	budgets []domain.Budget

	estIn   int
	estOut  int
	estCost float64

	start  time.Time
	logger zerolog.Logger
}

// Execute runs a synchronous request through the full pipeline and
// returns its explainable result. It never panics and never returns nil.
func (o *Orchestrator) Execute(ctx context.Context, cmd Command) *Result {
	r := o.begin(ctx, &cmd)

	if res := o.admit(ctx, r); res != nil {
		return res
	}
	if cmd.DryRun {
		return o.finishDryRun(ctx, r)
	}

	prov, key, res := o.resolveProvider(ctx, r)
	if res != nil {
		return res
	}

	resp, res := o.callProvider(ctx, r, prov, key)
	if res != nil {
		return res
	}

	latency := time.Since(r.start)
	actualCost := o.settle(ctx, r, prov.Name(), resp.Usage.PromptTokens, resp.Usage.CompletionTokens, latency, "stop")

	return o.finishAllowed(ctx, r, resp, actualCost)
}

// begin stamps ids, opens the trace, and estimates request cost.
func (o *Orchestrator) begin(ctx context.Context, cmd *Command) *run {
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	if cmd.Action == "" {
		cmd.Action = domain.ActionChat
	}
	now := time.Now()

	r := &run{
		cmd:   cmd,
		tr:    trace.New(uuid.NewString(), cmd.RequestID, cmd.AppID, cmd.OrgID, now),
		start: now,
	}
	r.logger = o.logger.With().
		Str("request_id", cmd.RequestID).
		Str("trace_id", r.tr.TraceID).
		Str("app_id", cmd.AppID).
		Str("model", cmd.Model).
		Logger()

	r.estIn = o.counter.EstimateMessagesTokens(cmd.Messages)
	r.estOut = o.cfg.maxOut(cmd)
	r.estCost = o.prices.EstimateCost(provider.DetectProvider(cmd.Model), cmd.Model, r.estIn, r.estOut)

	// Trace persistence is best-effort throughout: audit must never fail
	// the request.
	if err := o.traces.CreateTrace(ctx, r.tr); err != nil {
		r.logger.Warn().Err(err).Msg("trace create failed")
	}
	if o.metrics != nil {
		o.metrics.RequestStarted()
	}
	return r
}

// admit runs the governance steps in order: idempotency, abuse, feature,
// policy, security, budget. A non-nil return short-circuits the request.
func (o *Orchestrator) admit(ctx context.Context, r *run) *Result {
	if res := o.checkIdempotency(ctx, r); res != nil {
		return res
	}
	if res := o.loadApplication(ctx, r); res != nil {
		return res
	}
	if res := o.checkAbuse(ctx, r); res != nil {
		return res
	}
	if res := o.checkFeature(ctx, r); res != nil {
		return res
	}
	if res := o.checkPolicy(ctx, r); res != nil {
		return res
	}
	o.checkSecurity(ctx, r)
	if res := o.checkBudget(ctx, r); res != nil {
		return res
	}
	return nil
}

// checkIdempotency refuses a request id that already settled: the
// trace/usage pair is keyed by request_id and must never double-bill.
func (o *Orchestrator) checkIdempotency(ctx context.Context, r *run) *Result {
	existing, err := o.usage.ByRequestID(ctx, r.cmd.RequestID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		// Ledger unreadable: fail closed like the other security-critical
		// dependencies.
		return o.errResult(ctx, r, StageInputValidation, CodeServiceUnavailable, "usage ledger unavailable")
	}
	if existing != nil {
		return o.deny(ctx, r, StageInputValidation, CodeDuplicateRequest,
			fmt.Sprintf("request %s already recorded", r.cmd.RequestID))
	}
	return nil
}

func (o *Orchestrator) loadApplication(ctx context.Context, r *run) *Result {
	var app *domain.Application
	err := o.breakers.Get(breakerDB).Execute(ctx, func(ctx context.Context) error {
		var err error
		app, err = o.apps.GetByAppID(ctx, r.cmd.AppID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil // handled below, not a dependency failure
		}
		return err
	})
	if err != nil {
		return o.errResult(ctx, r, StageInputValidation, CodeServiceUnavailable, dependencyReason(err))
	}
	if app == nil {
		return o.deny(ctx, r, StageInputValidation, CodeAppNotFound, "unknown application "+r.cmd.AppID)
	}
	if !app.IsActive {
		return o.deny(ctx, r, StageInputValidation, CodeAppDisabled, "application "+r.cmd.AppID+" is disabled")
	}
	r.app = app
	return nil
}

func (o *Orchestrator) checkAbuse(ctx context.Context, r *run) *Result {
	if o.abuse == nil {
		return nil
	}
	span := r.tr.StartSpan(StageAbuseCheck, time.Now())
	verdict, err := o.abuse.Check(ctx, *r.cmd)
	if err != nil {
		// The detector is advisory: a failing detector degrades to
		// pass-through with a warning rather than blocking traffic.
		r.tr.EndSpanError(span, time.Now(), err)
		o.saveSpan(ctx, r, span)
		r.warnings = append(r.warnings, "abuse detector unavailable")
		r.chain = append(r.chain, StepResult{Stage: StageAbuseCheck, Outcome: "warn", Reason: "detector unavailable"})
		return nil
	}
	if verdict.Blocked {
		r.tr.EndSpan(span, time.Now(), trace.StatusDenied, map[string]interface{}{
			"code":        CodeDeniedAbuse,
			"cooldown_ms": verdict.Cooldown.Milliseconds(),
		})
		o.saveSpan(ctx, r, span)
		return o.deny(ctx, r, StageAbuseCheck, CodeDeniedAbuse, verdict.Reason)
	}
	r.tr.EndSpan(span, time.Now(), trace.StatusOK, nil)
	o.saveSpan(ctx, r, span)
	r.chain = append(r.chain, StepResult{Stage: StageAbuseCheck, Outcome: "allow", DurationMS: span.Duration().Milliseconds()})
	return nil
}

func (o *Orchestrator) checkFeature(ctx context.Context, r *run) *Result {
	span := r.tr.StartSpan(StageFeatureCheck, time.Now())

	var reg *feature.Registry
	err := o.breakers.Get(breakerDB).Execute(ctx, func(ctx context.Context) error {
		var err error
		reg, err = o.features.GetRegistry(ctx, r.cmd.AppID)
		return err
	})
	if err != nil {
		r.tr.EndSpanError(span, time.Now(), err)
		o.saveSpan(ctx, r, span)
		return o.errResult(ctx, r, StageFeatureCheck, CodeServiceUnavailable, dependencyReason(err))
	}

	check := feature.CheckFeature(reg, feature.CheckRequest{
		AppID:       r.cmd.AppID,
		FeatureID:   r.cmd.Feature,
		Action:      r.cmd.Action,
		Model:       r.cmd.Model,
		Environment: r.cmd.Environment,
		EstTokens:   r.estIn + r.estOut,
		EstCostUSD:  r.estCost,
	})
	if check.ResolvedFeatureID != "" {
		r.cmd.Feature = check.ResolvedFeatureID
	}

	if !check.Allowed {
		r.tr.EndSpan(span, time.Now(), trace.StatusDenied, map[string]interface{}{"code": string(check.Code)})
		o.saveSpan(ctx, r, span)
		return o.deny(ctx, r, StageFeatureCheck, string(check.Code), check.Reason)
	}

	r.tr.EndSpan(span, time.Now(), trace.StatusOK, map[string]interface{}{"code": string(check.Code), "feature": r.cmd.Feature})
	o.saveSpan(ctx, r, span)
	r.chain = append(r.chain, StepResult{Stage: StageFeatureCheck, Outcome: "allow", Code: string(check.Code), DurationMS: span.Duration().Milliseconds()})
	return nil
}

func (o *Orchestrator) checkPolicy(ctx context.Context, r *run) *Result {
	span := r.tr.StartSpan(StagePolicyCheck, time.Now())

	var rules []domain.PolicyRule
	err := o.breakers.Get(breakerDB).Execute(ctx, func(ctx context.Context) error {
		var err error
		rules, err = o.policies.GetActiveRules(ctx, r.cmd.OrgID, r.cmd.AppID, string(r.cmd.Environment))
		return err
	})
	if err != nil {
		r.tr.EndSpanError(span, time.Now(), err)
		o.saveSpan(ctx, r, span)
		return o.errResult(ctx, r, StagePolicyCheck, CodeServiceUnavailable, dependencyReason(err))
	}

	hour := time.Now().Hour()
	decision := policy.Evaluate(rules, policy.Context{
		Context: condition.Context{
			Environment: string(r.cmd.Environment),
			AppID:       r.cmd.AppID,
			Feature:     r.cmd.Feature,
			Model:       r.cmd.Model,
			CurrentHour: &hour,
		},
		EstimatedTokens: r.estIn + r.estOut,
	}, r.app)

	matched := make([]string, 0, len(decision.MatchedRules))
	for _, m := range decision.MatchedRules {
		matched = append(matched, m.Name)
	}

	switch decision.Outcome {
	case policy.OutcomeDeny:
		r.tr.EndSpan(span, time.Now(), trace.StatusDenied, map[string]interface{}{
			"code":          decision.Code,
			"matched_rules": matched,
		})
		o.saveSpan(ctx, r, span)
		reason := "policy denied"
		if len(decision.Reasons) > 0 {
			reason = decision.Reasons[0]
		}
		return o.deny(ctx, r, StagePolicyCheck, decision.Code, reason)
	case policy.OutcomeWarn:
		r.warnings = append(r.warnings, decision.Warnings...)
		r.tr.EndSpan(span, time.Now(), trace.StatusWarn, map[string]interface{}{"matched_rules": matched})
		r.tr.Decision.Tighten(StagePolicyCheck, trace.OutcomeWarn, firstOr(decision.Warnings, "policy warning"))
		r.chain = append(r.chain, StepResult{Stage: StagePolicyCheck, Outcome: "warn", Reason: firstOr(decision.Warnings, ""), DurationMS: span.Duration().Milliseconds()})
	default:
		r.tr.EndSpan(span, time.Now(), trace.StatusOK, map[string]interface{}{"matched_rules": matched})
		r.chain = append(r.chain, StepResult{Stage: StagePolicyCheck, Outcome: "allow", DurationMS: span.Duration().Milliseconds()})
	}
	o.saveSpan(ctx, r, span)
	return nil
}

// checkSecurity runs the detect-only content scan. It records findings on
// the trace and attaches warnings; it never denies.
func (o *Orchestrator) checkSecurity(ctx context.Context, r *run) {
	span := r.tr.StartSpan(StageSecurityCheck, time.Now())
	result := security.FullAnalysis(r.cmd.Messages)

	r.findings = result.Findings
	for _, f := range result.Findings {
		r.tr.AddRiskCategory(string(f.Category))
		if o.metrics != nil {
			o.metrics.SecurityFinding(string(f.Category), f.Severity.String())
		}
	}
	if len(result.Issues) > 0 {
		r.warnings = append(r.warnings, result.Issues...)
		r.tr.Decision.Tighten(StageSecurityCheck, trace.OutcomeWarn, firstOr(result.Issues, ""))
	}

	status := trace.StatusOK
	outcome := "allow"
	if len(result.Issues) > 0 {
		status = trace.StatusWarn
		outcome = "warn"
	}
	r.tr.EndSpan(span, time.Now(), status, map[string]interface{}{
		"risk_score": result.RiskScore,
		"risk_level": result.RiskLevel.String(),
		"findings":   len(result.Findings),
	})
	o.saveSpan(ctx, r, span)
	r.chain = append(r.chain, StepResult{Stage: StageSecurityCheck, Outcome: outcome, Reason: firstOr(result.Issues, ""), DurationMS: span.Duration().Milliseconds()})
}

func (o *Orchestrator) checkBudget(ctx context.Context, r *run) *Result {
	span := r.tr.StartSpan(StageBudgetCheck, time.Now())

	var budgets []domain.Budget
	err := o.breakers.Get(breakerDB).Execute(ctx, func(ctx context.Context) error {
		var err error
		budgets, err = o.budgets.GetBudgetsForApp(ctx, r.cmd.AppID, r.cmd.OrgID)
		return err
	})
	if err != nil {
		r.tr.EndSpanError(span, time.Now(), err)
		o.saveSpan(ctx, r, span)
		return o.errResult(ctx, r, StageBudgetCheck, CodeServiceUnavailable, dependencyReason(err))
	}
	r.budgets = budgets

	status := budget.Check(budgets, r.estCost, time.Now())
	if !status.Allowed {
		r.tr.EndSpan(span, time.Now(), trace.StatusDenied, map[string]interface{}{
			"code":           CodeBudgetHardLimit,
			"estimated_cost": r.estCost,
			"usage_percent":  status.UsagePercent,
		})
		o.saveSpan(ctx, r, span)
		return o.deny(ctx, r, StageBudgetCheck, CodeBudgetHardLimit, firstOr(status.Reasons, "budget hard limit exceeded"))
	}

	if status.UsagePercent >= budget.SoftWarnThresholdPercent {
		warn := firstOr(status.Reasons, "budget soft limit approaching")
		r.warnings = append(r.warnings, warn)
		r.tr.Decision.Tighten(StageBudgetCheck, trace.OutcomeWarn, warn)
	}
	r.tr.EndSpan(span, time.Now(), trace.StatusOK, map[string]interface{}{
		"estimated_cost": r.estCost,
		"remaining_usd":  status.RemainingUSD,
		"usage_percent":  status.UsagePercent,
	})
	o.saveSpan(ctx, r, span)
	r.chain = append(r.chain, StepResult{Stage: StageBudgetCheck, Outcome: "allow", DurationMS: span.Duration().Milliseconds()})
	return nil
}

// resolveProvider selects the provider for the model and resolves the
// upstream API key, decrypting the enc: sentinel when an encryptor is
// configured.
func (o *Orchestrator) resolveProvider(ctx context.Context, r *run) (provider.Provider, string, *Result) {
	prov, err := o.providers.GetForModel(r.cmd.Model, o.cfg.Environment)
	if err != nil {
		return nil, "", o.deny(ctx, r, StageLLMCall, CodeModelNotSupported, err.Error())
	}

	key := r.cmd.ProviderAPIKey
	if key != "" && len(key) > len(security.EncSentinel) && key[:len(security.EncSentinel)] == security.EncSentinel {
		if o.encryptor != nil && o.encryptor.Enabled() {
			plain, err := o.encryptor.Decrypt(r.cmd.OrgID, key[len(security.EncSentinel):])
			if err != nil {
				return nil, "", o.errResult(ctx, r, StageLLMCall, CodeDecryptionFailed, "stored provider key could not be decrypted")
			}
			key = string(plain)
		}
		// No encryptor configured: pass through unchanged.
	}
	if key == "" && prov.RequiresAPIKey() {
		return nil, "", o.errResult(ctx, r, StageLLMCall, CodeProviderKeyMissing,
			"provider "+prov.Name()+" requires an API key and none was supplied or configured")
	}
	return prov, key, nil
}

// callProvider performs the synchronous chat call under the provider
// breaker and the per-provider deadline.
func (o *Orchestrator) callProvider(ctx context.Context, r *run, prov provider.Provider, key string) (*provider.ChatResponse, *Result) {
	span := r.tr.StartSpan(StageLLMCall, time.Now())

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.providerTimeout(prov.Name()))
	defer cancel()

	req := &provider.ChatRequest{
		Model:       r.cmd.Model,
		Messages:    toWireMessages(r.cmd.Messages),
		MaxTokens:   r.cmd.MaxTokens,
		Temperature: r.cmd.Temperature,
		APIKey:      key,
	}

	var resp *provider.ChatResponse
	err := o.breakers.Get(breakerProvider).Execute(callCtx, func(ctx context.Context) error {
		var err error
		resp, err = prov.ChatCompletion(ctx, req)
		return err
	})
	if err != nil {
		r.tr.EndSpanError(span, time.Now(), err)
		o.saveSpan(ctx, r, span)
		return nil, o.providerFailure(ctx, r, err)
	}

	r.tr.EndSpan(span, time.Now(), trace.StatusOK, map[string]interface{}{
		"provider":          prov.Name(),
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	})
	o.saveSpan(ctx, r, span)
	r.chain = append(r.chain, StepResult{Stage: StageLLMCall, Outcome: "allow", DurationMS: span.Duration().Milliseconds()})
	return resp, nil
}

// providerFailure converts an upstream error into the right terminal
// result: timeout, breaker-open, or generic provider error.
func (o *Orchestrator) providerFailure(ctx context.Context, r *run, err error) *Result {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		if o.metrics != nil {
			o.metrics.ProviderTimeout(provider.DetectProvider(r.cmd.Model))
		}
		return o.failWith(ctx, r, CodeProviderTimeout, "provider call timed out", trace.StatusTimeout)
	case errors.Is(err, resilience.ErrOpen):
		return o.failWith(ctx, r, CodeServiceUnavailable, "provider circuit open", trace.StatusError)
	default:
		return o.failWith(ctx, r, CodeProviderError, err.Error(), trace.StatusError)
	}
}

// settle commits the post-call actuals: the estimate admitted the
// request, but what lands in the ledger and the budgets is the actual
// token cost. Settlement runs on a detached context so a client
// cancellation mid-settlement cannot leave partial writes.
func (o *Orchestrator) settle(ctx context.Context, r *run, provName string, inTokens, outTokens int, latency time.Duration, finish string) float64 {
	sctx := context.WithoutCancel(ctx)
	now := time.Now()
	actualCost := o.prices.EstimateCost(provName, r.cmd.Model, inTokens, outTokens)

	for _, b := range r.budgets {
		if err := o.budgets.RecordUsage(sctx, b.ID, actualCost, now); err != nil {
			r.logger.Error().Err(err).Int64("budget_id", b.ID).Msg("budget settlement failed")
		}
	}

	rec := domain.UsageRecord{
		RequestID:    r.cmd.RequestID,
		AppID:        r.cmd.AppID,
		Feature:      r.cmd.Feature,
		Environment:  r.cmd.Environment,
		Provider:     provName,
		Model:        r.cmd.Model,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		CostUSD:      actualCost,
		LatencyMS:    latency.Milliseconds(),
		CreatedAt:    now,
	}
	if err := o.usage.Record(sctx, rec); err != nil && !errors.Is(err, repo.ErrDuplicate) {
		r.logger.Error().Err(err).Msg("usage record failed")
	}

	if o.metrics != nil {
		o.metrics.ProviderLatency(provName, float64(latency.Milliseconds()))
		o.metrics.CostSettled(provName, r.cmd.Model, actualCost)
	}

	r.logger.Info().
		Str("provider", provName).
		Str("finish", finish).
		Int("input_tokens", inTokens).
		Int("output_tokens", outTokens).
		Float64("cost_usd", actualCost).
		Dur("latency", latency).
		Msg("request settled")
	return actualCost
}

// finishAllowed closes the trace and builds the success result.
func (o *Orchestrator) finishAllowed(ctx context.Context, r *run, resp *provider.ChatResponse, actualCost float64) *Result {
	r.tr.Close(time.Now())
	if err := o.traces.CompleteTrace(context.WithoutCancel(ctx), r.tr); err != nil {
		r.logger.Warn().Err(err).Msg("trace completion failed")
	}

	outcome := trace.OutcomeAllow
	code := CodeAllowed
	if len(r.warnings) > 0 {
		outcome = trace.OutcomeWarn
	}
	if o.metrics != nil {
		o.metrics.RequestOutcome(string(outcome))
	}
	return &Result{
		Outcome:          outcome,
		Code:             code,
		Chain:            r.chain,
		Warnings:         r.warnings,
		SecurityFindings: r.findings,
		Response:         resp,
		EstimatedCostUSD: r.estCost,
		ActualCostUSD:    actualCost,
		TraceID:          r.tr.TraceID,
		RequestID:        r.cmd.RequestID,
	}
}

// finishDryRun closes the trace without a provider call, usage record, or
// budget mutation, reporting the would-be cost.
func (o *Orchestrator) finishDryRun(ctx context.Context, r *run) *Result {
	r.tr.Status = trace.StatusDryRun
	r.tr.EndedAt = time.Now()
	if err := o.traces.CompleteTrace(context.WithoutCancel(ctx), r.tr); err != nil {
		r.logger.Warn().Err(err).Msg("trace completion failed")
	}
	if o.metrics != nil {
		o.metrics.RequestOutcome("dry_run")
	}

	return &Result{
		Outcome:          trace.OutcomeAllow,
		Code:             CodeDryRun,
		Chain:            r.chain,
		Warnings:         r.warnings,
		SecurityFindings: r.findings,
		DryRun:           true,
		WouldBeAllowed:   true,
		EstimatedCostUSD: r.estCost,
		TraceID:          r.tr.TraceID,
		RequestID:        r.cmd.RequestID,
	}
}

// deny short-circuits the pipeline: the estimated cost the block avoided
// is stamped on the trace, the decision is recorded, and the remaining
// stages never run.
func (o *Orchestrator) deny(ctx context.Context, r *run, stage, code, reason string) *Result {
	r.tr.Decision.Tighten(stage, trace.OutcomeDeny, reason)
	r.tr.EstimatedCostAvoided = r.estCost
	r.tr.Close(time.Now())
	if err := o.traces.CompleteTrace(context.WithoutCancel(ctx), r.tr); err != nil {
		r.logger.Warn().Err(err).Msg("trace completion failed")
	}

	r.chain = append(r.chain, StepResult{Stage: stage, Outcome: "deny", Code: code, Reason: reason})
	o.auditDecision(ctx, r, "deny", code, reason)
	if o.metrics != nil {
		o.metrics.RequestOutcome("deny")
		o.metrics.DecisionRecorded(stage, code)
		o.metrics.CostAvoided(r.estCost)
	}

	r.logger.Info().Str("stage", stage).Str("code", code).Str("reason", reason).Msg("request denied")

	return &Result{
		Outcome:          trace.OutcomeDeny,
		Code:             code,
		Reason:           reason,
		Chain:            r.chain,
		Warnings:         r.warnings,
		SecurityFindings: r.findings,
		EstimatedCostUSD: r.estCost,
		TraceID:          r.tr.TraceID,
		RequestID:        r.cmd.RequestID,
	}
}

// errResult terminates the request on an internal failure (dependency
// down, decryption failure) rather than a governance decision.
func (o *Orchestrator) errResult(ctx context.Context, r *run, stage, code, reason string) *Result {
	res := o.failWith(ctx, r, code, reason, trace.StatusError)
	res.Chain = append(res.Chain, StepResult{Stage: stage, Outcome: "error", Code: code, Reason: reason})
	if o.metrics != nil {
		o.metrics.DecisionRecorded(stage, code)
	}
	return res
}

// failWith writes a failed trace and builds the error result.
func (o *Orchestrator) failWith(ctx context.Context, r *run, code, reason string, status trace.Status) *Result {
	r.tr.Status = status
	r.tr.EndedAt = time.Now()
	if err := o.traces.FailTrace(context.WithoutCancel(ctx), r.tr, reason); err != nil {
		r.logger.Warn().Err(err).Msg("trace failure write failed")
	}
	o.auditDecision(ctx, r, "error", code, reason)
	if o.metrics != nil {
		o.metrics.RequestOutcome("error")
	}

	r.logger.Error().Str("code", code).Str("reason", reason).Msg("request failed")

	return &Result{
		Outcome:          trace.OutcomeDeny,
		Code:             code,
		Reason:           reason,
		Chain:            r.chain,
		Warnings:         r.warnings,
		SecurityFindings: r.findings,
		EstimatedCostUSD: r.estCost,
		TraceID:          r.tr.TraceID,
		RequestID:        r.cmd.RequestID,
	}
}

// auditDecision appends an audit row, best-effort.
func (o *Orchestrator) auditDecision(ctx context.Context, r *run, outcome, code, reason string) {
	entry := repo.AuditLogEntry{
		RequestID: r.cmd.RequestID,
		AppID:     r.cmd.AppID,
		TraceID:   r.tr.TraceID,
		Outcome:   outcome,
		Code:      code,
		Message:   reason,
		CreatedAt: time.Now(),
	}
	if err := o.audit.Log(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Warn().Err(err).Msg("audit log write failed")
	}
}

// saveSpan persists the just-closed span, best-effort, and feeds the
// per-stage duration histogram.
func (o *Orchestrator) saveSpan(ctx context.Context, r *run, span *trace.Span) {
	if o.metrics != nil {
		o.metrics.SpanDuration(span.StepName, float64(span.Duration().Microseconds())/1000)
	}
	if err := o.traces.SaveSpan(ctx, r.tr.TraceID, *span); err != nil {
		r.logger.Warn().Err(err).Str("step", span.StepName).Msg("span write failed")
	}
}

func dependencyReason(err error) string {
	if errors.Is(err, resilience.ErrOpen) {
		return "storage circuit open"
	}
	return "storage unavailable: " + err.Error()
}

func firstOr(list []string, fallback string) string {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}

func toWireMessages(messages []domain.Message) []provider.ChatMessage {
	out := make([]provider.ChatMessage, len(messages))
	for i, m := range messages {
		out[i] = provider.ChatMessage{Role: string(m.Role), Content: m.Content, Name: m.Name}
	}
	return out
}
