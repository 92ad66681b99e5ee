// Package policy implements the governance Policy Evaluator: an
// ordered, priority-weighted rule engine that returns an explainable
// allow/warn/deny outcome for a request context. Rules are evaluated in a
// fixed order with a first-deny short-circuit, mirroring the ordered
// pipeline shape used throughout the retrieval pack's policy engines.
package policy

import (
	"sort"

	"github.com/govgate/gateway/condition"
	"github.com/govgate/gateway/domain"
)

// Outcome is the closed policy-evaluation result vocabulary.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeWarn  Outcome = "warn"
	OutcomeDeny  Outcome = "deny"
)

// Stable decision codes for policy denials. These strings appear in audit
// logs and API error envelopes and must never be renamed.
const (
	CodeModelBlocked    = "POLICY_MODEL_BLOCKED"
	CodeTokenLimit      = "POLICY_TOKEN_LIMIT_EXCEEDED"
	CodeTimeRestricted  = "POLICY_TIME_RESTRICTED"
	CodeAppModelBlocked = "APP_MODEL_NOT_ALLOWED"
)

// MatchedRule records one rule that applied to the context, and whatever
// it decided.
type MatchedRule struct {
	RuleID int64
	Name   string
	Action domain.PolicyAction
	Reason string
}

// Decision is the result of evaluating a rule list against a context.
// Code is set only on deny, to the stable code of the constraint that
// fired.
type Decision struct {
	Outcome      Outcome
	Code         string
	MatchedRules []MatchedRule
	Reasons      []string
	Warnings     []string
}

// Context is the request-shaped facts the evaluator and its constraint
// checks need, beyond what condition.Context already carries.
type Context struct {
	condition.Context
	EstimatedTokens int
}

// Evaluate runs rules against ctx: stable sort by priority descending, enabled-only, skip non-scoped
// rules, short-circuit on the first deny, accumulate warnings, then apply
// the credential-scoped model restriction from the caller's Application.
func Evaluate(rules []domain.PolicyRule, ctx Context, app *domain.Application) Decision {
	if len(rules) == 0 {
		return Decision{Outcome: OutcomeAllow, Reasons: []string{"no policies defined"}}
	}

	ordered := make([]domain.PolicyRule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	d := Decision{Outcome: OutcomeAllow}
	sawWarn := false

	for _, rule := range ordered {
		scopeMatch := condition.MatchesEnvironment(ctx.Environment, rule.Conditions.Environments, nil).Matches &&
			condition.MatchesApp(ctx.AppID, rule.Conditions.Apps).Matches &&
			condition.MatchesFeature(ctx.Feature, rule.Conditions.Features).Matches
		if !scopeMatch {
			continue
		}

		matched := MatchedRule{RuleID: rule.ID, Name: rule.Name, Action: rule.Action}
		violated, reason, code := ruleViolated(rule, ctx)
		if !violated {
			// The rule is in scope but none of its constraints fired: it
			// still counts as matched, with no reason to act.
			d.MatchedRules = append(d.MatchedRules, matched)
			continue
		}

		matched.Reason = reason
		d.MatchedRules = append(d.MatchedRules, matched)

		switch rule.Action {
		case domain.PolicyDeny:
			d.Outcome = OutcomeDeny
			d.Code = code
			d.Reasons = append(d.Reasons, reason)
			return d
		case domain.PolicyWarn:
			sawWarn = true
			d.Warnings = append(d.Warnings, reason)
		}
	}

	if app != nil && !app.ModelAllowed(ctx.Model) {
		d.Outcome = OutcomeDeny
		d.Code = CodeAppModelBlocked
		d.Reasons = append(d.Reasons, "model "+ctx.Model+" not in application's allowed_models")
		return d
	}

	if sawWarn {
		d.Outcome = OutcomeWarn
	}
	return d
}

// ruleViolated checks the rule's own constraints (token limit, hour
// window, model restriction) against ctx. It returns whether a
// constraint fired and, if so, a human-readable reason plus the stable
// code. A rule that scopes to the request but whose constraints never
// trigger has no effect — it is recorded as matched but does not change
// the outcome.
func ruleViolated(rule domain.PolicyRule, ctx Context) (bool, string, string) {
	c := rule.Conditions

	if c.MaxTokens != nil && ctx.EstimatedTokens > *c.MaxTokens {
		return true, "rule " + rule.Name + ": token limit exceeded", CodeTokenLimit
	}
	if c.AllowedHours != nil && ctx.CurrentHour != nil {
		if !condition.MatchesTime(c.AllowedHours, ctx.CurrentHour).Matches {
			return true, "rule " + rule.Name + ": outside allowed hours window", CodeTimeRestricted
		}
	}
	if len(c.Models) > 0 || len(c.BlockedModels) > 0 {
		if !condition.MatchesModel(ctx.Model, c.Models, c.BlockedModels).Matches {
			return true, "rule " + rule.Name + ": model " + ctx.Model + " blocked by policy", CodeModelBlocked
		}
	}
	return false, "", ""
}
