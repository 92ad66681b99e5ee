// Package condition is a library of pure, side-effect-free predicates used
// by the Policy Evaluator and Feature Registry to decide whether a rule or
// definition applies to a given request context. No predicate here touches
// storage, the clock (beyond an explicit argument), or logging.
package condition

import (
	"strings"

	"github.com/govgate/gateway/domain"
)

// Result is the outcome of matching one condition key against a context.
type Result struct {
	Matches bool
	Reason  string
}

// MatchesEnvironment reports whether env is acceptable given an allow-list
// and a deny-list. Deny wins over allow; absence of both matches everything.
func MatchesEnvironment(env string, allowed, denied []string) Result {
	if contains(denied, env) {
		return Result{false, "environment " + env + " is denied"}
	}
	if len(allowed) == 0 {
		return Result{true, ""}
	}
	if contains(allowed, env) {
		return Result{true, ""}
	}
	return Result{false, "environment " + env + " not in allowed set"}
}

// MatchesModel reports whether model is acceptable given allow/deny lists.
// Entries may end in a single trailing "*" as a prefix wildcard. Deny wins.
func MatchesModel(model string, allowed, denied []string) Result {
	if matchAny(denied, model) {
		return Result{false, "model " + model + " matches a denied pattern"}
	}
	if len(allowed) == 0 {
		return Result{true, ""}
	}
	if matchAny(allowed, model) {
		return Result{true, ""}
	}
	return Result{false, "model " + model + " does not match any allowed pattern"}
}

func matchAny(patterns []string, model string) bool {
	for _, p := range patterns {
		if p == model {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(model, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// MatchesFeature reports whether feature is acceptable given an allow-list.
// A nil/empty feature means none was asserted, which always matches.
func MatchesFeature(feature string, allowed []string) Result {
	if feature == "" {
		return Result{true, ""}
	}
	if len(allowed) == 0 || contains(allowed, feature) {
		return Result{true, ""}
	}
	return Result{false, "feature " + feature + " not in allowed set"}
}

// MatchesApp reports whether appID is acceptable given an allow-list. The
// literal "*" in allowed matches any application.
func MatchesApp(appID string, allowed []string) Result {
	if len(allowed) == 0 {
		return Result{true, ""}
	}
	if contains(allowed, "*") || contains(allowed, appID) {
		return Result{true, ""}
	}
	return Result{false, "app " + appID + " not in allowed set"}
}

// MatchesTokens reports whether the observed input/output token counts stay
// within the given limits. A nil limit or nil observed value skips that
// check. Any exceeded limit fails the match.
func MatchesTokens(input, output *int, maxInput, maxOutput, maxTotal *int) Result {
	if input != nil && maxInput != nil && *input > *maxInput {
		return Result{false, "input tokens exceed max_input"}
	}
	if output != nil && maxOutput != nil && *output > *maxOutput {
		return Result{false, "output tokens exceed max_output"}
	}
	if input != nil && output != nil && maxTotal != nil && (*input+*output) > *maxTotal {
		return Result{false, "total tokens exceed max_total"}
	}
	return Result{true, ""}
}

// MatchesTime reports whether currentHour falls in the allowed_hours window
// [a, b]. When a <= b the window is a normal range; when a > b it wraps
// around midnight.
func MatchesTime(allowedHours *[2]int, currentHour *int) Result {
	if allowedHours == nil || currentHour == nil {
		return Result{true, ""}
	}
	a, b, h := allowedHours[0], allowedHours[1], *currentHour
	var ok bool
	if a <= b {
		ok = h >= a && h <= b
	} else {
		ok = h >= a || h <= b
	}
	if !ok {
		return Result{false, "current hour outside allowed_hours window"}
	}
	return Result{true, ""}
}

// Context is the subset of a request's asserted facts condition matching
// needs. Pointer fields are optional; a nil pointer means "not asserted".
type Context struct {
	Environment  string
	AppID        string
	Feature      string
	Model        string
	InputTokens  *int
	OutputTokens *int
	CurrentHour  *int
}

// MatchResult is the aggregate outcome of matching a full Conditions blob
// against a Context.
type MatchResult struct {
	Matched     bool
	MatchedKeys []string // condition keys that were checked and passed
	Failed      []string // condition keys that were checked and failed
	Reason      string   // first failing reason, if any
}

// MatchConditions walks the known condition keys in domain.Conditions
// against ctx, short-circuiting on the first failure but still reporting
// which keys were evaluated. Keys absent from the Conditions blob are
// skipped (not checked, not counted as matched or failed) — absence means
// "does not apply", never "fails".
func MatchConditions(c domain.Conditions, ctx Context) MatchResult {
	res := MatchResult{Matched: true}

	check := func(key string, r Result) bool {
		if r.Matches {
			res.MatchedKeys = append(res.MatchedKeys, key)
			return true
		}
		res.Failed = append(res.Failed, key)
		if res.Reason == "" {
			res.Reason = r.Reason
		}
		res.Matched = false
		return false
	}

	if len(c.Environments) > 0 {
		if !check("environments", MatchesEnvironment(ctx.Environment, c.Environments, nil)) {
			return res
		}
	}
	if len(c.Apps) > 0 {
		if !check("apps", MatchesApp(ctx.AppID, c.Apps)) {
			return res
		}
	}
	if len(c.Features) > 0 {
		if !check("features", MatchesFeature(ctx.Feature, c.Features)) {
			return res
		}
	}
	if len(c.Models) > 0 || len(c.BlockedModels) > 0 {
		if !check("models", MatchesModel(ctx.Model, c.Models, c.BlockedModels)) {
			return res
		}
	}
	if c.MaxTokens != nil || c.MaxContextTokens != nil {
		total := c.MaxContextTokens
		if !check("max_tokens", MatchesTokens(ctx.InputTokens, ctx.OutputTokens, nil, c.MaxTokens, total)) {
			return res
		}
	}
	if c.AllowedHours != nil {
		if !check("allowed_hours", MatchesTime(c.AllowedHours, ctx.CurrentHour)) {
			return res
		}
	}
	return res
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
