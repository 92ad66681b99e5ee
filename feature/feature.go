// Package feature implements the Feature Registry: a per-
// application allowlist of declared use cases, each constraining models,
// actions, environments, and per-request token/cost caps. Registry mode
// (strict/permissive) governs what happens when a feature id is missing
// or unknown.
package feature

import (
	"github.com/govgate/gateway/condition"
	"github.com/govgate/gateway/domain"
)

// Code is the flat, stable decision-code enumeration. These
// strings appear in audit logs and UI and must never be renamed.
type Code string

const (
	CodeAllowed                     Code = "ALLOWED"
	CodeAllowedNoRegistry           Code = "ALLOWED_NO_REGISTRY"
	CodeDeniedNoFeatureSpecified    Code = "DENIED_NO_FEATURE_SPECIFIED"
	CodeDeniedUnknownFeature        Code = "DENIED_UNKNOWN_FEATURE"
	CodeDeniedFeatureDisabled       Code = "DENIED_FEATURE_DISABLED"
	CodeDeniedActionNotAllowed      Code = "DENIED_ACTION_NOT_ALLOWED"
	CodeDeniedModelNotAllowed       Code = "DENIED_MODEL_NOT_ALLOWED"
	CodeDeniedEnvironmentNotAllowed Code = "DENIED_ENVIRONMENT_NOT_ALLOWED"
	CodeDeniedTokenLimit            Code = "DENIED_TOKEN_LIMIT"
	CodeDeniedCostLimit             Code = "DENIED_COST_LIMIT"
)

func (c Code) denied() bool { return c != CodeAllowed && c != CodeAllowedNoRegistry }

// Registry describes one Application's feature-check configuration, as
// read from the Feature Registry Repository.
type Registry struct {
	Mode              domain.FeatureRegistryMode
	DefaultFeatureID  string
	Definitions       map[string]domain.FeatureDefinition // keyed by feature id
}

// CheckRequest carries the inputs to CheckFeature.
type CheckRequest struct {
	AppID         string
	FeatureID     string // request-supplied, may be empty
	Action        domain.Action
	Model         string
	Environment   domain.Environment
	EstTokens     int
	EstCostUSD    float64
}

// CheckResult is the outcome of CheckFeature.
type CheckResult struct {
	Allowed            bool
	Code               Code
	Reason             string
	ResolvedFeatureID  string
	AppliedConstraints *domain.FeatureDefinition
}

// CheckFeature resolves the effective feature id and walks its
// constraints in order, returning the first denial or ALLOWED with the
// caps to enforce downstream.
func CheckFeature(reg *Registry, req CheckRequest) CheckResult {
	if reg == nil {
		return CheckResult{Allowed: true, Code: CodeAllowedNoRegistry, Reason: "application has no feature registry"}
	}

	featureID := req.FeatureID
	if featureID == "" {
		featureID = reg.DefaultFeatureID
	}
	if featureID == "" {
		if reg.Mode == domain.RegistryStrict {
			return CheckResult{Code: CodeDeniedNoFeatureSpecified, Reason: "strict registry requires a feature id"}
		}
		return CheckResult{Allowed: true, Code: CodeAllowedNoRegistry, Reason: "permissive registry, no feature specified"}
	}

	def, ok := reg.Definitions[featureID]
	if !ok {
		if reg.Mode == domain.RegistryStrict {
			return CheckResult{Code: CodeDeniedUnknownFeature, Reason: "unknown feature " + featureID, ResolvedFeatureID: featureID}
		}
		return CheckResult{Allowed: true, Code: CodeAllowedNoRegistry, Reason: "permissive registry, unknown feature " + featureID, ResolvedFeatureID: featureID}
	}

	if !def.IsActive {
		return CheckResult{Code: CodeDeniedFeatureDisabled, Reason: "feature " + featureID + " is disabled", ResolvedFeatureID: featureID}
	}

	if _, ok := def.AllowedActions[req.Action]; len(def.AllowedActions) > 0 && !ok {
		return CheckResult{Code: CodeDeniedActionNotAllowed, Reason: "action " + string(req.Action) + " not allowed for feature " + featureID, ResolvedFeatureID: featureID}
	}

	if len(def.AllowedModels) > 0 {
		allowed := make([]string, 0, len(def.AllowedModels))
		for m := range def.AllowedModels {
			allowed = append(allowed, m)
		}
		if !condition.MatchesModel(req.Model, allowed, nil).Matches {
			return CheckResult{Code: CodeDeniedModelNotAllowed, Reason: "model " + req.Model + " not allowed for feature " + featureID, ResolvedFeatureID: featureID}
		}
	}

	if len(def.AllowedEnvironments) > 0 {
		if _, ok := def.AllowedEnvironments[req.Environment]; !ok {
			return CheckResult{Code: CodeDeniedEnvironmentNotAllowed, Reason: "environment " + string(req.Environment) + " not allowed for feature " + featureID, ResolvedFeatureID: featureID}
		}
	}

	if def.MaxTokensPerRequest > 0 && req.EstTokens > def.MaxTokensPerRequest {
		return CheckResult{Code: CodeDeniedTokenLimit, Reason: "estimated tokens exceed feature cap", ResolvedFeatureID: featureID}
	}

	if def.MaxCostPerRequestUSD > 0 && req.EstCostUSD > def.MaxCostPerRequestUSD {
		return CheckResult{Code: CodeDeniedCostLimit, Reason: "estimated cost exceeds feature cap", ResolvedFeatureID: featureID}
	}

	defCopy := def
	return CheckResult{Allowed: true, Code: CodeAllowed, ResolvedFeatureID: featureID, AppliedConstraints: &defCopy}
}
