package feature

import (
	"testing"

	"github.com/govgate/gateway/domain"
)

func TestCheckFeatureNoRegistryAllows(t *testing.T) {
	r := CheckFeature(nil, CheckRequest{})
	if !r.Allowed || r.Code != CodeAllowedNoRegistry {
		t.Fatalf("expected ALLOWED_NO_REGISTRY, got %+v", r)
	}
}

func TestCheckFeatureStrictUnknownFeatureDenied(t *testing.T) {
	reg := &Registry{Mode: domain.RegistryStrict, Definitions: map[string]domain.FeatureDefinition{}}
	r := CheckFeature(reg, CheckRequest{FeatureID: "unknown-x"})
	if r.Allowed || r.Code != CodeDeniedUnknownFeature {
		t.Fatalf("expected DENIED_UNKNOWN_FEATURE, got %+v", r)
	}
}

func TestCheckFeaturePermissiveMissingFeatureAllows(t *testing.T) {
	reg := &Registry{Mode: domain.RegistryPermissive, Definitions: map[string]domain.FeatureDefinition{}}
	r := CheckFeature(reg, CheckRequest{})
	if !r.Allowed || r.Code != CodeAllowedNoRegistry {
		t.Fatalf("expected permissive allow, got %+v", r)
	}
}

func TestCheckFeatureTokenLimit(t *testing.T) {
	reg := &Registry{
		Mode: domain.RegistryStrict,
		Definitions: map[string]domain.FeatureDefinition{
			"default": {IsActive: true, MaxTokensPerRequest: 100},
		},
	}
	r := CheckFeature(reg, CheckRequest{FeatureID: "default", EstTokens: 500})
	if r.Allowed || r.Code != CodeDeniedTokenLimit {
		t.Fatalf("expected DENIED_TOKEN_LIMIT, got %+v", r)
	}
}

func TestCheckFeatureAllowedEchoesConstraints(t *testing.T) {
	reg := &Registry{
		Mode: domain.RegistryStrict,
		Definitions: map[string]domain.FeatureDefinition{
			"default": {IsActive: true, AllowedActions: map[domain.Action]struct{}{domain.ActionChat: {}}, MaxTokensPerRequest: 1000},
		},
	}
	r := CheckFeature(reg, CheckRequest{FeatureID: "default", Action: domain.ActionChat, EstTokens: 10})
	if !r.Allowed || r.Code != CodeAllowed || r.AppliedConstraints == nil {
		t.Fatalf("expected ALLOWED with applied constraints, got %+v", r)
	}
}
