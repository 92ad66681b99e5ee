package trace

import (
	"errors"
	"testing"
	"time"
)

func TestDecisionTightenNeverLoosens(t *testing.T) {
	d := NewDecision()
	d.Tighten("policy", OutcomeWarn, "soft budget warning")
	if d.Outcome != OutcomeWarn || d.PrimaryReason != "soft budget warning" {
		t.Fatalf("expected warn/soft budget warning, got %v/%q", d.Outcome, d.PrimaryReason)
	}
	d.Tighten("feature", OutcomeAllow, "")
	if d.Outcome != OutcomeWarn {
		t.Fatalf("allow must not loosen warn, got %v", d.Outcome)
	}
	d.Tighten("budget", OutcomeDeny, "hard budget exceeded")
	if d.Outcome != OutcomeDeny || d.PrimaryReason != "hard budget exceeded" {
		t.Fatalf("expected deny/hard budget exceeded, got %v/%q", d.Outcome, d.PrimaryReason)
	}
	d.Tighten("security", OutcomeWarn, "later warn ignored")
	if d.Outcome != OutcomeDeny || d.PrimaryReason != "hard budget exceeded" {
		t.Fatalf("deny must not be loosened by a later warn, got %v/%q", d.Outcome, d.PrimaryReason)
	}
	if len(d.Chain) != 4 {
		t.Fatalf("expected 4 chain entries, got %d: %v", len(d.Chain), d.Chain)
	}
	if len(d.Warnings) != 2 {
		t.Fatalf("expected 2 warnings recorded, got %v", d.Warnings)
	}
}

func TestRequestTraceSpanLifecycle(t *testing.T) {
	start := time.Now()
	tr := New("trace-1", "req-1", "app-1", "org-1", start)

	s := tr.StartSpan("policy_evaluation", start)
	tr.EndSpan(s, start.Add(5*time.Millisecond), StatusOK, map[string]interface{}{"matched_rules": 2})

	if len(tr.Spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(tr.Spans))
	}
	got := tr.Spans[0]
	if got.Status != StatusOK || got.Payload["matched_rules"] != 2 {
		t.Fatalf("span not finalized correctly: %+v", got)
	}
	if got.Duration() != 5*time.Millisecond {
		t.Fatalf("expected 5ms duration, got %v", got.Duration())
	}
}

func TestRequestTraceEndSpanError(t *testing.T) {
	start := time.Now()
	tr := New("trace-2", "req-2", "app-1", "org-1", start)
	s := tr.StartSpan("provider_call", start)
	tr.EndSpanError(s, start.Add(time.Second), errors.New("upstream timeout"))

	if tr.Spans[0].Status != StatusError || tr.Spans[0].Error != "upstream timeout" {
		t.Fatalf("span error not recorded: %+v", tr.Spans[0])
	}
}

func TestRequestTraceCloseBuildsDecisionReasons(t *testing.T) {
	start := time.Now()
	tr := New("trace-3", "req-3", "app-1", "org-1", start)
	tr.Decision.Tighten("budget", OutcomeWarn, "approaching budget")
	tr.Decision.Tighten("feature", OutcomeDeny, "model not allowed")

	tr.Close(start.Add(10 * time.Millisecond))

	if tr.Status != StatusDenied {
		t.Fatalf("expected denied status, got %v", tr.Status)
	}
	if len(tr.DecisionReasons) != 2 || tr.DecisionReasons[0] != "model not allowed" {
		t.Fatalf("unexpected decision reasons: %v", tr.DecisionReasons)
	}
	if tr.EndedAt.IsZero() {
		t.Fatal("expected EndedAt to be set")
	}
}

func TestAddRiskCategoryDeduplicates(t *testing.T) {
	tr := New("trace-4", "req-4", "app-1", "org-1", time.Now())
	tr.AddRiskCategory("prompt_injection")
	tr.AddRiskCategory("pii")
	tr.AddRiskCategory("prompt_injection")

	if len(tr.RiskCategories) != 2 {
		t.Fatalf("expected 2 unique categories, got %v", tr.RiskCategories)
	}
}
