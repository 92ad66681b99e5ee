package pricing

import "testing"

func TestLookupExactPreferredOverPrefix(t *testing.T) {
	tbl := &Table{pricing: map[string]ModelPricing{
		"openai/gpt-4":    {InputPer1M: 30, OutputPer1M: 60},
		"openai/gpt-4o":   {InputPer1M: 2.5, OutputPer1M: 10},
		"": {InputPer1M: 1, OutputPer1M: 2},
	}}

	p, ok := tbl.Lookup("openai", "gpt-4o")
	if !ok || p.InputPer1M != 2.5 {
		t.Fatalf("expected exact match for gpt-4o, got %+v ok=%v", p, ok)
	}

	p, ok = tbl.Lookup("openai", "gpt-4-turbo")
	if !ok || p.InputPer1M != 30 {
		t.Fatalf("expected longest-prefix match against openai/gpt-4, got %+v ok=%v", p, ok)
	}

	p, ok = tbl.Lookup("openai", "totally-unknown")
	if !ok || p.InputPer1M != 1 {
		t.Fatalf("expected default fallback, got %+v ok=%v", p, ok)
	}
}

func TestEstimateCostAdditivity(t *testing.T) {
	tbl := Default()
	a, b, c, d := 100, 50, 200, 75

	sumSeparate := tbl.EstimateCost("openai", "gpt-4o", a, b) + tbl.EstimateCost("openai", "gpt-4o", c, d)
	combined := tbl.EstimateCost("openai", "gpt-4o", a+c, b+d)

	if sumSeparate != combined {
		t.Errorf("additivity violated: %v != %v", sumSeparate, combined)
	}
}

func TestFreeModelCostsZero(t *testing.T) {
	tbl := Default()
	if cost := tbl.EstimateCost("ollama", "llama3.1", 1000, 1000); cost != 0 {
		t.Errorf("expected free ollama model to cost 0, got %v", cost)
	}
}
