package condition

import "testing"

func TestMatchesModelWildcardAndDenyPriority(t *testing.T) {
	cases := []struct {
		name    string
		model   string
		allowed []string
		denied  []string
		want    bool
	}{
		{"exact allow", "gpt-4o", []string{"gpt-4o"}, nil, true},
		{"prefix wildcard allow", "claude-3-opus", []string{"claude-*"}, nil, true},
		{"deny wins over allow", "claude-3-opus", []string{"claude-*"}, []string{"claude-3-opus"}, false},
		{"no allow list means unrestricted", "anything", nil, nil, true},
		{"not in allow list", "gpt-3.5", []string{"gpt-4o"}, nil, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := MatchesModel(c.model, c.allowed, c.denied)
			if got.Matches != c.want {
				t.Errorf("MatchesModel(%q) = %v, want %v (%s)", c.model, got.Matches, c.want, got.Reason)
			}
		})
	}
}

func TestMatchesTimeWraparound(t *testing.T) {
	hour := func(h int) *int { return &h }
	window := [2]int{22, 4}

	if !MatchesTime(&window, hour(23)).Matches {
		t.Error("23:00 should match wraparound window 22-4")
	}
	if !MatchesTime(&window, hour(2)).Matches {
		t.Error("02:00 should match wraparound window 22-4")
	}
	if MatchesTime(&window, hour(10)).Matches {
		t.Error("10:00 should not match wraparound window 22-4")
	}
}

func TestMatchesAppWildcard(t *testing.T) {
	if !MatchesApp("any-app", []string{"*"}).Matches {
		t.Error("literal * should match any app")
	}
	if MatchesApp("other-app", []string{"known-app"}).Matches {
		t.Error("app not in allow list should not match")
	}
}

func TestMatchesFeatureNilIsPermissive(t *testing.T) {
	if !MatchesFeature("", []string{"summarization"}).Matches {
		t.Error("absent feature should always match")
	}
}

func TestMatchesTokensNilSkips(t *testing.T) {
	maxOut := 100
	if !MatchesTokens(nil, nil, nil, &maxOut, nil).Matches {
		t.Error("nil observed values should skip the check")
	}
	out := 150
	if MatchesTokens(nil, &out, nil, &maxOut, nil).Matches {
		t.Error("output over max_output should fail")
	}
}
