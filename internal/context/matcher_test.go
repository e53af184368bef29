package context

import "testing"

func TestMatcherAlwaysMode(t *testing.T) {
	m := NewMatcher()
	result := m.Evaluate("ctx", &Conditions{InjectMode: "always"}, "anything", "low", nil, 50)
	if !result.Matched || result.Score != 50 {
		t.Errorf("always mode = %+v, want matched with score 50", result)
	}
}

func TestMatcherOnDemandMode(t *testing.T) {
	m := NewMatcher()
	conditions := &Conditions{InjectMode: "on_demand"}

	if r := m.Evaluate("ctx", conditions, "goal", "low", nil, 10); r.Matched {
		t.Error("on_demand mode should not match without a hint")
	}
	if r := m.Evaluate("ctx", conditions, "goal", "low", []string{"ctx"}, 10); !r.Matched {
		t.Error("on_demand mode should match when context_hints contains its id")
	}
}

func TestMatcherRiskBasedMode(t *testing.T) {
	m := NewMatcher()
	conditions := &Conditions{InjectMode: "risk_based", RiskTiers: []string{"high", "critical"}}

	if r := m.Evaluate("ctx", conditions, "goal", "low", nil, 10); r.Matched {
		t.Error("risk_based mode should not match a tier outside risk_tiers")
	}
	if r := m.Evaluate("ctx", conditions, "goal", "high", nil, 10); !r.Matched {
		t.Error("risk_based mode should match a tier listed in risk_tiers")
	}
}

func TestMatcherOnMatchModeDefault(t *testing.T) {
	m := NewMatcher()
	conditions := &Conditions{Keywords: []string{"hash"}}

	if r := m.Evaluate("ctx", conditions, "unrelated goal text", "low", nil, 10); r.Matched {
		t.Error("on_match should not match without a keyword hit")
	}
	r := m.Evaluate("ctx", conditions, "working on hash chain", "low", nil, 10)
	if !r.Matched || r.Score <= 10 {
		t.Errorf("on_match should match and score above base priority, got %+v", r)
	}
}

func TestMatcherNilConditionsDefaultsToOnMatch(t *testing.T) {
	m := NewMatcher()
	if r := m.Evaluate("ctx", nil, "goal", "low", nil, 10); r.Matched {
		t.Error("nil conditions with no hint should not match under on_match default")
	}
	if r := m.Evaluate("ctx", nil, "goal", "low", []string{"ctx"}, 10); !r.Matched {
		t.Error("nil conditions should still match via an explicit context_hints entry")
	}
}
