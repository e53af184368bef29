package context

import (
	"fmt"
	"strings"
)

// InjectMode controls when a context block is surfaced to a resolution,
// mirroring atlas.InjectMode but scoped to the matcher's own vocabulary.
type InjectMode string

const (
	ModeAlways    InjectMode = "always"
	ModeOnMatch   InjectMode = "on_match"
	ModeOnDemand  InjectMode = "on_demand"
	ModeRiskBased InjectMode = "risk_based"
)

// MatchResult is the outcome of evaluating one context item's
// conditions against a request: whether it matched, a composite score,
// and a narration suitable for a TRACE payload.
type MatchResult struct {
	Matched     bool
	Score       int
	Explanation string
}

// Matcher runs the second-pass condition evaluation the resolver
// performs after Registry.Query's keyword scoring: it incorporates the
// active request's risk tier and caller-supplied context_hints, which
// the registry's own Query has no visibility into.
type Matcher struct{}

// NewMatcher creates a Matcher. It carries no state; all evaluation is
// a pure function of its arguments.
func NewMatcher() *Matcher { return &Matcher{} }

// Evaluate runs the condition DSL documented in §4.E against goal,
// riskTier, and hints, returning whether the context should be
// injected, its composite score, and a human-readable explanation.
//
// conditions may be nil, which is evaluated as on_match with no
// keywords or inject_when patterns: it matches only when contextID
// appears in hints.
func (m *Matcher) Evaluate(contextID string, conditions *Conditions, goal string, riskTier string, hints []string, priority int) MatchResult {
	mode := effectiveMode(conditions)

	switch mode {
	case ModeAlways:
		return MatchResult{
			Matched:     true,
			Score:       priority,
			Explanation: fmt.Sprintf("context %q: always injected (priority %d)", contextID, priority),
		}

	case ModeOnDemand:
		for _, hint := range hints {
			if hint == contextID {
				return MatchResult{
					Matched:     true,
					Score:       priority + 15,
					Explanation: fmt.Sprintf("context %q: matched via explicit context_hints", contextID),
				}
			}
		}
		return MatchResult{
			Matched:     false,
			Explanation: fmt.Sprintf("context %q: on_demand mode requires a context_hints entry, none found", contextID),
		}

	case ModeRiskBased:
		if conditions == nil || len(conditions.RiskTiers) == 0 {
			return MatchResult{Matched: false, Explanation: fmt.Sprintf("context %q: risk_based mode but no risk_tiers configured", contextID)}
		}
		for _, tier := range conditions.RiskTiers {
			if strings.EqualFold(tier, riskTier) {
				return MatchResult{
					Matched:     true,
					Score:       priority + 20,
					Explanation: fmt.Sprintf("context %q: matched risk tier %q", contextID, riskTier),
				}
			}
		}
		return MatchResult{Matched: false, Explanation: fmt.Sprintf("context %q: risk tier %q not in %v", contextID, riskTier, conditions.RiskTiers)}

	default: // on_match
		score := priority
		var hits []string

		if conditions != nil {
			goalLower := strings.ToLower(goal)
			for _, kw := range conditions.Keywords {
				if strings.Contains(goalLower, strings.ToLower(kw)) {
					score += 10
					hits = append(hits, "keyword:"+kw)
				}
			}
			for _, pattern := range conditions.InjectWhen {
				for _, hint := range hints {
					if pattern == hint {
						score += 5
						hits = append(hits, "inject_when:"+pattern)
					}
				}
			}
		}

		for _, hint := range hints {
			if hint == contextID {
				score += 15
				hits = append(hits, "context_hint")
			}
		}

		if len(hits) == 0 {
			return MatchResult{
				Matched:     false,
				Explanation: fmt.Sprintf("context %q: on_match mode, no keyword/hint/inject_when hit", contextID),
			}
		}
		return MatchResult{
			Matched:     true,
			Score:       score,
			Explanation: fmt.Sprintf("context %q: matched (%s), score %d", contextID, strings.Join(hits, ", "), score),
		}
	}
}

// effectiveMode returns conditions.InjectMode, defaulting to on_match
// per §4.E.
func effectiveMode(conditions *Conditions) InjectMode {
	if conditions == nil || conditions.InjectMode == "" {
		return ModeOnMatch
	}
	switch InjectMode(conditions.InjectMode) {
	case ModeAlways, ModeOnDemand, ModeRiskBased:
		return InjectMode(conditions.InjectMode)
	default:
		return ModeOnMatch
	}
}
