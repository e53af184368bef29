package policy

import (
	"fmt"
	"strings"
)

// PolicyMatch records one policy that was checked during a phase of
// evaluation, for narration purposes.
type PolicyMatch struct {
	PolicyID string
	Phase    string
	Passed   bool // for rate_limit checks that were under their limit and fell through
}

// DecisionTrace is the full record of one Evaluate/Explain call: the
// action evaluated, every policy that was inspected along the way, and
// the final Result.
type DecisionTrace struct {
	ActionID       string
	Matched        []PolicyMatch
	DefaultApplied bool
	Result         Result
}

// Explanation renders a human-readable narration of this trace,
// suitable for TRACE payloads and the govreplay/govctl CLIs.
func (t DecisionTrace) Explanation() string {
	var b strings.Builder
	fmt.Fprintf(&b, "action %q: %s\n", t.ActionID, decisionLabel(t.Result.Decision))

	if t.DefaultApplied {
		b.WriteString("no policy matched; default is to permit the action.\n")
		return b.String()
	}

	for _, m := range t.Matched {
		if m.Phase == "rate_limit" && m.Passed {
			fmt.Fprintf(&b, "  policy %q (rate_limit): under limit, continuing\n", m.PolicyID)
			continue
		}
		fmt.Fprintf(&b, "  policy %q (%s): matched\n", m.PolicyID, m.Phase)
	}

	if t.Result.Reason != "" {
		fmt.Fprintf(&b, "reason: %s\n", t.Result.Reason)
	}
	if t.Result.Decision == DecisionRateLimitExceeded {
		fmt.Fprintf(&b, "retry after %ds\n", t.Result.RetryAfterSeconds)
	}
	return b.String()
}

func decisionLabel(d Decision) string {
	switch d {
	case DecisionDeny:
		return "DENIED"
	case DecisionRequiresApproval:
		return "REQUIRES APPROVAL"
	case DecisionRateLimitExceeded:
		return "RATE LIMITED"
	case DecisionAllow, DecisionAllowWithConstraints:
		return "ALLOWED"
	case DecisionNoMatch:
		return "ALLOWED (no matching policy)"
	default:
		return strings.ToUpper(string(d))
	}
}
