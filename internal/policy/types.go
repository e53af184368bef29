// Package policy implements the governance policy evaluator: a flat
// list of allow/deny/rate-limit/approval rules evaluated in a fixed
// priority order against an action id.
package policy

import "craruntime/internal/atlas"

// Result is the outcome of evaluating one action id against the
// evaluator's policy list.
type Result struct {
	Decision          Decision
	PolicyID          string
	Reason            string
	RetryAfterSeconds int
}

// Decision is the kind of outcome a policy evaluation produced.
type Decision string

const (
	DecisionAllow                Decision = "allow"
	DecisionAllowWithConstraints Decision = "allow_with_constraints"
	DecisionDeny                 Decision = "deny"
	DecisionRequiresApproval     Decision = "requires_approval"
	DecisionRateLimitExceeded    Decision = "rate_limit_exceeded"
	DecisionNoMatch              Decision = "no_match"
)

// IsAllowed reports whether the action may proceed without further
// gating.
func (r Result) IsAllowed() bool {
	return r.Decision == DecisionAllow || r.Decision == DecisionAllowWithConstraints || r.Decision == DecisionNoMatch
}

// rateWindowKey identifies one (policy, action) rate-limit counter.
type rateWindowKey struct {
	policyID string
	actionID string
}

// rateWindow is a coarse, reset-on-expiry counter: once window_seconds
// elapses since windowStart the counter resets rather than sliding
// continuously. §4.D documents a stricter sliding-window counter as a
// drop-in alternative at higher memory cost; this evaluator implements
// only the coarse variant.
type rateWindow struct {
	count       int
	windowStart int64 // unix seconds
}

// policyEntry pairs an atlas.Policy with the atlas id it was loaded
// from, so UnloadAtlas can remove exactly the policies that atlas
// contributed.
type policyEntry struct {
	policy  atlas.Policy
	atlasID string
}
