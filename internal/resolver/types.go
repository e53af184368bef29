package resolver

import (
	"encoding/json"
	"time"

	"craruntime/internal/atlas"
	"craruntime/internal/context"
)

// CARPRequest is one Context-Action-Resolution Protocol request: a
// session asking the resolver what it may do next, and what context it
// should see while doing it.
type CARPRequest struct {
	SessionID    string
	AgentID      string
	Goal         string
	ContextHints []string
	AtlasIDs     []string

	// RiskTier optionally scopes risk_based context injection. The
	// original resolver never populates this from the request (its own
	// call site passes None with a TODO); a caller that wants
	// risk_based context blocks to fire must set it explicitly.
	RiskTier string
}

// Validate performs the structural validation §4.F step 1 requires:
// non-empty session_id, agent_id, and goal.
func (r *CARPRequest) Validate() string {
	switch {
	case r.SessionID == "":
		return "session_id is required"
	case r.AgentID == "":
		return "agent_id is required"
	case r.Goal == "":
		return "goal is required"
	default:
		return ""
	}
}

// Decision is the overall outcome of a CARPResolution.
type Decision string

const (
	DecisionAllow                Decision = "allow"
	DecisionDeny                 Decision = "deny"
	DecisionAllowWithConstraints Decision = "allow_with_constraints"
	DecisionPartial              Decision = "partial"
)

// AllowedAction is one action a CARPResolution permits, with enough of
// its definition for the caller to invoke it correctly.
type AllowedAction struct {
	ActionID         string
	Name             string
	Description      string
	ParametersSchema json.RawMessage
	RiskTier         atlas.RiskTier
}

// DeniedAction is one action a CARPResolution rejects, with the policy
// responsible and why.
type DeniedAction struct {
	ActionID string
	PolicyID string
	Reason   string
}

// ConstraintType classifies a Constraint. Custom is the only kind
// defined. The policy evaluator never returns an allow_with_constraints
// result, so Resolve leaves CARPResolution.Constraints empty.
type ConstraintType string

const ConstraintCustom ConstraintType = "custom"

// Constraint is additional guidance attached to an allowed action,
// surfaced by an allow_with_constraints policy result.
type Constraint struct {
	ConstraintID string
	Type         ConstraintType
	Description  string
}

// CARPResolution is the resolver's answer to a CARPRequest: what's
// allowed, what's denied, what context to inject, and for how long the
// answer is valid.
type CARPResolution struct {
	TraceID       string
	SessionID     string
	Decision      Decision
	AllowedActions []AllowedAction
	DeniedActions  []DeniedAction
	Constraints    []Constraint
	ContextBlocks  []context.Block
	TTLSeconds     int
	CreatedAt      time.Time
}

// IsActionAllowed reports whether actionID appears in AllowedActions.
func (r *CARPResolution) IsActionAllowed(actionID string) bool {
	for _, a := range r.AllowedActions {
		if a.ActionID == actionID {
			return true
		}
	}
	return false
}

// IsExpired reports whether now is past the resolution's TTL. The core
// never enforces this itself (§9 Open Question 3: TTL is advisory);
// callers that care about expiry consult this.
func (r *CARPResolution) IsExpired(now time.Time) bool {
	return now.After(r.CreatedAt.Add(time.Duration(r.TTLSeconds) * time.Second))
}
