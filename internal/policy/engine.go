package policy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"craruntime/internal/atlas"
)

// Evaluator holds a flat list of policies (each tagged with the atlas
// it was loaded from) and the per-(policy, action) rate-limit counters
// built up as Evaluate is called.
type Evaluator struct {
	mu       sync.Mutex
	entries  []policyEntry
	windows  map[rateWindowKey]*rateWindow
	clock    func() time.Time
	logger   *slog.Logger
}

// NewEvaluator creates an empty policy evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		windows: make(map[rateWindowKey]*rateWindow),
		clock:   time.Now,
		logger:  slog.Default(),
	}
}

// WithClock overrides the evaluator's time source. Intended for tests
// that need deterministic rate-limit windows.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

// AddPolicies appends policies loaded from atlasID to the evaluator's
// flat list.
func (e *Evaluator) AddPolicies(atlasID string, policies []atlas.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range policies {
		e.entries = append(e.entries, policyEntry{policy: p, atlasID: atlasID})
	}
}

// RemoveAtlas drops every policy contributed by atlasID, along with
// their rate-limit counters. Used by UnloadAtlas.
func (e *Evaluator) RemoveAtlas(atlasID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.entries[:0]
	for _, entry := range e.entries {
		if entry.atlasID == atlasID {
			continue
		}
		kept = append(kept, entry)
	}
	e.entries = kept

	live := make(map[string]bool, len(e.entries))
	for _, entry := range e.entries {
		live[entry.policy.PolicyID] = true
	}
	for key := range e.windows {
		if !live[key.policyID] {
			delete(e.windows, key)
		}
	}
}

// Evaluate runs the fixed-priority evaluation order against actionID:
// deny, then requires_approval, then rate_limit, then allow, defaulting
// to NoMatch (which permits the action).
func (e *Evaluator) Evaluate(actionID string) Result {
	trace := e.explain(actionID)
	e.logDecision(actionID, trace.Result)
	return trace.Result
}

// Explain runs the same evaluation as Evaluate but returns a full trace
// of which policies matched and why, suitable for audit payloads and
// human-readable explanations.
func (e *Evaluator) Explain(actionID string) DecisionTrace {
	trace := e.explain(actionID)
	e.logDecision(actionID, trace.Result)
	return trace
}

func (e *Evaluator) explain(actionID string) DecisionTrace {
	e.mu.Lock()
	defer e.mu.Unlock()

	var trace DecisionTrace
	trace.ActionID = actionID

	// Phase 1: deny.
	for _, entry := range e.entries {
		p := entry.policy
		if p.PolicyType != atlas.PolicyDeny {
			continue
		}
		if !matchesAny(p.Actions, actionID) {
			continue
		}
		trace.Matched = append(trace.Matched, PolicyMatch{PolicyID: p.PolicyID, Phase: "deny"})
		trace.Result = Result{Decision: DecisionDeny, PolicyID: p.PolicyID, Reason: p.Reason}
		return trace
	}

	// Phase 2: requires_approval.
	for _, entry := range e.entries {
		p := entry.policy
		if p.PolicyType != atlas.PolicyRequiresApproval {
			continue
		}
		if !matchesAny(p.Actions, actionID) {
			continue
		}
		trace.Matched = append(trace.Matched, PolicyMatch{PolicyID: p.PolicyID, Phase: "requires_approval"})
		trace.Result = Result{Decision: DecisionRequiresApproval, PolicyID: p.PolicyID, Reason: p.Reason}
		return trace
	}

	// Phase 3: rate_limit. Every matching policy is checked (and its
	// counter advanced) before moving on, per §4.D: a match that is
	// under its limit increments and falls through to the next phase.
	now := e.clock().Unix()
	for _, entry := range e.entries {
		p := entry.policy
		if p.PolicyType != atlas.PolicyRateLimit {
			continue
		}
		if !matchesAny(p.Actions, actionID) {
			continue
		}
		params, err := p.RateLimitParameters()
		if err != nil {
			// Malformed rate_limit policies are skipped; loaders should
			// reject these before they ever reach the evaluator.
			continue
		}

		key := rateWindowKey{policyID: p.PolicyID, actionID: actionID}
		w, ok := e.windows[key]
		if !ok {
			w = &rateWindow{windowStart: now}
			e.windows[key] = w
		}

		elapsed := now - w.windowStart
		if elapsed > int64(params.WindowSeconds) {
			w.count = 0
			w.windowStart = now
			elapsed = 0
		}

		if w.count >= params.MaxCalls {
			retryAfter := int64(params.WindowSeconds) - elapsed
			if retryAfter < 0 {
				retryAfter = 0
			}
			trace.Matched = append(trace.Matched, PolicyMatch{PolicyID: p.PolicyID, Phase: "rate_limit"})
			trace.Result = Result{
				Decision:          DecisionRateLimitExceeded,
				PolicyID:          p.PolicyID,
				Reason:            fmt.Sprintf("rate limit exceeded: %d/%d calls in %ds window", w.count, params.MaxCalls, params.WindowSeconds),
				RetryAfterSeconds: int(retryAfter),
			}
			return trace
		}
		w.count++
		trace.Matched = append(trace.Matched, PolicyMatch{PolicyID: p.PolicyID, Phase: "rate_limit", Passed: true})
	}

	// Phase 4: allow.
	for _, entry := range e.entries {
		p := entry.policy
		if p.PolicyType != atlas.PolicyAllow {
			continue
		}
		if !matchesAny(p.Actions, actionID) {
			continue
		}
		trace.Matched = append(trace.Matched, PolicyMatch{PolicyID: p.PolicyID, Phase: "allow"})
		trace.Result = Result{Decision: DecisionAllow, PolicyID: p.PolicyID}
		return trace
	}

	// Phase 5: default.
	trace.DefaultApplied = true
	trace.Result = Result{Decision: DecisionNoMatch}
	return trace
}

// matchesAny reports whether any pattern in patterns matches actionID,
// per §4.D's glob rules.
func matchesAny(patterns []string, actionID string) bool {
	for _, pattern := range patterns {
		if patternMatches(pattern, actionID) {
			return true
		}
	}
	return false
}

// patternMatches implements the evaluator's exact glob contract:
// "*" matches everything, "prefix.*" and "*.suffix" match on a literal
// dot boundary, exact strings match by equality, and anything else
// (multi-wildcard, middle wildcard) never matches. This is stricter
// than atlas.PatternMatches, which also accepts an interior wildcard —
// the two are deliberately different implementations for different
// callers.
func patternMatches(pattern, actionID string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == actionID {
		return true
	}
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		prefix := pattern[:len(pattern)-2]
		return len(actionID) > len(prefix) && actionID[:len(prefix)] == prefix && actionID[len(prefix)] == '.'
	}
	if len(pattern) > 2 && pattern[:2] == "*." {
		suffix := pattern[2:]
		return len(actionID) > len(suffix) && actionID[len(actionID)-len(suffix):] == suffix &&
			actionID[len(actionID)-len(suffix)-1] == '.'
	}
	return false
}

func (e *Evaluator) logDecision(actionID string, result Result) {
	attrs := []any{"action_id", actionID, "decision", result.Decision}
	if result.PolicyID != "" {
		attrs = append(attrs, "policy_id", result.PolicyID)
	}
	if result.Reason != "" {
		attrs = append(attrs, "reason", result.Reason)
	}

	switch result.Decision {
	case DecisionDeny:
		e.logger.Warn("policy decision: DENY", attrs...)
	case DecisionRequiresApproval:
		e.logger.Info("policy decision: REQUIRES_APPROVAL", attrs...)
	case DecisionRateLimitExceeded:
		e.logger.Warn("policy decision: RATE_LIMIT_EXCEEDED", attrs...)
	default:
		e.logger.Debug("policy decision: ALLOW", attrs...)
	}
}

// MustAllow converts a Result into an error unless it permits the
// action outright.
func (r Result) MustAllow() error {
	switch r.Decision {
	case DecisionDeny:
		return &DeniedError{Result: r}
	case DecisionRequiresApproval:
		return &ApprovalRequiredError{Result: r}
	case DecisionRateLimitExceeded:
		return &RateLimitedError{Result: r}
	default:
		return nil
	}
}

// DeniedError is returned when a request is denied by policy.
type DeniedError struct {
	Result      Result
	Explanation string // overrides the terse default, set from a DecisionTrace
}

func (e *DeniedError) Error() string {
	if e.Explanation != "" {
		return e.Explanation
	}
	if e.Result.Reason != "" {
		return "policy denied: " + e.Result.Reason
	}
	return "policy denied by " + e.Result.PolicyID
}

// ApprovalRequiredError is returned when a request requires approval.
type ApprovalRequiredError struct {
	Result Result
}

func (e *ApprovalRequiredError) Error() string {
	if e.Result.Reason != "" {
		return "approval required: " + e.Result.Reason
	}
	return "approval required by policy " + e.Result.PolicyID
}

// RateLimitedError is returned when a rate_limit policy's window has
// been exhausted.
type RateLimitedError struct {
	Result Result
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by policy %s: retry after %ds", e.Result.PolicyID, e.Result.RetryAfterSeconds)
}

// IsApprovalRequired reports whether err indicates approval is needed.
func IsApprovalRequired(err error) bool {
	_, ok := err.(*ApprovalRequiredError)
	return ok
}

// IsDenied reports whether err indicates a policy denial.
func IsDenied(err error) bool {
	_, ok := err.(*DeniedError)
	return ok
}

// IsRateLimited reports whether err indicates a rate-limit rejection.
func IsRateLimited(err error) bool {
	_, ok := err.(*RateLimitedError)
	return ok
}
