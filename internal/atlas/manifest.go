// Package atlas implements the Atlas/1.0 manifest data model: the
// declarative description of an agent domain's actions, policies,
// context, and capabilities, plus JSON/YAML loaders for it.
package atlas

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ManifestVersion is the only atlas_version this runtime accepts.
const ManifestVersion = "1.0"

// RiskTier classifies an action's potential impact.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// InjectMode controls when a context block is surfaced to a resolution.
type InjectMode string

const (
	InjectAlways    InjectMode = "always"
	InjectOnMatch   InjectMode = "on_match"
	InjectOnDemand  InjectMode = "on_demand"
	InjectRiskBased InjectMode = "risk_based"
)

// PolicyType identifies the kind of governance rule an AtlasPolicy
// expresses.
type PolicyType string

const (
	PolicyAllow           PolicyType = "allow"
	PolicyDeny            PolicyType = "deny"
	PolicyRateLimit       PolicyType = "rate_limit"
	PolicyRequiresApproval PolicyType = "requires_approval"
	// PolicyBudget is accepted in manifests but has no evaluator
	// semantics defined; the evaluator falls through to NoMatch for it.
	PolicyBudget PolicyType = "budget"
)

// Manifest is the top-level Atlas/1.0 document: the declarative
// description of one agent domain.
type Manifest struct {
	AtlasVersion string            `json:"atlas_version" yaml:"atlas_version"`
	AtlasID      string            `json:"atlas_id" yaml:"atlas_id"`
	Version      string            `json:"version" yaml:"version"`
	Name         string            `json:"name" yaml:"name"`
	Description  string            `json:"description" yaml:"description"`
	Authors      []string          `json:"authors,omitempty" yaml:"authors,omitempty"`
	License      string            `json:"license,omitempty" yaml:"license,omitempty"`
	Domains      []string          `json:"domains,omitempty" yaml:"domains,omitempty"`
	Capabilities []Capability      `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	ContextBlocks []ContextBlock   `json:"context_blocks,omitempty" yaml:"context_blocks,omitempty"`
	Policies     []Policy          `json:"policies,omitempty" yaml:"policies,omitempty"`
	Actions      []Action          `json:"actions,omitempty" yaml:"actions,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Sources      *Sources          `json:"sources,omitempty" yaml:"sources,omitempty"`
}

// Capability groups a named, ordered set of actions.
type Capability struct {
	CapabilityID string   `json:"capability_id" yaml:"capability_id"`
	Name         string   `json:"name" yaml:"name"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	Actions      []string `json:"actions" yaml:"actions"`
}

// ContextBlock is an inline piece of content the context registry can
// inject into a resolution.
type ContextBlock struct {
	ContextID   string     `json:"context_id" yaml:"context_id"`
	Name        string     `json:"name" yaml:"name"`
	Priority    int        `json:"priority,omitempty" yaml:"priority,omitempty"`
	Content     string     `json:"content" yaml:"content"`
	ContentType string     `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	InjectMode  InjectMode `json:"inject_mode,omitempty" yaml:"inject_mode,omitempty"`
	AlsoInject  []string   `json:"also_inject,omitempty" yaml:"also_inject,omitempty"`
	InjectWhen  []string   `json:"inject_when,omitempty" yaml:"inject_when,omitempty"`
	Keywords    []string   `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	RiskTiers   []string   `json:"risk_tiers,omitempty" yaml:"risk_tiers,omitempty"`
}

// EffectiveContentType returns ContentType, defaulting to text/markdown.
func (b *ContextBlock) EffectiveContentType() string {
	if b.ContentType == "" {
		return "text/markdown"
	}
	return b.ContentType
}

// EffectiveInjectMode returns InjectMode, defaulting to on_match.
func (b *ContextBlock) EffectiveInjectMode() InjectMode {
	if b.InjectMode == "" {
		return InjectOnMatch
	}
	return b.InjectMode
}

// Policy is a single governance rule: what it applies to, how it
// behaves, and any type-specific parameters.
type Policy struct {
	PolicyID   string          `json:"policy_id" yaml:"policy_id"`
	PolicyType PolicyType      `json:"type" yaml:"type"`
	Actions    []string        `json:"actions" yaml:"actions"`
	Reason     string          `json:"reason,omitempty" yaml:"reason,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// RateLimitParameters is the shape of Policy.Parameters for a
// PolicyRateLimit policy.
type RateLimitParameters struct {
	MaxCalls      int `json:"max_calls"`
	WindowSeconds int `json:"window_seconds"`
}

// RateLimitParameters decodes this policy's Parameters as rate-limit
// settings. Returns an error if PolicyType is not rate_limit or the
// parameters don't decode.
func (p *Policy) RateLimitParameters() (RateLimitParameters, error) {
	var params RateLimitParameters
	if p.PolicyType != PolicyRateLimit {
		return params, fmt.Errorf("policy %q is not a rate_limit policy", p.PolicyID)
	}
	if len(p.Parameters) == 0 {
		return params, fmt.Errorf("rate_limit policy %q is missing parameters", p.PolicyID)
	}
	if err := json.Unmarshal(p.Parameters, &params); err != nil {
		return params, fmt.Errorf("rate_limit policy %q: %w", p.PolicyID, err)
	}
	return params, nil
}

// DenyPolicy builds a Deny policy.
func DenyPolicy(policyID string, actions []string, reason string) Policy {
	return Policy{PolicyID: policyID, PolicyType: PolicyDeny, Actions: actions, Reason: reason}
}

// AllowPolicy builds an Allow policy.
func AllowPolicy(policyID string, actions []string) Policy {
	return Policy{PolicyID: policyID, PolicyType: PolicyAllow, Actions: actions}
}

// RequiresApprovalPolicy builds a RequiresApproval policy.
func RequiresApprovalPolicy(policyID string, actions []string) Policy {
	return Policy{
		PolicyID:   policyID,
		PolicyType: PolicyRequiresApproval,
		Actions:    actions,
		Reason:     "requires human approval",
	}
}

// RateLimitPolicy builds a RateLimit policy with the given parameters.
func RateLimitPolicy(policyID string, actions []string, maxCalls, windowSeconds int) Policy {
	params, _ := json.Marshal(RateLimitParameters{MaxCalls: maxCalls, WindowSeconds: windowSeconds})
	return Policy{PolicyID: policyID, PolicyType: PolicyRateLimit, Actions: actions, Parameters: params}
}

// Action is a single callable operation exposed by this atlas.
type Action struct {
	ActionID        string          `json:"action_id" yaml:"action_id"`
	Name            string          `json:"name" yaml:"name"`
	Description     string          `json:"description" yaml:"description"`
	ParametersSchema json.RawMessage `json:"parameters_schema" yaml:"parameters_schema"`
	ReturnsSchema   json.RawMessage `json:"returns_schema,omitempty" yaml:"returns_schema,omitempty"`
	RiskTier        RiskTier        `json:"risk_tier,omitempty" yaml:"risk_tier,omitempty"`
	Idempotent      bool            `json:"idempotent,omitempty" yaml:"idempotent,omitempty"`
	Executor        string          `json:"executor,omitempty" yaml:"executor,omitempty"`
}

// EffectiveRiskTier returns RiskTier, defaulting to low.
func (a *Action) EffectiveRiskTier() RiskTier {
	if a.RiskTier == "" {
		return RiskLow
	}
	return a.RiskTier
}

// Sources records where an atlas's code, docs, and demos live.
// Serialized for completeness; otherwise inert to the core.
type Sources struct {
	Repositories  []string `json:"repositories,omitempty" yaml:"repositories,omitempty"`
	Documentation string   `json:"documentation,omitempty" yaml:"documentation,omitempty"`
	Demo          string   `json:"demo,omitempty" yaml:"demo,omitempty"`
}

// GetAction looks up an action by id.
func (m *Manifest) GetAction(actionID string) (*Action, bool) {
	for i := range m.Actions {
		if m.Actions[i].ActionID == actionID {
			return &m.Actions[i], true
		}
	}
	return nil, false
}

// GetPolicy looks up a policy by id.
func (m *Manifest) GetPolicy(policyID string) (*Policy, bool) {
	for i := range m.Policies {
		if m.Policies[i].PolicyID == policyID {
			return &m.Policies[i], true
		}
	}
	return nil, false
}

// GetCapability looks up a capability by id.
func (m *Manifest) GetCapability(capabilityID string) (*Capability, bool) {
	for i := range m.Capabilities {
		if m.Capabilities[i].CapabilityID == capabilityID {
			return &m.Capabilities[i], true
		}
	}
	return nil, false
}

// GetCapabilityActions resolves a capability's action ids to their
// Action definitions, skipping any that don't exist.
func (m *Manifest) GetCapabilityActions(capabilityID string) []Action {
	cap, ok := m.GetCapability(capabilityID)
	if !ok {
		return nil
	}
	var out []Action
	for _, actionID := range cap.Actions {
		if a, ok := m.GetAction(actionID); ok {
			out = append(out, *a)
		}
	}
	return out
}

// PatternMatches is the manifest's own glob helper; nothing in this
// module calls it. It is looser than the policy
// evaluator's pattern_matches (internal/policy): it additionally
// supports a single interior wildcard ("a*b"), which the evaluator
// deliberately treats as non-matching. The two are intentionally
// distinct implementations inherited from the manifest's own matching
// needs versus the policy evaluator's stricter contract.
func PatternMatches(pattern, actionID string) bool {
	if pattern == actionID {
		return true
	}
	switch {
	case len(pattern) > 0 && pattern[0] == '*':
		return len(actionID) >= len(pattern)-1 && actionID[len(actionID)-(len(pattern)-1):] == pattern[1:]
	case len(pattern) > 0 && pattern[len(pattern)-1] == '*':
		prefix := pattern[:len(pattern)-1]
		return len(actionID) >= len(prefix) && actionID[:len(prefix)] == prefix
	}
	// Interior wildcard: split into exactly two parts.
	for i, c := range pattern {
		if c != '*' {
			continue
		}
		prefix, suffix := pattern[:i], pattern[i+1:]
		if len(actionID) >= len(prefix)+len(suffix) &&
			actionID[:len(prefix)] == prefix &&
			actionID[len(actionID)-len(suffix):] == suffix {
			return true
		}
		return false
	}
	return false
}

// Validate checks the manifest against the Atlas/1.0 invariants: version
// match, required string fields, unique action/policy ids, and
// capability-action references resolving to real actions.
func (m *Manifest) Validate() []string {
	var errs []string

	if m.AtlasVersion != ManifestVersion {
		errs = append(errs, fmt.Sprintf("unsupported atlas version: expected %s, got %s", ManifestVersion, m.AtlasVersion))
	}
	if m.AtlasID == "" {
		errs = append(errs, "atlas_id cannot be empty")
	}
	if m.Version == "" {
		errs = append(errs, "version cannot be empty")
	}
	if m.Name == "" {
		errs = append(errs, "name cannot be empty")
	}

	if dup := duplicateStrings(actionIDs(m.Actions)); dup != "" {
		errs = append(errs, fmt.Sprintf("duplicate action_id: %s", dup))
	}
	if dup := duplicateStrings(policyIDs(m.Policies)); dup != "" {
		errs = append(errs, fmt.Sprintf("duplicate policy_id: %s", dup))
	}

	for _, cap := range m.Capabilities {
		for _, actionID := range cap.Actions {
			if _, ok := m.GetAction(actionID); !ok {
				errs = append(errs, fmt.Sprintf("capability %s references unknown action: %s", cap.CapabilityID, actionID))
			}
		}
	}

	return errs
}

func actionIDs(actions []Action) []string {
	ids := make([]string, len(actions))
	for i, a := range actions {
		ids[i] = a.ActionID
	}
	return ids
}

func policyIDs(policies []Policy) []string {
	ids := make([]string, len(policies))
	for i, p := range policies {
		ids[i] = p.PolicyID
	}
	return ids
}

// duplicateStrings sorts ids and returns the first duplicate found, or
// the empty string if all are unique.
func duplicateStrings(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] && sorted[i] != "" {
			return sorted[i]
		}
	}
	return ""
}
