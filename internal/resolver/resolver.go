// Package resolver implements the §4.F composition root: the Resolver
// ties the policy evaluator, context registry/matcher, and TRACE
// collector together behind CreateSession/Resolve/Execute/EndSession.
package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"craruntime/internal/atlas"
	"craruntime/internal/context"
	"craruntime/internal/governerr"
	"craruntime/internal/hashchain"
	"craruntime/internal/identity"
	"craruntime/internal/policy"
	"craruntime/internal/trace"
)

// DefaultTTLSeconds is the resolution TTL used when no override is
// configured (§6 constants).
const DefaultTTLSeconds = 300

// Resolver is the composition root: it exclusively owns its atlases,
// sessions, policy evaluator, context registry/matcher, and trace
// collector. Per §5, a Resolver is single-threaded within a logical
// instance; Mutex serializes the operations below the way audit.Store
// guards its own state.
type Resolver struct {
	mu sync.Mutex

	atlases  map[string]*atlas.Manifest
	sessions map[string]*Session

	policyEvaluator *policy.Evaluator
	contextRegistry *context.Registry
	contextMatcher  *context.Matcher
	traceCollector  *trace.Collector

	identityResolver *identity.Resolver

	defaultTTL int
}

// Option configures a Resolver at construction.
type Option func(*Resolver)

// WithDefaultTTL overrides the resolution TTL (seconds) a CARPResolution
// carries when none is specified per-call.
func WithDefaultTTL(seconds int) Option {
	return func(r *Resolver) { r.defaultTTL = seconds }
}

// WithDeferredTracing switches the resolver's trace collector into
// deferred mode (§4.B/§4.C): emit is near-free, but FlushTraces must be
// called before GetTrace or VerifyChain to materialize real hashes.
func WithDeferredTracing(bufferCapacity int) Option {
	return func(r *Resolver) {
		r.traceCollector = trace.NewCollector(trace.WithDeferredTracing(bufferCapacity))
	}
}

// WithTraceOnEmit registers a callback invoked after every TRACE event
// is chained, typically wrapping a storage adapter.
func WithTraceOnEmit(fn trace.OnEmitFunc) Option {
	return func(r *Resolver) {
		// Re-create the collector preserving deferred mode if one was
		// already configured by an earlier option.
		deferred := r.traceCollector.IsDeferred()
		opts := []trace.Option{trace.WithOnEmit(fn)}
		if deferred {
			opts = append(opts, trace.WithDeferredTracing(4096))
		}
		r.traceCollector = trace.NewCollector(opts...)
	}
}

// New creates a Resolver with an empty atlas/session set, immediate
// tracing, and the default resolution TTL.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		atlases:          make(map[string]*atlas.Manifest),
		sessions:         make(map[string]*Session),
		policyEvaluator:  policy.NewEvaluator(),
		contextRegistry:  context.NewRegistry(),
		contextMatcher:   context.NewMatcher(),
		traceCollector:   trace.NewCollector(),
		identityResolver: identity.NewResolver(),
		defaultTTL:       DefaultTTLSeconds,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsDeferred reports whether the resolver's trace collector is in
// deferred mode.
func (r *Resolver) IsDeferred() bool { return r.traceCollector.IsDeferred() }

// PendingTraceCount returns the number of unprocessed deferred-mode
// trace events.
func (r *Resolver) PendingTraceCount() int { return r.traceCollector.PendingCount() }

// FlushTraces materializes real hashes for any deferred-mode events
// still queued. A no-op in immediate mode.
func (r *Resolver) FlushTraces() { r.traceCollector.Flush() }

// IsTracesFlushed reports whether every queued deferred-mode event has
// been processed.
func (r *Resolver) IsTracesFlushed() bool { return r.traceCollector.IsFlushed() }

// LoadAtlas registers manifest with the resolver: its policies are
// appended to the policy evaluator and its inline context blocks are
// indexed into the context registry. Fails with ATLAS_ALREADY_LOADED if
// an atlas with the same id is already present.
func (r *Resolver) LoadAtlas(manifest *atlas.Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.atlases[manifest.AtlasID]; exists {
		return governerr.AtlasAlreadyLoaded(manifest.AtlasID)
	}

	r.policyEvaluator.AddPolicies(manifest.AtlasID, manifest.Policies)

	for _, block := range manifest.ContextBlocks {
		conditions := context.ConditionsFromBlock(block.InjectWhen, block.Keywords, block.RiskTiers, string(block.EffectiveInjectMode()))
		r.contextRegistry.AddContext(context.LoadedContext{
			PackID:      block.ContextID,
			Source:      context.AtlasSource(manifest.AtlasID),
			Content:     block.Content,
			ContentType: block.EffectiveContentType(),
			Priority:    block.Priority,
			Keywords:    block.Keywords,
			Conditions:  conditions,
		})
	}

	r.atlases[manifest.AtlasID] = manifest
	return nil
}

// UnloadAtlas removes atlasID's manifest and rebuilds the policy
// evaluator from the remaining loaded atlases. §9 Open Question 1:
// the original leaves stale policies behind after unload; this
// implementation takes the spec's recommended fix and rebuilds.
func (r *Resolver) UnloadAtlas(atlasID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.atlases[atlasID]; !exists {
		return governerr.AtlasNotFound(atlasID)
	}

	delete(r.atlases, atlasID)
	r.policyEvaluator.RemoveAtlas(atlasID)
	return nil
}

// GetAtlas looks up a loaded manifest by id.
func (r *Resolver) GetAtlas(atlasID string) (*atlas.Manifest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.atlases[atlasID]
	return m, ok
}

// ListAtlases returns every loaded atlas id, in no particular order.
func (r *Resolver) ListAtlases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.atlases))
	for id := range r.atlases {
		ids = append(ids, id)
	}
	return ids
}

// SessionOption configures a session at CreateSession time.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	agentCardURL string
}

// WithAgentCardURL resolves and attaches an A2A agent card to the
// session, supplementing the bare agent_id with a fetched identity
// summary in the session.started payload.
func WithAgentCardURL(url string) SessionOption {
	return func(c *sessionConfig) { c.agentCardURL = url }
}

// CreateSession creates a new active session for agentID pursuing
// goal, emitting session.started, and returns its id.
func (r *Resolver) CreateSession(agentID, goal string, opts ...SessionOption) (string, error) {
	return r.CreateSessionWithID(uuid.New().String(), agentID, goal, opts...)
}

// CreateSessionWithID is CreateSession with a caller-supplied session
// id, for callers that need deterministic ids to compare chains across
// resolver instances.
func (r *Resolver) CreateSessionWithID(sessionID, agentID, goal string, opts ...SessionOption) (string, error) {
	var cfg sessionConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	session := newSession(sessionID, agentID, goal)

	if cfg.agentCardURL != "" {
		card := r.identityResolver.Resolve(agentID, cfg.agentCardURL)
		session.Identity = identity.SummaryOf(card)
	}

	atlasIDs := make([]string, 0, len(r.atlases))
	for id := range r.atlases {
		atlasIDs = append(atlasIDs, id)
	}

	payload := map[string]any{
		"agent_id":  agentID,
		"goal":      goal,
		"atlas_ids": atlasIDs,
	}
	if session.Identity != nil {
		payload["agent_identity"] = session.Identity
	}

	if _, err := r.emit(sessionID, hashchain.EventSessionStarted, payload); err != nil {
		return "", err
	}

	r.sessions[sessionID] = session
	return sessionID, nil
}

// EndSession marks sessionID inactive and emits session.ended. Fails
// with SESSION_NOT_FOUND or SESSION_ALREADY_ENDED.
func (r *Resolver) EndSession(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return governerr.SessionNotFound(sessionID)
	}
	if !session.Active {
		return governerr.SessionAlreadyEnded(sessionID)
	}

	session.end()

	_, err := r.emit(sessionID, hashchain.EventSessionEnded, map[string]any{
		"reason":           "completed",
		"duration_ms":      session.DurationMs(),
		"resolution_count": session.ResolutionCount,
		"action_count":     session.ActionCount,
	})
	return err
}

// GetSession looks up a session by id.
func (r *Resolver) GetSession(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Resolve evaluates a CARPRequest into a CARPResolution, per §4.F's
// seven-step sequence: validate, check session, generate trace id,
// evaluate every action against policy, query+match context, compute
// the overall decision, and emit the resolution.
func (r *Resolver) Resolve(request CARPRequest) (*CARPResolution, error) {
	if reason := request.Validate(); reason != "" {
		return nil, governerr.InvalidCARPRequest(reason)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[request.SessionID]
	if !ok {
		return nil, governerr.SessionNotFound(request.SessionID)
	}
	if !session.Active {
		return nil, governerr.SessionAlreadyEnded(request.SessionID)
	}

	traceID := uuid.New().String()

	if _, err := r.emit(request.SessionID, hashchain.EventCARPRequestReceived, map[string]any{
		"request_id": traceID,
		"operation":  "resolve",
		"goal":       request.Goal,
		"agent_id":   request.AgentID,
	}); err != nil {
		return nil, err
	}

	var allowed []AllowedAction
	var denied []DeniedAction
	var constraints []Constraint

	for _, manifest := range r.atlases {
		for _, action := range manifest.Actions {
			result := r.policyEvaluator.Evaluate(action.ActionID)

			if _, err := r.emit(request.SessionID, hashchain.EventPolicyEvaluated, map[string]any{
				"action_id": action.ActionID,
				"result":    string(result.Decision),
			}); err != nil {
				return nil, err
			}

			switch result.Decision {
			case policy.DecisionDeny:
				denied = append(denied, DeniedAction{ActionID: action.ActionID, PolicyID: result.PolicyID, Reason: result.Reason})
			case policy.DecisionRequiresApproval:
				denied = append(denied, DeniedAction{ActionID: action.ActionID, PolicyID: result.PolicyID, Reason: "requires human approval"})
			case policy.DecisionRateLimitExceeded:
				denied = append(denied, DeniedAction{
					ActionID: action.ActionID,
					PolicyID: result.PolicyID,
					Reason:   fmt.Sprintf("rate limit exceeded, retry after %d seconds", result.RetryAfterSeconds),
				})
			default: // Allow, AllowWithConstraints, NoMatch
				a := action
				allowed = append(allowed, AllowedAction{
					ActionID:         a.ActionID,
					Name:             a.Name,
					Description:      a.Description,
					ParametersSchema: a.ParametersSchema,
					RiskTier:         a.EffectiveRiskTier(),
				})
			}
		}
	}

	decision := computeDecision(allowed, denied, constraints)
	session.ResolutionCount++

	contextBlocks, err := r.injectContext(request, request.SessionID)
	if err != nil {
		return nil, err
	}

	resolution := &CARPResolution{
		TraceID:        traceID,
		SessionID:      request.SessionID,
		Decision:       decision,
		AllowedActions: allowed,
		DeniedActions:  denied,
		Constraints:    constraints,
		ContextBlocks:  contextBlocks,
		TTLSeconds:     r.defaultTTL,
	}
	resolution.CreatedAt = time.Now().UTC()

	if _, err := r.emit(request.SessionID, hashchain.EventCARPResolutionCompleted, map[string]any{
		"resolution_id": traceID,
		"decision_type": string(decision),
		"allowed_count": len(allowed),
		"denied_count":  len(denied),
		"context_count": len(contextBlocks),
		"ttl_seconds":   r.defaultTTL,
	}); err != nil {
		return nil, err
	}

	return resolution, nil
}

func computeDecision(allowed []AllowedAction, denied []DeniedAction, constraints []Constraint) Decision {
	switch {
	case len(denied) == 0 && len(allowed) > 0:
		return DecisionAllow
	case len(allowed) == 0:
		return DecisionDeny
	case len(constraints) > 0:
		return DecisionAllowWithConstraints
	default:
		return DecisionPartial
	}
}

// injectContext runs the registry query + matcher second pass and
// emits context.injected for every context block that matched.
func (r *Resolver) injectContext(request CARPRequest, sessionID string) ([]context.Block, error) {
	matches := r.contextRegistry.Query(request.Goal, "")

	var blocks []context.Block
	for _, ctx := range matches {
		result := r.contextMatcher.Evaluate(ctx.PackID, ctx.Conditions, request.Goal, request.RiskTier, request.ContextHints, ctx.Priority)
		if !result.Matched {
			continue
		}

		block := ctx.ToBlock()
		if _, err := r.emit(sessionID, hashchain.EventContextInjected, map[string]any{
			"context_id":     block.BlockID,
			"source_atlas":   block.SourceAtlas,
			"priority":       block.Priority,
			"content_type":   block.ContentType,
			"token_estimate": ctx.TokenEstimate(),
			"match_score":    result.Score,
		}); err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// Execute performs (a simulated execution of) actionID within
// sessionID, re-validating the session and re-evaluating policy. A
// Deny result raises ACTION_DENIED; any other policy outcome is
// recorded but does not block execution, mirroring the resolver's
// original behavior (§4.F).
func (r *Resolver) Execute(sessionID, resolutionID, actionID string, parameters json.RawMessage) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, governerr.SessionNotFound(sessionID)
	}
	if !session.Active {
		return nil, governerr.SessionAlreadyEnded(sessionID)
	}

	executionID := uuid.New().String()
	paramsHash, err := hashPayload(parameters)
	if err != nil {
		return nil, governerr.JSONError(err)
	}

	if _, err := r.emit(sessionID, hashchain.EventActionRequested, map[string]any{
		"action_id":       actionID,
		"resolution_id":   resolutionID,
		"execution_id":    executionID,
		"parameters_hash": paramsHash,
	}); err != nil {
		return nil, err
	}

	result := r.policyEvaluator.Evaluate(actionID)
	if result.Decision == policy.DecisionDeny {
		if _, err := r.emit(sessionID, hashchain.EventActionDenied, map[string]any{
			"action_id": actionID,
			"reason":    result.Reason,
			"policy_id": result.PolicyID,
		}); err != nil {
			return nil, err
		}
		return nil, governerr.ActionDenied(result.PolicyID, result.Reason)
	}

	action, found := r.findAction(actionID)
	if !found {
		return nil, governerr.ActionNotFound(actionID)
	}

	if _, err := r.emit(sessionID, hashchain.EventActionApproved, map[string]any{
		"action_id":     actionID,
		"resolution_id": resolutionID,
	}); err != nil {
		return nil, err
	}

	// Simulated execution: the core does not own real executors (§1, §4.F).
	resultPayload, _ := json.Marshal(map[string]any{
		"status":    "success",
		"action_id": actionID,
		"message":   fmt.Sprintf("action %s executed successfully", action.Name),
	})
	resultHash, err := hashPayload(resultPayload)
	if err != nil {
		return nil, governerr.JSONError(err)
	}

	session.ActionCount++

	if _, err := r.emit(sessionID, hashchain.EventActionExecuted, map[string]any{
		"action_id":    actionID,
		"execution_id": executionID,
		"duration_ms":  0,
		"result_hash":  resultHash,
	}); err != nil {
		return nil, err
	}

	return resultPayload, nil
}

func (r *Resolver) findAction(actionID string) (*atlas.Action, bool) {
	for _, manifest := range r.atlases {
		if a, ok := manifest.GetAction(actionID); ok {
			return a, true
		}
	}
	return nil, false
}

// GetTrace returns every TRACE event recorded for sessionID.
func (r *Resolver) GetTrace(sessionID string) ([]hashchain.Event, error) {
	return r.traceCollector.GetEvents(sessionID)
}

// VerifyChain validates sessionID's hash chain.
func (r *Resolver) VerifyChain(sessionID string) (trace.ChainVerification, error) {
	return r.traceCollector.VerifyChain(sessionID)
}

// emit marshals payload and records a TRACE event. Locking is the
// caller's responsibility (every public Resolver method already holds
// r.mu when it calls this).
func (r *Resolver) emit(sessionID string, eventType hashchain.EventType, payload map[string]any) (*hashchain.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, governerr.JSONError(err)
	}
	return r.traceCollector.Emit(sessionID, eventType, data)
}

func hashPayload(payload json.RawMessage) (string, error) {
	canonical, err := hashchain.CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}
