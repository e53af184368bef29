// Package replay reconstructs resolver state from a TRACE event stream
// and diffs two streams to find where they diverge, per §4.G.
package replay

import (
	"encoding/json"

	"craruntime/internal/governerr"
	"craruntime/internal/hashchain"
)

// SessionState is the session record reconstructed from session.started
// and session.ended events.
type SessionState struct {
	SessionID string
	AgentID   string
	Goal      string
	EndedAt   string
	EndReason string
}

// ResolutionState is one carp.resolution.completed event's payload,
// reconstructed in replay order.
type ResolutionState struct {
	ResolutionID string
	DecisionType string
	AllowedCount int
	DeniedCount  int
}

// ActionState tracks one action.requested through its terminal event.
type ActionState struct {
	ActionID    string
	Status      string // requested, executed, denied, failed
	DurationMs  int64
}

// PolicyEvaluationState is one policy.evaluated event's payload.
type PolicyEvaluationState struct {
	ActionID string
	Result   string
}

// State is everything an event stream reconstructs: at most one
// session, and the resolutions/actions/policy evaluations recorded
// against it, in event order.
type State struct {
	Session            *SessionState
	Resolutions        []ResolutionState
	Actions            []ActionState
	PolicyEvaluations  []PolicyEvaluationState
}

// Failure records one event the replay could not process.
type Failure struct {
	EventIndex  int
	EventType   hashchain.EventType
	Error       string
	Recoverable bool
}

// Stats summarizes a replay run.
type Stats struct {
	TotalEvents      int
	EventsByType     map[hashchain.EventType]int
	SuccessfulActions int
	FailedActions     int
	DeniedActions     int
}

// Result is the outcome of replaying an event stream.
type Result struct {
	Success        bool
	EventsReplayed int
	Failures       []Failure
	FinalState     State
	Stats          Stats
}

// Engine replays TRACE event streams into reconstructed state. It
// holds no session-specific data itself; all state lives in the
// Result returned by Replay.
type Engine struct{}

// NewEngine creates a replay engine.
func NewEngine() *Engine { return &Engine{} }

// Replay verifies events' hash chain, then walks them in order
// reconstructing session/resolution/action/policy state. A chain
// integrity failure aborts immediately with TRACE_CHAIN_INTEGRITY_ERROR;
// an error processing any single event is recorded as a Failure and
// replay continues with the next event.
func (e *Engine) Replay(events []hashchain.Event) (*Result, error) {
	if status := hashchain.VerifyChainStatus(events); !status.Valid {
		return nil, governerr.TraceChainIntegrityError(status.Error)
	}

	var state State
	stats := Stats{EventsByType: make(map[hashchain.EventType]int)}
	var failures []Failure

	for i, ev := range events {
		stats.TotalEvents++
		stats.EventsByType[ev.EventType]++

		if err := e.processEvent(ev, &state); err != nil {
			failures = append(failures, Failure{
				EventIndex:  i,
				EventType:   ev.EventType,
				Error:       err.Error(),
				Recoverable: true,
			})
		}
	}

	for _, a := range state.Actions {
		switch a.Status {
		case "executed":
			stats.SuccessfulActions++
		case "denied":
			stats.DeniedActions++
		case "failed":
			stats.FailedActions++
		}
	}

	return &Result{
		Success:        len(failures) == 0,
		EventsReplayed: len(events),
		Failures:       failures,
		FinalState:     state,
		Stats:          stats,
	}, nil
}

// processEvent folds one event's payload into state. Unrecognized
// event types are no-ops, matching every TRACE event type the core
// can legitimately emit but that replay doesn't reconstruct dedicated
// state for (context.*, error.occurred, policy.violated).
func (e *Engine) processEvent(ev hashchain.Event, state *State) error {
	switch ev.EventType {
	case hashchain.EventSessionStarted:
		var payload struct {
			AgentID string `json:"agent_id"`
			Goal    string `json:"goal"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return err
		}
		state.Session = &SessionState{SessionID: ev.SessionID, AgentID: payload.AgentID, Goal: payload.Goal}

	case hashchain.EventSessionEnded:
		var payload struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return err
		}
		if state.Session != nil {
			state.Session.EndedAt = ev.Timestamp.Format("2006-01-02T15:04:05.000000Z07:00")
			state.Session.EndReason = payload.Reason
		}

	case hashchain.EventCARPResolutionCompleted:
		var payload struct {
			ResolutionID string `json:"resolution_id"`
			DecisionType string `json:"decision_type"`
			AllowedCount int    `json:"allowed_count"`
			DeniedCount  int    `json:"denied_count"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return err
		}
		state.Resolutions = append(state.Resolutions, ResolutionState{
			ResolutionID: payload.ResolutionID,
			DecisionType: payload.DecisionType,
			AllowedCount: payload.AllowedCount,
			DeniedCount:  payload.DeniedCount,
		})

	case hashchain.EventActionRequested:
		var payload struct {
			ActionID string `json:"action_id"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return err
		}
		state.Actions = append(state.Actions, ActionState{ActionID: payload.ActionID, Status: "requested"})

	case hashchain.EventActionExecuted:
		var payload struct {
			ActionID   string `json:"action_id"`
			DurationMs int64  `json:"duration_ms"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return err
		}
		if a := findLastAction(state.Actions, payload.ActionID); a != nil {
			a.Status = "executed"
			a.DurationMs = payload.DurationMs
		}

	case hashchain.EventActionDenied:
		var payload struct {
			ActionID string `json:"action_id"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return err
		}
		if a := findLastAction(state.Actions, payload.ActionID); a != nil {
			a.Status = "denied"
		}

	case hashchain.EventActionFailed:
		var payload struct {
			ActionID string `json:"action_id"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return err
		}
		if a := findLastAction(state.Actions, payload.ActionID); a != nil {
			a.Status = "failed"
		}

	case hashchain.EventPolicyEvaluated:
		var payload struct {
			ActionID string `json:"action_id"`
			Result   string `json:"result"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return err
		}
		state.PolicyEvaluations = append(state.PolicyEvaluations, PolicyEvaluationState{ActionID: payload.ActionID, Result: payload.Result})
	}

	return nil
}

// findLastAction finds the most recently appended ActionState for
// actionID, mirroring a reverse scan so re-requested actions update
// their latest attempt rather than their first.
func findLastAction(actions []ActionState, actionID string) *ActionState {
	for i := len(actions) - 1; i >= 0; i-- {
		if actions[i].ActionID == actionID {
			return &actions[i]
		}
	}
	return nil
}
