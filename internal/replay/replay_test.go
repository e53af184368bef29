package replay

import (
	"encoding/json"
	"testing"

	"craruntime/internal/hashchain"
	"craruntime/internal/trace"
)

func buildTestTrace(t *testing.T) []hashchain.Event {
	t.Helper()
	c := trace.NewCollector()

	mustEmit := func(eventType hashchain.EventType, payload map[string]any) {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		if _, err := c.Emit("session-1", eventType, data); err != nil {
			t.Fatalf("Emit(%s): %v", eventType, err)
		}
	}

	mustEmit(hashchain.EventSessionStarted, map[string]any{"agent_id": "agent-1", "goal": "read a file"})
	mustEmit(hashchain.EventPolicyEvaluated, map[string]any{"action_id": "file.read", "result": "allow"})
	mustEmit(hashchain.EventCARPResolutionCompleted, map[string]any{
		"resolution_id": "res-1", "decision_type": "allow", "allowed_count": 1, "denied_count": 0,
	})
	mustEmit(hashchain.EventActionRequested, map[string]any{"action_id": "file.read"})
	mustEmit(hashchain.EventActionExecuted, map[string]any{"action_id": "file.read", "duration_ms": 5})
	mustEmit(hashchain.EventSessionEnded, map[string]any{"reason": "completed"})

	events, err := c.GetEvents("session-1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	return events
}

func TestReplayReconstructsState(t *testing.T) {
	events := buildTestTrace(t)

	result, err := NewEngine().Replay(events)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("Replay() Success = false, failures = %+v", result.Failures)
	}
	if result.EventsReplayed != len(events) {
		t.Errorf("EventsReplayed = %d, want %d", result.EventsReplayed, len(events))
	}

	state := result.FinalState
	if state.Session == nil || state.Session.AgentID != "agent-1" || state.Session.Goal != "read a file" {
		t.Errorf("Session = %+v, want agent-1/read a file", state.Session)
	}
	if state.Session.EndReason != "completed" {
		t.Errorf("Session.EndReason = %q, want completed", state.Session.EndReason)
	}
	if len(state.Resolutions) != 1 || state.Resolutions[0].ResolutionID != "res-1" {
		t.Errorf("Resolutions = %+v, want one res-1", state.Resolutions)
	}
	if len(state.Actions) != 1 || state.Actions[0].Status != "executed" || state.Actions[0].DurationMs != 5 {
		t.Errorf("Actions = %+v, want one executed file.read with duration 5", state.Actions)
	}
	if len(state.PolicyEvaluations) != 1 || state.PolicyEvaluations[0].Result != "allow" {
		t.Errorf("PolicyEvaluations = %+v, want one allow", state.PolicyEvaluations)
	}

	if result.Stats.TotalEvents != len(events) {
		t.Errorf("Stats.TotalEvents = %d, want %d", result.Stats.TotalEvents, len(events))
	}
	if result.Stats.SuccessfulActions != 1 {
		t.Errorf("Stats.SuccessfulActions = %d, want 1", result.Stats.SuccessfulActions)
	}
}

func TestReplayRejectsTamperedChain(t *testing.T) {
	events := buildTestTrace(t)
	events[2].Payload = json.RawMessage(`{"resolution_id":"tampered","decision_type":"deny","allowed_count":0,"denied_count":1}`)

	_, err := NewEngine().Replay(events)
	if err == nil {
		t.Fatal("Replay() on tampered chain: want error, got nil")
	}
}

func TestDiffIdentical(t *testing.T) {
	events := buildTestTrace(t)
	diff := NewEngine().Diff(events, events)
	if !diff.Identical {
		t.Errorf("Diff() Identical = false, want true; diff = %+v", diff)
	}
	if diff.Summary.DivergencePoint != -1 {
		t.Errorf("DivergencePoint = %d, want -1", diff.Summary.DivergencePoint)
	}
	if diff.Summary.CommonPrefixLength != len(events) {
		t.Errorf("CommonPrefixLength = %d, want %d", diff.Summary.CommonPrefixLength, len(events))
	}
}

// TestDiffDivergesAtFirstDifference builds second as a literal copy of
// first's shared prefix (same event_id/span_id/timestamp, since those
// feed the hash) and only re-chains a differing event from index 2
// onward, so the two streams diverge at exactly the intended point
// instead of at index 0 due to independently-randomized event ids.
func TestDiffDivergesAtFirstDifference(t *testing.T) {
	first := buildTestTrace(t)

	second := make([]hashchain.Event, 2, 3)
	copy(second, first[:2])

	diverging := first[2]
	diverging.Payload = json.RawMessage(`{"resolution_id":"res-2","decision_type":"deny","allowed_count":0,"denied_count":1}`)
	if _, err := hashchain.ChainEvent(&diverging, diverging.Sequence, second[1].EventHash); err != nil {
		t.Fatalf("ChainEvent: %v", err)
	}
	second = append(second, diverging)

	diff := NewEngine().Diff(first, second)
	if diff.Identical {
		t.Fatal("Diff() Identical = true, want false")
	}
	if diff.Summary.DivergencePoint != 2 {
		t.Errorf("DivergencePoint = %d, want 2", diff.Summary.DivergencePoint)
	}
	if len(diff.Differences) != 1 || diff.Differences[0].Index != 2 {
		t.Errorf("Differences = %+v, want one at index 2", diff.Differences)
	}
	// second ends at index 2 (3 events total), so everything first has
	// beyond that is only-in-first; second has no tail beyond its own
	// length, so only-in-second is empty.
	if len(diff.OnlyInFirst) != len(first)-len(second) {
		t.Errorf("OnlyInFirst = %+v, want %d entries", diff.OnlyInFirst, len(first)-len(second))
	}
	if len(diff.OnlyInSecond) != 0 {
		t.Errorf("OnlyInSecond = %+v, want none", diff.OnlyInSecond)
	}
}
