package trace

import (
	"encoding/json"
	"testing"

	"craruntime/internal/governerr"
	"craruntime/internal/hashchain"
)

func TestEmitImmediateChains(t *testing.T) {
	c := NewCollector()
	ev1, err := c.Emit("sess-1", hashchain.EventSessionStarted, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if ev1.PreviousEventHash != hashchain.GenesisHash {
		t.Errorf("first event previous_event_hash = %q, want genesis", ev1.PreviousEventHash)
	}
	if ev1.EventHash == "" || ev1.EventHash == hashchain.DeferredHash {
		t.Errorf("immediate mode should compute a real hash inline, got %q", ev1.EventHash)
	}

	ev2, err := c.Emit("sess-1", hashchain.EventActionRequested, json.RawMessage(`{"action":"x"}`))
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if ev2.PreviousEventHash != ev1.EventHash {
		t.Errorf("second event previous_event_hash = %q, want %q", ev2.PreviousEventHash, ev1.EventHash)
	}
	if ev2.Sequence != 1 {
		t.Errorf("second event sequence = %d, want 1", ev2.Sequence)
	}

	verification, err := c.VerifyChain("sess-1")
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !verification.Valid {
		t.Errorf("chain should be valid, broke at %d: %s", verification.BrokenAt, verification.Reason)
	}
}

func TestEmitDeferredPlaceholderThenFlush(t *testing.T) {
	c := NewCollector(WithDeferredTracing(16))
	ev, err := c.Emit("sess-1", hashchain.EventSessionStarted, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if ev.EventHash != hashchain.DeferredHash {
		t.Errorf("deferred mode should stamp the placeholder hash, got %q", ev.EventHash)
	}
	if c.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want 1", c.PendingCount())
	}
	if c.IsFlushed() {
		t.Error("collector should not report flushed while events are pending")
	}

	c.Flush()

	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() after flush = %d, want 0", c.PendingCount())
	}
	if !c.IsFlushed() {
		t.Error("collector should report flushed after Flush")
	}

	events, err := c.GetEvents("sess-1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if events[0].EventHash == hashchain.DeferredHash {
		t.Error("flush should have replaced the placeholder hash")
	}

	verification, err := c.VerifyChain("sess-1")
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !verification.Valid {
		t.Errorf("post-flush chain should be valid, broke at %d: %s", verification.BrokenAt, verification.Reason)
	}
}

func TestDeferredEmitFullBufferFails(t *testing.T) {
	c := NewCollector(WithDeferredTracing(1))
	if _, err := c.Emit("sess-1", hashchain.EventSessionStarted, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("first emit should succeed: %v", err)
	}
	if _, err := c.Emit("sess-1", hashchain.EventActionRequested, json.RawMessage(`{}`)); err == nil {
		t.Fatal("emit into a full deferred buffer should fail")
	}
}

// TestModeEquivalence is the "Mode equivalence" testable property: the
// same ordered sequence of (session, type, payload) tuples, emitted into
// an immediate collector and a deferred collector (after Flush), must
// produce chains that agree on everything except event_id, span_id, and
// timestamp, and both must verify.
func TestModeEquivalence(t *testing.T) {
	type step struct {
		eventType hashchain.EventType
		payload   string
	}
	steps := []step{
		{hashchain.EventSessionStarted, `{}`},
		{hashchain.EventCARPRequestReceived, `{"goal":"do a thing"}`},
		{hashchain.EventActionExecuted, `{"action":"read_file","duration_ms":12}`},
		{hashchain.EventSessionEnded, `{}`},
	}

	immediate := NewCollector()
	deferred := NewCollector(WithDeferredTracing(16))

	for _, s := range steps {
		if _, err := immediate.Emit("sess-1", s.eventType, json.RawMessage(s.payload)); err != nil {
			t.Fatalf("immediate Emit: %v", err)
		}
		if _, err := deferred.Emit("sess-1", s.eventType, json.RawMessage(s.payload)); err != nil {
			t.Fatalf("deferred Emit: %v", err)
		}
	}
	deferred.Flush()

	immEvents, err := immediate.GetEvents("sess-1")
	if err != nil {
		t.Fatalf("GetEvents(immediate): %v", err)
	}
	defEvents, err := deferred.GetEvents("sess-1")
	if err != nil {
		t.Fatalf("GetEvents(deferred): %v", err)
	}

	if len(immEvents) != len(defEvents) {
		t.Fatalf("event counts differ: immediate=%d deferred=%d", len(immEvents), len(defEvents))
	}
	for i := range immEvents {
		if immEvents[i].Sequence != defEvents[i].Sequence {
			t.Errorf("event %d: sequence differs: %d vs %d", i, immEvents[i].Sequence, defEvents[i].Sequence)
		}
		if immEvents[i].EventType != defEvents[i].EventType {
			t.Errorf("event %d: event_type differs: %s vs %s", i, immEvents[i].EventType, defEvents[i].EventType)
		}
		if string(immEvents[i].Payload) != string(defEvents[i].Payload) {
			t.Errorf("event %d: payload differs: %s vs %s", i, immEvents[i].Payload, defEvents[i].Payload)
		}
	}

	immVerify, err := immediate.VerifyChain("sess-1")
	if err != nil || !immVerify.Valid {
		t.Errorf("immediate chain should verify: %v %+v", err, immVerify)
	}
	defVerify, err := deferred.VerifyChain("sess-1")
	if err != nil || !defVerify.Valid {
		t.Errorf("deferred chain should verify: %v %+v", err, defVerify)
	}
}

func TestGetEventsSessionNotFound(t *testing.T) {
	c := NewCollector()
	_, err := c.GetEvents("missing")
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
	gerr, ok := err.(*governerr.Error)
	if !ok || gerr.Code != "SESSION_NOT_FOUND" {
		t.Errorf("error = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestGetEventsByType(t *testing.T) {
	c := NewCollector()
	c.Emit("sess-1", hashchain.EventSessionStarted, json.RawMessage(`{}`))
	c.Emit("sess-1", hashchain.EventActionRequested, json.RawMessage(`{}`))
	c.Emit("sess-1", hashchain.EventActionExecuted, json.RawMessage(`{}`))

	events, err := c.GetEventsByType("sess-1", hashchain.EventActionRequested)
	if err != nil {
		t.Fatalf("GetEventsByType: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}

func TestExportImportJSONL(t *testing.T) {
	c := NewCollector()
	c.Emit("sess-1", hashchain.EventSessionStarted, json.RawMessage(`{}`))
	c.Emit("sess-1", hashchain.EventActionExecuted, json.RawMessage(`{"x":1}`))

	jsonl, err := c.ExportJSONL("sess-1")
	if err != nil {
		t.Fatalf("ExportJSONL: %v", err)
	}

	c2 := NewCollector()
	count, err := c2.ImportJSONL("sess-2", jsonl)
	if err != nil {
		t.Fatalf("ImportJSONL: %v", err)
	}
	if count != 2 {
		t.Errorf("imported %d events, want 2", count)
	}

	events, err := c2.GetEvents("sess-2")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
}

func TestSessionBookkeeping(t *testing.T) {
	c := NewCollector()
	if c.HasSession("sess-1") {
		t.Error("should not have session before first emit")
	}
	c.Emit("sess-1", hashchain.EventSessionStarted, json.RawMessage(`{}`))
	if !c.HasSession("sess-1") {
		t.Error("should have session after emit")
	}
	if c.TraceID("sess-1") == "" {
		t.Error("trace id should be assigned after first emit")
	}
	ids := c.SessionIDs()
	if len(ids) != 1 || ids[0] != "sess-1" {
		t.Errorf("SessionIDs() = %v, want [sess-1]", ids)
	}

	c.ClearSession("sess-1")
	if c.HasSession("sess-1") {
		t.Error("session should be gone after ClearSession")
	}
}

func TestOnEmitCallbackErrorsAreSwallowed(t *testing.T) {
	calls := 0
	c := NewCollector(WithOnEmit(func(event *hashchain.Event) error {
		calls++
		return governerr.InternalError("storage down")
	}))

	if _, err := c.Emit("sess-1", hashchain.EventSessionStarted, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("emit should not fail even when the callback errors: %v", err)
	}
	if calls != 1 {
		t.Errorf("callback called %d times, want 1", calls)
	}
}
