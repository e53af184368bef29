package hashchain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestGenesisHash(t *testing.T) {
	if len(GenesisHash) != 64 {
		t.Fatalf("GenesisHash length = %d, want 64", len(GenesisHash))
	}
	for _, c := range GenesisHash {
		if c != '0' {
			t.Fatalf("GenesisHash contains non-zero rune %q", c)
		}
	}
}

func newTestEvent(seq int, payload string) *Event {
	return &Event{
		TraceVersion: TraceVersion,
		EventID:      "evt-1",
		TraceID:      "trace-1",
		SpanID:       "span-1",
		SessionID:    "sess-1",
		Sequence:     seq,
		Timestamp:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EventType:    EventSessionStarted,
		Payload:      json.RawMessage(payload),
	}
}

func TestCanonicalJSON(t *testing.T) {
	got, err := CanonicalJSON(json.RawMessage(`{"b":2,"a":1,"c":{"y":2,"x":1}}`))
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"a":1,"b":2,"c":{"x":1,"y":2}}`
	if got != want {
		t.Errorf("CanonicalJSON = %q, want %q", got, want)
	}
}

func TestCanonicalJSON_ArrayOrderPreserved(t *testing.T) {
	got, err := CanonicalJSON(json.RawMessage(`{"list":[3,1,2]}`))
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"list":[3,1,2]}`
	if got != want {
		t.Errorf("CanonicalJSON = %q, want %q", got, want)
	}
}

func TestCanonicalJSON_EmptyPayload(t *testing.T) {
	got, err := CanonicalJSON(nil)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	if got != "null" {
		t.Errorf("CanonicalJSON(nil) = %q, want null", got)
	}
}

func TestComputeEventHash_Deterministic(t *testing.T) {
	e1 := newTestEvent(1, `{"a":1,"b":2}`)
	e2 := newTestEvent(1, `{"b":2,"a":1}`)

	h1, err := ComputeEventHash(e1)
	if err != nil {
		t.Fatalf("ComputeEventHash: %v", err)
	}
	h2, err := ComputeEventHash(e2)
	if err != nil {
		t.Fatalf("ComputeEventHash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hashes differ for semantically identical payloads with different key order: %q vs %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 (hex-encoded sha256)", len(h1))
	}
}

func TestComputeEventHash_SensitiveToFields(t *testing.T) {
	base := newTestEvent(1, `{"a":1}`)
	baseHash, err := ComputeEventHash(base)
	if err != nil {
		t.Fatalf("ComputeEventHash: %v", err)
	}

	changed := newTestEvent(2, `{"a":1}`)
	changedHash, err := ComputeEventHash(changed)
	if err != nil {
		t.Fatalf("ComputeEventHash: %v", err)
	}
	if baseHash == changedHash {
		t.Error("hash did not change when sequence changed")
	}
}

func TestVerifyEventHash(t *testing.T) {
	e, err := ChainEvent(newTestEvent(0, `{}`), 0, GenesisHash)
	if err != nil {
		t.Fatalf("ChainEvent: %v", err)
	}
	if !VerifyEventHash(e) {
		t.Error("freshly chained event should verify")
	}
	e.EventHash = "tampered"
	if VerifyEventHash(e) {
		t.Error("tampered event should not verify")
	}
}

func TestVerifyEventHash_EmptyHash(t *testing.T) {
	e := newTestEvent(0, `{}`)
	e.EventHash = ""
	if !VerifyEventHash(e) {
		t.Error("legacy event with empty hash should verify")
	}
}

func buildChain(t *testing.T, n int) []Event {
	t.Helper()
	events := make([]Event, n)
	prev := GenesisHash
	for i := 0; i < n; i++ {
		e := newTestEvent(i, `{"i":`+string(rune('0'+i))+`}`)
		if _, err := ChainEvent(e, i, prev); err != nil {
			t.Fatalf("ChainEvent: %v", err)
		}
		events[i] = *e
		prev = e.EventHash
	}
	return events
}

func TestVerifyChain(t *testing.T) {
	events := buildChain(t, 5)
	if idx, err := VerifyChain(events); err != nil {
		t.Errorf("VerifyChain failed at index %d: %v", idx, err)
	}
}

func TestVerifyChain_Empty(t *testing.T) {
	if idx, err := VerifyChain(nil); err != nil {
		t.Errorf("VerifyChain(nil) failed at index %d: %v", idx, err)
	}
}

func TestVerifyChain_Broken(t *testing.T) {
	events := buildChain(t, 5)
	events[3].Payload = json.RawMessage(`{"tampered":true}`)

	idx, err := VerifyChain(events)
	if err == nil {
		t.Fatal("expected broken chain to fail verification")
	}
	if idx != 3 {
		t.Errorf("broken index = %d, want 3", idx)
	}
}

func TestVerifyChain_InvalidPreviousHash(t *testing.T) {
	events := buildChain(t, 3)
	events[1].PreviousEventHash = "not-the-right-hash"

	idx, err := VerifyChain(events)
	if err == nil {
		t.Fatal("expected chain with wrong previous_event_hash to fail")
	}
	if idx != 1 {
		t.Errorf("broken index = %d, want 1", idx)
	}
}

func TestVerifyChainStatus(t *testing.T) {
	events := buildChain(t, 4)
	status := VerifyChainStatus(events)
	if !status.Valid {
		t.Errorf("expected valid chain, got error: %s", status.Error)
	}
	if status.TotalEvents != 4 {
		t.Errorf("TotalEvents = %d, want 4", status.TotalEvents)
	}
	if status.HashedEvents != 4 {
		t.Errorf("HashedEvents = %d, want 4", status.HashedEvents)
	}
	if status.LegacyEvents != 0 {
		t.Errorf("LegacyEvents = %d, want 0", status.LegacyEvents)
	}
	if status.LastHash != events[3].EventHash {
		t.Errorf("LastHash = %q, want %q", status.LastHash, events[3].EventHash)
	}
}

func TestVerifyChainStatus_MixedLegacy(t *testing.T) {
	events := buildChain(t, 3)
	events[1].EventHash = ""

	status := VerifyChainStatus(events)
	if status.LegacyEvents != 1 {
		t.Errorf("LegacyEvents = %d, want 1", status.LegacyEvents)
	}
	if status.HashedEvents != 2 {
		t.Errorf("HashedEvents = %d, want 2", status.HashedEvents)
	}
}

func TestVerifyChainStatus_Broken(t *testing.T) {
	events := buildChain(t, 3)
	events[2].EventHash = "deadbeef"

	status := VerifyChainStatus(events)
	if status.Valid {
		t.Error("expected invalid chain")
	}
	if status.BrokenAt != 2 {
		t.Errorf("BrokenAt = %d, want 2", status.BrokenAt)
	}
}
