package trace

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"craruntime/internal/hashchain"
)

func sampleEvent(sessionID string, seq int) *hashchain.Event {
	e := &hashchain.Event{
		TraceVersion: hashchain.TraceVersion,
		EventID:      "evt-1",
		TraceID:      "trace-1",
		SpanID:       "span-1",
		SessionID:    sessionID,
		Sequence:     seq,
		EventType:    hashchain.EventSessionStarted,
		Payload:      json.RawMessage(`{}`),
	}
	hashchain.ChainEvent(e, seq, hashchain.GenesisHash)
	return e
}

func TestInMemoryStoragePersistAndQuery(t *testing.T) {
	store := NewInMemoryStorage()
	if err := store.Persist(sampleEvent("sess-1", 0)); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	events, err := store.Events("sess-1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}

func TestInMemoryStorageUnknownSession(t *testing.T) {
	store := NewInMemoryStorage()
	if _, err := store.Events("nope"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestFileStoragePersistAndQuery(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStorage(filepath.Join(dir, "trace.jsonl"))
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	defer store.Close()

	if err := store.Persist(sampleEvent("sess-1", 0)); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := store.Persist(sampleEvent("sess-1", 1)); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := store.Persist(sampleEvent("sess-2", 0)); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	events, err := store.Events("sess-1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events for sess-1, want 2", len(events))
	}
}

func TestCollectorWiredToStorage(t *testing.T) {
	store := NewInMemoryStorage()
	c := NewCollector(WithOnEmit(store.Persist))

	c.Emit("sess-1", hashchain.EventSessionStarted, json.RawMessage(`{}`))
	c.Emit("sess-1", hashchain.EventActionExecuted, json.RawMessage(`{}`))

	persisted, err := store.Events("sess-1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(persisted) != 2 {
		t.Fatalf("got %d persisted events, want 2", len(persisted))
	}
}
