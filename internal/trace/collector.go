package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"craruntime/internal/governerr"
	"craruntime/internal/hashchain"
)

// sessionState is the collector's per-session chain bookkeeping: the
// trace id assigned on first emit, the next sequence number, the hash of
// the most recently chained event, and the events recorded so far.
type sessionState struct {
	traceID  string
	sequence int
	lastHash string
	events   []hashchain.Event
}

// OnEmitFunc is invoked once per emitted event, after it has been
// chained (or queued, in deferred mode) and appended to the session's
// event list. Errors are logged and swallowed — the chain must never
// stall on storage I/O, mirroring internal/audit.Store.Record's
// notifyListeners discipline.
type OnEmitFunc func(event *hashchain.Event) error

// Collector is the TRACE event collector: it owns per-session hash
// chains and, in deferred mode, a ring buffer of unhashed events awaiting
// Flush.
type Collector struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState

	deferred bool
	ring     *RingBuffer

	onEmit OnEmitFunc
	logger *slog.Logger
}

// Option configures a Collector at construction.
type Option func(*Collector)

// WithDeferredTracing switches the collector into deferred mode: emit
// appends a placeholder-hashed event and queues a RawEvent on a ring
// buffer of the given capacity; Flush later recomputes real hashes.
func WithDeferredTracing(bufferCapacity int) Option {
	return func(c *Collector) {
		c.deferred = true
		c.ring = NewRingBuffer(bufferCapacity)
	}
}

// WithOnEmit registers a callback invoked after every successful emit,
// typically wrapping a storage adapter's persist call.
func WithOnEmit(fn OnEmitFunc) Option {
	return func(c *Collector) { c.onEmit = fn }
}

// WithLogger overrides the collector's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) { c.logger = logger }
}

// NewCollector creates a collector in immediate mode unless
// WithDeferredTracing is supplied.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		sessions: make(map[string]*sessionState),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsDeferred reports whether this collector is in deferred mode.
func (c *Collector) IsDeferred() bool { return c.deferred }

func (c *Collector) session(sessionID string) *sessionState {
	s, ok := c.sessions[sessionID]
	if !ok {
		s = &sessionState{lastHash: hashchain.GenesisHash}
		c.sessions[sessionID] = s
	}
	return s
}

// Emit records an event for sessionID with no parent span.
func (c *Collector) Emit(sessionID string, eventType hashchain.EventType, payload json.RawMessage) (*hashchain.Event, error) {
	return c.emit(sessionID, "", eventType, payload)
}

// EmitWithParent records an event stamped with parentSpanID, indicating
// causality from a prior span within the same trace.
func (c *Collector) EmitWithParent(sessionID, parentSpanID string, eventType hashchain.EventType, payload json.RawMessage) (*hashchain.Event, error) {
	return c.emit(sessionID, parentSpanID, eventType, payload)
}

func (c *Collector) emit(sessionID, parentSpanID string, eventType hashchain.EventType, payload json.RawMessage) (*hashchain.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.session(sessionID)
	if state.traceID == "" {
		state.traceID = "tr_" + uuid.New().String()
	}

	now := time.Now().UTC()
	ev := &hashchain.Event{
		TraceVersion: hashchain.TraceVersion,
		EventID:      "evt_" + uuid.New().String(),
		TraceID:      state.traceID,
		SpanID:       "span_" + uuid.New().String(),
		ParentSpanID: parentSpanID,
		SessionID:    sessionID,
		Sequence:     state.sequence,
		Timestamp:    now,
		EventType:    eventType,
		Payload:      payload,
	}

	if c.deferred {
		ev.PreviousEventHash = state.lastHash
		ev.EventHash = hashchain.DeferredHash
		if !c.ring.Push(RawEvent{
			SessionID:    sessionID,
			TraceID:      state.traceID,
			SpanID:       ev.SpanID,
			ParentSpanID: parentSpanID,
			EventType:    string(eventType),
			Payload:      payload,
			CapturedAt:   now.UnixNano(),
		}) {
			return nil, governerr.InternalError("buffer full")
		}
		state.sequence++
	} else {
		if _, err := hashchain.ChainEvent(ev, state.sequence, state.lastHash); err != nil {
			return nil, governerr.InternalError(fmt.Sprintf("chain event: %v", err))
		}
		state.sequence++
		state.lastHash = ev.EventHash
	}

	state.events = append(state.events, *ev)

	if c.onEmit != nil {
		if err := c.onEmit(ev); err != nil {
			c.logger.Warn("trace collector: on-emit callback failed",
				"session_id", sessionID, "event_id", ev.EventID, "error", err)
		}
	}

	return ev, nil
}

// Flush is a no-op in immediate mode. In deferred mode it drains the
// ring buffer (the contents are discarded — the per-session event list
// is the source of truth) and recomputes real hashes for every event
// whose event_hash is still the deferred placeholder, in order, for
// every session.
func (c *Collector) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.deferred {
		return
	}
	c.ring.DrainAll()

	for _, state := range c.sessions {
		lastHash := hashchain.GenesisHash
		for i := range state.events {
			ev := &state.events[i]
			if ev.EventHash != hashchain.DeferredHash {
				lastHash = ev.EventHash
				continue
			}
			ev.PreviousEventHash = lastHash
			hash, err := hashchain.ComputeEventHash(ev)
			if err != nil {
				c.logger.Error("trace collector: flush hash computation failed",
					"session_id", ev.SessionID, "event_id", ev.EventID, "error", err)
				continue
			}
			ev.EventHash = hash
			lastHash = hash
		}
		if len(state.events) > 0 {
			state.lastHash = state.events[len(state.events)-1].EventHash
		}
	}
}

// PendingCount returns the number of raw events still sitting in the
// deferred-mode ring buffer.
func (c *Collector) PendingCount() int {
	if !c.deferred {
		return 0
	}
	return c.ring.Len()
}

// IsFlushed reports whether the ring buffer is currently empty. It does
// not guarantee every session's events have been rehashed if Push races
// with Flush, but under the single-drainer contract it reflects
// steady-state truth.
func (c *Collector) IsFlushed() bool {
	if !c.deferred {
		return true
	}
	return c.ring.IsEmpty()
}

// GetEvents returns a copy of every event recorded for sessionID.
func (c *Collector) GetEvents(sessionID string) ([]hashchain.Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.sessions[sessionID]
	if !ok {
		return nil, governerr.SessionNotFound(sessionID)
	}
	out := make([]hashchain.Event, len(state.events))
	copy(out, state.events)
	return out, nil
}

// GetEventsByType returns the subset of sessionID's events matching
// eventType, in chain order.
func (c *Collector) GetEventsByType(sessionID string, eventType hashchain.EventType) ([]hashchain.Event, error) {
	events, err := c.GetEvents(sessionID)
	if err != nil {
		return nil, err
	}
	var out []hashchain.Event
	for _, ev := range events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ChainVerification is the result of verifying one session's chain.
type ChainVerification struct {
	Valid    bool
	BrokenAt int
	Reason   string
}

// VerifyChain validates sessionID's event chain: sequences are
// contiguous from zero, the first event's previous_event_hash is the
// genesis hash, each subsequent previous_event_hash matches its
// predecessor's event_hash, and every event's own hash recomputes.
func (c *Collector) VerifyChain(sessionID string) (ChainVerification, error) {
	events, err := c.GetEvents(sessionID)
	if err != nil {
		return ChainVerification{}, err
	}
	for i, ev := range events {
		if ev.Sequence != i {
			return ChainVerification{BrokenAt: i, Reason: "sequence out of order"}, nil
		}
	}
	brokenAt, verr := hashchain.VerifyChain(events)
	if verr != nil {
		return ChainVerification{BrokenAt: brokenAt, Reason: verr.Error()}, nil
	}
	return ChainVerification{Valid: true, BrokenAt: -1}, nil
}

// ExportJSONL serializes sessionID's events as newline-delimited JSON,
// one event per line, in chain order.
func (c *Collector) ExportJSONL(sessionID string) (string, error) {
	events, err := c.GetEvents(sessionID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return "", governerr.JSONError(err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// ImportJSONL appends events decoded from jsonl to sessionID's event
// list, without recomputing or reverifying hashes. The last imported
// event's hash becomes the session's new last_hash.
func (c *Collector) ImportJSONL(sessionID, jsonl string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.session(sessionID)
	scanner := bufio.NewScanner(strings.NewReader(jsonl))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	count := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev hashchain.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return count, governerr.JSONError(err)
		}
		state.events = append(state.events, ev)
		if state.traceID == "" {
			state.traceID = ev.TraceID
		}
		state.sequence = ev.Sequence + 1
		state.lastHash = ev.EventHash
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, governerr.IoError(err.Error())
	}
	return count, nil
}

// ClearSession discards a session's chain state entirely.
func (c *Collector) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// HasSession reports whether sessionID has any recorded chain state.
func (c *Collector) HasSession(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sessions[sessionID]
	return ok
}

// SessionIDs returns every session id currently tracked by the
// collector, in no particular order.
func (c *Collector) SessionIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// TraceID returns the trace id assigned to sessionID on its first emit,
// or the empty string if the session has never emitted an event.
func (c *Collector) TraceID(sessionID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.sessions[sessionID]
	if !ok {
		return ""
	}
	return state.traceID
}
