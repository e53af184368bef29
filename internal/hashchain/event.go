// Package hashchain implements the tamper-evident hash-chain primitives
// that back every TRACE event: canonical JSON serialization, SHA-256
// event hashing, and chain linking. These are pure functions; a hash
// mismatch is detected at verification time, never at computation time.
package hashchain

import (
	"encoding/json"
	"time"
)

// TraceVersion is the schema version stamped on every event.
const TraceVersion = "1.0"

// GenesisHash is the fixed previous_event_hash of every session's first
// event: 64 ASCII zeroes.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// DeferredHash is the placeholder event_hash written by the collector's
// deferred mode until Flush recomputes it.
const DeferredHash = "deferred"

// EventType identifies the kind of a TRACE event. The set is fixed per
// the external interface contract; Generic-payload events use one of
// these tags with an arbitrary JSON payload.
type EventType string

const (
	EventSessionStarted           EventType = "session.started"
	EventSessionEnded             EventType = "session.ended"
	EventCARPRequestReceived      EventType = "carp.request.received"
	EventCARPResolutionCompleted  EventType = "carp.resolution.completed"
	EventCARPResolutionCached     EventType = "carp.resolution.cached"
	EventActionRequested          EventType = "action.requested"
	EventActionApproved           EventType = "action.approved"
	EventActionDenied             EventType = "action.denied"
	EventActionExecuted           EventType = "action.executed"
	EventActionFailed             EventType = "action.failed"
	EventPolicyEvaluated          EventType = "policy.evaluated"
	EventPolicyViolated           EventType = "policy.violated"
	EventContextInjected          EventType = "context.injected"
	EventContextRedacted          EventType = "context.redacted"
	EventContextStale             EventType = "context.stale"
	EventErrorOccurred            EventType = "error.occurred"
)

// Event is a single TRACE event: the unit the hash chain is built over.
// Fields are listed in the exact order compute_hash concatenates them.
type Event struct {
	TraceVersion      string          `json:"trace_version"`
	EventID           string          `json:"event_id"`
	TraceID           string          `json:"trace_id"`
	SpanID            string          `json:"span_id"`
	ParentSpanID      string          `json:"parent_span_id,omitempty"`
	SessionID         string          `json:"session_id"`
	Sequence          int             `json:"sequence"`
	Timestamp         time.Time       `json:"timestamp"`
	EventType         EventType       `json:"event_type"`
	Payload           json.RawMessage `json:"payload"`
	PreviousEventHash string          `json:"previous_event_hash"`
	EventHash         string          `json:"event_hash"`
}

// rfc3339 formats a timestamp with microsecond precision, matching the
// original implementation's to_rfc3339() output.
func (e *Event) rfc3339() string {
	return e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}
