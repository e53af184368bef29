package hashchain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// CanonicalJSON serializes an arbitrary JSON value deterministically:
// object keys are sorted ASCII-ascending, arrays preserve order, and no
// insignificant whitespace is emitted. The same logical payload always
// produces the same byte string, on any platform.
func CanonicalJSON(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "null", nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fmt.Errorf("canonical_json: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, value); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func encodeCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	case float64:
		buf.WriteString(formatNumber(v))
	case []any:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical_json: unsupported type %T", value)
	}
	return nil
}

// formatNumber renders a float64 the way encoding/json would for a JSON
// number, collapsing integral values to their integer form.
func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// ComputeEventHash computes the SHA-256 hash of an event's fields,
// concatenated in the documented order, hex-encoded.
func ComputeEventHash(e *Event) (string, error) {
	payloadJSON, err := CanonicalJSON(e.Payload)
	if err != nil {
		return "", err
	}

	var b bytes.Buffer
	b.WriteString(e.TraceVersion)
	b.WriteString(e.EventID)
	b.WriteString(e.TraceID)
	b.WriteString(e.SpanID)
	b.WriteString(e.ParentSpanID)
	b.WriteString(e.SessionID)
	b.WriteString(strconv.Itoa(e.Sequence))
	b.WriteString(e.rfc3339())
	b.WriteString(string(e.EventType))
	b.WriteString(payloadJSON)
	b.WriteString(e.PreviousEventHash)

	sum := sha256.Sum256(b.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// ChainEvent stamps sequence and previous_event_hash on e and computes
// its event_hash, returning the same event for convenience.
func ChainEvent(e *Event, sequence int, previousHash string) (*Event, error) {
	e.Sequence = sequence
	e.PreviousEventHash = previousHash
	hash, err := ComputeEventHash(e)
	if err != nil {
		return nil, err
	}
	e.EventHash = hash
	return e, nil
}

// VerifyEventHash reports whether e's stored EventHash matches a fresh
// recomputation. An empty hash is treated as valid for legacy events
// that predate hash chaining.
func VerifyEventHash(e *Event) bool {
	if e.EventHash == "" {
		return true
	}
	computed, err := ComputeEventHash(e)
	if err != nil {
		return false
	}
	return computed == e.EventHash
}

// ChainStatus summarizes the result of verifying a session's event chain.
type ChainStatus struct {
	Valid        bool
	TotalEvents  int
	HashedEvents int
	LegacyEvents int
	FirstEventID string
	LastEventID  string
	LastHash     string
	BrokenAt     int
	Error        string
}

// VerifyChain walks events in order checking that each one's
// previous_event_hash matches its predecessor's event_hash (the first
// event's previous_event_hash must equal GenesisHash) and that each
// event's own hash verifies. An empty previous_event_hash or event_hash
// is accepted as a legacy event. It returns the index of the first
// broken event, or -1 if the chain is intact.
func VerifyChain(events []Event) (int, error) {
	var prevHash string
	for i := range events {
		ev := &events[i]
		if i == 0 {
			prevHash = GenesisHash
		}
		if ev.PreviousEventHash != "" && ev.PreviousEventHash != prevHash {
			return i, fmt.Errorf("chain broken at index %d: previous_event_hash mismatch", i)
		}
		if !VerifyEventHash(ev) {
			return i, fmt.Errorf("chain broken at index %d: event_hash mismatch", i)
		}
		if ev.EventHash != "" {
			prevHash = ev.EventHash
		} else {
			computed, err := ComputeEventHash(ev)
			if err != nil {
				return i, err
			}
			prevHash = computed
		}
	}
	return -1, nil
}

// VerifyChainStatus is the reporting counterpart to VerifyChain, used by
// operators who want a summary rather than a bare pass/fail.
func VerifyChainStatus(events []Event) ChainStatus {
	status := ChainStatus{TotalEvents: len(events), BrokenAt: -1}
	if len(events) == 0 {
		status.Valid = true
		return status
	}

	status.FirstEventID = events[0].EventID
	status.LastEventID = events[len(events)-1].EventID

	for i := range events {
		if events[i].EventHash == "" {
			status.LegacyEvents++
		} else {
			status.HashedEvents++
		}
	}

	brokenAt, err := VerifyChain(events)
	if err != nil {
		status.Valid = false
		status.BrokenAt = brokenAt
		status.Error = err.Error()
		return status
	}

	status.Valid = true
	last := events[len(events)-1]
	if last.EventHash != "" {
		status.LastHash = last.EventHash
	} else {
		status.LastHash, _ = ComputeEventHash(&last)
	}
	return status
}
