package replay

import (
	"bytes"

	"craruntime/internal/hashchain"
)

// EventSummary identifies one event by position for diff reporting.
type EventSummary struct {
	Index     int
	EventType hashchain.EventType
	EventHash string
}

// FieldDifference records one field that diverges between two events
// that share a common-prefix index but disagree on content.
type FieldDifference struct {
	Index      int
	EventType  hashchain.EventType
	Field      string
	FirstValue string
	SecondValue string
}

// DiffSummary is the headline numbers of a Diff result.
type DiffSummary struct {
	FirstCount         int
	SecondCount        int
	CommonPrefixLength int
	DivergencePoint    int // -1 if the streams never diverge within their common length
}

// Diff is the result of comparing two TRACE event streams.
type Diff struct {
	Identical   bool
	OnlyInFirst  []EventSummary
	OnlyInSecond []EventSummary
	Differences  []FieldDifference
	Summary      DiffSummary
}

// Diff compares two event streams and reports where they diverge: the
// common prefix length, any events unique to one side beyond the
// shorter stream's length, and any payload differences at indices
// within that shared length whose event hashes disagree.
func (e *Engine) Diff(first, second []hashchain.Event) *Diff {
	divergence := findDivergence(first, second)

	minLen := len(first)
	if len(second) < minLen {
		minLen = len(second)
	}

	// onlyInFirst/onlyInSecond cover only the tail events that have no
	// counterpart at all in the other stream; an index within minLen
	// whose hash disagrees is a field difference, not a missing event.
	var onlyInFirst, onlyInSecond []EventSummary
	for i := minLen; i < len(first); i++ {
		onlyInFirst = append(onlyInFirst, summarize(i, first[i]))
	}
	for i := minLen; i < len(second); i++ {
		onlyInSecond = append(onlyInSecond, summarize(i, second[i]))
	}

	var differences []FieldDifference
	for i := 0; i < minLen; i++ {
		if first[i].EventHash == second[i].EventHash {
			continue
		}
		if !bytes.Equal(first[i].Payload, second[i].Payload) {
			differences = append(differences, FieldDifference{
				Index:       i,
				EventType:   first[i].EventType,
				Field:       "payload",
				FirstValue:  string(first[i].Payload),
				SecondValue: string(second[i].Payload),
			})
		}
	}

	commonPrefixLength := minLen
	if divergence >= 0 {
		commonPrefixLength = divergence
	}

	return &Diff{
		Identical:    divergence < 0 && len(onlyInFirst) == 0 && len(onlyInSecond) == 0 && len(differences) == 0,
		OnlyInFirst:  onlyInFirst,
		OnlyInSecond: onlyInSecond,
		Differences:  differences,
		Summary: DiffSummary{
			FirstCount:         len(first),
			SecondCount:        len(second),
			CommonPrefixLength: commonPrefixLength,
			DivergencePoint:    divergence,
		},
	}
}

func summarize(index int, ev hashchain.Event) EventSummary {
	return EventSummary{Index: index, EventType: ev.EventType, EventHash: ev.EventHash}
}

// findDivergence returns the index of the first event whose hash
// disagrees between first and second, or -1 if one is a prefix of the
// other (or they're identical) within their shared length.
func findDivergence(first, second []hashchain.Event) int {
	minLen := len(first)
	if len(second) < minLen {
		minLen = len(second)
	}
	for i := 0; i < minLen; i++ {
		if first[i].EventHash != second[i].EventHash {
			return i
		}
	}
	return -1
}
