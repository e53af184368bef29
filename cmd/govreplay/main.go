// Package main implements govreplay — a CLI for replaying and diffing
// exported TRACE event streams (JSONL, the shape trace.Collector's
// ExportJSONL produces).
//
// Modes:
//
//	replay a single trace, reporting reconstructed state and any
//	integrity failures:
//	  govreplay --trace session.jsonl
//
//	diff two traces, reporting the first point of divergence:
//	  govreplay --trace session.jsonl --against other-session.jsonl
//
// Exit codes:
//
//	0  success (replay clean, or diff reports identical streams)
//	1  replay completed with failures, or diff found divergence
//	2  chain integrity error
//	3  usage/IO error
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"craruntime/internal/hashchain"
	"craruntime/internal/replay"
)

func main() {
	tracePath := flag.String("trace", "", "path to a JSONL trace export")
	againstPath := flag.String("against", "", "path to a second JSONL trace export; enables diff mode")
	asJSON := flag.Bool("json", false, "output raw JSON instead of human-readable text")
	flag.Parse()

	if *tracePath == "" {
		fmt.Fprintln(os.Stderr, "usage: govreplay --trace FILE [--against FILE2] [--json]")
		os.Exit(3)
	}

	events, err := loadTrace(*tracePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(3)
	}

	engine := replay.NewEngine()

	if *againstPath != "" {
		other, err := loadTrace(*againstPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(3)
		}
		os.Exit(runDiff(engine, events, other, *asJSON))
	}

	os.Exit(runReplay(engine, events, *asJSON))
}

func loadTrace(path string) ([]hashchain.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}

	var events []hashchain.Event
	decoder := json.NewDecoder(bytes.NewReader(data))
	for decoder.More() {
		var ev hashchain.Event
		if err := decoder.Decode(&ev); err != nil {
			return nil, fmt.Errorf("parse %q: %w", path, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func runReplay(engine *replay.Engine, events []hashchain.Event, asJSON bool) int {
	result, err := engine.Replay(events)
	if err != nil {
		fmt.Fprintln(os.Stderr, "chain integrity error:", err)
		return 2
	}

	if asJSON {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
		if !result.Success {
			return 1
		}
		return 0
	}

	fmt.Printf("replayed %d events (%d failures)\n", result.EventsReplayed, len(result.Failures))
	if state := result.FinalState.Session; state != nil {
		fmt.Printf("session: agent=%s goal=%q ended=%v reason=%q\n", state.AgentID, state.Goal, state.EndedAt != "", state.EndReason)
	}
	fmt.Printf("resolutions: %d  actions: %d (ok=%d denied=%d failed=%d)\n",
		len(result.FinalState.Resolutions), len(result.FinalState.Actions),
		result.Stats.SuccessfulActions, result.Stats.DeniedActions, result.Stats.FailedActions)

	for _, f := range result.Failures {
		fmt.Printf("  failure at event %d (%s): %s\n", f.EventIndex, f.EventType, f.Error)
	}

	if !result.Success {
		return 1
	}
	return 0
}

func runDiff(engine *replay.Engine, first, second []hashchain.Event, asJSON bool) int {
	diff := engine.Diff(first, second)

	if asJSON {
		out, _ := json.MarshalIndent(diff, "", "  ")
		fmt.Println(string(out))
		if !diff.Identical {
			return 1
		}
		return 0
	}

	if diff.Identical {
		fmt.Println("traces are identical")
		return 0
	}

	fmt.Printf("traces diverge: common_prefix=%d first=%d second=%d\n",
		diff.Summary.CommonPrefixLength, diff.Summary.FirstCount, diff.Summary.SecondCount)
	if diff.Summary.DivergencePoint >= 0 {
		fmt.Printf("divergence at event %d\n", diff.Summary.DivergencePoint)
	}
	for _, d := range diff.Differences {
		fmt.Printf("  event %d (%s) field %s differs\n", d.Index, d.EventType, d.Field)
	}
	for _, s := range diff.OnlyInFirst {
		fmt.Printf("  only in first: event %d (%s)\n", s.Index, s.EventType)
	}
	for _, s := range diff.OnlyInSecond {
		fmt.Printf("  only in second: event %d (%s)\n", s.Index, s.EventType)
	}
	return 1
}
