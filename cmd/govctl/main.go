// Package main implements govctl, a thin CLI over an in-process
// resolver.Resolver for operators exercising atlases, sessions, and
// resolutions without standing up governd.
//
// Commands:
//
//	govctl load-atlas <manifest.json>
//	govctl create-session --agent AGENT_ID --goal "..." [--atlas manifest.json ...]
//	govctl resolve --session SESSION_ID --agent AGENT_ID --goal "..."
//	govctl execute --session SESSION_ID --resolution RES_ID --action ACTION_ID [--params '{}']
//	govctl end-session <session_id>
//	govctl trace <session_id>
//	govctl verify <session_id>
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"craruntime/internal/atlas"
	"craruntime/internal/resolver"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(3)
	}

	res := resolver.New()
	command := args[0]
	rest := args[1:]

	switch command {
	case "load-atlas":
		os.Exit(runLoadAtlas(res, rest))
	case "create-session":
		os.Exit(runCreateSession(res, rest))
	case "resolve":
		os.Exit(runResolve(res, rest))
	case "execute":
		os.Exit(runExecute(res, rest))
	case "end-session":
		os.Exit(runEndSession(res, rest))
	case "trace":
		os.Exit(runTrace(res, rest))
	case "verify":
		os.Exit(runVerify(res, rest))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(3)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: govctl <command> [arguments]

Commands:
  load-atlas <manifest.json>                                       Load and print an atlas manifest
  create-session --agent ID --goal "..." [--atlas manifest.json]   Create a session (optionally preloading an atlas)
  resolve --session ID --agent ID --goal "..."                     Run a CARP resolution
  execute --session ID --resolution ID --action ID [--params '{}'] Execute an allowed action
  end-session <session_id>                                         End a session
  trace <session_id>                                               Print a session's TRACE events
  verify <session_id>                                               Verify a session's hash chain

Note: each invocation starts a fresh in-process resolver, so
create-session/resolve/execute only compose within a single command
that loads its own atlas first; use governd for a persistent instance.`)
}

func runLoadAtlas(res *resolver.Resolver, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: govctl load-atlas <manifest.json>")
		return 3
	}
	manifest, err := atlas.LoadManifestFile(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 3
	}
	if err := res.LoadAtlas(manifest); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Printf("loaded atlas %s (%d actions, %d policies, %d context blocks)\n",
		manifest.AtlasID, len(manifest.Actions), len(manifest.Policies), len(manifest.ContextBlocks))
	return 0
}

func runCreateSession(res *resolver.Resolver, args []string) int {
	fs := flag.NewFlagSet("create-session", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent id")
	goal := fs.String("goal", "", "session goal")
	atlasPath := fs.String("atlas", "", "atlas manifest to preload")
	if err := fs.Parse(args); err != nil {
		return 3
	}
	if *agentID == "" || *goal == "" {
		fmt.Fprintln(os.Stderr, "usage: govctl create-session --agent ID --goal \"...\" [--atlas manifest.json]")
		return 3
	}

	if *atlasPath != "" {
		manifest, err := atlas.LoadManifestFile(*atlasPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 3
		}
		if err := res.LoadAtlas(manifest); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
	}

	sessionID, err := res.CreateSession(*agentID, *goal)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Println(sessionID)
	return 0
}

func runResolve(res *resolver.Resolver, args []string) int {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	sessionID := fs.String("session", "", "session id")
	agentID := fs.String("agent", "", "agent id")
	goal := fs.String("goal", "", "resolution goal")
	if err := fs.Parse(args); err != nil {
		return 3
	}
	if *sessionID == "" || *agentID == "" || *goal == "" {
		fmt.Fprintln(os.Stderr, "usage: govctl resolve --session ID --agent ID --goal \"...\"")
		return 3
	}

	resolution, err := res.Resolve(resolver.CARPRequest{SessionID: *sessionID, AgentID: *agentID, Goal: *goal})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	out, _ := json.MarshalIndent(resolution, "", "  ")
	fmt.Println(string(out))
	if resolution.Decision == resolver.DecisionDeny {
		return 1
	}
	return 0
}

func runExecute(res *resolver.Resolver, args []string) int {
	fs := flag.NewFlagSet("execute", flag.ContinueOnError)
	sessionID := fs.String("session", "", "session id")
	resolutionID := fs.String("resolution", "", "resolution id")
	actionID := fs.String("action", "", "action id")
	params := fs.String("params", "{}", "action parameters as JSON")
	if err := fs.Parse(args); err != nil {
		return 3
	}
	if *sessionID == "" || *actionID == "" {
		fmt.Fprintln(os.Stderr, "usage: govctl execute --session ID --resolution ID --action ID [--params '{}']")
		return 3
	}

	result, err := res.Execute(*sessionID, *resolutionID, *actionID, json.RawMessage(*params))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Println(string(result))
	return 0
}

func runEndSession(res *resolver.Resolver, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: govctl end-session <session_id>")
		return 3
	}
	if err := res.EndSession(args[0]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func runTrace(res *resolver.Resolver, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: govctl trace <session_id>")
		return 3
	}
	events, err := res.GetTrace(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	out, _ := json.MarshalIndent(events, "", "  ")
	fmt.Println(string(out))
	return 0
}

func runVerify(res *resolver.Resolver, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: govctl verify <session_id>")
		return 3
	}
	status, err := res.VerifyChain(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	out, _ := json.MarshalIndent(status, "", "  ")
	fmt.Println(string(out))
	if !status.Valid {
		return 1
	}
	return 0
}
