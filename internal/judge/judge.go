// Package judge implements the per-iteration Judge contract: evaluating one
// LLM turn of a node visit and returning ACCEPT, RETRY, CONTINUE or ESCALATE.
package judge

import (
	"context"

	"github.com/agentgraph/runtime/internal/graph"
)

// Verdict is one of the four outcomes a Judge may return for a turn.
type Verdict string

const (
	Accept   Verdict = "ACCEPT"
	Retry    Verdict = "RETRY"
	Continue Verdict = "CONTINUE"
	Escalate Verdict = "ESCALATE"
)

// Input is everything a Judge needs to evaluate one turn (spec.md §4.5).
type Input struct {
	Node                 *graph.NodeSpec
	AssistantText        string
	HadToolCalls         bool
	AccumulatedKeys      []string
	UserInteractionCount int
}

// Result is a Judge's verdict plus its rationale.
type Result struct {
	Verdict   Verdict
	Rationale string
}

// Judge evaluates one LLM turn of a node visit. ctx is honored only by
// judges that make their own blocking calls (e.g. LLMCritic); the rule-based
// Default ignores it.
type Judge interface {
	Evaluate(ctx context.Context, in Input) Result
}

// Default is the implicit rule-based judge applied when a node declares no
// custom judge. Rules run in order; the first that matches wins.
type Default struct{}

// Evaluate implements Judge using the four rules of spec.md §4.5.
func (Default) Evaluate(_ context.Context, in Input) Result {
	// Rule 1: tool calls mean more work is pending this turn.
	if in.HadToolCalls {
		return Result{Verdict: Continue, Rationale: "assistant issued tool calls; more work pending"}
	}

	set := make(map[string]bool, len(in.AccumulatedKeys))
	for _, k := range in.AccumulatedKeys {
		set[k] = true
	}
	var missing string
	for _, k := range in.Node.RequiredOutputKeys() {
		if !set[k] {
			missing = k
			break
		}
	}

	// Rule 2: client-facing nodes must present something to the user before
	// they're allowed to finish silently with only outputs written.
	if in.Node.ClientFacing && in.UserInteractionCount == 0 && in.AssistantText == "" {
		return Result{Verdict: Retry, Rationale: "must present to user first"}
	}

	// Rule 2b: a client-facing node that just presented text but still has
	// an unmet required output is asking the user for it — CONTINUE routes
	// the turn through the executor's CLIENT_INPUT_REQUESTED/await/resume
	// path (spec.md §8 scenario 2) instead of silently re-looping the LLM.
	if in.Node.ClientFacing && in.AssistantText != "" && missing != "" {
		return Result{Verdict: Continue, Rationale: "presented to user; awaiting input for " + missing}
	}

	// Rule 3: every required output (outputKeys minus nullableOutputKeys)
	// must be set before the node is allowed to accept.
	if missing != "" {
		return Result{Verdict: Retry, Rationale: "required output key " + missing + " is unset"}
	}

	// Rule 4: everything required is present and there's no pending work.
	return Result{Verdict: Accept, Rationale: "all required outputs set, no pending tool calls"}
}
