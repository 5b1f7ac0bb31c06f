package executor

import (
	"sort"

	"github.com/agentgraph/runtime/internal/graph"
)

// AdvanceOutcome is what Advance decided should happen after a node visit
// left the step loop with OutcomeAccepted or OutcomeEscalated.
type AdvanceOutcome string

const (
	AdvanceFanOut   AdvanceOutcome = "fan_out"   // Targets holds ≥1 forward nodes to visit
	AdvanceFeedback AdvanceOutcome = "feedback"  // Targets holds exactly one backward node to revisit
	AdvanceComplete AdvanceOutcome = "complete"  // fromNodeID is a terminal node; the stream is done
	AdvanceFailed   AdvanceOutcome = "failed"    // dead end: no edge matched and the node isn't terminal
	AdvanceEscalate AdvanceOutcome = "escalate"  // fan-out targets would collide on outputKeys, or maxNodeVisits exceeded
)

// AdvanceResult is the outcome of evaluating a node's outgoing edges.
type AdvanceResult struct {
	Outcome   AdvanceOutcome
	Targets   []string
	Rationale string
}

// sortedPartition splits a node's outgoing edges into forward (priority>=0)
// and feedback (priority<0) groups, each sorted by descending priority, the
// order in which their conditions are evaluated.
func sortedPartition(edges []*graph.EdgeSpec) (forward, feedback []*graph.EdgeSpec) {
	for _, e := range edges {
		if e.IsFeedback() {
			feedback = append(feedback, e)
		} else {
			forward = append(forward, e)
		}
	}
	byPriorityDesc := func(es []*graph.EdgeSpec) {
		sort.SliceStable(es, func(i, j int) bool { return es[i].Priority > es[j].Priority })
	}
	byPriorityDesc(forward)
	byPriorityDesc(feedback)
	return forward, feedback
}

// edgeMatches evaluates one edge's condition against the visit's outcome and
// the graph's shared memory.
func edgeMatches(e *graph.EdgeSpec, accepted bool, mem map[string]any) bool {
	switch e.Condition {
	case graph.OnSuccess:
		return accepted
	case graph.OnFailure:
		return !accepted
	case graph.Always:
		return true
	case graph.Conditional:
		expr, err := graph.ParseExpr(e.ConditionExpr)
		if err != nil {
			return false
		}
		return graph.Eval(expr, mem)
	default:
		return false
	}
}

// Advance implements the post-acceptance edge-evaluation step of the step
// loop: it decides whether the visit fans out to one or more forward
// successors, loops back along a feedback edge, completes the stream at a
// terminal node, or dead-ends.
func Advance(spec *graph.Spec, fromNodeID string, accepted bool, mem map[string]any, visitCounts map[string]int) AdvanceResult {
	forward, feedback := sortedPartition(spec.OutgoingEdges(fromNodeID))

	var targets []string
	for _, e := range forward {
		if edgeMatches(e, accepted, mem) {
			targets = append(targets, e.Target)
		}
	}

	if len(targets) > 0 {
		if len(targets) >= 2 {
			seen := map[string]bool{}
			for _, t := range targets {
				node, ok := spec.Node(t)
				if !ok {
					continue
				}
				for _, k := range node.OutputKeys {
					if seen[k] {
						return AdvanceResult{Outcome: AdvanceEscalate, Rationale: "fan-out targets " + fromNodeID + " would collide on output key " + k}
					}
					seen[k] = true
				}
			}
		}
		return AdvanceResult{Outcome: AdvanceFanOut, Targets: targets}
	}

	for _, e := range feedback {
		if edgeMatches(e, accepted, mem) {
			target, ok := spec.Node(e.Target)
			if !ok {
				continue
			}
			if target.MaxNodeVisits > 0 && visitCounts[e.Target] >= target.MaxNodeVisits {
				return AdvanceResult{Outcome: AdvanceEscalate, Rationale: "maxNodeVisits exceeded for " + e.Target}
			}
			return AdvanceResult{Outcome: AdvanceFeedback, Targets: []string{e.Target}}
		}
	}

	if spec.IsTerminal(fromNodeID) {
		return AdvanceResult{Outcome: AdvanceComplete}
	}
	return AdvanceResult{Outcome: AdvanceFailed, Rationale: "dead end: no outgoing edge matched at " + fromNodeID}
}
