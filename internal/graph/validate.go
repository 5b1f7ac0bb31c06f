package graph

import "fmt"

// Validate checks the invariants of spec.md §3 and returns every violation it
// finds. The caller is expected to treat a graph-load-time validation error as
// fatal (invariant: the CONDITIONAL expression parser is total, but a graph
// that references nodes which don't exist is not loadable at all).
func Validate(s *Spec) error {
	s.Index()
	var problems []string

	nodeIDs := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID == "" {
			problems = append(problems, "node with empty id")
			continue
		}
		if nodeIDs[n.ID] {
			problems = append(problems, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		nodeIDs[n.ID] = true

		nullable := make(map[string]bool, len(n.NullableOutputKeys))
		outputs := make(map[string]bool, len(n.OutputKeys))
		for _, k := range n.OutputKeys {
			outputs[k] = true
		}
		for _, k := range n.NullableOutputKeys {
			nullable[k] = true
			if !outputs[k] {
				problems = append(problems, fmt.Sprintf("node %q: nullableOutputKeys %q is not in outputKeys", n.ID, k))
			}
		}
	}

	// Invariant 1: every edge's source/target references a node in this graph.
	for _, e := range s.Edges {
		if e.ID == "" {
			problems = append(problems, "edge with empty id")
		}
		if !nodeIDs[e.Source] {
			problems = append(problems, fmt.Sprintf("edge %q: source %q is not a node in this graph", e.ID, e.Source))
		}
		if !nodeIDs[e.Target] {
			problems = append(problems, fmt.Sprintf("edge %q: target %q is not a node in this graph", e.ID, e.Target))
		}
		if e.Condition == Conditional && e.ConditionExpr == "" {
			problems = append(problems, fmt.Sprintf("edge %q: condition CONDITIONAL requires conditionExpr", e.ID))
		}
		if e.Condition == Conditional {
			if _, err := ParseExpr(e.ConditionExpr); err != nil {
				problems = append(problems, fmt.Sprintf("edge %q: conditionExpr parse error: %v", e.ID, err))
			}
		}
	}

	if s.EntryNode != "" && !nodeIDs[s.EntryNode] {
		problems = append(problems, fmt.Sprintf("entryNode %q is not a node in this graph", s.EntryNode))
	}
	for _, id := range s.TerminalNodes {
		if !nodeIDs[id] {
			problems = append(problems, fmt.Sprintf("terminalNode %q is not a node in this graph", id))
		}
	}
	for _, id := range s.PauseNodes {
		if !nodeIDs[id] {
			problems = append(problems, fmt.Sprintf("pauseNode %q is not a node in this graph", id))
		}
	}

	// Invariant 3: forever-alive graphs require every node to have >=1 outgoing edge.
	if s.IsForeverAlive() {
		for id := range nodeIDs {
			if len(s.edgesFrom[id]) == 0 {
				problems = append(problems, fmt.Sprintf("forever-alive graph: node %q has no outgoing edge", id))
			}
		}
	}

	for _, ep := range s.EntryPoints {
		if ep.ID == "" {
			problems = append(problems, "entry point with empty id")
		}
		if !nodeIDs[ep.EntryNode] {
			problems = append(problems, fmt.Sprintf("entry point %q: entryNode %q is not a node in this graph", ep.ID, ep.EntryNode))
		}
		switch ep.TriggerType {
		case TriggerManual, TriggerTimer, TriggerEvent, TriggerWebhook:
		default:
			problems = append(problems, fmt.Sprintf("entry point %q: unknown triggerType %q", ep.ID, ep.TriggerType))
		}
		if ep.TriggerType == TriggerTimer && ep.TriggerConfig.Cron == "" && ep.TriggerConfig.IntervalMinutes <= 0 {
			problems = append(problems, fmt.Sprintf("entry point %q: timer trigger requires cron or intervalMinutes", ep.ID))
		}
	}

	if w := weightSum(s.Goal.SuccessCriteria); len(s.Goal.SuccessCriteria) > 0 && !almostOne(w) {
		problems = append(problems, fmt.Sprintf("goal %q: success criteria weights sum to %.3f, expected 1.0", s.Goal.ID, w))
	}

	// Fan-out disjointness (spec.md §4.6 step 4) is a load-time check only for the
	// static case of two unconditional forward edges from the same source; the
	// dynamic case (conditional edges that might both fire) is checked by the
	// executor at traversal time, since it depends on SharedMemory.
	problems = append(problems, checkStaticFanOutDisjointness(s, nodeIDs)...)

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func checkStaticFanOutDisjointness(s *Spec, nodeIDs map[string]bool) []string {
	var problems []string
	for source, edges := range s.edgesFrom {
		var unconditionalForward []*EdgeSpec
		for _, e := range edges {
			if e.Priority >= 0 && (e.Condition == Always || e.Condition == OnSuccess) {
				unconditionalForward = append(unconditionalForward, e)
			}
		}
		if len(unconditionalForward) < 2 {
			continue
		}
		seen := make(map[string]string)
		for _, e := range unconditionalForward {
			target, ok := nodeIDs[e.Target]
			if !ok || !target {
				continue
			}
			node, _ := s.Node(e.Target)
			if node == nil {
				continue
			}
			for _, k := range node.OutputKeys {
				if owner, dup := seen[k]; dup {
					problems = append(problems, fmt.Sprintf(
						"node %q: unconditional fan-out targets %q and %q both declare output key %q",
						source, owner, e.Target, k))
				} else {
					seen[k] = e.Target
				}
			}
		}
	}
	return problems
}

func weightSum(criteria []SuccessCriterion) float64 {
	var total float64
	for _, c := range criteria {
		total += c.Weight
	}
	return total
}

func almostOne(f float64) bool {
	const eps = 1e-6
	return f > 1-eps && f < 1+eps
}
