package executor

import (
	"fmt"
	"strings"

	"github.com/agentgraph/runtime/internal/graph"
)

// defaultPromptComposer renders a node's systemPrompt plus the goal's
// narrative context and the node's declared input keys resolved against
// shared memory, matching the section layout of the teacher's agent
// identity file (name, mission, focus-for-this-turn).
type defaultPromptComposer struct{}

func (defaultPromptComposer) Compose(node *graph.NodeSpec, goal *graph.Goal, mem map[string]any) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are the %q node of a multi-agent graph.\n", node.ID)
	if node.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", node.Description)
	}
	if goal != nil && goal.Name != "" {
		fmt.Fprintf(&b, "Overall goal: %s\n", goal.Name)
		if goal.Description != "" {
			fmt.Fprintf(&b, "%s\n", goal.Description)
		}
		for _, c := range goal.Constraints {
			fmt.Fprintf(&b, "Constraint: %s\n", c)
		}
		b.WriteString("\n")
	}
	if node.SystemPrompt != "" {
		b.WriteString(node.SystemPrompt)
		b.WriteString("\n\n")
	}

	if len(node.InputKeys) > 0 {
		b.WriteString("Inputs available to you:\n")
		for _, k := range node.InputKeys {
			if v, ok := mem[k]; ok {
				fmt.Fprintf(&b, "  %s: %v\n", k, v)
			} else {
				fmt.Fprintf(&b, "  %s: (not set)\n", k)
			}
		}
		b.WriteString("\n")
	}

	if len(node.OutputKeys) > 0 {
		fmt.Fprintf(&b, "You must set these outputs before finishing: %s\n", strings.Join(node.RequiredOutputKeys(), ", "))
		if len(node.NullableOutputKeys) > 0 {
			fmt.Fprintf(&b, "These outputs are optional: %s\n", strings.Join(node.NullableOutputKeys, ", "))
		}
	}
	if node.SuccessCriteria != "" {
		fmt.Fprintf(&b, "Success criteria: %s\n", node.SuccessCriteria)
	}
	if node.ClientFacing {
		b.WriteString("This node talks directly to the end user; present something to them before you finish a turn.\n")
	}

	return b.String()
}
