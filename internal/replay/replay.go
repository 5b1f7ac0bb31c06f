// Package replay renders a session's persisted conversation logs for a
// human, adapted from the teacher's internal/replay package: the same
// component color scheme (tool calls blue, tool errors bold red, system
// markers dim gray italic) applied to this runtime's own message and event shapes
// instead of the teacher's.
package replay

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/agentgraph/runtime/internal/convstore"
)

var (
	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	toolCallStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	toolResultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("6"))

	toolErrorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("9"))

	markerStyle = lipgloss.NewStyle().
			Italic(true).
			Foreground(lipgloss.Color("8"))

	headingStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))
)

// Header renders the top-of-page banner for one (session, node) log.
func Header(sessionID, nodeID string, count int) string {
	return headingStyle.Render(fmt.Sprintf("session %s · node %s · %d messages", sessionID, nodeID, count))
}

// Line renders one ConversationMessage as a single styled line, matching the
// density of the teacher's replay viewer: ordinal, type tag, content.
func Line(msg convstore.Message) string {
	tag := dimStyle.Render(fmt.Sprintf("#%010d", msg.Ordinal))
	switch msg.Type {
	case convstore.MessageUser:
		return fmt.Sprintf("%s %s %s", tag, userStyle.Render("user"), msg.Content)
	case convstore.MessageAssistant:
		return fmt.Sprintf("%s %s %s", tag, assistantStyle.Render("assistant"), msg.Content)
	case convstore.MessageToolCall:
		args, _ := json.Marshal(msg.Args)
		return fmt.Sprintf("%s %s %s", tag, toolCallStyle.Render("tool_call "+msg.ToolName), string(args))
	case convstore.MessageToolResult:
		if msg.Error != "" {
			return fmt.Sprintf("%s %s %s", tag, toolErrorStyle.Render("tool_error"), msg.Error)
		}
		result, _ := json.Marshal(msg.Result)
		return fmt.Sprintf("%s %s %s", tag, toolResultStyle.Render("tool_result"), string(result))
	case convstore.MessageSystemMarker:
		return fmt.Sprintf("%s %s next=%s", tag, markerStyle.Render("system_marker"), msg.NextNode)
	default:
		return fmt.Sprintf("%s %s %s", tag, dimStyle.Render(string(msg.Type)), msg.Content)
	}
}

// Render renders a full ordered message list, one line per message, as the
// static (non-interactive) view emitted by "agentgraph replay".
func Render(sessionID, nodeID string, msgs []convstore.Message) string {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Ordinal < msgs[j].Ordinal })
	var b strings.Builder
	b.WriteString(Header(sessionID, nodeID, len(msgs)))
	b.WriteString("\n\n")
	for _, m := range msgs {
		b.WriteString(Line(m))
		b.WriteString("\n")
	}
	return b.String()
}
