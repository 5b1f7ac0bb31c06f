package replay

import (
	"strings"
	"testing"

	"github.com/agentgraph/runtime/internal/convstore"
)

func TestRender_OrdersByOrdinalRegardlessOfInputOrder(t *testing.T) {
	msgs := []convstore.Message{
		{Ordinal: 2, Type: convstore.MessageAssistant, Content: "second"},
		{Ordinal: 1, Type: convstore.MessageUser, Content: "first"},
	}
	out := Render("sess1", "triage", msgs)

	firstIdx := strings.Index(out, "first")
	secondIdx := strings.Index(out, "second")
	if firstIdx == -1 || secondIdx == -1 || firstIdx > secondIdx {
		t.Fatalf("expected 'first' to render before 'second', got:\n%s", out)
	}
}

func TestLine_ToolResultShowsErrorNotResult(t *testing.T) {
	msg := convstore.Message{
		Ordinal: 3,
		Type:    convstore.MessageToolResult,
		Error:   "boom",
		Result:  "should not appear",
	}
	line := Line(msg)
	if !strings.Contains(line, "boom") {
		t.Fatalf("expected error text in line, got %q", line)
	}
	if strings.Contains(line, "should not appear") {
		t.Fatalf("expected result to be suppressed when error is set, got %q", line)
	}
}

func TestHeader_IncludesSessionNodeAndCount(t *testing.T) {
	h := Header("sess1", "triage", 5)
	for _, want := range []string{"sess1", "triage", "5"} {
		if !strings.Contains(h, want) {
			t.Fatalf("expected header to contain %q, got %q", want, h)
		}
	}
}
