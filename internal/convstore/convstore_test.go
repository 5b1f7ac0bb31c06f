package convstore

import (
	"testing"
)

func TestAppend_AssignsMonotonicOrdinals(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	o1, err := s.Append(Message{Type: MessageUser, Content: "hello"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	o2, err := s.Append(Message{Type: MessageAssistant, Content: "hi"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if o1 != 1 || o2 != 2 {
		t.Fatalf("expected ordinals 1,2, got %d,%d", o1, o2)
	}

	last, err := s.LastOrdinal()
	if err != nil {
		t.Fatalf("LastOrdinal: %v", err)
	}
	if last != 2 {
		t.Fatalf("expected LastOrdinal 2, got %d", last)
	}
}

func TestReadFrom_ReturnsOnlyLaterMessages(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)
	s.Append(Message{Type: MessageUser, Content: "a"})
	s.Append(Message{Type: MessageAssistant, Content: "b"})
	s.Append(Message{Type: MessageAssistant, Content: "c"})

	msgs, err := s.ReadFrom(1)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages after ordinal 1, got %d", len(msgs))
	}
	if msgs[0].Content != "b" || msgs[1].Content != "c" {
		t.Fatalf("unexpected message order: %+v", msgs)
	}
}

func TestCursor_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)

	got, err := s.ReadCursor()
	if err != nil {
		t.Fatalf("ReadCursor: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil cursor before any write, got %+v", got)
	}

	cursor := Cursor{Iteration: 3, Outputs: map[string]any{"k": "v"}, LastMessageOrdinal: 5}
	if err := s.WriteCursor(cursor); err != nil {
		t.Fatalf("WriteCursor: %v", err)
	}

	got, err = s.ReadCursor()
	if err != nil {
		t.Fatalf("ReadCursor: %v", err)
	}
	if got == nil || got.Iteration != 3 || got.LastMessageOrdinal != 5 {
		t.Fatalf("unexpected cursor after round trip: %+v", got)
	}
}

func TestRepair_AppendsSyntheticResultForOrphanedToolCall(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)

	s.Append(Message{Type: MessageUser, Content: "do it"})
	s.Append(Message{Type: MessageToolCall, ToolCallID: "call1", ToolName: "search"})
	// No matching tool_result — simulates a crash mid tool-call.

	msgs, err := s.Repair()
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}

	var sawSynthetic bool
	for _, m := range msgs {
		if m.Type == MessageToolResult && m.ToolCallID == "call1" && m.Error == "interrupted" {
			sawSynthetic = true
		}
	}
	if !sawSynthetic {
		t.Fatalf("expected a synthetic interrupted tool_result for call1, got %+v", msgs)
	}
}

func TestRepair_NoOrphansLeavesStoreUnchanged(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)

	s.Append(Message{Type: MessageUser, Content: "do it"})
	s.Append(Message{Type: MessageToolCall, ToolCallID: "call1", ToolName: "search"})
	s.Append(Message{Type: MessageToolResult, ToolCallID: "call1", Result: "ok"})

	before, _ := s.LastOrdinal()
	if _, err := s.Repair(); err != nil {
		t.Fatalf("Repair: %v", err)
	}
	after, _ := s.LastOrdinal()
	if before != after {
		t.Fatalf("expected no new messages when no tool_call is orphaned, before=%d after=%d", before, after)
	}
}
