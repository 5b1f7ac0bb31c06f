package checkpoint

import (
	"testing"

	"github.com/agentgraph/runtime/internal/convstore"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	cursors := map[string]convstore.Cursor{
		"triage": {Iteration: 2, LastMessageOrdinal: 4},
	}
	memory := map[string]any{"category": "billing"}

	if err := s.Save("before-escalation", memory, cursors); err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap, err := s.Load("before-escalation")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Memory["category"] != "billing" {
		t.Fatalf("unexpected memory in snapshot: %v", snap.Memory)
	}
	if snap.Cursors["triage"].LastMessageOrdinal != 4 {
		t.Fatalf("unexpected cursor in snapshot: %v", snap.Cursors)
	}
}

func TestLoad_UnknownNameErrors(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)
	if _, err := s.Load("nope"); err == nil {
		t.Fatal("expected error loading unknown checkpoint")
	}
}

func TestList_ReturnsAllSavedNames(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)
	s.Save("a", nil, nil)
	s.Save("b", nil, nil)

	names, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 checkpoints, got %v", names)
	}
}

func TestDelete_RemovesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)
	s.Save("temp", nil, nil)
	if err := s.Delete("temp"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load("temp"); err == nil {
		t.Fatal("expected load of deleted checkpoint to fail")
	}
	// Deleting again must not error.
	if err := s.Delete("temp"); err != nil {
		t.Fatalf("expected deleting unknown checkpoint to be a no-op, got: %v", err)
	}
}
