package main

import (
	"fmt"
	"path/filepath"

	"github.com/agentgraph/runtime/internal/convstore"
	"github.com/agentgraph/runtime/internal/replay"
)

// ReplayCmd prints one (session, node) conversation log in full, in the
// teacher's lipgloss-styled replay format, adapted to this runtime's own
// message shapes.
type ReplayCmd struct {
	StorageRoot string `help:"Session storage root" default:"~/.local/agentgraph/sessions"`
	Session     string `arg:"" help:"Session id"`
	Node        string `arg:"" help:"Node id whose conversation to replay"`
}

func (c *ReplayCmd) Run() error {
	root, err := expandHome(c.StorageRoot)
	if err != nil {
		return err
	}
	dir := filepath.Join(root, c.Session, "conversations", c.Node)
	store, err := convstore.Open(dir)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	msgs, err := store.ReadFrom(0)
	if err != nil {
		return fmt.Errorf("replay: read messages: %w", err)
	}
	fmt.Print(replay.Render(c.Session, c.Node, msgs))
	return nil
}
