package main

import (
	"path/filepath"

	"github.com/agentgraph/runtime/internal/replay"
)

// WatchCmd opens an interactive terminal viewer that live-tails a session's
// conversation directory, re-rendering whenever the executor appends a new
// part file.
type WatchCmd struct {
	StorageRoot string `help:"Session storage root" default:"~/.local/agentgraph/sessions"`
	Session     string `arg:"" help:"Session id"`
	Node        string `arg:"" help:"Node id whose conversation to watch"`
}

func (c *WatchCmd) Run() error {
	root, err := expandHome(c.StorageRoot)
	if err != nil {
		return err
	}
	dir := filepath.Join(root, c.Session, "conversations", c.Node)
	return replay.Watch(c.Session, c.Node, dir)
}
