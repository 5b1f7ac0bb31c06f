package main

import (
	"fmt"
	"os"

	"github.com/agentgraph/runtime/internal/graph"
)

// ValidateCmd loads and validates one or more graph spec YAML files without
// booting anything: the same graph.LoadFile path the runtime itself uses at
// AddGraph time, so a "validate" pass and a real load can never disagree.
type ValidateCmd struct {
	Files []string `arg:"" help:"Graph spec YAML file(s)"`
}

func (c *ValidateCmd) Run() error {
	failed := false
	for _, path := range c.Files {
		spec, err := graph.LoadFile(path)
		if err != nil {
			failed = true
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			continue
		}
		fmt.Printf("%s: OK — graph %q, %d nodes, %d edges, %d entry points\n",
			path, spec.ID, len(spec.Nodes), len(spec.Edges), len(spec.EntryPoints))
	}
	if failed {
		return fmt.Errorf("one or more graph specs failed validation")
	}
	return nil
}
