// Package main is the agentgraph runtime's headless entry point: boot the
// multi-graph runtime from a TOML config, validate graph specs offline, and
// inspect persisted session conversations. Structured the way the teacher's
// cmd/agent does — a kong CLI struct plus one file per subcommand — but
// scoped far narrower, since the presentation layer proper (interactive
// chat, HTTP, SSE) is an external collaborator this runtime only exposes an
// RPC surface to.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

var (
	version = "dev"
	commit  = "unknown"
)

// CLI is the top-level kong command tree.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Boot the runtime: load graphs, wire triggers, run until signaled"`
	Validate ValidateCmd `cmd:"" help:"Load and validate one or more graph spec files"`
	Replay   ReplayCmd   `cmd:"" help:"Print a session's persisted conversation for one node"`
	Watch    WatchCmd    `cmd:"" help:"Live-tail a session's conversation as it is appended"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// VersionCmd prints build metadata.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("agentgraph %s (%s)\n", version, commit)
	return nil
}

func main() {
	// .env is loaded best-effort, same as the teacher's init(): a missing
	// file is not an error, it just means secrets come from the real
	// environment instead.
	_ = godotenv.Load()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("agentgraph"),
		kong.Description("Multi-graph LLM agent execution runtime"),
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentgraph: %v\n", err)
		os.Exit(1)
	}
}
