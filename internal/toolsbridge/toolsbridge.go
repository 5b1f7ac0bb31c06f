// Package toolsbridge adapts agentkit's tool registry to the runtime's own
// dispatch contract, preserving the teacher's async/serialize/parallel tool
// classification and CPU-scaled concurrency cap.
package toolsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/mcp"
	"github.com/vinayprograms/agentkit/tools"

	"github.com/agentgraph/runtime/internal/llmclient"
	"github.com/agentgraph/runtime/internal/rterrors"
)

// concurrencyLimit bounds how many tool calls from one node-visit step run
// at once: 4x CPU count for I/O-bound tool workloads, clamped to [4, 32].
var concurrencyLimit = func() int {
	limit := runtime.NumCPU() * 4
	if limit < 4 {
		limit = 4
	}
	if limit > 32 {
		limit = 32
	}
	return limit
}()

// asyncNames are fire-and-forget tools whose result the step loop never
// waits on.
var asyncNames = map[string]bool{
	"remember":          true,
	"scratchpad_write":  true,
}

// serializeNames must run one at a time, in request order, because they have
// side effects that would conflict under concurrency.
var serializeNames = map[string]bool{
	"write": true,
	"bash":  true,
}

// Bridge adapts one agentkit tools.Registry plus an optional MCP manager to
// Dispatch.
type Bridge struct {
	registry *tools.Registry
	mcp      *mcp.Manager
	logger   *logging.Logger
}

// New wraps an agentkit tool registry. SetMCPManager wires in MCP tools
// (named "mcp_<server>_<tool>") separately, since agentkit keeps MCP
// dispatch in its own manager rather than the tool registry.
func New(registry *tools.Registry) *Bridge {
	return &Bridge{registry: registry, logger: logging.New().WithComponent("toolsbridge")}
}

// SetMCPManager wires an MCP manager into the bridge. Callable once, before
// any Dispatch.
func (b *Bridge) SetMCPManager(m *mcp.Manager) {
	b.mcp = m
}

// Definitions returns every tool definition, from both the registry and the
// MCP manager, for inclusion in an LLM request's tool list.
func (b *Bridge) Definitions() []llmclient.ToolDef {
	var defs []llmclient.ToolDef
	if b.registry != nil {
		for _, d := range b.registry.Definitions() {
			defs = append(defs, llmclient.ToolDef{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
		}
	}
	if b.mcp != nil {
		for _, t := range b.mcp.AllTools() {
			defs = append(defs, llmclient.ToolDef{
				Name:        fmt.Sprintf("mcp_%s_%s", t.Server, t.Tool.Name),
				Description: fmt.Sprintf("[MCP:%s] %s", t.Server, t.Tool.Description),
				Parameters:  t.Tool.InputSchema,
			})
		}
	}
	return defs
}

// Result is the outcome of dispatching one tool call, in the same order the
// calls were requested (spec.md §4.6 preserves call order in the resulting
// ConversationMessages even though execution may be concurrent).
type Result struct {
	CallID  string
	Name    string
	Content string
	Err     error
}

// Dispatch executes every call according to its classification: async tools
// fire in the background and return "OK" immediately, serialize tools run
// one at a time in request order, and everything else runs concurrently
// under a CPU-scaled semaphore. Dispatch checks ctx before each serialized
// call so the executor's cancellation token can abort the remaining
// serialized work.
func (b *Bridge) Dispatch(ctx context.Context, calls []llmclient.ToolCall) []Result {
	if len(calls) == 0 {
		return nil
	}
	if len(calls) == 1 {
		return []Result{b.run(ctx, calls[0])}
	}

	var async, serialize, parallel []int
	for i, c := range calls {
		switch {
		case asyncNames[c.Name]:
			async = append(async, i)
		case serializeNames[c.Name]:
			serialize = append(serialize, i)
		default:
			parallel = append(parallel, i)
		}
	}

	results := make([]Result, len(calls))

	for _, idx := range async {
		go b.run(ctx, calls[idx]) //nolint: errcheck -- fire-and-forget by design
		results[idx] = Result{CallID: calls[idx].ID, Name: calls[idx].Name, Content: "OK"}
	}

	for _, idx := range serialize {
		if ctx.Err() != nil {
			results[idx] = Result{CallID: calls[idx].ID, Name: calls[idx].Name, Err: ctx.Err()}
			continue
		}
		results[idx] = b.run(ctx, calls[idx])
	}

	if len(parallel) > 0 {
		sem := make(chan struct{}, concurrencyLimit)
		var wg sync.WaitGroup
		for _, idx := range parallel {
			wg.Add(1)
			sem <- struct{}{}
			go func(idx int) {
				defer wg.Done()
				defer func() { <-sem }()
				results[idx] = b.run(ctx, calls[idx])
			}(idx)
		}
		wg.Wait()
	}

	return results
}

func (b *Bridge) run(ctx context.Context, call llmclient.ToolCall) Result {
	if strings.HasPrefix(call.Name, "mcp_") {
		return b.runMCP(ctx, call)
	}
	if b.registry == nil {
		return Result{CallID: call.ID, Name: call.Name, Err: &rterrors.ToolError{ToolName: call.Name, CallID: call.ID, Cause: fmt.Errorf("no tool registry configured")}}
	}
	tool := b.registry.Get(call.Name)
	if tool == nil {
		return Result{CallID: call.ID, Name: call.Name, Err: &rterrors.ToolError{ToolName: call.Name, CallID: call.ID, Cause: fmt.Errorf("tool not found")}}
	}
	res, err := tool.Execute(ctx, call.Args)
	if err != nil {
		b.logger.Warn("tool call failed", map[string]interface{}{"tool": call.Name, "error": err.Error()})
		return Result{CallID: call.ID, Name: call.Name, Err: &rterrors.ToolError{ToolName: call.Name, CallID: call.ID, Cause: err}}
	}
	return Result{CallID: call.ID, Name: call.Name, Content: stringify(res)}
}

// runMCP dispatches a tool call named "mcp_<server>_<tool>" to the MCP
// bridge. Parsing follows the teacher's own mcp_ naming convention.
func (b *Bridge) runMCP(ctx context.Context, call llmclient.ToolCall) Result {
	parts := strings.SplitN(strings.TrimPrefix(call.Name, "mcp_"), "_", 2)
	if len(parts) != 2 {
		return Result{CallID: call.ID, Name: call.Name, Err: &rterrors.ToolError{ToolName: call.Name, CallID: call.ID, Cause: fmt.Errorf("invalid MCP tool name")}}
	}
	if b.mcp == nil {
		return Result{CallID: call.ID, Name: call.Name, Err: &rterrors.ToolError{ToolName: call.Name, CallID: call.ID, Cause: fmt.Errorf("no MCP manager configured")}}
	}
	res, err := b.mcp.CallTool(ctx, parts[0], parts[1], call.Args)
	if err != nil {
		return Result{CallID: call.ID, Name: call.Name, Err: &rterrors.ToolError{ToolName: call.Name, CallID: call.ID, Cause: err}}
	}
	return Result{CallID: call.ID, Name: call.Name, Content: stringify(res)}
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
