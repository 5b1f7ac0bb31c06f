// Package executor implements GraphExecutor: the step loop that drives one
// node visit from its first LLM turn through judge-accepted completion,
// escalation, or cooperative pause for human input.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/security"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentgraph/runtime/internal/bus"
	"github.com/agentgraph/runtime/internal/convstore"
	"github.com/agentgraph/runtime/internal/graph"
	"github.com/agentgraph/runtime/internal/judge"
	"github.com/agentgraph/runtime/internal/llmclient"
	"github.com/agentgraph/runtime/internal/memory"
	"github.com/agentgraph/runtime/internal/rterrors"
	"github.com/agentgraph/runtime/internal/toolsbridge"
)

// defaultMaxIterations bounds every node visit's loop; NodeSpec.MaxRetries is
// not consulted. RETRY verdicts keep no stall counters, so this cap is the
// only bound on a visit that keeps retrying, and reaching it ends the visit
// as escalated.
const defaultMaxIterations = 50

// ToolCaller is the narrow surface GraphExecutor needs from a tool bridge.
type ToolCaller interface {
	Definitions() []llmclient.ToolDef
	Dispatch(ctx context.Context, calls []llmclient.ToolCall) []toolsbridge.Result
}

// Generator is the narrow surface GraphExecutor needs from an LLM client.
type Generator interface {
	Generate(ctx context.Context, messages []llmclient.Message, tools []llmclient.ToolDef, onDelta llmclient.DeltaFunc) (llmclient.Turn, error)
}

// VisitContext identifies one node visit for event stamping and prompt
// composition.
type VisitContext struct {
	GraphID     string
	StreamID    string
	SessionID   string
	ExecutionID string
	NodeID      string
	VisitNumber int
}

// PromptComposer builds the system prompt for a node visit. The default
// composer (see prompt.go) concatenates identity, narrative and focus
// sections; runtimes may substitute their own.
type PromptComposer interface {
	Compose(node *graph.NodeSpec, goal *graph.Goal, mem map[string]any) string
}

// Executor runs node-visit step loops against one EventBus, conversation
// store and judge. A single Executor is shared by every stream; all
// per-visit state lives in the Run call, never on the Executor itself —
// this is what makes "the step loop is single-threaded within a stream, but
// streams may run concurrently" true without extra locking here.
type Executor struct {
	LLM    Generator
	Tools  ToolCaller
	Judge  judge.Judge
	Bus    *bus.Bus
	Prompt PromptComposer
	logger *logging.Logger

	securityVerifier          *security.Verifier
	externalToolNames         map[string]bool
	lastSecurityRelatedBlocks []string
}

// New builds an Executor. judgeImpl may be nil to use judge.Default{}.
func New(llm Generator, tools ToolCaller, judgeImpl judge.Judge, eventBus *bus.Bus, prompt PromptComposer) *Executor {
	if judgeImpl == nil {
		judgeImpl = judge.Default{}
	}
	if prompt == nil {
		prompt = defaultPromptComposer{}
	}
	return &Executor{LLM: llm, Tools: tools, Judge: judgeImpl, Bus: eventBus, Prompt: prompt, logger: logging.New().WithComponent("executor")}
}

// Outcome is how a node visit ended.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeEscalated Outcome = "escalated"
	OutcomePaused    Outcome = "paused" // cancelled mid-iteration, resumable
)

// VisitResult is returned once a node visit leaves the step loop.
type VisitResult struct {
	Outcome   Outcome
	Rationale string
}

// InputWaiter is handed to Run so the step loop can block on
// CLIENT_INPUT_REQUESTED without Run needing to know how input arrives.
// ExecutionStream implements this by exposing a per-node-visit channel that
// InjectInput writes to.
type InputWaiter interface {
	// Await blocks until input arrives or ctx is cancelled.
	Await(ctx context.Context) (string, error)
}

// Run drives one node visit to completion. conv is the ConversationStore for
// (session, node); acc is the node visit's OutputAccumulator; mem is the
// session's SharedMemory (read-only here except via acc.Flush on ACCEPT or on
// cancellation). input is empty on a resumed visit (the loop composes from
// the conversation log instead).
func (e *Executor) Run(ctx context.Context, vc VisitContext, node *graph.NodeSpec, goal *graph.Goal, conv *convstore.Store, acc *memory.Accumulator, mem *memory.Shared, cursor *convstore.Cursor, input string, waiter InputWaiter) (result VisitResult, err error) {
	ctx, visitSpan := e.startVisitSpan(ctx, vc)
	defer func() { e.endVisitSpan(visitSpan, string(result.Outcome), err) }()

	if goal != nil {
		var goalSpan trace.Span
		ctx, goalSpan = e.startGoalSpan(ctx, goal.Name)
		defer goalSpan.End()
	}

	if cursor == nil {
		cursor = &convstore.Cursor{}
	}
	iteration := cursor.Iteration
	uic := cursor.UserInteractionCount
	maxIter := defaultMaxIterations

	visitStart := time.Now()
	e.logger.ExecutionStart(vc.NodeID)
	e.publish(vc, bus.NodeLoopStarted, map[string]any{"nodeId": node.ID, "visit": vc.VisitNumber})

	firstTurn := iteration == 0
	if input != "" && firstTurn {
		if _, err := conv.Append(convstore.Message{Type: convstore.MessageUser, Content: input}); err != nil {
			return VisitResult{}, fmt.Errorf("executor: append user input: %w", err)
		}
	}

	for {
		if iteration >= maxIter {
			e.publish(vc, bus.ExecutionFailed, map[string]any{"reason": "max iterations exceeded"})
			return VisitResult{Outcome: OutcomeEscalated, Rationale: "max iterations exceeded"}, nil
		}
		if err := ctx.Err(); err != nil {
			return e.pause(vc, conv, acc, mem, cursor, iteration, uic)
		}

		if vc.VisitNumber == 1 && firstTurn && node.ConversationMode == graph.ConversationContinuous {
			conv.Append(convstore.Message{Type: convstore.MessageSystemMarker, NextNode: node.ID})
		}

		systemPrompt := e.Prompt.Compose(node, goal, mem.Snapshot())
		messages := []llmclient.Message{{Role: llmclient.RoleSystem, Content: systemPrompt}}
		if firstTurn && input != "" {
			messages = append(messages, llmclient.Message{Role: llmclient.RoleUser, Content: input})
		}

		turn, err := e.LLM.Generate(ctx, messages, e.Tools.Definitions(), func(text string) {
			e.publish(vc, bus.LLMTextDelta, map[string]any{"text": text})
			if node.ClientFacing {
				e.publish(vc, bus.ClientOutputDelta, map[string]any{"text": text})
			}
		})
		if err != nil {
			return VisitResult{}, fmt.Errorf("%w: %v", rterrors.ErrLLMTransient, err)
		}

		hadToolCalls := len(turn.ToolCalls) > 0
		if hadToolCalls {
			if _, err := conv.Append(convstore.Message{Type: convstore.MessageAssistant, Content: turn.Content}); err != nil {
				return VisitResult{}, fmt.Errorf("executor: append assistant message: %w", err)
			}
			if err := e.dispatchToolCalls(ctx, vc, node, conv, acc, turn.ToolCalls); err != nil {
				if ctx.Err() != nil {
					return e.pause(vc, conv, acc, mem, cursor, iteration, uic)
				}
				return VisitResult{}, err
			}
		} else {
			if _, err := conv.Append(convstore.Message{Type: convstore.MessageAssistant, Content: turn.Content}); err != nil {
				return VisitResult{}, fmt.Errorf("executor: append final assistant message: %w", err)
			}
		}

		iteration++
		verdict := e.Judge.Evaluate(ctx, judge.Input{
			Node:                 node,
			AssistantText:        turn.Content,
			HadToolCalls:         hadToolCalls,
			AccumulatedKeys:      acc.Keys(),
			UserInteractionCount: uic,
		})

		last, err := conv.LastOrdinal()
		if err != nil {
			return VisitResult{}, fmt.Errorf("executor: read last ordinal: %w", err)
		}
		cursor.Iteration = iteration
		cursor.UserInteractionCount = uic
		cursor.Outputs = acc.Snapshot()
		cursor.LastMessageOrdinal = last
		if err := conv.WriteCursor(*cursor); err != nil {
			return VisitResult{}, fmt.Errorf("%w: %v", rterrors.ErrCorruptCursor, err)
		}

		switch verdict.Verdict {
		case judge.Continue:
			if node.ClientFacing && turn.Content != "" && waiter != nil {
				e.publish(vc, bus.ClientInputRequested, map[string]any{"nodeId": node.ID, "prompt": turn.Content})
				reply, err := waiter.Await(ctx)
				if err != nil {
					return e.pause(vc, conv, acc, mem, cursor, iteration, uic)
				}
				uic++
				e.publish(vc, bus.ClientInputReceived, map[string]any{"nodeId": node.ID})
				if _, err := conv.Append(convstore.Message{Type: convstore.MessageUser, Content: reply}); err != nil {
					return VisitResult{}, fmt.Errorf("executor: append user reply: %w", err)
				}
				input = ""
				firstTurn = false
				continue
			}
			firstTurn = false
			input = ""
			continue

		case judge.Retry:
			e.publish(vc, bus.GoalProgress, map[string]any{"nodeId": node.ID, "verdict": "RETRY", "iteration": iteration, "rationale": verdict.Rationale})
			firstTurn = false
			input = ""
			continue

		case judge.Accept:
			acc.Flush(mem)
			e.publish(vc, bus.NodeLoopCompleted, map[string]any{"nodeId": node.ID, "verdict": "ACCEPT"})
			e.logger.ExecutionComplete(vc.NodeID, time.Since(visitStart), "accepted")
			return VisitResult{Outcome: OutcomeAccepted, Rationale: verdict.Rationale}, nil

		case judge.Escalate:
			e.publish(vc, bus.NodeLoopCompleted, map[string]any{"nodeId": node.ID, "verdict": "ESCALATE"})
			e.logger.Warn("node visit escalated", map[string]interface{}{"node": vc.NodeID, "rationale": verdict.Rationale})
			return VisitResult{Outcome: OutcomeEscalated, Rationale: verdict.Rationale}, nil

		default:
			return VisitResult{}, fmt.Errorf("executor: unknown verdict %q", verdict.Verdict)
		}
	}
}

// pause runs the executor's part of the cancellation cleanup: flush the
// accumulator into mem, persist the cursor (the synthetic tool_result for any
// unfinished call is handled by ConversationStore.Repair on next resume, not
// here, since the unfinished call's identity is only known inside
// dispatchToolCalls), and emit EXECUTION_PAUSED. The caller writes state.json.
func (e *Executor) pause(vc VisitContext, conv *convstore.Store, acc *memory.Accumulator, mem *memory.Shared, cursor *convstore.Cursor, iteration, uic int) (VisitResult, error) {
	acc.Flush(mem)
	last, err := conv.LastOrdinal()
	if err == nil {
		cursor.Iteration = iteration
		cursor.UserInteractionCount = uic
		cursor.Outputs = acc.Snapshot()
		cursor.LastMessageOrdinal = last
		_ = conv.WriteCursor(*cursor)
	}
	e.publish(vc, bus.ExecutionPaused, map[string]any{"reason": "cancelled"})
	return VisitResult{Outcome: OutcomePaused, Rationale: "cancelled"}, nil
}

// dispatchToolCalls runs every requested call through the security verifier
// gate before dispatch, then hands whatever survives to Tools.Dispatch. A
// blocked call never reaches the tool registry: it gets a synthetic error
// tool_result and a TOOL_CALL_BLOCKED event instead. set_output's key is
// validated against the node's declared outputKeys the same way any other
// registry tool's arguments would be validated by its own handler.
func (e *Executor) dispatchToolCalls(ctx context.Context, vc VisitContext, node *graph.NodeSpec, conv *convstore.Store, acc *memory.Accumulator, calls []llmclient.ToolCall) error {
	allowed := make([]llmclient.ToolCall, 0, len(calls))
	blocked := make(map[string]string, len(calls))

	for _, c := range calls {
		if _, err := conv.Append(convstore.Message{Type: convstore.MessageToolCall, ToolCallID: c.ID, ToolName: c.Name, Args: c.Args}); err != nil {
			return fmt.Errorf("executor: append tool_call: %w", err)
		}
		e.publish(vc, bus.ToolCallStarted, map[string]any{"callId": c.ID, "name": c.Name, "args": c.Args})

		if err := e.verifyToolCall(ctx, vc, c.Name, c.Args); err != nil {
			blocked[c.ID] = err.Error()
			e.publish(vc, bus.ToolCallBlocked, map[string]any{"callId": c.ID, "name": c.Name, "reason": err.Error()})
			continue
		}
		allowed = append(allowed, c)
	}

	results := e.Tools.Dispatch(ctx, allowed)

	byID := make(map[string]toolsbridge.Result, len(results))
	for _, r := range results {
		byID[r.CallID] = r
	}

	for _, c := range calls {
		var r toolsbridge.Result
		if reason, ok := blocked[c.ID]; ok {
			r = toolsbridge.Result{CallID: c.ID, Err: fmt.Errorf("blocked by security verifier: %s", reason)}
		} else {
			r = byID[c.ID]
			if r.Err == nil && e.isUntrustedResult(c.Name) {
				e.AddUntrustedContent(vc, r.Content, c.Name)
			}
		}
		msg := convstore.Message{
			Type:       convstore.MessageToolResult,
			ToolCallID: c.ID,
			ToolName:   c.Name,
			Result:     r.Content,
		}
		if r.Err != nil {
			msg.Error = r.Err.Error()
		}

		if c.Name == "set_output" && r.Err == nil {
			key, _ := c.Args["key"].(string)
			if !node.HasOutputKey(key) {
				msg.Error = fmt.Sprintf("set_output: %q is not a declared output key for node %q", key, node.ID)
			} else if err := acc.Set(key, c.Args["value"]); err != nil {
				return fmt.Errorf("executor: accumulator set: %w", err)
			}
		}

		if _, err := conv.Append(msg); err != nil {
			return fmt.Errorf("executor: append tool_result: %w", err)
		}
		e.publish(vc, bus.ToolCallCompleted, map[string]any{"callId": c.ID, "name": c.Name, "result": r.Content, "error": msg.Error})
	}
	return nil
}

func (e *Executor) publish(vc VisitContext, t bus.EventType, payload map[string]any) {
	if e.Bus == nil {
		return
	}
	e.Bus.Publish(bus.Event{
		ID:          uuid.NewString(),
		Type:        t,
		Timestamp:   time.Now(),
		GraphID:     vc.GraphID,
		StreamID:    vc.StreamID,
		NodeID:      vc.NodeID,
		ExecutionID: vc.ExecutionID,
		Payload:     payload,
	})
}
