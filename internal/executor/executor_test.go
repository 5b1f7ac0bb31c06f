package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/agentgraph/runtime/internal/convstore"
	"github.com/agentgraph/runtime/internal/graph"
	"github.com/agentgraph/runtime/internal/llmclient"
	"github.com/agentgraph/runtime/internal/memory"
	"github.com/agentgraph/runtime/internal/toolsbridge"
)

// fakeLLM replays a queue of turns, one per Generate call.
type fakeLLM struct {
	turns []llmclient.Turn
	i     int
}

func (f *fakeLLM) Generate(_ context.Context, _ []llmclient.Message, _ []llmclient.ToolDef, onDelta llmclient.DeltaFunc) (llmclient.Turn, error) {
	if f.i >= len(f.turns) {
		return llmclient.Turn{}, errors.New("fakeLLM: no more turns queued")
	}
	t := f.turns[f.i]
	f.i++
	if onDelta != nil && t.Content != "" {
		onDelta(t.Content)
	}
	return t, nil
}

// fakeTools routes set_output calls through without a real registry.
type fakeTools struct{}

func (fakeTools) Definitions() []llmclient.ToolDef { return nil }
func (fakeTools) Dispatch(_ context.Context, calls []llmclient.ToolCall) []toolsbridge.Result {
	results := make([]toolsbridge.Result, len(calls))
	for i, c := range calls {
		results[i] = toolsbridge.Result{CallID: c.ID, Name: c.Name, Content: "OK"}
	}
	return results
}

func newTestExecutor(t *testing.T, llm Generator) (*Executor, *convstore.Store, *memory.Shared, *memory.Accumulator) {
	t.Helper()
	conv, err := convstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("convstore.Open: %v", err)
	}
	mem := memory.NewShared(nil)
	acc := memory.NewAccumulator(nil, nil)
	ex := New(llm, fakeTools{}, nil, nil, nil)
	return ex, conv, mem, acc
}

func TestRun_AcceptsWhenNoOutputsRequired(t *testing.T) {
	node := &graph.NodeSpec{ID: "n1"}
	llm := &fakeLLM{turns: []llmclient.Turn{{Content: "done"}}}
	ex, conv, mem, acc := newTestExecutor(t, llm)

	result, err := ex.Run(context.Background(), VisitContext{NodeID: "n1", VisitNumber: 1}, node, nil, conv, acc, mem, nil, "hello", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeAccepted {
		t.Fatalf("expected accepted, got %v (%s)", result.Outcome, result.Rationale)
	}
}

func TestRun_SetOutputToolWritesThroughAccumulator(t *testing.T) {
	node := &graph.NodeSpec{ID: "n1", OutputKeys: []string{"summary"}}
	llm := &fakeLLM{turns: []llmclient.Turn{
		{ToolCalls: []llmclient.ToolCall{{ID: "c1", Name: "set_output", Args: map[string]any{"key": "summary", "value": "it works"}}}},
		{Content: "finished"},
	}}
	ex, conv, mem, acc := newTestExecutor(t, llm)

	result, err := ex.Run(context.Background(), VisitContext{NodeID: "n1", VisitNumber: 1}, node, nil, conv, acc, mem, nil, "go", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeAccepted {
		t.Fatalf("expected accepted, got %v (%s)", result.Outcome, result.Rationale)
	}
	v, ok := mem.Get("summary")
	if !ok || v != "it works" {
		t.Fatalf("expected summary flushed into shared memory, got %v (%v)", v, ok)
	}
}

func TestRun_RetriesUntilRequiredOutputIsSet(t *testing.T) {
	node := &graph.NodeSpec{ID: "n1", OutputKeys: []string{"x"}}
	llm := &fakeLLM{turns: []llmclient.Turn{
		{Content: "still thinking"},
		{ToolCalls: []llmclient.ToolCall{{ID: "c1", Name: "set_output", Args: map[string]any{"key": "x", "value": 1}}}},
		{Content: "done"},
	}}
	ex, conv, mem, acc := newTestExecutor(t, llm)

	result, err := ex.Run(context.Background(), VisitContext{NodeID: "n1", VisitNumber: 1}, node, nil, conv, acc, mem, nil, "go", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeAccepted {
		t.Fatalf("expected accepted after retry, got %v (%s)", result.Outcome, result.Rationale)
	}
	if llm.i != 3 {
		t.Fatalf("expected all 3 turns to be consumed, got %d", llm.i)
	}
}

func TestRun_PausesWhenContextAlreadyCancelled(t *testing.T) {
	node := &graph.NodeSpec{ID: "n1"}
	llm := &fakeLLM{turns: []llmclient.Turn{{Content: "unreachable"}}}
	ex, conv, mem, acc := newTestExecutor(t, llm)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := ex.Run(ctx, VisitContext{NodeID: "n1", VisitNumber: 1}, node, nil, conv, acc, mem, nil, "hi", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomePaused {
		t.Fatalf("expected paused, got %v", result.Outcome)
	}
}

type blockingWaiter struct {
	reply string
	err   error
}

func (w blockingWaiter) Await(ctx context.Context) (string, error) {
	if w.err != nil {
		return "", w.err
	}
	return w.reply, nil
}

func TestRun_ContinueOnClientFacingAwaitsInputThenResumes(t *testing.T) {
	node := &graph.NodeSpec{ID: "n1", ClientFacing: true, OutputKeys: []string{"name"}}
	llm := &fakeLLM{turns: []llmclient.Turn{
		{Content: "what is your name?"},
		{ToolCalls: []llmclient.ToolCall{{ID: "c1", Name: "set_output", Args: map[string]any{"key": "name", "value": "Ada"}}}},
		{Content: "nice to meet you"},
	}}
	ex, conv, mem, acc := newTestExecutor(t, llm)

	cursor := &convstore.Cursor{}
	result, err := ex.Run(context.Background(), VisitContext{NodeID: "n1", VisitNumber: 1}, node, nil, conv, acc, mem, cursor, "hi", blockingWaiter{reply: "Ada"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeAccepted {
		t.Fatalf("expected accepted, got %v (%s)", result.Outcome, result.Rationale)
	}
	if llm.i != 3 {
		t.Fatalf("expected the queued reply turn to actually be consumed after injected input, got %d turns", llm.i)
	}
	if cursor.UserInteractionCount != 1 {
		t.Fatalf("expected InjectInput to increment userInteractionCount to 1, got %d", cursor.UserInteractionCount)
	}
	v, ok := mem.Get("name")
	if !ok || v != "Ada" {
		t.Fatalf("expected name=Ada flushed into shared memory, got %v (%v)", v, ok)
	}
}

func sampleSpecForAdvance() *graph.Spec {
	s := &graph.Spec{
		Nodes: []graph.NodeSpec{
			{ID: "a", MaxNodeVisits: 2},
			{ID: "b", OutputKeys: []string{"x"}},
			{ID: "c", OutputKeys: []string{"y"}},
			{ID: "d"},
		},
		Edges: []graph.EdgeSpec{
			{ID: "e1", Source: "a", Target: "b", Condition: graph.OnSuccess, Priority: 1},
			{ID: "e2", Source: "a", Target: "c", Condition: graph.OnSuccess, Priority: 1},
			{ID: "e3", Source: "a", Target: "a", Condition: graph.OnFailure, Priority: -1},
			{ID: "e4", Source: "d", Target: "d", Condition: graph.OnFailure, Priority: -1},
		},
		TerminalNodes: []string{"b"},
	}
	s.Index()
	return s
}

func TestAdvance_FanOutToDisjointTargets(t *testing.T) {
	s := sampleSpecForAdvance()
	res := Advance(s, "a", true, nil, map[string]int{})
	if res.Outcome != AdvanceFanOut {
		t.Fatalf("expected fan out, got %v (%s)", res.Outcome, res.Rationale)
	}
	if len(res.Targets) != 2 {
		t.Fatalf("expected 2 targets, got %v", res.Targets)
	}
}

func TestAdvance_FeedbackEdgeIncrementsUntilMaxVisits(t *testing.T) {
	s := sampleSpecForAdvance()
	res := Advance(s, "a", false, nil, map[string]int{"a": 0})
	if res.Outcome != AdvanceFeedback || res.Targets[0] != "a" {
		t.Fatalf("expected feedback to a, got %v", res)
	}

	res = Advance(s, "a", false, nil, map[string]int{"a": 2})
	if res.Outcome != AdvanceEscalate {
		t.Fatalf("expected escalate at maxNodeVisits, got %v", res.Outcome)
	}
}

func TestAdvance_TerminalNodeCompletesWithNoMatchingEdge(t *testing.T) {
	s := sampleSpecForAdvance()
	res := Advance(s, "b", true, nil, map[string]int{})
	if res.Outcome != AdvanceComplete {
		t.Fatalf("expected complete, got %v", res.Outcome)
	}
}

func TestAdvance_DeadEndFailsWhenNoEdgeMatchesAndNotTerminal(t *testing.T) {
	s := sampleSpecForAdvance()
	res := Advance(s, "d", true, nil, map[string]int{})
	if res.Outcome != AdvanceFailed {
		t.Fatalf("expected failed dead end, got %v", res.Outcome)
	}
}

func TestAdvance_FanOutCollisionEscalates(t *testing.T) {
	s := &graph.Spec{
		Nodes: []graph.NodeSpec{
			{ID: "a"},
			{ID: "b", OutputKeys: []string{"x"}},
			{ID: "c", OutputKeys: []string{"x"}},
		},
		Edges: []graph.EdgeSpec{
			{ID: "e1", Source: "a", Target: "b", Condition: graph.Always, Priority: 1},
			{ID: "e2", Source: "a", Target: "c", Condition: graph.Always, Priority: 1},
		},
	}
	s.Index()
	res := Advance(s, "a", true, nil, map[string]int{})
	if res.Outcome != AdvanceEscalate {
		t.Fatalf("expected escalate on output key collision, got %v", res.Outcome)
	}
}
