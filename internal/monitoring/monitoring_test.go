package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/agentgraph/runtime/internal/bus"
)

func waitForTrackerObserve() {
	// Tracker.observe runs in its own goroutine reading off the bus
	// subscription channel; give it a turn before asserting.
	time.Sleep(20 * time.Millisecond)
}

func TestTracker_CountsConsecutiveRetriesSinceLastAccept(t *testing.T) {
	b := bus.New(nil)
	tracker, stop := NewTracker(b)
	defer stop()

	for i := 0; i < 3; i++ {
		b.Publish(bus.Event{Type: bus.GoalProgress, GraphID: "worker", StreamID: "s1", NodeID: "n1", Payload: map[string]any{"verdict": "RETRY"}})
	}
	waitForTrackerObserve()

	tally, ok := tracker.Snapshot("worker", "s1", "n1")
	if !ok {
		t.Fatal("expected a tally to exist after observing events")
	}
	if tally.stepsSinceLastAccept != 3 {
		t.Errorf("expected 3 steps since last accept, got %d", tally.stepsSinceLastAccept)
	}
	if tally.totalStepsChecked != 3 {
		t.Errorf("expected 3 total steps checked, got %d", tally.totalStepsChecked)
	}
}

func TestTracker_AcceptResetsStepsSinceLastAccept(t *testing.T) {
	b := bus.New(nil)
	tracker, stop := NewTracker(b)
	defer stop()

	b.Publish(bus.Event{Type: bus.GoalProgress, GraphID: "worker", StreamID: "s1", NodeID: "n1", Payload: map[string]any{"verdict": "RETRY"}})
	b.Publish(bus.Event{Type: bus.GoalProgress, GraphID: "worker", StreamID: "s1", NodeID: "n1", Payload: map[string]any{"verdict": "RETRY"}})
	b.Publish(bus.Event{Type: bus.NodeLoopCompleted, GraphID: "worker", StreamID: "s1", NodeID: "n1", Payload: map[string]any{"verdict": "ACCEPT"}})
	waitForTrackerObserve()

	tally, ok := tracker.Snapshot("worker", "s1", "n1")
	if !ok {
		t.Fatal("expected a tally to exist")
	}
	if tally.stepsSinceLastAccept != 0 {
		t.Errorf("expected steps since last accept to reset to 0, got %d", tally.stepsSinceLastAccept)
	}
	if !tally.hasAccepted {
		t.Error("expected hasAccepted to be true")
	}
}

func TestClassify_ThresholdsMapToSeverity(t *testing.T) {
	cases := []struct {
		steps int
		want  Severity
	}{
		{0, SeverityLow},
		{4, SeverityLow},
		{5, SeverityMedium},
		{14, SeverityMedium},
		{15, SeverityHigh},
		{24, SeverityHigh},
		{25, SeverityCritical},
		{100, SeverityCritical},
	}
	for _, c := range cases {
		if got := classify(c.steps); got != c.want {
			t.Errorf("classify(%d) = %q, want %q", c.steps, got, c.want)
		}
	}
}

func TestEmitEscalationTicketTool_PublishesTicketWithSeverityFromTracker(t *testing.T) {
	b := bus.New(nil)
	tracker, stop := NewTracker(b)
	defer stop()

	for i := 0; i < 18; i++ {
		b.Publish(bus.Event{Type: bus.GoalProgress, GraphID: "worker-graph", StreamID: "stream-1", NodeID: "node-n", Payload: map[string]any{"verdict": "RETRY"}})
	}
	waitForTrackerObserve()

	_, ch := b.Subscribe(bus.Filter{Type: bus.WorkerEscalationTicket})

	tool := EmitEscalationTicketTool{Bus: b, Tracker: tracker}
	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"workerAgentId":   "agent-1",
		"workerSessionId": "session-1",
		"workerNodeId":    "node-n",
		"workerGraphId":   "worker-graph",
		"workerStreamId":  "stream-1",
		"cause":           "18 consecutive RETRY verdicts",
		"judgeReasoning":  "identical evidence fingerprint across iterations",
		"suggestedAction": "review worker's tool output",
		"evidenceSnippet": "repeated failure to produce required output",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	ticket, ok := result.(EscalationTicket)
	if !ok {
		t.Fatalf("expected EscalationTicket, got %T", result)
	}
	if ticket.Severity != SeverityHigh {
		t.Errorf("expected high severity for 18 steps, got %q", ticket.Severity)
	}
	if ticket.StepsSinceLastAccept != 18 {
		t.Errorf("expected 18 steps since last accept, got %d", ticket.StepsSinceLastAccept)
	}

	select {
	case evt := <-ch:
		if evt.Type != bus.WorkerEscalationTicket {
			t.Errorf("expected WORKER_ESCALATION_TICKET, got %s", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published escalation ticket event")
	}
}

func TestNotifyOperatorTool_RequiresTicketID(t *testing.T) {
	tool := NotifyOperatorTool{Bus: bus.New(nil)}
	_, err := tool.Execute(context.Background(), map[string]interface{}{"analysis": "looks stuck"})
	if err == nil {
		t.Fatal("expected error when ticketId is missing")
	}
}

func TestNotifyOperatorTool_PublishesInterventionRequest(t *testing.T) {
	b := bus.New(nil)
	_, ch := b.Subscribe(bus.Filter{Type: bus.QueenInterventionRequest})

	tool := NotifyOperatorTool{Bus: b}
	_, err := tool.Execute(context.Background(), map[string]interface{}{
		"ticketId":      "ticket-1",
		"analysis":      "worker is looping on the same tool call",
		"severity":      "high",
		"queenGraphId":  "queen-graph",
		"queenStreamId": "queen-stream",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.Payload["ticketId"] != "ticket-1" {
			t.Errorf("expected ticketId ticket-1 in payload, got %v", evt.Payload["ticketId"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for QUEEN_INTERVENTION_REQUESTED event")
	}
}
