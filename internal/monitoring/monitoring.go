// Package monitoring implements the MonitoringPattern of spec.md §6: a
// Health Judge and a Queen, each an ordinary secondary graph whose nodes
// call ordinary tools (emit_escalation_ticket, notify_operator) rather than
// anything special-cased in GraphExecutor. Grounded on the teacher's
// internal/supervision package: Reconcile's static trigger detection is
// repointed here from checkpoint pre/post pairs to a running tally of
// judge-verdict history per (graph, stream, node), and Supervise's
// CONTINUE/REORIENT/PAUSE judgment becomes the two tools below.
package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/agentgraph/runtime/internal/bus"
)

// Severity is the urgency the Health Judge assigns an EscalationTicket.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// EscalationTicket is the structured payload of a WORKER_ESCALATION_TICKET
// event (spec.md §6), carried verbatim into the Queen's InjectInput/trigger
// payload.
type EscalationTicket struct {
	TicketID             string    `json:"ticketId"`
	CreatedAt            time.Time `json:"createdAt"`
	WorkerAgentID        string    `json:"workerAgentId"`
	WorkerSessionID      string    `json:"workerSessionId"`
	WorkerNodeID         string    `json:"workerNodeId"`
	WorkerGraphID        string    `json:"workerGraphId"`
	Severity             Severity  `json:"severity"`
	Cause                string    `json:"cause"`
	JudgeReasoning       string    `json:"judgeReasoning"`
	SuggestedAction      string    `json:"suggestedAction"`
	RecentVerdicts       []string  `json:"recentVerdicts"`
	TotalStepsChecked    int       `json:"totalStepsChecked"`
	StepsSinceLastAccept int       `json:"stepsSinceLastAccept"`
	StallMinutes         *float64  `json:"stallMinutes,omitempty"`
	EvidenceSnippet      string    `json:"evidenceSnippet"`
}

const maxEvidenceSnippet = 500
const recentVerdictsWindow = 10

// workerTally is the running count the Health Judge keeps for one worker
// node, updated as GOAL_PROGRESS/NODE_LOOP_COMPLETED events arrive on the
// shared bus.
type workerTally struct {
	recentVerdicts       []string
	totalStepsChecked    int
	stepsSinceLastAccept int
	lastAcceptAt         time.Time
	hasAccepted          bool
}

// Tracker is the Health Judge's Reconcile equivalent: it watches the shared
// EventBus for one or more worker graphs and keeps a per-node tally of
// consecutive judge verdicts, so a node visit can ask "has this node been
// stuck" without re-reading conversation history from disk on every tick.
type Tracker struct {
	mu      sync.Mutex
	tallies map[string]*workerTally // key: graphID/streamID/nodeID
	logger  *logging.Logger
}

// NewTracker builds a Tracker and subscribes it to eventBus. Call the
// returned function to unsubscribe.
func NewTracker(eventBus *bus.Bus) (*Tracker, func()) {
	t := &Tracker{
		tallies: make(map[string]*workerTally),
		logger:  logging.New().WithComponent("monitoring"),
	}
	subID, ch := eventBus.Subscribe(bus.Filter{})
	go func() {
		for evt := range ch {
			t.observe(evt)
		}
	}()
	return t, func() { eventBus.Unsubscribe(subID) }
}

func tallyKey(graphID, streamID, nodeID string) string {
	return graphID + "/" + streamID + "/" + nodeID
}

func (t *Tracker) observe(evt bus.Event) {
	var verdict string
	switch evt.Type {
	case bus.GoalProgress:
		if v, ok := evt.Payload["verdict"].(string); ok {
			verdict = v
		}
	case bus.NodeLoopCompleted:
		if v, ok := evt.Payload["verdict"].(string); ok {
			verdict = v
		}
	default:
		return
	}
	if verdict == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	key := tallyKey(evt.GraphID, evt.StreamID, evt.NodeID)
	tally, ok := t.tallies[key]
	if !ok {
		tally = &workerTally{}
		t.tallies[key] = tally
	}
	tally.totalStepsChecked++
	tally.recentVerdicts = append(tally.recentVerdicts, verdict)
	if len(tally.recentVerdicts) > recentVerdictsWindow {
		tally.recentVerdicts = tally.recentVerdicts[len(tally.recentVerdicts)-recentVerdictsWindow:]
	}
	if verdict == "ACCEPT" {
		tally.stepsSinceLastAccept = 0
		tally.lastAcceptAt = time.Now()
		tally.hasAccepted = true
		return
	}
	tally.stepsSinceLastAccept++
}

// Snapshot reports the current tally for one worker node, and whether
// anything has been observed for it yet.
func (t *Tracker) Snapshot(graphID, streamID, nodeID string) (workerTally, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tally, ok := t.tallies[tallyKey(graphID, streamID, nodeID)]
	if !ok {
		return workerTally{}, false
	}
	return *tally, true
}

// classify maps a stall tally to a severity, grounded on the teacher's own
// drift-trigger thresholds (low confidence / excess assumptions were
// single-signal triggers; here the single signal is consecutive non-accept
// verdicts).
func classify(stepsSinceLastAccept int) Severity {
	switch {
	case stepsSinceLastAccept >= 25:
		return SeverityCritical
	case stepsSinceLastAccept >= 15:
		return SeverityHigh
	case stepsSinceLastAccept >= 5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// EmitEscalationTicketTool is the Health Judge's tool: given a worker
// identity and the judge's own reasoning, it consults the Tracker's tally
// and publishes WORKER_ESCALATION_TICKET on the shared bus.
type EmitEscalationTicketTool struct {
	Bus     *bus.Bus
	Tracker *Tracker
}

func (EmitEscalationTicketTool) Name() string { return "emit_escalation_ticket" }

func (EmitEscalationTicketTool) Description() string {
	return "Emit a WORKER_ESCALATION_TICKET for a worker node that appears stuck, so the Queen graph can decide whether to notify the operator."
}

func (EmitEscalationTicketTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"workerAgentId":   map[string]interface{}{"type": "string"},
			"workerSessionId": map[string]interface{}{"type": "string"},
			"workerNodeId":    map[string]interface{}{"type": "string"},
			"workerGraphId":   map[string]interface{}{"type": "string"},
			"workerStreamId":  map[string]interface{}{"type": "string"},
			"cause":           map[string]interface{}{"type": "string"},
			"judgeReasoning":  map[string]interface{}{"type": "string"},
			"suggestedAction": map[string]interface{}{"type": "string"},
			"evidenceSnippet": map[string]interface{}{"type": "string"},
		},
		"required": []string{"workerAgentId", "workerSessionId", "workerNodeId", "workerGraphId", "workerStreamId", "cause", "judgeReasoning", "suggestedAction"},
	}
}

func (t EmitEscalationTicketTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	workerGraphID, _ := args["workerGraphId"].(string)
	workerStreamID, _ := args["workerStreamId"].(string)
	workerNodeID, _ := args["workerNodeId"].(string)

	tally, _ := t.Tracker.Snapshot(workerGraphID, workerStreamID, workerNodeID)

	evidence, _ := args["evidenceSnippet"].(string)
	if len(evidence) > maxEvidenceSnippet {
		evidence = evidence[:maxEvidenceSnippet]
	}

	ticket := EscalationTicket{
		TicketID:             uuid.NewString(),
		CreatedAt:            time.Now(),
		WorkerAgentID:        stringArg(args, "workerAgentId"),
		WorkerSessionID:      stringArg(args, "workerSessionId"),
		WorkerNodeID:         workerNodeID,
		WorkerGraphID:        workerGraphID,
		Severity:             classify(tally.stepsSinceLastAccept),
		Cause:                stringArg(args, "cause"),
		JudgeReasoning:       stringArg(args, "judgeReasoning"),
		SuggestedAction:      stringArg(args, "suggestedAction"),
		RecentVerdicts:       append([]string(nil), tally.recentVerdicts...),
		TotalStepsChecked:    tally.totalStepsChecked,
		StepsSinceLastAccept: tally.stepsSinceLastAccept,
		EvidenceSnippet:      evidence,
	}
	if tally.hasAccepted {
		minutes := time.Since(tally.lastAcceptAt).Minutes()
		ticket.StallMinutes = &minutes
	}

	if t.Bus != nil {
		t.Bus.Publish(bus.Event{
			Type:    bus.WorkerEscalationTicket,
			GraphID: workerGraphID,
			Payload: map[string]any{"ticket": ticket},
		})
	}
	return ticket, nil
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

// NotifyOperatorTool is the Queen's tool: it takes the Queen's own analysis
// of a ticket and publishes QUEEN_INTERVENTION_REQUESTED, the signal an
// operator-facing surface (CLI, webhook, TUI) subscribes to.
type NotifyOperatorTool struct {
	Bus *bus.Bus
}

func (NotifyOperatorTool) Name() string { return "notify_operator" }

func (NotifyOperatorTool) Description() string {
	return "Notify the human operator that a worker graph needs attention, after reviewing an escalation ticket."
}

func (NotifyOperatorTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ticketId":      map[string]interface{}{"type": "string"},
			"analysis":      map[string]interface{}{"type": "string"},
			"severity":      map[string]interface{}{"type": "string", "enum": []string{"low", "medium", "high", "critical"}},
			"queenGraphId":  map[string]interface{}{"type": "string"},
			"queenStreamId": map[string]interface{}{"type": "string"},
		},
		"required": []string{"ticketId", "analysis", "severity", "queenGraphId", "queenStreamId"},
	}
}

func (t NotifyOperatorTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	ticketID := stringArg(args, "ticketId")
	if ticketID == "" {
		return nil, fmt.Errorf("monitoring: notify_operator requires ticketId")
	}
	payload := map[string]any{
		"ticketId":      ticketID,
		"analysis":      stringArg(args, "analysis"),
		"severity":      stringArg(args, "severity"),
		"queenGraphId":  stringArg(args, "queenGraphId"),
		"queenStreamId": stringArg(args, "queenStreamId"),
	}
	if t.Bus != nil {
		t.Bus.Publish(bus.Event{Type: bus.QueenInterventionRequest, GraphID: stringArg(args, "queenGraphId"), Payload: payload})
	}
	return payload, nil
}
