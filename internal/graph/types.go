// Package graph defines the static data model of a runtime graph: nodes, edges,
// entry points and the goal that gives them meaning.
package graph

import "fmt"

// IsolationLevel controls how a node's or entry point's state is shared.
type IsolationLevel string

const (
	IsolationIsolated     IsolationLevel = "isolated"
	IsolationShared       IsolationLevel = "shared"
	IsolationSynchronized IsolationLevel = "synchronized"
)

// ConversationMode controls whether a node's visits share one conversation thread.
type ConversationMode string

const (
	ConversationIsolated   ConversationMode = "isolated"
	ConversationContinuous ConversationMode = "continuous"
)

// EdgeCondition is the kind of guard an edge evaluates before it is traversed.
type EdgeCondition string

const (
	OnSuccess   EdgeCondition = "ON_SUCCESS"
	OnFailure   EdgeCondition = "ON_FAILURE"
	Always      EdgeCondition = "ALWAYS"
	Conditional EdgeCondition = "CONDITIONAL"
)

// TriggerType names how an entry point is fired.
type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerTimer   TriggerType = "timer"
	TriggerEvent   TriggerType = "event"
	TriggerWebhook TriggerType = "webhook"
)

// NodeSpec is one vertex of a GraphSpec.
type NodeSpec struct {
	ID                 string           `yaml:"id"`
	Description        string           `yaml:"description"`
	SystemPrompt       string           `yaml:"systemPrompt"`
	InputKeys          []string         `yaml:"inputKeys"`
	OutputKeys         []string         `yaml:"outputKeys"`
	NullableOutputKeys []string         `yaml:"nullableOutputKeys"`
	Tools              []string         `yaml:"tools"`
	ClientFacing       bool             `yaml:"clientFacing"`
	IsolationLevel     IsolationLevel   `yaml:"isolationLevel"`
	ConversationMode   ConversationMode `yaml:"conversationMode"`
	MaxNodeVisits      int              `yaml:"maxNodeVisits"`
	MaxRetries         int              `yaml:"maxRetries"`
	SuccessCriteria    string           `yaml:"successCriteria"`
}

// HasOutputKey reports whether key is among the node's declared outputKeys.
func (n *NodeSpec) HasOutputKey(key string) bool {
	for _, k := range n.OutputKeys {
		if k == key {
			return true
		}
	}
	return false
}

// RequiredOutputKeys returns outputKeys minus nullableOutputKeys.
func (n *NodeSpec) RequiredOutputKeys() []string {
	nullable := make(map[string]bool, len(n.NullableOutputKeys))
	for _, k := range n.NullableOutputKeys {
		nullable[k] = true
	}
	var required []string
	for _, k := range n.OutputKeys {
		if !nullable[k] {
			required = append(required, k)
		}
	}
	return required
}

// EdgeSpec is one directed arc of a GraphSpec.
type EdgeSpec struct {
	ID            string        `yaml:"id"`
	Source        string        `yaml:"source"`
	Target        string        `yaml:"target"`
	Condition     EdgeCondition `yaml:"condition"`
	ConditionExpr string        `yaml:"conditionExpr"`
	Priority      int           `yaml:"priority"`
}

// IsFeedback reports whether this edge loops backward (negative priority).
func (e *EdgeSpec) IsFeedback() bool { return e.Priority < 0 }

// SuccessCriterion is one weighted acceptance condition of a Goal.
type SuccessCriterion struct {
	Description string  `yaml:"description"`
	Weight      float64 `yaml:"weight"`
}

// Goal is informational context carried into prompts; it does not affect control flow.
type Goal struct {
	ID                string             `yaml:"id"`
	Name              string             `yaml:"name"`
	Description       string             `yaml:"description"`
	SuccessCriteria   []SuccessCriterion `yaml:"successCriteria"`
	Constraints       []string           `yaml:"constraints"`
}

// TriggerConfig configures how an EntryPointSpec fires.
type TriggerConfig struct {
	Cron             string   `yaml:"cron"`
	IntervalMinutes  int      `yaml:"intervalMinutes"`
	EventTypes       []string `yaml:"eventTypes"`
	FilterStream     string   `yaml:"filterStream"`
	FilterNode       string   `yaml:"filterNode"`
	ExcludeOwnGraph  bool     `yaml:"excludeOwnGraph"`
	WebhookPath      string   `yaml:"webhookPath"`
	WebhookSecret    string   `yaml:"webhookSecret"`
}

// EntryPointSpec binds a trigger to an entry node of a GraphSpec.
type EntryPointSpec struct {
	ID             string         `yaml:"id"`
	EntryNode      string         `yaml:"entryNode"`
	TriggerType    TriggerType    `yaml:"triggerType"`
	TriggerConfig  TriggerConfig  `yaml:"triggerConfig"`
	IsolationLevel IsolationLevel `yaml:"isolationLevel"`
	MaxConcurrent  int            `yaml:"maxConcurrent"`
	Async          bool           `yaml:"async"`
}

// Spec is the complete static description of one graph.
type Spec struct {
	ID            string           `yaml:"id"`
	Nodes         []NodeSpec       `yaml:"nodes"`
	Edges         []EdgeSpec       `yaml:"edges"`
	EntryNode     string           `yaml:"entryNode"`
	TerminalNodes []string         `yaml:"terminalNodes"`
	PauseNodes    []string         `yaml:"pauseNodes"`
	Goal          Goal             `yaml:"goal"`
	EntryPoints   []EntryPointSpec `yaml:"entryPoints"`

	nodesByID map[string]*NodeSpec
	edgesFrom map[string][]*EdgeSpec
	edgesTo   map[string][]*EdgeSpec
}

// Node looks up a node by ID after Index has been called.
func (s *Spec) Node(id string) (*NodeSpec, bool) {
	n, ok := s.nodesByID[id]
	return n, ok
}

// OutgoingEdges returns the edges sourced at nodeID, in declaration order.
func (s *Spec) OutgoingEdges(nodeID string) []*EdgeSpec {
	return s.edgesFrom[nodeID]
}

// IsTerminal reports whether nodeID is one of the graph's terminal nodes.
func (s *Spec) IsTerminal(nodeID string) bool {
	for _, id := range s.TerminalNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

// IsForeverAlive reports whether the graph declares no terminal nodes.
func (s *Spec) IsForeverAlive() bool { return len(s.TerminalNodes) == 0 }

// InDegree returns the number of distinct forward (non-feedback) edges
// targeting nodeID. A value greater than 1 marks nodeID as a join point: a
// fan-out that reaches it from more than one branch must barrier until every
// branch has arrived before the node is visited.
func (s *Spec) InDegree(nodeID string) int {
	return len(s.edgesTo[nodeID])
}

// Index builds the lookup tables used by Node/OutgoingEdges/InDegree. Must be
// called once after loading, and again after any in-place mutation of
// Nodes/Edges.
func (s *Spec) Index() {
	s.nodesByID = make(map[string]*NodeSpec, len(s.Nodes))
	for i := range s.Nodes {
		s.nodesByID[s.Nodes[i].ID] = &s.Nodes[i]
	}
	s.edgesFrom = make(map[string][]*EdgeSpec)
	s.edgesTo = make(map[string][]*EdgeSpec)
	for i := range s.Edges {
		e := &s.Edges[i]
		s.edgesFrom[e.Source] = append(s.edgesFrom[e.Source], e)
		if !e.IsFeedback() {
			s.edgesTo[e.Target] = append(s.edgesTo[e.Target], e)
		}
	}
}

// ValidationError collects every problem found while validating a Spec, so an
// operator sees all of them at once instead of fixing one and re-running.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return e.Problems[0]
	}
	return fmt.Sprintf("%d problems: %s", len(e.Problems), joinProblems(e.Problems))
}

func joinProblems(problems []string) string {
	out := ""
	for i, p := range problems {
		if i > 0 {
			out += "; "
		}
		out += p
	}
	return out
}
