// Package runtime implements AgentRuntime (spec.md §4.9): the multi-graph
// registry that owns the primary graph's session plus any number of
// secondary graphs, each with their own streams, triggers and, optionally,
// their own storage sub-root.
package runtime

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/agentgraph/runtime/internal/bus"
	"github.com/agentgraph/runtime/internal/executor"
	"github.com/agentgraph/runtime/internal/graph"
	"github.com/agentgraph/runtime/internal/memory"
	"github.com/agentgraph/runtime/internal/rterrors"
	"github.com/agentgraph/runtime/internal/sessionstore"
	"github.com/agentgraph/runtime/internal/stream"
	"github.com/agentgraph/runtime/internal/trigger"
	"github.com/vinayprograms/agentkit/logging"
)

// registration tracks one registered graph's wiring: its spec, the store it
// persists into (the primary store itself, or a ChildStoreFor sub-root), one
// Stream per entry point, and the trigger.Manager driving non-manual entry
// points.
type registration struct {
	graphID string
	spec    *graph.Spec
	store   *sessionstore.Store
	streams map[string]*stream.Stream // entryPointID -> Stream
	entries map[string]graph.EntryPointSpec
	mgr     *trigger.Manager
	cancel  context.CancelFunc
}

// Runtime is AgentRuntime: a single primary graph plus zero or more
// secondary graphs, all sharing one EventBus and one webhook listener.
type Runtime struct {
	mu             sync.Mutex
	primaryGraphID string
	primarySession string
	sessionStore   *sessionstore.Store
	bus            *bus.Bus
	webhooks       *trigger.WebhookServer
	exec           *executor.Executor

	graphs    map[string]*registration
	activeID  string
	lastInput time.Time
	hasInput  bool

	logger *logging.Logger
}

// New builds a Runtime around an already-open primary SessionStore, an
// EventBus every stream publishes onto, and an Executor shared by every
// stream in every graph (the executor itself is graph-agnostic: LLM client,
// tool registry and judge are constant across graphs). webhooks may be nil
// if no graph registered so far uses webhook-type entry points.
func New(sessionStore *sessionstore.Store, eventBus *bus.Bus, exec *executor.Executor, webhooks *trigger.WebhookServer) *Runtime {
	return &Runtime{
		sessionStore: sessionStore,
		bus:          eventBus,
		exec:         exec,
		webhooks:     webhooks,
		graphs:       make(map[string]*registration),
		logger:       logging.New().WithComponent("runtime"),
	}
}

// AddGraph registers a graph under graphID, bound to the given session.
// sessionID is the session the graph runs in; for the primary graph (empty
// storageSubpath) it is also the session every isolated secondary entry
// point borrows SharedMemory from via primary-session bridging. If storageSubpath
// is non-empty, the graph's own state lives under
// {primarySession}/graphs/{storageSubpath} rather than the primary session's
// own state.json; an empty storageSubpath makes this graph the primary
// graph, writing directly into the session root. AddGraph may be called
// while the runtime is already running.
func (r *Runtime) AddGraph(graphID string, spec *graph.Spec, sessionID, storageSubpath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.graphs[graphID]; exists {
		return fmt.Errorf("runtime: graph %q already registered", graphID)
	}

	store := r.sessionStore
	if storageSubpath != "" {
		childStore, err := r.sessionStore.ChildStoreFor(sessionID, storageSubpath)
		if err != nil {
			return fmt.Errorf("runtime: open child store for %q: %w", graphID, err)
		}
		store = childStore
	} else {
		r.primaryGraphID = graphID
		r.primarySession = sessionID
	}

	if r.activeID == "" {
		r.activeID = graphID
	}

	reg := &registration{
		graphID: graphID,
		spec:    spec,
		store:   store,
		streams: make(map[string]*stream.Stream),
		entries: make(map[string]graph.EntryPointSpec),
	}

	for _, ep := range spec.EntryPoints {
		st, err := stream.New(ep.ID, graphID, sessionID, spec, r.exec, r.bus, store)
		if err != nil {
			return fmt.Errorf("runtime: build stream for entry point %q: %w", ep.ID, err)
		}
		st.MaxConcurrent = ep.MaxConcurrent
		reg.streams[ep.ID] = st
		reg.entries[ep.ID] = ep
	}

	ctx, cancel := context.WithCancel(context.Background())
	reg.cancel = cancel
	reg.mgr = trigger.NewManager(r.bus, r.webhooks, func(f trigger.Fire) {
		r.handleFire(graphID, f)
	})
	if err := reg.mgr.Start(ctx, graphID, spec.EntryPoints); err != nil {
		cancel()
		return fmt.Errorf("runtime: start triggers for %q: %w", graphID, err)
	}

	r.graphs[graphID] = reg
	r.logger.Info("graph added", map[string]interface{}{"graphId": graphID, "entryPoints": len(spec.EntryPoints)})
	return nil
}

// RemoveGraph stops every stream's trigger for graphID, unsubscribes its
// event listeners and drops its registration. Removing the primary graph is
// rejected: the primary session has nowhere to go without it.
func (r *Runtime) RemoveGraph(graphID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if graphID == r.primaryGraphID {
		return fmt.Errorf("runtime: cannot remove the primary graph %q", graphID)
	}
	reg, ok := r.graphs[graphID]
	if !ok {
		return rterrors.NewNotFound("graph", graphID, rterrors.ErrGraphNotFound)
	}

	reg.mgr.Stop()
	reg.cancel()
	for _, st := range reg.streams {
		st.Cancel()
	}
	delete(r.graphs, graphID)
	if r.activeID == graphID {
		r.activeID = r.primaryGraphID
	}
	r.logger.Info("graph removed", map[string]interface{}{"graphId": graphID})
	return nil
}

// Trigger fires entryPointID in graphID (or the active graph, if graphID is
// empty) with input, running its stream's Execute synchronously from the
// entry point's configured entry node.
func (r *Runtime) Trigger(ctx context.Context, graphID, entryPointID, input string) error {
	reg, ep, st, err := r.resolveEntryPoint(graphID, entryPointID)
	if err != nil {
		return err
	}
	r.noteInput()
	return st.Execute(ctx, ep.EntryNode, r.bridgedInput(reg, ep, input))
}

// handleFire is the trigger.Manager callback for non-manual entry points:
// timer, event, and webhook triggers all funnel through here.
func (r *Runtime) handleFire(graphID string, f trigger.Fire) {
	reg, ep, st, err := r.resolveEntryPoint(graphID, f.EntryPointID)
	if err != nil {
		r.logger.Warn("fire for unknown entry point", map[string]interface{}{"graphId": graphID, "entryPointId": f.EntryPointID, "error": err.Error()})
		return
	}
	input := r.bridgedInput(reg, ep, payloadToInput(f.Payload))
	go func() {
		if err := st.Execute(context.Background(), ep.EntryNode, input); err != nil {
			r.logger.Error("triggered execution failed", map[string]interface{}{"graphId": graphID, "entryPointId": f.EntryPointID, "error": err.Error()})
		}
	}()
}

func payloadToInput(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if body, ok := payload["body"].(string); ok {
		return body
	}
	return ""
}

// bridgedInput implements primary-session bridging (spec.md §4.9): when an
// isolated secondary entry point fires, it receives the primary session's
// SharedMemory filtered to its entry node's inputKeys instead of whatever
// input the caller passed, since isolated secondary graphs have no
// conversational caller of their own.
func (r *Runtime) bridgedInput(reg *registration, ep graph.EntryPointSpec, input string) string {
	if ep.IsolationLevel != graph.IsolationIsolated || reg.graphID == r.primaryGraphID {
		return input
	}
	primary, ok := r.graphs[r.primaryGraphID]
	if !ok {
		return input
	}
	node, ok := reg.spec.Node(ep.EntryNode)
	if !ok {
		return input
	}
	primaryState, err := r.sessionStore.ReadState(r.primarySession)
	if err != nil {
		return input
	}
	filtered := memory.NewShared(primaryState.Memory).Filtered(node.InputKeys)
	return encodeBridgedMemory(filtered)
}

func (r *Runtime) resolveEntryPoint(graphID, entryPointID string) (*registration, graph.EntryPointSpec, *stream.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if graphID == "" {
		graphID = r.activeID
	}
	reg, ok := r.graphs[graphID]
	if !ok {
		return nil, graph.EntryPointSpec{}, nil, rterrors.NewNotFound("graph", graphID, rterrors.ErrGraphNotFound)
	}
	ep, ok := reg.entries[entryPointID]
	if !ok {
		return nil, graph.EntryPointSpec{}, nil, rterrors.NewNotFound("entryPoint", entryPointID, rterrors.ErrEntryPointNotFound)
	}
	st := reg.streams[entryPointID]
	return reg, ep, st, nil
}

// InjectInput delivers content to a paused node awaiting CLIENT_INPUT. It
// searches the active graph's streams first, then every other registered
// graph, since the caller rarely knows which graph owns the waiting node.
func (r *Runtime) InjectInput(nodeID, content, graphID string) error {
	r.mu.Lock()
	ordered := r.searchOrder(graphID)
	r.mu.Unlock()

	r.noteInput()
	var lastErr error
	for _, reg := range ordered {
		for _, st := range reg.streams {
			err := st.InjectInput(content)
			if err == nil {
				return nil
			}
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("runtime: no stream is awaiting input for node %q", nodeID)
	}
	return lastErr
}

// searchOrder returns registrations with the active (or named) graph first.
func (r *Runtime) searchOrder(graphID string) []*registration {
	if graphID == "" {
		graphID = r.activeID
	}
	ordered := make([]*registration, 0, len(r.graphs))
	if reg, ok := r.graphs[graphID]; ok {
		ordered = append(ordered, reg)
	}
	for id, reg := range r.graphs {
		if id != graphID {
			ordered = append(ordered, reg)
		}
	}
	return ordered
}

// ActiveGraphID returns the graph currently focused by the TUI/HTTP surface.
func (r *Runtime) ActiveGraphID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// SetActiveGraphID changes TUI/HTTP focus only; it does not pause or affect
// execution of any non-active graph.
func (r *Runtime) SetActiveGraphID(graphID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.graphs[graphID]; !ok {
		return rterrors.NewNotFound("graph", graphID, rterrors.ErrGraphNotFound)
	}
	r.activeID = graphID
	return nil
}

// noteInput stamps the monotonic last-input marker, consumed by
// UserIdleSeconds.
func (r *Runtime) noteInput() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastInput = time.Now()
	r.hasInput = true
}

// UserIdleSeconds reports how long it has been since the last user-facing
// Trigger or InjectInput call, or +Inf if the user has never interacted with
// this runtime instance.
func (r *Runtime) UserIdleSeconds() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasInput {
		return math.Inf(1)
	}
	return time.Since(r.lastInput).Seconds()
}

// encodeBridgedMemory renders a filtered SharedMemory snapshot as the plain
// text input a GraphExecutor step expects; keys are written in a stable
// order so bridged input is reproducible across runs.
func encodeBridgedMemory(filtered map[string]any) string {
	if len(filtered) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filtered))
	for k := range filtered {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += "\n"
		}
		out += fmt.Sprintf("%s: %v", k, filtered[k])
	}
	return out
}
