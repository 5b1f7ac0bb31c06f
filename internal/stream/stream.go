// Package stream implements ExecutionStream: the lifecycle wrapper that owns
// one GraphExecutor, its cancellation, and its per-node conversation stores
// for a single (graph, entryPoint, session) triple.
package stream

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgraph/runtime/internal/bus"
	"github.com/agentgraph/runtime/internal/checkpoint"
	"github.com/agentgraph/runtime/internal/convstore"
	"github.com/agentgraph/runtime/internal/executor"
	"github.com/agentgraph/runtime/internal/graph"
	"github.com/agentgraph/runtime/internal/memory"
	"github.com/agentgraph/runtime/internal/rterrors"
	"github.com/agentgraph/runtime/internal/sessionstore"
)

// chanWaiter bridges InjectInput to the executor's blocking InputWaiter
// contract with a single-slot buffered channel; a waiting Execute call reads
// it, InjectInput writes it.
type chanWaiter struct {
	ch chan string
}

func newChanWaiter() *chanWaiter { return &chanWaiter{ch: make(chan string, 1)} }

func (w *chanWaiter) Await(ctx context.Context) (string, error) {
	select {
	case v := <-w.ch:
		return v, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stream is one running (or pausable, resumable) execution of a graph from
// an entry node within a session. Stream.Execute is single-threaded: a
// second concurrent call fails with rterrors.ErrStreamBusy unless
// maxConcurrent was configured above 1. Then concurrent calls are admitted
// with no cap on their number; they share the stream's per-node conversation
// stores, shared memory and visit counts, and Cancel cancels only the most
// recently started call.
type Stream struct {
	ID            string
	GraphID       string
	SessionID     string
	MaxConcurrent int

	spec *graph.Spec
	exec *executor.Executor
	bus  *bus.Bus
	sess *sessionstore.Store
	ckpt *checkpoint.Store

	mu           sync.Mutex
	mem          *memory.Shared
	visitCounts  map[string]int
	convStores   map[string]*convstore.Store
	waiter       *chanWaiter
	cancel       context.CancelFunc
	running      int
	executionSeq int
	joinGates    map[string]*joinGate
}

// joinGate barriers a convergent node (in-degree > 1) until every branch
// that targets it in the current fan-out has ACCEPTed. The last branch to
// arrive is the one that actually visits the node; every earlier arrival
// waits on done and then returns, since the winning branch's continued loop
// will visit the node on the next iteration and downstream branches would
// otherwise duplicate the visit spec.md §8 scenario 3 forbids.
type joinGate struct {
	required int
	arrived  int
	done     chan struct{}
}

// arriveAtJoin registers one branch's arrival at nodeID and reports whether
// this call is the one that should proceed to visit it. Every other caller
// blocks until the proceeding call's branch reaches this same barrier again
// (impossible, since it moves on) or the barrier closes, whichever is first.
func (s *Stream) arriveAtJoin(ctx context.Context, nodeID string) (bool, error) {
	s.mu.Lock()
	if s.joinGates == nil {
		s.joinGates = make(map[string]*joinGate)
	}
	g, ok := s.joinGates[nodeID]
	if !ok {
		g = &joinGate{required: s.spec.InDegree(nodeID), done: make(chan struct{})}
		s.joinGates[nodeID] = g
	}
	g.arrived++
	proceed := g.arrived >= g.required
	if proceed {
		delete(s.joinGates, nodeID)
	}
	s.mu.Unlock()

	if proceed {
		close(g.done)
		return true, nil
	}
	select {
	case <-g.done:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// New builds a Stream. sess must already be rooted at the session's
// directory (e.g. via AgentRuntime's per-entry-point ChildStoreFor).
func New(id, graphID, sessionID string, spec *graph.Spec, exec *executor.Executor, eventBus *bus.Bus, sess *sessionstore.Store) (*Stream, error) {
	ckpt, err := checkpoint.Open(sess.CheckpointsDir(sessionID))
	if err != nil {
		return nil, fmt.Errorf("stream: open checkpoint store: %w", err)
	}
	return &Stream{
		ID:          id,
		GraphID:     graphID,
		SessionID:   sessionID,
		spec:        spec,
		exec:        exec,
		bus:         eventBus,
		sess:        sess,
		ckpt:        ckpt,
		mem:         memory.NewShared(nil),
		visitCounts: make(map[string]int),
		convStores:  make(map[string]*convstore.Store),
	}, nil
}

// newAccumulator builds the OutputAccumulator for one node visit, wiring its
// onSet write-through hook to persist cursor.json on every set_output call
// (spec.md §4.4's "durability before acceptance"). Without this, a crash
// between set_output and the post-judge cursor write loses the partial
// output on resume; wiring onSet here means the accumulator's outputs are
// never more than one Set call ahead of what's on disk.
func newAccumulator(conv *convstore.Store, cursor *convstore.Cursor) *memory.Accumulator {
	base := convstore.Cursor{}
	var initial map[string]any
	if cursor != nil {
		base = *cursor
		initial = cursor.Outputs
	}
	onSet := func(outputs map[string]any) error {
		c := base
		c.Outputs = outputs
		return conv.WriteCursor(c)
	}
	return memory.NewAccumulator(initial, onSet)
}

func (s *Stream) convStoreFor(nodeID string) (*convstore.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.convStores[nodeID]; ok {
		return cs, nil
	}
	dir := filepath.Join(s.sess.ConversationsDir(s.SessionID), nodeID)
	cs, err := convstore.Open(dir)
	if err != nil {
		return nil, err
	}
	s.convStores[nodeID] = cs
	return cs, nil
}

// Execute runs the stream to completion, failure or a cooperative pause
// starting at entryNodeID. It returns once the graph reaches a terminal
// node, dead-ends, escalates unrecoverably, or Cancel is called.
func (s *Stream) Execute(ctx context.Context, entryNodeID, input string) error {
	s.mu.Lock()
	if s.running > 0 && s.MaxConcurrent <= 1 {
		s.mu.Unlock()
		return rterrors.ErrStreamBusy
	}
	s.running++
	execCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.executionSeq++
	executionID := fmt.Sprintf("%s-%d", s.ID, s.executionSeq)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
	}()

	s.publish(executionID, "", bus.ExecutionStarted, map[string]any{"entryNode": entryNodeID})

	currentNode := entryNodeID
	currentInput := input
	visitNumbers := make(map[string]int)

	for {
		if err := execCtx.Err(); err != nil {
			s.publish(executionID, currentNode, bus.ExecutionPaused, map[string]any{"reason": "cancelled"})
			return nil
		}

		node, ok := s.spec.Node(currentNode)
		if !ok {
			s.publish(executionID, currentNode, bus.ExecutionFailed, map[string]any{"reason": "unknown node " + currentNode})
			return fmt.Errorf("stream: %w: node %q", rterrors.ErrGraphNotFound, currentNode)
		}

		conv, err := s.convStoreFor(currentNode)
		if err != nil {
			return fmt.Errorf("stream: open conversation store for %s: %w", currentNode, err)
		}
		if _, err := conv.Repair(); err != nil {
			return fmt.Errorf("stream: repair conversation for %s: %w", currentNode, err)
		}
		cursor, err := conv.ReadCursor()
		if err != nil {
			return fmt.Errorf("%w: %v", rterrors.ErrCorruptCursor, err)
		}
		acc := newAccumulator(conv, cursor)

		visitNumbers[currentNode]++
		s.mu.Lock()
		s.visitCounts[currentNode]++
		s.waiter = newChanWaiter()
		waiter := s.waiter
		s.mu.Unlock()

		vc := executor.VisitContext{
			GraphID:     s.GraphID,
			StreamID:    s.ID,
			SessionID:   s.SessionID,
			ExecutionID: executionID,
			NodeID:      currentNode,
			VisitNumber: visitNumbers[currentNode],
		}

		result, err := s.exec.Run(execCtx, vc, node, &s.spec.Goal, conv, acc, s.mem, cursor, currentInput, waiter)
		s.mu.Lock()
		if s.waiter == waiter {
			s.waiter = nil
		}
		s.mu.Unlock()
		if err != nil {
			s.publish(executionID, currentNode, bus.ExecutionFailed, map[string]any{"error": err.Error()})
			return err
		}

		switch result.Outcome {
		case executor.OutcomePaused:
			return s.persistState(sessionstore.StatusPaused)

		case executor.OutcomeAccepted, executor.OutcomeEscalated:
			if err := s.persistState(sessionstore.StatusActive); err != nil {
				return err
			}
			s.mu.Lock()
			visitCountsCopy := make(map[string]int, len(s.visitCounts))
			for k, v := range s.visitCounts {
				visitCountsCopy[k] = v
			}
			s.mu.Unlock()

			advance := executor.Advance(s.spec, currentNode, result.Outcome == executor.OutcomeAccepted, s.mem.Snapshot(), visitCountsCopy)
			s.publish(executionID, currentNode, bus.EdgeTraversed, map[string]any{"outcome": string(advance.Outcome), "targets": advance.Targets})

			switch advance.Outcome {
			case executor.AdvanceComplete:
				s.publish(executionID, currentNode, bus.ExecutionCompleted, nil)
				return s.persistState(sessionstore.StatusCompleted)
			case executor.AdvanceFailed:
				s.publish(executionID, currentNode, bus.ExecutionFailed, map[string]any{"reason": advance.Rationale})
				_ = s.persistState(sessionstore.StatusFailed)
				return fmt.Errorf("stream: %s", advance.Rationale)
			case executor.AdvanceEscalate:
				s.publish(executionID, currentNode, bus.ExecutionFailed, map[string]any{"reason": advance.Rationale})
				_ = s.persistState(sessionstore.StatusFailed)
				return fmt.Errorf("stream: %w: %s", rterrors.ErrJudgeEscalated, advance.Rationale)
			case executor.AdvanceFeedback:
				currentNode = advance.Targets[0]
				currentInput = ""
				continue
			case executor.AdvanceFanOut:
				if len(advance.Targets) == 1 {
					currentNode = advance.Targets[0]
					currentInput = ""
					continue
				}
				return s.executeFanOut(execCtx, executionID, advance.Targets)
			}
		}
	}
}

// executeFanOut runs each fan-out target as its own sub-execution,
// concurrently, each against its own node visit state; it returns once every
// branch has either completed, dead-ended, or escalated. A fan-out branch
// that itself fans out recurses.
func (s *Stream) executeFanOut(ctx context.Context, executionID string, targets []string) error {
	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			errs[i] = s.runBranch(ctx, executionID, target)
		}(i, target)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// runBranch drives one node-to-terminal-or-dead-end chain within a fan-out,
// reusing the same shared memory and visit-count bookkeeping as the parent
// Execute loop but without re-entering Stream.Execute's busy check.
func (s *Stream) runBranch(ctx context.Context, executionID, startNode string) error {
	currentNode := startNode
	currentInput := ""
	visitNumbers := make(map[string]int)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		node, ok := s.spec.Node(currentNode)
		if !ok {
			return fmt.Errorf("stream: %w: node %q", rterrors.ErrGraphNotFound, currentNode)
		}

		if s.spec.InDegree(currentNode) > 1 {
			proceed, err := s.arriveAtJoin(ctx, currentNode)
			if err != nil {
				return nil
			}
			if !proceed {
				return nil
			}
		}

		conv, err := s.convStoreFor(currentNode)
		if err != nil {
			return err
		}
		cursor, err := conv.ReadCursor()
		if err != nil {
			return fmt.Errorf("%w: %v", rterrors.ErrCorruptCursor, err)
		}
		acc := newAccumulator(conv, cursor)

		visitNumbers[currentNode]++
		s.mu.Lock()
		s.visitCounts[currentNode]++
		waiter := newChanWaiter()
		s.mu.Unlock()

		vc := executor.VisitContext{
			GraphID:     s.GraphID,
			StreamID:    s.ID,
			SessionID:   s.SessionID,
			ExecutionID: executionID,
			NodeID:      currentNode,
			VisitNumber: visitNumbers[currentNode],
		}
		result, err := s.exec.Run(ctx, vc, node, &s.spec.Goal, conv, acc, s.mem, cursor, currentInput, waiter)
		if err != nil {
			return err
		}
		if result.Outcome == executor.OutcomePaused {
			return nil
		}

		s.mu.Lock()
		visitCountsCopy := make(map[string]int, len(s.visitCounts))
		for k, v := range s.visitCounts {
			visitCountsCopy[k] = v
		}
		s.mu.Unlock()

		advance := executor.Advance(s.spec, currentNode, result.Outcome == executor.OutcomeAccepted, s.mem.Snapshot(), visitCountsCopy)
		switch advance.Outcome {
		case executor.AdvanceComplete:
			return nil
		case executor.AdvanceFailed:
			return fmt.Errorf("stream: %s", advance.Rationale)
		case executor.AdvanceEscalate:
			return fmt.Errorf("stream: %w: %s", rterrors.ErrJudgeEscalated, advance.Rationale)
		case executor.AdvanceFeedback:
			currentNode = advance.Targets[0]
			currentInput = ""
			continue
		case executor.AdvanceFanOut:
			if len(advance.Targets) == 1 {
				currentNode = advance.Targets[0]
				currentInput = ""
				continue
			}
			return s.executeFanOut(ctx, executionID, advance.Targets)
		}
	}
}

// InjectInput delivers a client reply to the node visit currently paused on
// CLIENT_INPUT_REQUESTED. It is a no-op error if no visit is waiting.
func (s *Stream) InjectInput(text string) error {
	s.mu.Lock()
	w := s.waiter
	s.mu.Unlock()
	if w == nil {
		return fmt.Errorf("stream: no node visit is awaiting input")
	}
	select {
	case w.ch <- text:
		return nil
	default:
		return fmt.Errorf("stream: node visit already has a pending reply")
	}
}

// Cancel requests cooperative cancellation of the in-flight Execute call, if
// any. It is safe to call even when nothing is running.
func (s *Stream) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Checkpoint saves a named snapshot of shared memory plus every visited
// node's cursor.
func (s *Stream) Checkpoint(name string) error {
	s.mu.Lock()
	cursors := make(map[string]convstore.Cursor, len(s.convStores))
	for nodeID, cs := range s.convStores {
		cur, err := cs.ReadCursor()
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("stream: read cursor for %s: %w", nodeID, err)
		}
		if cur != nil {
			cursors[nodeID] = *cur
		}
	}
	snapshot := s.mem.Snapshot()
	s.mu.Unlock()
	return s.ckpt.Save(name, snapshot, cursors)
}

// RestoreCheckpoint replaces shared memory and every node's cursor with the
// contents of a previously saved checkpoint.
func (s *Stream) RestoreCheckpoint(name string) error {
	snap, err := s.ckpt.Load(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.mem = memory.NewShared(snap.Memory)
	s.mu.Unlock()
	for nodeID, cursor := range snap.Cursors {
		cs, err := s.convStoreFor(nodeID)
		if err != nil {
			return err
		}
		if err := cs.WriteCursor(cursor); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) persistState(status sessionstore.Status) error {
	state, err := s.sess.ReadState(s.SessionID)
	if err != nil {
		return fmt.Errorf("stream: read session state: %w", err)
	}
	if state == nil {
		state = &sessionstore.State{ID: s.SessionID, GraphID: s.GraphID, CreatedAt: time.Now()}
	}
	state.Memory = s.mem.Snapshot()
	state.Status = status
	return s.sess.WriteState(s.SessionID, state)
}

func (s *Stream) publish(executionID, nodeID string, t bus.EventType, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		ID:          uuid.NewString(),
		Type:        t,
		Timestamp:   time.Now(),
		GraphID:     s.GraphID,
		StreamID:    s.ID,
		NodeID:      nodeID,
		ExecutionID: executionID,
		Payload:     payload,
	})
}
