// Package bus implements the runtime's topic-free, typed publish/subscribe
// EventBus: structural filters over AgentEvents, bounded per-subscription
// delivery, and an optional mirror sink for out-of-process observers.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names one of the runtime's event kinds (spec.md §4.1).
type EventType string

const (
	ExecutionStarted          EventType = "EXECUTION_STARTED"
	ExecutionCompleted        EventType = "EXECUTION_COMPLETED"
	ExecutionFailed           EventType = "EXECUTION_FAILED"
	ExecutionPaused           EventType = "EXECUTION_PAUSED"
	NodeLoopStarted           EventType = "NODE_LOOP_STARTED"
	NodeLoopCompleted         EventType = "NODE_LOOP_COMPLETED"
	EdgeTraversed             EventType = "EDGE_TRAVERSED"
	LLMTextDelta              EventType = "LLM_TEXT_DELTA"
	ToolCallStarted           EventType = "TOOL_CALL_STARTED"
	ToolCallCompleted         EventType = "TOOL_CALL_COMPLETED"
	ToolCallBlocked           EventType = "TOOL_CALL_BLOCKED"
	ClientOutputDelta         EventType = "CLIENT_OUTPUT_DELTA"
	ClientInputRequested      EventType = "CLIENT_INPUT_REQUESTED"
	ClientInputReceived       EventType = "CLIENT_INPUT_RECEIVED"
	GoalProgress              EventType = "GOAL_PROGRESS"
	WebhookReceived           EventType = "WEBHOOK_RECEIVED"
	WorkerEscalationTicket    EventType = "WORKER_ESCALATION_TICKET"
	QueenInterventionRequest  EventType = "QUEEN_INTERVENTION_REQUESTED"
	SubscriberLagged          EventType = "SUBSCRIBER_LAGGED"
)

// Event is the AgentEvent of spec.md §3/§6: every event carries the common
// envelope fields plus a type-specific payload.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"ts"`
	GraphID     string         `json:"graphId,omitempty"`
	StreamID    string         `json:"streamId,omitempty"`
	NodeID      string         `json:"nodeId,omitempty"`
	ExecutionID string         `json:"executionId,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Filter is a structural subscription filter. A zero-value field of a filter
// matches anything; ExcludeOwnGraph is set by a secondary graph's own
// subscriber to avoid reacting to its own events.
type Filter struct {
	Type            EventType
	Graph           string
	Stream          string
	Node            string
	ExcludeOwnGraph string // graphId to exclude, not a bool: the filter needs to know which graph is "own"
}

func (f Filter) matches(e Event) bool {
	if f.Type != "" && f.Type != e.Type {
		return false
	}
	if f.Graph != "" && f.Graph != e.GraphID {
		return false
	}
	if f.Stream != "" && f.Stream != e.StreamID {
		return false
	}
	if f.Node != "" && f.Node != e.NodeID {
		return false
	}
	if f.ExcludeOwnGraph != "" && f.ExcludeOwnGraph == e.GraphID {
		return false
	}
	return true
}

// subscriberBufferSize bounds per-subscription delivery so one slow consumer
// cannot block Publish for everyone else.
const subscriberBufferSize = 256

// MirrorSink receives a copy of every published event except
// SUBSCRIBER_LAGGED, best-effort, for
// out-of-process observers (e.g. a NATS bridge). Mirror never blocks or
// influences in-process delivery.
type MirrorSink interface {
	Mirror(e Event)
}

type subscription struct {
	id       string
	filter   Filter
	ch       chan Event
	closed   bool
	lagged   bool
	mu       sync.Mutex
}

// Bus is the in-process EventBus. The zero value is not usable; use New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	// streamSeq serializes publish ordering per stream so that, within one
	// stream, subscribers observe events in the order Publish was called.
	streamSeq map[string]*sync.Mutex
	mirror    MirrorSink
}

// New creates an empty EventBus. A nil mirror disables out-of-process mirroring.
func New(mirror MirrorSink) *Bus {
	return &Bus{
		subs:      make(map[string]*subscription),
		streamSeq: make(map[string]*sync.Mutex),
		mirror:    mirror,
	}
}

// Publish stamps id/timestamp if unset and fans the event out to every
// matching subscription. Publish never fails for the caller: a full
// subscriber buffer drops the oldest buffered event for that subscription
// and emits a SUBSCRIBER_LAGGED event (once per overflow burst) instead of
// blocking.
func (b *Bus) Publish(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	if e.StreamID != "" {
		b.streamLock(e.StreamID).Lock()
		defer b.streamLock(e.StreamID).Unlock()
	}

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.matches(e) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s, e)
	}

	if b.mirror != nil && e.Type != SubscriberLagged {
		b.mirror.Mirror(e)
	}
	return e
}

func (b *Bus) streamLock(streamID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.streamSeq[streamID]
	if !ok {
		l = &sync.Mutex{}
		b.streamSeq[streamID] = l
	}
	return l
}

func (b *Bus) deliver(s *subscription, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
		s.lagged = false
	default:
		// Buffer full: drop the oldest event to make room, then deliver the
		// new one. This keeps the bus non-blocking for the publisher.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- e:
		default:
		}
		if !s.lagged {
			s.lagged = true
			go b.Publish(Event{
				Type:     SubscriberLagged,
				StreamID: e.StreamID,
				GraphID:  e.GraphID,
				Payload:  map[string]any{"subscriptionId": s.id},
			})
		}
	}
}

// Subscribe registers a filter and returns its id plus a cooperative
// delivery channel. The caller must eventually call Unsubscribe to end the
// subscription.
func (b *Bus) Subscribe(filter Filter) (string, <-chan Event) {
	s := &subscription{
		id:     uuid.NewString(),
		filter: filter,
		ch:     make(chan Event, subscriberBufferSize),
	}
	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()
	return s.id, s.ch
}

// Unsubscribe removes a subscription and closes its channel. Unsubscribing
// an unknown id is a no-op.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	s, ok := b.subs[subID]
	if ok {
		delete(b.subs, subID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
