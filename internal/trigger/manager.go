// Package trigger implements the four TriggerSources kinds of spec.md §4.8:
// manual, timer (cron or interval), event (EventBus subscription), and
// webhook (embedded HTTP listener, optionally tunneled over tailscale).
package trigger

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentgraph/runtime/internal/bus"
	"github.com/agentgraph/runtime/internal/graph"
)

// Fire is delivered to AgentRuntime when any trigger source activates an
// entry point. Payload carries the webhook body, event payload, or is nil
// for manual/timer firings.
type Fire struct {
	EntryPointID string
	Payload      map[string]any
}

// Manager owns every active trigger for one graph's entry points and
// forwards activations to a single callback, decoupling TriggerSources from
// AgentRuntime's own bookkeeping.
type Manager struct {
	bus      *bus.Bus
	webhooks *WebhookServer
	onFire   func(Fire)

	mu        sync.Mutex
	cancelers []context.CancelFunc
	unsubs    []func()
}

// NewManager builds a Manager. webhooks may be nil if no entry point in this
// process uses a webhook trigger.
func NewManager(eventBus *bus.Bus, webhooks *WebhookServer, onFire func(Fire)) *Manager {
	return &Manager{bus: eventBus, webhooks: webhooks, onFire: onFire}
}

// Start wires every entry point's trigger and begins listening/ticking.
// Manual entry points are not started here — AgentRuntime.Trigger invokes
// them directly.
func (m *Manager) Start(ctx context.Context, graphID string, entryPoints []graph.EntryPointSpec) error {
	for _, ep := range entryPoints {
		switch ep.TriggerType {
		case graph.TriggerManual:
			continue
		case graph.TriggerTimer:
			if err := m.startTimer(ctx, ep); err != nil {
				return fmt.Errorf("trigger: entry point %s: %w", ep.ID, err)
			}
		case graph.TriggerEvent:
			m.startEvent(graphID, ep)
		case graph.TriggerWebhook:
			if err := m.startWebhook(ep); err != nil {
				return fmt.Errorf("trigger: entry point %s: %w", ep.ID, err)
			}
		default:
			return fmt.Errorf("trigger: entry point %s: unknown trigger type %q", ep.ID, ep.TriggerType)
		}
	}
	return nil
}

func (m *Manager) startTimer(ctx context.Context, ep graph.EntryPointSpec) error {
	timer, err := NewTimer(ep.TriggerConfig.Cron, ep.TriggerConfig.IntervalMinutes)
	if err != nil {
		return err
	}
	timerCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancelers = append(m.cancelers, cancel)
	m.mu.Unlock()

	go timer.Run(timerCtx, func() {
		m.onFire(Fire{EntryPointID: ep.ID})
	})
	return nil
}

func (m *Manager) startEvent(graphID string, ep graph.EntryPointSpec) {
	if m.bus == nil {
		return
	}
	filter := bus.Filter{
		Stream:          ep.TriggerConfig.FilterStream,
		Node:            ep.TriggerConfig.FilterNode,
		ExcludeOwnGraph: boolToExcludeFilter(ep.TriggerConfig.ExcludeOwnGraph, graphID),
	}
	subID, ch := m.bus.Subscribe(filter)
	m.mu.Lock()
	m.unsubs = append(m.unsubs, func() { m.bus.Unsubscribe(subID) })
	m.mu.Unlock()

	allowed := make(map[string]bool, len(ep.TriggerConfig.EventTypes))
	for _, t := range ep.TriggerConfig.EventTypes {
		allowed[t] = true
	}

	go func() {
		for evt := range ch {
			if len(allowed) > 0 && !allowed[string(evt.Type)] {
				continue
			}
			m.onFire(Fire{EntryPointID: ep.ID, Payload: map[string]any{"event": evt}})
		}
	}()
}

func (m *Manager) startWebhook(ep graph.EntryPointSpec) error {
	if m.webhooks == nil {
		return fmt.Errorf("no webhook server configured")
	}
	path := ep.TriggerConfig.WebhookPath
	if path == "" {
		return fmt.Errorf("webhook entry point requires webhookPath")
	}
	secret := ep.TriggerConfig.WebhookSecret
	m.webhooks.Register(path, secret, func(_ string, body []byte) {
		m.onFire(Fire{EntryPointID: ep.ID, Payload: map[string]any{"body": string(body)}})
	})
	return nil
}

// Stop cancels every timer and unsubscribes every event-trigger subscription
// started by this Manager. It does not shut down the webhook server, which
// may be shared by other graphs' entry points.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.cancelers {
		cancel()
	}
	m.cancelers = nil
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
}

func boolToExcludeFilter(exclude bool, graphID string) string {
	if exclude {
		return graphID
	}
	return ""
}
