// Package llmclient adapts agentkit's llm.Provider into the runtime's own
// Generate contract: one node-visit turn in, one assistant turn (with any
// tool calls) out, with a delta callback for streaming to the EventBus.
package llmclient

import (
	"context"
	"fmt"

	"github.com/vinayprograms/agentkit/llm"
)

// Role mirrors llm.Message.Role; kept as a type alias surface so callers
// outside this package never import agentkit directly.
type Role = string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Message is one turn of the conversation handed to or returned from the model.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // set on RoleTool messages: which call this answers
}

// ToolDef describes one tool the model may call.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Turn is the result of one Generate call.
type Turn struct {
	Content   string
	ToolCalls []ToolCall
}

// DeltaFunc receives incremental text as the model streams its response; it
// is invoked zero or more times before Generate returns. Implementations
// publish LLM_TEXT_DELTA events.
type DeltaFunc func(text string)

// Client wraps one agentkit llm.Provider.
type Client struct {
	provider llm.Provider
}

// New wraps an agentkit provider.
func New(provider llm.Provider) *Client {
	return &Client{provider: provider}
}

// Generate sends messages and available tools to the model and returns its
// turn. The provider call is not streamed: when the returned assistant text
// is non-empty, onDelta is called once with the whole text before the Turn
// is returned.
func (c *Client) Generate(ctx context.Context, messages []Message, tools []ToolDef, onDelta DeltaFunc) (Turn, error) {
	req := llm.ChatRequest{
		Messages: toProviderMessages(messages),
		Tools:    toProviderTools(tools),
	}

	resp, err := c.provider.Chat(ctx, req)
	if err != nil {
		return Turn{}, fmt.Errorf("llmclient: chat: %w", err)
	}

	if onDelta != nil && resp.Content != "" {
		// agentkit's Provider.Chat returns the complete response rather than
		// a stream in this version; deliver it as a single delta so callers
		// that only observe onDelta still see the text.
		onDelta(resp.Content)
	}

	return Turn{
		Content:   resp.Content,
		ToolCalls: fromProviderToolCalls(resp.ToolCalls),
	}, nil
}

func toProviderMessages(messages []Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	for i, m := range messages {
		out[i] = llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  toProviderToolCalls(m.ToolCalls),
			ToolCallID: m.ToolCallID,
		}
	}
	return out
}

func toProviderToolCalls(calls []ToolCall) []llm.ToolCallResponse {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCallResponse, len(calls))
	for i, c := range calls {
		out[i] = llm.ToolCallResponse{ID: c.ID, Name: c.Name, Args: c.Args}
	}
	return out
}

func fromProviderToolCalls(calls []llm.ToolCallResponse) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, c := range calls {
		out[i] = ToolCall{ID: c.ID, Name: c.Name, Args: c.Args}
	}
	return out
}

func toProviderTools(tools []ToolDef) []llm.ToolDef {
	if len(tools) == 0 {
		return nil
	}
	out := make([]llm.ToolDef, len(tools))
	for i, t := range tools {
		out[i] = llm.ToolDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	return out
}
