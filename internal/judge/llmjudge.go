package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentgraph/runtime/internal/llmclient"
)

// LLMCritic asks a model to self-assess a turn against a node's
// successCriteria, the way the teacher's four-phase executor asks an agent
// to self-assess against its own commitment at the SUPERVISE phase. Used for
// nodes whose successCriteria is too nuanced for the rule-based Default
// judge (spec.md §4.5 "nodes may opt into a custom judge").
type LLMCritic struct {
	client   *llmclient.Client
	fallback Judge
}

// NewLLMCritic wraps a model as a Judge. fallback is consulted whenever the
// model call fails or its response can't be parsed, so a flaky model never
// stalls the step loop.
func NewLLMCritic(client *llmclient.Client, fallback Judge) *LLMCritic {
	if fallback == nil {
		fallback = Default{}
	}
	return &LLMCritic{client: client, fallback: fallback}
}

type critiqueResponse struct {
	Verdict   string `json:"verdict"`
	Rationale string `json:"rationale"`
}

// Evaluate implements Judge.
func (j *LLMCritic) Evaluate(ctx context.Context, in Input) Result {
	if in.HadToolCalls {
		// Rule 1 is structural, not a judgment call; no model round trip needed.
		return Result{Verdict: Continue, Rationale: "assistant issued tool calls; more work pending"}
	}

	prompt := j.buildPrompt(in)
	turn, err := j.client.Generate(ctx, []llmclient.Message{
		{Role: llmclient.RoleSystem, Content: "You are judging whether an assistant's turn satisfies a node's success criteria. Be strict."},
		{Role: llmclient.RoleUser, Content: prompt},
	}, nil, nil)
	if err != nil {
		return j.fallback.Evaluate(ctx, in)
	}

	jsonStr := extractJSON(turn.Content)
	if jsonStr == "" {
		return j.fallback.Evaluate(ctx, in)
	}
	var resp critiqueResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return j.fallback.Evaluate(ctx, in)
	}

	switch Verdict(strings.ToUpper(resp.Verdict)) {
	case Accept, Retry, Continue, Escalate:
		return Result{Verdict: Verdict(strings.ToUpper(resp.Verdict)), Rationale: resp.Rationale}
	default:
		return j.fallback.Evaluate(ctx, in)
	}
}

func (j *LLMCritic) buildPrompt(in Input) string {
	return fmt.Sprintf(`NODE: %s
SUCCESS CRITERIA: %s
REQUIRED OUTPUTS: %v
OUTPUTS SET SO FAR: %v
ASSISTANT'S LATEST TEXT:
%s

Respond with a JSON object:
{
  "verdict": "ACCEPT|RETRY|CONTINUE|ESCALATE",
  "rationale": "one sentence explaining the verdict"
}`, in.Node.ID, in.Node.SuccessCriteria, in.Node.RequiredOutputKeys(), in.AccumulatedKeys, in.AssistantText)
}

// extractJSON returns the span of s from the first '{' to the last '}', tolerating
// surrounding prose the way models sometimes add it despite instructions.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return s[start : end+1]
}
