package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/vinayprograms/agentkit/security"
)

// SetSecurityVerifier attaches agentkit's tiered security verifier. A nil
// verifier (the default) makes verifyToolCall and AddUntrustedContent no-ops,
// matching the teacher's own opt-in wiring.
func (e *Executor) SetSecurityVerifier(v *security.Verifier) {
	e.securityVerifier = v
	e.logger.Info("security verifier attached", nil)
}

// SetExternalToolNames marks which built-in tool names fetch content from
// outside the conversation (web fetch, search, and similar), so their
// results get tainted as untrusted the same way MCP tool results always are.
func (e *Executor) SetExternalToolNames(names ...string) {
	e.externalToolNames = make(map[string]bool, len(names))
	for _, n := range names {
		e.externalToolNames[n] = true
	}
}

// verifyToolCall runs a requested tool call through the three-tier security
// verifier (static pattern match, small-model triage, supervisor) before
// dispatch. A nil verifier allows every call through unchecked. It is called
// from dispatchToolCalls immediately before Tools.Dispatch, once per call, so
// a denied call never reaches the registry; the caller is responsible for
// publishing TOOL_CALL_BLOCKED, since only it knows whether this was the
// call's only attempt.
func (e *Executor) verifyToolCall(ctx context.Context, vc VisitContext, toolName string, args map[string]interface{}) error {
	e.lastSecurityRelatedBlocks = nil
	if e.securityVerifier == nil {
		return nil
	}

	result, err := e.securityVerifier.VerifyToolCall(ctx, toolName, args, vc.NodeID, vc.GraphID)
	if err != nil {
		return fmt.Errorf("executor: security verification: %w", err)
	}

	if result.Tier1 != nil {
		for _, b := range result.Tier1.RelatedBlocks {
			e.lastSecurityRelatedBlocks = append(e.lastSecurityRelatedBlocks, b.ID)
		}
	}

	if !result.Allowed {
		return fmt.Errorf("%s", result.DenyReason)
	}
	return nil
}

// AddUntrustedContent registers content returned from outside the
// conversation (an MCP tool, a marked external tool) as an untrusted block,
// so later security checks can trace anything derived from it.
func (e *Executor) AddUntrustedContent(vc VisitContext, content, source string) {
	e.addUntrustedContentWithTaint(vc, content, source, e.lastSecurityRelatedBlocks)
}

func (e *Executor) addUntrustedContentWithTaint(vc VisitContext, content, source string, taintedBy []string) {
	if e.securityVerifier == nil || content == "" {
		return
	}
	e.securityVerifier.AddBlockWithTaint(
		security.TrustUntrusted,
		security.TypeData,
		true,
		content,
		source,
		vc.NodeID,
		0,
		taintedBy,
	)
}

// isUntrustedResult reports whether a dispatched tool's result should be
// tainted: every MCP tool call crosses a third-party boundary, plus any
// built-in tool named via SetExternalToolNames.
func (e *Executor) isUntrustedResult(toolName string) bool {
	if strings.HasPrefix(toolName, "mcp_") {
		return true
	}
	return e.externalToolNames[toolName]
}
